package schema

import "encoding/json"

// Known context keys. Anything else lives in Extra.
const (
	ctxKeyDryRun             = "dry_run"
	ctxKeyTriggeredManually  = "triggered_manually"
	ctxKeyTriggerStageID     = "trigger_stage_id"
	ctxKeyWaitCheckStage     = "wait_check_stage"
	ctxKeyWaitInitialStageID = "wait_initial_stage_id"
	ctxKeyLastTaskOutcome    = "last_task_outcome"
)

// InstanceContext is the inter-node communication channel of an instance.
// The engine's own flags are typed fields; everything an action merges in
// beyond those lands in Extra, preserving the open key/value bag semantics
// on the wire (the whole context serializes as a single flat JSON object).
type InstanceContext struct {
	DryRun             bool
	TriggeredManually  bool
	TriggerStageID     string
	WaitCheckStage     bool
	WaitInitialStageID string
	LastTaskOutcome    string
	Extra              map[string]any
}

// AsMap flattens the context into a single map, known fields included.
// Used as the evaluation environment for edge conditions.
func (c *InstanceContext) AsMap() map[string]any {
	m := make(map[string]any, len(c.Extra)+6)
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.DryRun {
		m[ctxKeyDryRun] = true
	}
	if c.TriggeredManually {
		m[ctxKeyTriggeredManually] = true
	}
	if c.TriggerStageID != "" {
		m[ctxKeyTriggerStageID] = c.TriggerStageID
	}
	if c.WaitCheckStage {
		m[ctxKeyWaitCheckStage] = true
	}
	if c.WaitInitialStageID != "" {
		m[ctxKeyWaitInitialStageID] = c.WaitInitialStageID
	}
	if c.LastTaskOutcome != "" {
		m[ctxKeyLastTaskOutcome] = c.LastTaskOutcome
	}
	return m
}

// Merge append-merges a result map into the context. Known keys are routed
// to their typed fields; the rest accumulate in Extra, later writes winning.
func (c *InstanceContext) Merge(result map[string]any) {
	for k, v := range result {
		switch k {
		case ctxKeyDryRun:
			c.DryRun = truthyBool(v)
		case ctxKeyTriggeredManually:
			c.TriggeredManually = truthyBool(v)
		case ctxKeyTriggerStageID:
			c.TriggerStageID = asString(v)
		case ctxKeyWaitCheckStage:
			c.WaitCheckStage = truthyBool(v)
		case ctxKeyWaitInitialStageID:
			c.WaitInitialStageID = asString(v)
		case ctxKeyLastTaskOutcome:
			c.LastTaskOutcome = asString(v)
		default:
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[k] = v
		}
	}
}

// MarshalJSON flattens the context into one JSON object.
func (c InstanceContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.AsMap())
}

// UnmarshalJSON splits a flat JSON object back into typed fields plus Extra.
func (c *InstanceContext) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = InstanceContext{}
	c.Merge(m)
	return nil
}

func truthyBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
