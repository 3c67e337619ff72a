// Package engine advances workflow instances through their definition graph.
// It owns node dispatch, queue processing, the stage-change guard and the
// trigger entry points.
package engine

import (
	"flowline/pkg/schema"
)

// validTransitions is the instance status state machine. Terminal statuses
// admit no further transitions.
var validTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusRunning: {
		schema.InstanceStatusWaiting,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusCancelled,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusWaiting: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusCancelled,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusCancelled: {},
	schema.InstanceStatusFailed:    {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to schema.InstanceStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an INVALID_TRANSITION error when from may not move
// to to.
func CheckTransition(from, to schema.InstanceStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance cannot move from %s to %s", from, to)
	}
	return nil
}
