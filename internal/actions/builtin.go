package actions

// RegisterBuiltins registers the built-in actions on the registry.
func RegisterBuiltins(registry *Registry, s Store, fallbackAssignee string) error {
	builtins := []Action{
		NewCreateTaskAction(s, fallbackAssignee),
		NewMoveCardAction(s),
	}
	for _, action := range builtins {
		if err := registry.Register(action); err != nil {
			return err
		}
	}
	return nil
}
