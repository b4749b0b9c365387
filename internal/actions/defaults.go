package actions

// DefaultsConfig carries the provider settings for the built-in action set.
type DefaultsConfig struct {
	HTTP        HTTPConfig
	Email       EmailConfig
	Integration IntegrationConfig
	AITool      AIToolConfig
}

// NewDefaultRegistry builds a registry with the full built-in action set.
func NewDefaultRegistry(cfg DefaultsConfig) (*Registry, error) {
	r := NewRegistry()
	all := []Action{
		NewHTTPCallAction(cfg.HTTP),
		NewSendEmailAction(cfg.Email),
		NewConditionAction(),
		NewTransformAction(),
		NewComputeAction(),
		NewIntegrationAction(cfg.Integration),
		NewAIToolAction(cfg.AITool),
		NewDelayAction(),
	}
	for _, a := range all {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}
