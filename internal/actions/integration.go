package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// IntegrationConfig configures the integration action's adapter gateway.
type IntegrationConfig struct {
	GatewayURL string
	APIKey     string
	Timeout    time.Duration
	Client     *http.Client
}

// IntegrationAction implements the "integration" action: invokes an
// operation on an external provider through the integration gateway.
// Provider failures are integration-category errors and retried per policy.
type IntegrationAction struct {
	config IntegrationConfig
}

// NewIntegrationAction creates the integration action.
func NewIntegrationAction(cfg IntegrationConfig) *IntegrationAction {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &IntegrationAction{config: cfg}
}

func (a *IntegrationAction) Type() string { return "integration" }

func (a *IntegrationAction) Describe() string {
	return "Invoke an operation on an external provider through the integration gateway."
}

func (a *IntegrationAction) Validate(config map[string]any) error {
	if stringParam(config, "provider", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "integration: missing required param 'provider'")
	}
	if stringParam(config, "operation", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "integration: missing required param 'operation'")
	}
	return nil
}

func (a *IntegrationAction) Execute(ctx context.Context, input Input) (*Output, error) {
	config, _ := Interpolate(input.Config, input.Context).(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}
	if a.config.GatewayURL == "" {
		return nil, schema.NewError(schema.ErrCodeIntegration, "integration: no gateway configured")
	}

	provider := stringParam(config, "provider", "")
	operation := stringParam(config, "operation", "")

	payload := map[string]any{
		"provider":  provider,
		"operation": operation,
		"params":    mapParam(config, "params"),
	}
	if input.Context != nil {
		payload["organization_id"] = input.Context.OrganizationID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "integration: failed to marshal payload").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.config.GatewayURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "integration: failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.config.Client.Do(req)
	if err != nil {
		code := schema.ErrCodeIntegration
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "integration: %s.%s request failed: %v", provider, operation, err).
			WithCause(err).
			WithCategory(schema.CategoryIntegration)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if resp.StatusCode >= 400 {
		err := schema.NewErrorf(schema.ErrCodeIntegration, "integration: %s.%s returned %d", provider, operation, resp.StatusCode).
			WithDetails(map[string]any{"response": string(respBody)})
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err.Recoverable = false
		}
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		result = map[string]any{"raw": string(respBody)}
	}
	return &Output{Data: result}, nil
}
