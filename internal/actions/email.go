package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// EmailConfig configures the send_email action's delivery provider.
type EmailConfig struct {
	ProviderURL string
	APIKey      string
	FromAddress string
	Timeout     time.Duration
	Client      *http.Client
}

// SendEmailAction implements the "send_email" action. Delivery goes through
// the configured provider's HTTP API; subject and body support templates.
type SendEmailAction struct {
	config EmailConfig
}

// NewSendEmailAction creates the send_email action.
func NewSendEmailAction(cfg EmailConfig) *SendEmailAction {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &SendEmailAction{config: cfg}
}

func (a *SendEmailAction) Type() string { return "send_email" }

func (a *SendEmailAction) Describe() string {
	return "Send an email through the configured delivery provider."
}

func (a *SendEmailAction) Validate(config map[string]any) error {
	to := stringParam(config, "to", "")
	if to == "" {
		return schema.NewError(schema.ErrCodeValidation, "send_email: missing required param 'to'")
	}
	if !strings.Contains(to, "{{") {
		if _, err := mail.ParseAddress(to); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "send_email: invalid recipient %q", to)
		}
	}
	if stringParam(config, "subject", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "send_email: missing required param 'subject'")
	}
	return nil
}

func (a *SendEmailAction) Execute(ctx context.Context, input Input) (*Output, error) {
	config, _ := Interpolate(input.Config, input.Context).(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}
	if a.config.ProviderURL == "" {
		return nil, schema.NewError(schema.ErrCodeIntegration, "send_email: no delivery provider configured")
	}

	from := stringParam(config, "from", a.config.FromAddress)
	payload := map[string]any{
		"from":    from,
		"to":      stringParam(config, "to", ""),
		"subject": stringParam(config, "subject", ""),
		"text":    stringParam(config, "body", ""),
	}
	if html := stringParam(config, "html", ""); html != "" {
		payload["html"] = html
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "send_email: failed to marshal payload").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.config.ProviderURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "send_email: failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.config.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "send_email: provider request failed: %v", err).
			WithCause(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		err := schema.NewErrorf(schema.ErrCodeIntegration, "send_email: provider returned %d", resp.StatusCode).
			WithDetails(map[string]any{"response": string(respBody)})
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			err.Recoverable = false
		}
		return nil, err
	}

	result := map[string]any{"sent": true, "to": payload["to"]}
	var providerResp map[string]any
	if json.Unmarshal(respBody, &providerResp) == nil {
		if id, ok := providerResp["id"]; ok {
			result["message_id"] = fmt.Sprintf("%v", id)
		}
	}
	return &Output{Data: result}, nil
}
