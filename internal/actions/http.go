package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the outbound HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

// HTTPCallAction implements the "http_call" action: an outbound HTTP request
// with templated URL, headers and body.
type HTTPCallAction struct {
	config HTTPConfig
}

// NewHTTPCallAction creates the http_call action.
func NewHTTPCallAction(cfg HTTPConfig) *HTTPCallAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPCallAction{config: cfg}
}

func (a *HTTPCallAction) Type() string { return "http_call" }

func (a *HTTPCallAction) Describe() string {
	return "Perform an outbound HTTP request with templated URL, headers and body."
}

func (a *HTTPCallAction) Validate(config map[string]any) error {
	rawURL := stringParam(config, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http_call: missing required param 'url'")
	}
	// Templated URLs are resolved at execution time and cannot be parsed yet.
	if strings.Contains(rawURL, "{{") {
		return nil
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http_call: invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPCallAction) Execute(ctx context.Context, input Input) (*Output, error) {
	config, _ := Interpolate(input.Config, input.Context).(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(config, "method", "GET"))
	rawURL := stringParam(config, "url", "")

	timeout := a.config.DefaultTimeout
	if ts := stringParam(config, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	contentType := ""
	if rawBody, ok := config["body"]; ok && rawBody != nil {
		if s, ok := rawBody.(string); ok {
			bodyReader = strings.NewReader(s)
		} else {
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http_call: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http_call: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(config, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	start := time.Now()
	resp, err := a.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		code := schema.ErrCodeExecution
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "http_call: request failed: %v", err).
			WithCause(err).
			WithCategory(schema.CategoryNetwork)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http_call: failed to read response body").
			WithCause(err).
			WithCategory(schema.CategoryNetwork)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
		"duration_ms": durationMs,
	}

	if boolParam(config, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		err := schema.NewErrorf(schema.ErrCodeExecution, "http_call: %s returned %d", rawURL, resp.StatusCode).
			WithDetails(result).
			WithCategory(schema.CategoryNetwork)
		// 4xx responses will not improve on retry.
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err.Recoverable = false
		}
		return nil, err
	}

	return &Output{Data: result}, nil
}
