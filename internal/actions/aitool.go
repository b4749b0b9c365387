package actions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/conveyr/conveyr/pkg/schema"
)

// ToolCaller invokes a named tool on an MCP server and returns its text
// output. Abstracted so tests can substitute a fake transport.
type ToolCaller interface {
	CallTool(ctx context.Context, serverURL, tool string, args map[string]any) (string, error)
}

// AIToolConfig configures the ai_tool action.
type AIToolConfig struct {
	DefaultServerURL string
	Timeout          time.Duration
	Caller           ToolCaller
}

// AIToolAction implements the "ai_tool" action: invokes a tool exposed by an
// MCP server. Failures are ai_agent-category errors and retried per policy.
type AIToolAction struct {
	config AIToolConfig
}

// NewAIToolAction creates the ai_tool action.
func NewAIToolAction(cfg AIToolConfig) *AIToolAction {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Caller == nil {
		cfg.Caller = &mcpToolCaller{}
	}
	return &AIToolAction{config: cfg}
}

func (a *AIToolAction) Type() string { return "ai_tool" }

func (a *AIToolAction) Describe() string {
	return "Invoke a tool exposed by an MCP server."
}

func (a *AIToolAction) Validate(config map[string]any) error {
	if stringParam(config, "tool", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "ai_tool: missing required param 'tool'")
	}
	return nil
}

func (a *AIToolAction) Execute(ctx context.Context, input Input) (*Output, error) {
	config, _ := Interpolate(input.Config, input.Context).(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	if err := a.Validate(config); err != nil {
		return nil, err
	}

	serverURL := stringParam(config, "server_url", a.config.DefaultServerURL)
	if serverURL == "" {
		return nil, schema.NewError(schema.ErrCodeAIAgent, "ai_tool: no MCP server configured")
	}
	tool := stringParam(config, "tool", "")
	args := mapParam(config, "arguments")

	callCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	text, err := a.config.Caller.CallTool(callCtx, serverURL, tool, args)
	if err != nil {
		code := schema.ErrCodeAIAgent
		if callCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewErrorf(code, "ai_tool: %s failed: %v", tool, err).
			WithCause(err).
			WithCategory(schema.CategoryAIAgent)
	}

	result := map[string]any{"tool": tool}
	var structured map[string]any
	if json.Unmarshal([]byte(text), &structured) == nil {
		result["output"] = structured
	} else {
		result["output"] = text
	}
	return &Output{Data: result}, nil
}

// mcpToolCaller is the production ToolCaller speaking MCP over streamable
// HTTP. A fresh session per call keeps the action stateless.
type mcpToolCaller struct{}

func (c *mcpToolCaller) CallTool(ctx context.Context, serverURL, tool string, args map[string]any) (string, error) {
	mcpClient, err := client.NewStreamableHttpClient(serverURL)
	if err != nil {
		return "", err
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return "", err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "conveyr", Version: "1.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return "", err
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args
	result, err := mcpClient.CallTool(ctx, callReq)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", schema.NewErrorf(schema.ErrCodeAIAgent, "tool returned error: %s", text)
	}
	return text, nil
}
