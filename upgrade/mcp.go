package upgrade

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/buildwatch/kit"
)

// RegisterMCP registers the detector tools on an MCP server.
func (d *Detector) RegisterMCP(srv *mcp.Server) {
	d.registerStatusTool(srv)
	d.registerCheckTool(srv)
	d.registerCancelTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (d *Detector) endpoint(name string, e kit.Endpoint, mws ...kit.Middleware) kit.Endpoint {
	return kit.Chain(append([]kit.Middleware{kit.Logging(d.opts.Logger, name)}, mws...)...)(e)
}

// requireActive rejects calls once the detector is idle or cancelled.
func (d *Detector) requireActive(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		if st := d.State(); st != StateActive {
			return nil, fmt.Errorf("detector is %s", st)
		}
		return next(ctx, req)
	}
}

// --- status ---

func (d *Detector) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "upgrade_status",
		Description: "Report the build fingerprint the detector started with, the last persisted one, and whether a new version was detected.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return d.Stats(ctx), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, d.endpoint(tool.Name, endpoint), decode)
}

// --- check ---

type checkReq struct {
	Fetch bool `json:"fetch"`
}

func (d *Detector) registerCheckTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "upgrade_check",
		Description: "Run a manual upgrade check. With fetch=true the deployed entry document is fetched; otherwise only the persisted fingerprint is compared.",
		InputSchema: inputSchema(map[string]any{
			"fetch": map[string]any{"type": "boolean", "description": "Fetch the deployed entry document"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*checkReq)
		d.Trigger(ctx, r.Fetch)
		return d.Stats(ctx), nil
	}

	kit.RegisterMCPTool(srv, tool, d.endpoint(tool.Name, endpoint, d.requireActive), kit.DecodeJSON[checkReq]())
}

// --- cancel ---

func (d *Detector) registerCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "upgrade_cancel",
		Description: "Cancel the detector. It stops checking and never notifies again.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		d.Cancel()
		return d.Stats(ctx), nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, d.endpoint(tool.Name, endpoint), decode)
}
