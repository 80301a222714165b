package upgrade

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "buildwatch-test", Version: "0.1.0"}

func mcpSession(t *testing.T, d *Detector) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	d.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (*mcp.CallToolResult, Stats) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	var st Stats
	if !result.IsError {
		tc, ok := result.Content[0].(*mcp.TextContent)
		if !ok {
			t.Fatalf("CallTool(%s): expected TextContent", name)
		}
		if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}
	return result, st
}

func TestMCP_StatusCheckCancel(t *testing.T) {
	opts := testOptions(newFakeClock())
	opts.FetchHash = func(context.Context) (string, error) { return "def", nil }
	d := startedDetector(t, opts)
	session := mcpSession(t, d)

	_, st := mcpCall(t, session, "upgrade_status", map[string]any{})
	if st.State != "active" || st.ID != d.ID() {
		t.Fatalf("status: %+v", st)
	}

	_, st = mcpCall(t, session, "upgrade_check", map[string]any{"fetch": true})
	if !st.HasNewVersion || st.Notifications != 1 {
		t.Fatalf("check: %+v", st)
	}

	_, st = mcpCall(t, session, "upgrade_cancel", map[string]any{})
	if st.State != "cancelled" {
		t.Fatalf("cancel: %+v", st)
	}

	res, _ := mcpCall(t, session, "upgrade_check", map[string]any{})
	if !res.IsError {
		t.Fatal("check on a cancelled detector should be a tool error")
	}
}

func TestMCP_CheckRejectedBeforeStart(t *testing.T) {
	opts := testOptions(newFakeClock())
	opts.FetchHash = func(context.Context) (string, error) {
		t.Error("idle detector must not fetch")
		return "def", nil
	}
	d := New(opts, nil)
	session := mcpSession(t, d)

	res, _ := mcpCall(t, session, "upgrade_check", map[string]any{"fetch": true})
	if !res.IsError {
		t.Fatal("check on an idle detector should be a tool error")
	}
	if d.State() != StateIdle {
		t.Fatalf("state: got %s", d.State())
	}
}
