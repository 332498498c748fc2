package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func testMCPServer() *server.MCPServer {
	s := server.NewMCPServer("upstream-test", "0.0.1",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)
	s.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "echoes text back",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"text": map[string]any{"type": "string"}},
		},
	}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		if text == "" {
			return mcp.NewToolResultError("text is required"), nil
		}
		return mcp.NewToolResultText(text), nil
	})
	s.AddResource(mcp.Resource{
		URI:      "test://greeting",
		Name:     "greeting",
		MIMEType: "text/plain",
	}, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: "test://greeting", MIMEType: "text/plain", Text: "hello"},
		}, nil
	})
	s.AddPrompt(mcp.Prompt{
		Name:        "greet",
		Description: "greets someone",
		Arguments:   []mcp.PromptArgument{{Name: "who"}},
	}, func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "greets someone",
			Messages: []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent{Type: "text", Text: "Hello " + req.Params.Arguments["who"]},
			}},
		}, nil
	})
	return s
}

func connectedManager(t *testing.T) *Manager {
	t.Helper()
	srv := server.NewTestStreamableHTTPServer(testMCPServer())
	t.Cleanup(srv.Close)
	mgr := NewManager([]Definition{{ID: "up", Transport: TransportHTTP, URL: srv.URL}}, "test", 5*time.Second)
	t.Cleanup(mgr.Close)
	if err := mgr.Connect(context.Background(), "up"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return mgr
}

func TestManagerConnectAndList(t *testing.T) {
	mgr := connectedManager(t)

	if !mgr.Connected("up") {
		t.Fatalf("server should be connected")
	}
	if ids := mgr.ListServers(); len(ids) != 1 || ids[0] != "up" {
		t.Fatalf("servers = %v", ids)
	}

	tools, err := mgr.ListTools(context.Background(), "up")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}

	resources, err := mgr.ListResources(context.Background(), "up")
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "test://greeting" {
		t.Fatalf("resources = %+v", resources)
	}

	prompts, err := mgr.ListPrompts(context.Background(), "up")
	if err != nil {
		t.Fatalf("list prompts: %v", err)
	}
	if len(prompts) != 1 || prompts[0].Name != "greet" {
		t.Fatalf("prompts = %+v", prompts)
	}

	snap := mgr.Snapshot()
	if len(snap) != 1 || !snap[0].Connected {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].ServerName != "upstream-test" || snap[0].ServerVersion != "0.0.1" {
		t.Fatalf("server info = %+v", snap[0])
	}
	if snap[0].ProtocolVersion == "" {
		t.Fatalf("protocol version missing: %+v", snap[0])
	}
	if !slices.Contains(snap[0].Capabilities, "tools") {
		t.Fatalf("capabilities = %v", snap[0].Capabilities)
	}
}

func TestManagerExecuteTool(t *testing.T) {
	mgr := connectedManager(t)

	res, err := mgr.ExecuteTool(context.Background(), "up", "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	b, _ := json.Marshal(res)
	if !strings.Contains(string(b), `"hi"`) {
		t.Fatalf("result = %s", b)
	}

	res, err = mgr.ExecuteTool(context.Background(), "up", "echo", map[string]any{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected isError result, got %+v", res)
	}
}

func TestManagerReadResource(t *testing.T) {
	mgr := connectedManager(t)

	res, err := mgr.ReadResource(context.Background(), "up", "test://greeting")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b, _ := json.Marshal(res)
	if !strings.Contains(string(b), "hello") {
		t.Fatalf("result = %s", b)
	}
}

func TestManagerGetPrompt(t *testing.T) {
	mgr := connectedManager(t)

	res, err := mgr.GetPrompt(context.Background(), "up", "greet", map[string]any{"who": "world"})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	b, _ := json.Marshal(res)
	if !strings.Contains(string(b), "Hello world") {
		t.Fatalf("result = %s", b)
	}
}

func TestManagerListsFollowPagination(t *testing.T) {
	s := server.NewMCPServer("paged", "0.0.1",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
		server.WithPaginationLimit(1),
	)
	echo := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}
	for _, name := range []string{"first", "second", "third"} {
		s.AddTool(mcp.Tool{
			Name:        name,
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		}, echo)
		s.AddResource(mcp.Resource{URI: "test://" + name, Name: name}, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return nil, nil
		})
		s.AddPrompt(mcp.Prompt{Name: name}, func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{}, nil
		})
	}

	srv := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(srv.Close)
	mgr := NewManager([]Definition{{ID: "paged", Transport: TransportHTTP, URL: srv.URL}}, "test", 5*time.Second)
	t.Cleanup(mgr.Close)
	if err := mgr.Connect(context.Background(), "paged"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tools, err := mgr.ListTools(context.Background(), "paged")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
	}
	if len(tools) != 3 || !names["first"] || !names["second"] || !names["third"] {
		t.Fatalf("tools across pages = %+v", tools)
	}

	resources, err := mgr.ListResources(context.Background(), "paged")
	if err != nil {
		t.Fatalf("list resources: %v", err)
	}
	if len(resources) != 3 {
		t.Fatalf("resources across pages = %+v", resources)
	}

	prompts, err := mgr.ListPrompts(context.Background(), "paged")
	if err != nil {
		t.Fatalf("list prompts: %v", err)
	}
	if len(prompts) != 3 {
		t.Fatalf("prompts across pages = %+v", prompts)
	}
}

func TestManagerSSETransport(t *testing.T) {
	srv := server.NewTestServer(testMCPServer())
	t.Cleanup(srv.Close)

	mgr := NewManager([]Definition{{ID: "up", Transport: TransportSSE, URL: srv.URL + "/sse"}}, "test", 5*time.Second)
	t.Cleanup(mgr.Close)
	if err := mgr.Connect(context.Background(), "up"); err != nil {
		t.Fatalf("connect over sse: %v", err)
	}
	tools, err := mgr.ListTools(context.Background(), "up")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestManagerUnknownServer(t *testing.T) {
	mgr := connectedManager(t)

	if err := mgr.Connect(context.Background(), "ghost"); err == nil {
		t.Fatalf("connect to unconfigured server should fail")
	}
	if _, err := mgr.ListTools(context.Background(), "ghost"); err == nil {
		t.Fatalf("list on unconnected server should fail")
	}
	if _, err := mgr.ExecuteTool(context.Background(), "ghost", "echo", nil); err == nil {
		t.Fatalf("execute on unconnected server should fail")
	}
}

func TestManagerConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	mgr := NewManager([]Definition{{ID: "bad", Transport: TransportHTTP, URL: srv.URL}}, "test", time.Second)
	t.Cleanup(mgr.Close)
	if err := mgr.Connect(context.Background(), "bad"); err == nil {
		t.Fatalf("expected handshake failure")
	}
	if mgr.Connected("bad") {
		t.Fatalf("failed server must not count as connected")
	}

	snap := mgr.Snapshot()
	if len(snap) != 1 || snap[0].Connected {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestManagerClose(t *testing.T) {
	mgr := connectedManager(t)

	mgr.Close()
	if mgr.Connected("up") {
		t.Fatalf("connection should be gone after close")
	}
	if ids := mgr.ListServers(); len(ids) != 0 {
		t.Fatalf("servers = %v", ids)
	}
	snap := mgr.Snapshot()
	if len(snap) != 1 || snap[0].Connected {
		t.Fatalf("definitions should survive close, snapshot = %+v", snap)
	}
}
