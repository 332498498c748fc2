package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpjam/bridge/internal/logx"
	"github.com/mcpjam/bridge/internal/metrics"
)

// Mode selects which wire dialect a mounted route tree speaks. Compact
// clients get raw results; legacy SSE clients get reshaped ones.
type Mode string

const (
	ModeCompact Mode = "compact"
	ModeLegacy  Mode = "legacy"
)

// Protocol revisions advertised by initialize, fixed per dialect.
const (
	compactProtocolVersion = "2025-06-18"
	legacyProtocolVersion  = "2024-11-05"
)

// ClientManager is the surface the bridge consumes from the component that
// owns live MCP server connections.
type ClientManager interface {
	ListServers() []string
	Connected(serverID string) bool
	ListTools(ctx context.Context, serverID string) ([]mcp.Tool, error)
	ListResources(ctx context.Context, serverID string) ([]mcp.Resource, error)
	ListPrompts(ctx context.Context, serverID string) ([]mcp.Prompt, error)
	ExecuteTool(ctx context.Context, serverID, name string, args map[string]any) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, serverID, name string, args map[string]any) (*mcp.GetPromptResult, error)
}

// Dispatcher translates JSON-RPC requests into Client Manager calls.
type Dispatcher struct {
	Manager ClientManager
	Version string
}

// Dispatch handles one parsed JSON-RPC message addressed to serverID and
// returns the response envelope, or nil for notifications. Panics inside a
// method handler surface as -32000 responses instead of tearing down the
// transport.
func (d *Dispatcher) Dispatch(ctx context.Context, serverID string, env Envelope, mode Mode) (resp *Response) {
	if env.IsNotification() {
		return nil
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Str("server", serverID).Str("method", env.Method).Msg("dispatch panic")
			resp = newError(env.ID, CodeInternalError, fmt.Sprintf("internal error: %v", r))
		}
		metrics.RecordRPCRequest(serverID, env.Method, string(mode), resp.Error == nil)
		metrics.ObserveRPCDuration(env.Method, string(mode), time.Since(start))
	}()

	switch env.Method {
	case "ping":
		return newResult(env.ID, map[string]any{})
	case "initialize":
		return newResult(env.ID, initializeResult(mode, d.Version))
	case "tools/list":
		return d.listTools(ctx, serverID, env.ID)
	case "tools/call":
		return d.callTool(ctx, serverID, env, mode)
	case "resources/list":
		return d.listResources(ctx, serverID, env.ID)
	case "resources/read":
		return d.readResource(ctx, serverID, env, mode)
	case "prompts/list":
		return d.listPrompts(ctx, serverID, env.ID)
	case "prompts/get":
		return d.getPrompt(ctx, serverID, env, mode)
	case "roots/list":
		return newResult(env.ID, map[string]any{"roots": []any{}})
	case "logging/setLevel":
		return newResult(env.ID, map[string]any{"success": true})
	default:
		return newError(env.ID, CodeMethodNotFound, "method not found: "+env.Method)
	}
}

// initializeResult builds the static descriptor each dialect answers an
// initialize handshake with. The bridge fronts whatever the addressed server
// offers, so capabilities are advertised wholesale.
func initializeResult(mode Mode, version string) map[string]any {
	if version == "" {
		version = "dev"
	}
	if mode == ModeLegacy {
		return map[string]any{
			"protocolVersion": legacyProtocolVersion,
			"capabilities": map[string]any{
				"tools":       true,
				"prompts":     true,
				"resources":   true,
				"logging":     true,
				"elicitation": true,
			},
			"serverInfo": map[string]any{"name": "mcpjam-bridge-proxy", "version": version},
		}
	}
	return map[string]any{
		"protocolVersion": compactProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"logging":   map[string]any{},
			"roots":     map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{"name": "mcpjam-bridge-adapter", "version": version},
	}
}

func (d *Dispatcher) listTools(ctx context.Context, serverID string, id any) *Response {
	tools, err := d.Manager.ListTools(ctx, serverID)
	if err != nil {
		return newError(id, CodeInternalError, err.Error())
	}
	items := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		m, err := toMap(t)
		if err != nil {
			return newError(id, CodeInternalError, err.Error())
		}
		entry := map[string]any{
			"name":        t.Name,
			"description": t.Description,
		}
		for _, k := range []string{"inputSchema", "outputSchema", "_meta"} {
			if v, ok := m[k]; ok {
				entry[k] = v
			}
		}
		items = append(items, entry)
	}
	return newResult(id, map[string]any{"tools": items})
}

func (d *Dispatcher) callTool(ctx context.Context, serverID string, env Envelope, mode Mode) *Response {
	params := env.ParamsMap()
	name, _ := params["name"].(string)
	if name == "" {
		return toolFailure(env.ID, mode, errors.New("missing tool name"))
	}
	target := serverID
	// Namespaced names redirect the call when the prefix resolves to a
	// connected server; otherwise the whole string stays a literal tool name.
	if prefix, rest, ok := strings.Cut(name, ":"); ok && rest != "" {
		if id, ok := resolveServerID(d.Manager, prefix); ok {
			target = id
			name = rest
		}
	}
	args, _ := params["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	res, err := d.Manager.ExecuteTool(ctx, target, name, args)
	if err != nil {
		return toolFailure(env.ID, mode, err)
	}
	return newResult(env.ID, res)
}

// toolFailure reports a tool execution failure in the dialect's channel:
// legacy clients abort their session on protocol errors, so they get an
// in-band isError result instead.
func toolFailure(id any, mode Mode, err error) *Response {
	if mode == ModeLegacy {
		return newResult(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "Error: " + err.Error()}},
			"isError": true,
		})
	}
	return newError(id, CodeInternalError, err.Error())
}

func (d *Dispatcher) listResources(ctx context.Context, serverID string, id any) *Response {
	resources, err := d.Manager.ListResources(ctx, serverID)
	if err != nil {
		return newError(id, CodeInternalError, err.Error())
	}
	items := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		items = append(items, map[string]any{
			"uri":         r.URI,
			"name":        r.Name,
			"description": r.Description,
			"mimeType":    r.MIMEType,
		})
	}
	return newResult(id, map[string]any{"resources": items})
}

func (d *Dispatcher) readResource(ctx context.Context, serverID string, env Envelope, mode Mode) *Response {
	uri, _ := env.ParamsMap()["uri"].(string)
	res, err := d.Manager.ReadResource(ctx, serverID, uri)
	if err != nil {
		return newError(env.ID, CodeInternalError, err.Error())
	}
	if mode == ModeCompact {
		return newResult(env.ID, res)
	}
	return newResult(env.ID, legacyReadResult(uri, res))
}

// legacyReadResult flattens a read result into the single text-content shape
// older SSE clients expect, stringifying the raw result when no text content
// is present.
func legacyReadResult(uri string, res *mcp.ReadResourceResult) map[string]any {
	var text, mimeType string
	found := false
	if m, err := toMap(res); err == nil {
		if contents, ok := m["contents"].([]any); ok && len(contents) > 0 {
			if c, ok := contents[0].(map[string]any); ok {
				if v, ok := c["uri"].(string); ok && v != "" {
					uri = v
				}
				if v, ok := c["mimeType"].(string); ok {
					mimeType = v
				}
				if v, ok := c["text"].(string); ok {
					text = v
					found = true
				}
			}
		}
	}
	if !found {
		b, _ := json.Marshal(res)
		text = string(b)
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return map[string]any{
		"contents": []map[string]any{{"uri": uri, "mimeType": mimeType, "text": text}},
	}
}

func (d *Dispatcher) listPrompts(ctx context.Context, serverID string, id any) *Response {
	prompts, err := d.Manager.ListPrompts(ctx, serverID)
	if err != nil {
		return newError(id, CodeInternalError, err.Error())
	}
	items := make([]map[string]any, 0, len(prompts))
	for _, p := range prompts {
		entry := map[string]any{
			"name":        p.Name,
			"description": p.Description,
		}
		if p.Arguments != nil {
			entry["arguments"] = p.Arguments
		}
		items = append(items, entry)
	}
	return newResult(id, map[string]any{"prompts": items})
}

func (d *Dispatcher) getPrompt(ctx context.Context, serverID string, env Envelope, mode Mode) *Response {
	params := env.ParamsMap()
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)
	res, err := d.Manager.GetPrompt(ctx, serverID, name, args)
	if err != nil {
		return newError(env.ID, CodeInternalError, err.Error())
	}
	if mode == ModeCompact {
		return newResult(env.ID, res)
	}
	return newResult(env.ID, legacyPromptResult(res))
}

// legacyPromptResult guarantees a {description, messages} shape, synthesizing
// a single user-role text message from the stringified raw result when the
// server supplied no messages array.
func legacyPromptResult(res *mcp.GetPromptResult) map[string]any {
	out := map[string]any{"description": res.Description}
	if m, err := toMap(res); err == nil {
		if msgs, ok := m["messages"].([]any); ok {
			out["messages"] = msgs
			return out
		}
	}
	b, _ := json.Marshal(res)
	out["messages"] = []map[string]any{{
		"role":    "user",
		"content": map[string]any{"type": "text", "text": string(b)},
	}}
	return out
}

// resolveServerID maps raw to a connected server id, trying an exact match
// before a case-insensitive sweep over live connections. Unresolved ids are
// returned unchanged.
func resolveServerID(mgr ClientManager, raw string) (string, bool) {
	if mgr.Connected(raw) {
		return raw, true
	}
	for _, id := range mgr.ListServers() {
		if strings.EqualFold(id, raw) && mgr.Connected(id) {
			return id, true
		}
	}
	return raw, false
}

// toMap round-trips v through JSON so SDK types land in their wire shape.
// Tool schemas in particular only become JSON Schema objects on marshal.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
