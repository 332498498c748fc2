// Package upstream maintains the pool of outbound MCP client connections the
// bridge fronts.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpjam/bridge/internal/logx"
	"github.com/mcpjam/bridge/internal/metrics"
)

// initTimeout bounds the connect plus initialize handshake per server.
const initTimeout = 10 * time.Second

// Manager owns upstream MCP connections keyed by server id.
type Manager struct {
	version string
	timeout time.Duration

	mu    sync.RWMutex
	order []string
	defs  map[string]Definition
	conns map[string]*conn
}

// conn pairs a live client with the initialize result it negotiated.
type conn struct {
	client *client.Client
	init   *mcp.InitializeResult
}

// NewManager prepares a manager for the given definitions. Connections are
// established by Connect or ConnectAll. timeout bounds each upstream request;
// zero means no bound beyond the caller's context.
func NewManager(defs []Definition, version string, timeout time.Duration) *Manager {
	m := &Manager{
		version: version,
		timeout: timeout,
		defs:    make(map[string]Definition, len(defs)),
		conns:   map[string]*conn{},
	}
	for _, d := range defs {
		if _, ok := m.defs[d.ID]; !ok {
			m.order = append(m.order, d.ID)
		}
		m.defs[d.ID] = d
	}
	return m
}

// Connect dials one configured server and performs the initialize handshake.
// An existing connection for the id is replaced.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.RLock()
	def, ok := m.defs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown server: %s", id)
	}

	cl, err := dial(def)
	if err != nil {
		return fmt.Errorf("dial %s: %w", id, err)
	}
	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	// The stdio client starts its process on construction.
	if def.Transport != TransportStdio {
		if err := cl.Start(ictx); err != nil {
			cl.Close()
			return fmt.Errorf("start %s: %w", id, err)
		}
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "mcpjam-bridge", Version: m.version}
	res, err := cl.Initialize(ictx, req)
	if err != nil {
		cl.Close()
		return fmt.Errorf("initialize %s: %w", id, err)
	}

	m.mu.Lock()
	old := m.conns[id]
	m.conns[id] = &conn{client: cl, init: res}
	m.mu.Unlock()
	if old != nil {
		old.client.Close()
	}
	metrics.SetUpstreamConnected(id, true)
	logx.Log.Info().
		Str("server", id).
		Str("transport", def.Transport).
		Str("protocol", res.ProtocolVersion).
		Str("upstream_name", res.ServerInfo.Name).
		Msg("upstream connected")
	return nil
}

// ConnectAll dials every configured server, logging and skipping failures so
// one bad upstream does not block the rest.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Connect(ctx, id); err != nil {
			logx.Log.Warn().Err(err).Str("server", id).Msg("upstream connection failed")
		}
	}
}

// Close shuts down every live connection.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = map[string]*conn{}
	m.mu.Unlock()
	for id, c := range conns {
		if err := c.client.Close(); err != nil {
			logx.Log.Debug().Err(err).Str("server", id).Msg("closing upstream")
		}
		metrics.SetUpstreamConnected(id, false)
	}
}

func dial(def Definition) (*client.Client, error) {
	switch def.Transport {
	case TransportStdio:
		env := make([]string, 0, len(def.Env))
		for k, v := range def.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(def.Command, env, def.Args...)
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(def.Headers))
		}
		return client.NewStreamableHttpClient(def.URL, opts...)
	case TransportSSE:
		var opts []transport.ClientOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(def.Headers))
		}
		return client.NewSSEMCPClient(def.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", def.Transport)
	}
}

// ListServers returns the ids with live connections, in configuration order.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for _, id := range m.order {
		if m.conns[id] != nil {
			out = append(out, id)
		}
	}
	return out
}

// Connected reports whether id has a live connection.
func (m *Manager) Connected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id] != nil
}

func (m *Manager) get(id string) (*client.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.conns[id]
	if c == nil {
		return nil, fmt.Errorf("no connection for server: %s", id)
	}
	return c.client, nil
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// ListTools fetches the server's full tool list, following pagination.
func (m *Manager) ListTools(ctx context.Context, id string) ([]mcp.Tool, error) {
	cl, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	var out []mcp.Tool
	var cursor mcp.Cursor
	for {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		res, err := cl.ListTools(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return out, nil
}

// ListResources fetches the server's full resource list, following pagination.
func (m *Manager) ListResources(ctx context.Context, id string) ([]mcp.Resource, error) {
	cl, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	var out []mcp.Resource
	var cursor mcp.Cursor
	for {
		req := mcp.ListResourcesRequest{}
		req.Params.Cursor = cursor
		res, err := cl.ListResources(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Resources...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return out, nil
}

// ListPrompts fetches the server's full prompt list, following pagination.
func (m *Manager) ListPrompts(ctx context.Context, id string) ([]mcp.Prompt, error) {
	cl, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	var out []mcp.Prompt
	var cursor mcp.Cursor
	for {
		req := mcp.ListPromptsRequest{}
		req.Params.Cursor = cursor
		res, err := cl.ListPrompts(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Prompts...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return out, nil
}

// ExecuteTool invokes a tool on the server.
func (m *Manager) ExecuteTool(ctx context.Context, id, name string, args map[string]any) (*mcp.CallToolResult, error) {
	cl, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return cl.CallTool(ctx, req)
}

// ReadResource reads a resource from the server.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*mcp.ReadResourceResult, error) {
	cl, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	return cl.ReadResource(ctx, req)
}

// GetPrompt renders a prompt from the server. Non-string argument values are
// stringified since the protocol only carries string prompt arguments.
func (m *Manager) GetPrompt(ctx context.Context, id, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	cl, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = stringArgs(args)
	return cl.GetPrompt(ctx, req)
}

func stringArgs(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// ServerState describes one configured upstream in a state snapshot. The
// server fields echo what the upstream reported during initialize.
type ServerState struct {
	ID              string   `json:"id"`
	Transport       string   `json:"transport"`
	URL             string   `json:"url,omitempty"`
	Connected       bool     `json:"connected"`
	ServerName      string   `json:"serverName,omitempty"`
	ServerVersion   string   `json:"serverVersion,omitempty"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// Snapshot reports every configured server and its connection status, in
// configuration order.
func (m *Manager) Snapshot() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerState, 0, len(m.order))
	for _, id := range m.order {
		def := m.defs[id]
		st := ServerState{
			ID:        id,
			Transport: def.Transport,
			URL:       def.URL,
		}
		if c := m.conns[id]; c != nil {
			st.Connected = true
			st.ServerName = c.init.ServerInfo.Name
			st.ServerVersion = c.init.ServerInfo.Version
			st.ProtocolVersion = c.init.ProtocolVersion
			st.Capabilities = capabilityNames(c.init.Capabilities)
		}
		out = append(out, st)
	}
	return out
}

func capabilityNames(caps mcp.ServerCapabilities) []string {
	var out []string
	if caps.Tools != nil {
		out = append(out, "tools")
	}
	if caps.Resources != nil {
		out = append(out, "resources")
	}
	if caps.Prompts != nil {
		out = append(out, "prompts")
	}
	if caps.Logging != nil {
		out = append(out, "logging")
	}
	return out
}
