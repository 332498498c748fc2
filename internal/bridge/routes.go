package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"

	"github.com/mcpjam/bridge/internal/logx"
)

// Route prefixes for the two dialect trees.
const (
	CompactPrefix = "/mcp"
	LegacyPrefix  = "/sse"
)

// Facade exposes connected MCP servers over plain HTTP POST and the legacy
// SSE transport.
type Facade struct {
	Dispatcher *Dispatcher
	Sessions   *Registry
	KeepAlive  time.Duration
	MaxBody    int64
}

// Mount attaches both dialect trees to r. The compact tree answers with raw
// results; the legacy tree reshapes them for older SSE clients.
func (f *Facade) Mount(r chi.Router) {
	r.Route(CompactPrefix+"/{server}", f.routes(ModeCompact, CompactPrefix))
	r.Route(LegacyPrefix+"/{server}", f.routes(ModeLegacy, LegacyPrefix))
}

func (f *Facade) routes(mode Mode, prefix string) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", f.handleStream(mode, prefix))
		r.Head("/", f.handleProbe)
		r.Options("/", f.handlePreflight)
		r.Options("/*", f.handlePreflight)
		r.Post("/messages", f.handleRelay(mode))
		// Every other verb and subpath is accepted as direct dispatch.
		direct := f.handleDirect(mode)
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			r.MethodFunc(method, "/", direct)
		}
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			r.MethodFunc(method, "/*", direct)
		}
	}
}

// handleStream upgrades GET /{server} to an SSE stream, announces the
// message endpoint and keeps the stream alive with named ping events until
// the client disconnects.
func (f *Facade) handleStream(mode Mode, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID, ok := f.resolve(r)
		if !ok {
			http.Error(w, "server not connected", http.StatusNotFound)
			return
		}
		base := EndpointBase(r)
		w.Header().Set("X-Accel-Buffering", "no")
		stream, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sess := f.Sessions.Open(serverID, stream)
		defer f.Sessions.Close(sess.ServerID, sess.ID)

		endpoint := fmt.Sprintf("%s%s/%s/messages?sessionId=%s", base, prefix, serverID, sess.ID)
		if err := sess.SendEvent("ping", ""); err != nil {
			return
		}
		// Announced twice for client compatibility: a JSON object first,
		// then the bare URL string.
		obj, _ := json.Marshal(map[string]any{"url": endpoint, "headers": map[string]any{}})
		if err := sess.SendEvent("endpoint", string(obj)); err != nil {
			return
		}
		if err := sess.SendEvent("endpoint", endpoint); err != nil {
			return
		}
		logx.Log.Info().Str("server", serverID).Str("session", sess.ID).Str("mode", string(mode)).Msg("sse stream established")

		ticker := time.NewTicker(f.keepAlive())
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := sess.SendEvent("ping", ""); err != nil {
					return
				}
			}
		}
	}
}

// handleRelay accepts POST /{server}/messages, dispatches the message and
// relays any response onto the resolved SSE session. The HTTP answer is
// always 202 once a session is found.
func (f *Facade) handleRelay(mode Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID, _ := f.resolve(r)
		env, ok := f.readEnvelope(w, r)
		if !ok {
			return
		}
		sessionID, ok := f.Sessions.Resolve(serverID, r.URL.Query().Get("sessionId"))
		if !ok {
			http.Error(w, "no open session", http.StatusBadRequest)
			return
		}
		if resp := f.Dispatcher.Dispatch(r.Context(), serverID, env, mode); resp != nil {
			if b, err := json.Marshal(resp); err == nil {
				f.Sessions.Send(serverID, sessionID, "message", string(b))
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleDirect answers POST /{server} and any unlisted verb or subpath with
// a synchronous dispatch: the response envelope comes back on the HTTP
// response itself, notifications as an empty 202.
func (f *Facade) handleDirect(mode Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID, _ := f.resolve(r)
		env, ok := f.readEnvelope(w, r)
		if !ok {
			return
		}
		resp := f.Dispatcher.Dispatch(r.Context(), serverID, env, mode)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (f *Facade) handlePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	w.WriteHeader(http.StatusNoContent)
}

// handleProbe advertises stream capability without opening a session.
func (f *Facade) handleProbe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

// readEnvelope parses the request body as a single JSON-RPC message, writing
// a plain 400 on malformed input.
func (f *Facade) readEnvelope(w http.ResponseWriter, r *http.Request) (Envelope, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, f.maxBody())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return Envelope{}, false
	}
	env, err := ParseEnvelope(body)
	if err != nil {
		http.Error(w, "invalid json-rpc", http.StatusBadRequest)
		return Envelope{}, false
	}
	return env, true
}

func (f *Facade) resolve(r *http.Request) (string, bool) {
	return resolveServerID(f.Dispatcher.Manager, chi.URLParam(r, "server"))
}

func (f *Facade) keepAlive() time.Duration {
	if f.KeepAlive > 0 {
		return f.KeepAlive
	}
	return 30 * time.Second
}

func (f *Facade) maxBody() int64 {
	if f.MaxBody > 0 {
		return f.MaxBody
	}
	return 10 << 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
