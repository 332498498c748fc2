package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mcpjam/bridge/internal/bridge"
	"github.com/mcpjam/bridge/internal/upstream"
)

// StateHandler serves bridge state snapshots and streams.
type StateHandler struct {
	Servers  *upstream.Manager
	Sessions *bridge.Registry

	// Interval between stream snapshots; defaults to 2s.
	Interval time.Duration
}

type bridgeState struct {
	Servers  []upstream.ServerState `json:"servers"`
	Sessions []bridge.SessionInfo   `json:"sessions"`
}

func (h *StateHandler) snapshot() bridgeState {
	return bridgeState{
		Servers:  h.Servers.Snapshot(),
		Sessions: h.Sessions.Snapshot(),
	}
}

// GetState returns a JSON snapshot of configured servers and open sessions.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.snapshot())
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			b, _ := json.Marshal(h.snapshot())
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
