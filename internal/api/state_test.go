package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/mcpjam/bridge/internal/bridge"
	"github.com/mcpjam/bridge/internal/upstream"
)

type nullStream struct{}

func (nullStream) Send(*sse.Message) error { return nil }
func (nullStream) Flush() error            { return nil }

func newStateHandler() *StateHandler {
	mgr := upstream.NewManager([]upstream.Definition{
		{ID: "alpha", Transport: upstream.TransportHTTP, URL: "http://localhost:1/mcp"},
	}, "test", 0)
	reg := bridge.NewRegistry()
	reg.Open("alpha", nullStream{})
	return &StateHandler{Servers: mgr, Sessions: reg, Interval: 20 * time.Millisecond}
}

func TestGetState(t *testing.T) {
	h := newStateHandler()
	rec := httptest.NewRecorder()
	h.GetState(rec, httptest.NewRequest("GET", "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Servers []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"servers"`
		Sessions []struct {
			ServerID  string `json:"serverId"`
			SessionID string `json:"sessionId"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Servers) != 1 || out.Servers[0].ID != "alpha" || out.Servers[0].Connected {
		t.Fatalf("servers = %+v", out.Servers)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].ServerID != "alpha" || out.Sessions[0].SessionID == "" {
		t.Fatalf("sessions = %+v", out.Sessions)
	}
}

func TestGetStateStream(t *testing.T) {
	h := newStateHandler()
	srv := httptest.NewServer(http.HandlerFunc(h.GetStateStream))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, `"servers"`) || !strings.Contains(line, `"sessions"`) {
				t.Fatalf("snapshot = %q", line)
			}
			return
		}
	}
}

// deadClientWriter fails every write, standing in for a subscriber whose
// connection is gone.
type deadClientWriter struct {
	header http.Header
}

func (d *deadClientWriter) Header() http.Header {
	if d.header == nil {
		d.header = http.Header{}
	}
	return d.header
}

func (d *deadClientWriter) WriteHeader(int) {}

func (d *deadClientWriter) Write([]byte) (int, error) {
	return 0, errors.New("client gone")
}

func (d *deadClientWriter) Flush() {}

func TestGetStateStreamStopsOnDeadClient(t *testing.T) {
	h := newStateHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/api/state/stream", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.GetStateStream(&deadClientWriter{}, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream should end on the failed write, not on context cancel")
	}
}
