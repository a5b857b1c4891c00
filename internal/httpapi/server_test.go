package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"throttletalk/server/internal/core"
	"throttletalk/server/internal/relay"
)

func testServer(t *testing.T) (*Server, *core.Registry) {
	t.Helper()

	registry := core.NewRegistry(core.DefaultConfig())
	stats := func() relay.Stats {
		return relay.Stats{Received: 10, Forwarded: 7, Malformed: 2, Bytes: 540}
	}
	return New(registry, stats), registry
}

func get(t *testing.T, s *Server, path string, out any) int {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec.Code
}

func TestHealthReportsCounts(t *testing.T) {
	s, registry := testServer(t)
	now := time.Now()
	channel := uuid.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	registry.Join(channel, uuid.New(), addr, now)
	registry.Join(channel, uuid.New(), addr, now)

	var resp healthResponse
	if code := get(t, s, "/health", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Status != "ok" || resp.Channels != 1 || resp.Participants != 2 {
		t.Fatalf("health = %+v, want ok/1/2", resp)
	}
}

func TestStateListsChannelsAndCounters(t *testing.T) {
	s, registry := testServer(t)
	now := time.Now()
	channel := uuid.New()
	id := uuid.New()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6001}
	registry.Join(channel, id, addr, now)

	var resp stateResponse
	if code := get(t, s, "/api/state", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Channels) != 1 || len(resp.Channels[0].Participants) != 1 {
		t.Fatalf("state = %+v, want one channel with one participant", resp.Channels)
	}
	p := resp.Channels[0].Participants[0]
	if p.ID != id || p.Addr != addr.String() {
		t.Fatalf("participant = %+v", p)
	}
	if resp.Received != 10 || resp.Forwarded != 7 || resp.Malformed != 2 {
		t.Fatalf("counters = %d/%d/%d", resp.Received, resp.Forwarded, resp.Malformed)
	}
}

func TestStateEmptyRegistry(t *testing.T) {
	s, _ := testServer(t)

	var resp stateResponse
	if code := get(t, s, "/api/state", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Channels == nil || len(resp.Channels) != 0 {
		t.Fatalf("channels = %#v, want empty list", resp.Channels)
	}
}
