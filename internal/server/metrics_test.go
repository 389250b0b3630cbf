package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/oddlab/webpty/internal/protocol"
	"github.com/oddlab/webpty/internal/session"
)

func TestHealthAndReadyEndpoints(t *testing.T) {
	cfg := testSettings()
	srv := New(cfg, session.NewManager(cfg), protocol.DefaultClassifier(), nil)
	ts := httptest.NewServer(srv.MetricsRoutes())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "ok" {
			t.Fatalf("%s: status=%d body=%q", path, resp.StatusCode, body)
		}
	}
}

func TestMetricsExposition(t *testing.T) {
	cfg := testSettings()
	mgr := session.NewManager(cfg)
	srv := New(cfg, mgr, protocol.DefaultClassifier(), nil)
	ts := httptest.NewServer(srv.MetricsRoutes())
	defer ts.Close()

	ip := netip.MustParseAddr("10.0.0.1")
	a, err := mgr.CreateSession(ip)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.CreateSession(ip); err != nil {
		t.Fatal(err)
	}
	mgr.DisconnectSession(a.ID)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	for _, want := range []string{
		"pty_sessions_active 2",
		`pty_sessions_by_state{state="connected"} 1`,
		`pty_sessions_by_state{state="disconnected"} 1`,
		"pty_output_queue_bytes_total 0",
		"pty_output_drops_total 0",
		"pty_scrollback_truncations_total 0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q in:\n%s", want, text)
		}
	}
}
