package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMonitorDefaultsOnlineWithoutProbe(t *testing.T) {
	monitor := NewMonitor(Options{})
	if !monitor.Online() {
		t.Fatalf("expected monitor to start online")
	}
	if !monitor.Probe(context.Background()) {
		t.Fatalf("expected probe without url to keep current state")
	}
	offline := NewMonitor(Options{InitialOffline: true})
	if offline.Online() {
		t.Fatalf("expected monitor to start offline when requested")
	}
}

func TestMonitorSubscribersReceiveTransitionsOnly(t *testing.T) {
	monitor := NewMonitor(Options{})
	ch, cancel := monitor.Subscribe()
	defer cancel()

	monitor.SetOnline(true)
	select {
	case v := <-ch:
		t.Fatalf("expected no notification without a transition, got %v", v)
	default:
	}

	monitor.SetOnline(false)
	select {
	case v := <-ch:
		if v {
			t.Fatalf("expected offline transition")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for offline transition")
	}

	monitor.SetOnline(true)
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	select {
	case v := <-ch:
		if !v {
			t.Fatalf("expected slow subscriber to see the latest state")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for latest transition")
	}

	cancel()
	monitor.SetOnline(false)
	select {
	case v := <-ch:
		t.Fatalf("expected no delivery after cancel, got %v", v)
	default:
	}
}

func TestMonitorProbeUsesHead(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	monitor := NewMonitor(Options{ProbeURL: server.URL, InitialOffline: true, HTTPClient: server.Client()})

	if !monitor.Probe(context.Background()) || !monitor.Online() {
		t.Fatalf("expected reachable server to mark monitor online")
	}
	if method != http.MethodHead {
		t.Fatalf("expected HEAD probe, got %s", method)
	}

	server.Close()
	if monitor.Probe(context.Background()) || monitor.Online() {
		t.Fatalf("expected unreachable server to mark monitor offline")
	}
}

func TestMonitorProbeTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	monitor := NewMonitor(Options{ProbeURL: server.URL, ProbeTimeout: 50 * time.Millisecond, HTTPClient: server.Client()})
	if monitor.Probe(context.Background()) {
		t.Fatalf("expected slow probe to report offline")
	}
}
