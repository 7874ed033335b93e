package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linuxplay/pkg/session"
)

func gather(t *testing.T, c prometheus.Collector) map[string][]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string][]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			v := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				v = m.GetCounter().GetValue()
			}
			out[f.GetName()] = append(out[f.GetName()], v)
		}
	}
	return out
}

func TestCollectorCountsTransitions(t *testing.T) {
	snap := session.Snapshot{State: session.StateReconnecting}
	c := NewCollector(func() session.Snapshot { return snap }, func() bool { return true })
	c.RecordTransition(session.Transition{From: session.StateHandshaking, To: session.StateActive})
	c.RecordTransition(session.Transition{From: session.StateActive, To: session.StateReconnecting})
	c.RecordTransition(session.Transition{From: session.StateReconnecting, To: session.StateActive})
	c.RecordHandshake("ok")
	c.RecordHandshake("bad_pin")
	c.RecordHandshake("bad_pin")
	c.RecordWorkerStart("video0", 1)
	c.RecordWorkerExit("video0", 1, true)
	c.RecordPINRotation()

	got := gather(t, c)
	if v := got["linuxplay_heartbeat_timeouts_total"]; len(v) != 1 || v[0] != 1 {
		t.Errorf("timeouts = %v", v)
	}
	if v := got["linuxplay_heartbeat_resumes_total"]; len(v) != 1 || v[0] != 1 {
		t.Errorf("resumes = %v", v)
	}
	if v := got["linuxplay_handshakes_total"]; len(v) != 2 {
		t.Errorf("handshake series = %v", v)
	}
	if v := got["linuxplay_session_state"]; len(v) != len(session.AllStates()) {
		t.Errorf("state series = %v", v)
	}
	if v := got["linuxplay_trust_store_degraded"]; len(v) != 1 || v[0] != 1 {
		t.Errorf("degraded = %v", v)
	}
	if v := got["linuxplay_stream_worker_failures_total"]; len(v) != 1 || v[0] != 1 {
		t.Errorf("failures = %v", v)
	}
	if v := got["linuxplay_stream_worker_running"]; len(v) != 1 || v[0] != 0 {
		t.Errorf("running = %v", v)
	}
}

func TestLateExitOfReplacedWorker(t *testing.T) {
	c := NewCollector(nil, nil)
	c.RecordWorkerStart("audio", 3)
	c.RecordWorkerStart("audio", 4)
	c.RecordWorkerExit("audio", 3, false)

	got := gather(t, c)
	if v := got["linuxplay_stream_worker_running"]; len(v) != 1 || v[0] != 1 {
		t.Fatalf("running = %v, want the newer launch to stay up", v)
	}
	if v := got["linuxplay_stream_worker_failures_total"]; len(v) != 0 {
		t.Fatalf("failures = %v", v)
	}

	c.RecordWorkerExit("audio", 4, true)
	got = gather(t, c)
	if v := got["linuxplay_stream_worker_running"]; v[0] != 0 {
		t.Fatalf("running = %v after current launch exited", v)
	}
}

func TestInitHandshakeResults(t *testing.T) {
	c := NewCollector(nil, nil)
	c.InitHandshakeResults("ok", "bad_pin", "busy")
	c.RecordHandshake("busy")

	got := gather(t, c)
	v := got["linuxplay_handshakes_total"]
	if len(v) != 3 {
		t.Fatalf("handshake series = %v", v)
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum != 1 {
		t.Fatalf("handshake total = %v", sum)
	}
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(nil, nil))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, NewHandler(reg, "/metrics", "LinuxPlay Host")) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + ln.Addr().String()
	for path, want := range map[string]string{"/healthz": "ok", "/metrics": "linuxplay_host_info", "/": "LinuxPlay Host"} {
		resp, err := client.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Errorf("GET %s = %d %q", path, resp.StatusCode, body)
		}
	}
}
