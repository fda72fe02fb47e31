package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSource struct {
	status Status
	err    error
}

func (f *fakeSource) Status(context.Context) (Status, error) {
	return f.status, f.err
}

func newTestServer(t *testing.T, source StatusSource) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(log, "127.0.0.1:0", source, prometheus.NewRegistry())
	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeSource{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeSource{status: Status{
		SoumaID:    "souma-test",
		Personas:   []string{"p1", "p2"},
		PendingKey: 3,
	}})
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SoumaID != "souma-test" || len(got.Personas) != 2 || got.PendingKey != 3 {
		t.Fatalf("status = %+v", got)
	}
}

func TestStatusEndpointError(t *testing.T) {
	srv := newTestServer(t, &fakeSource{err: errors.New("store offline")})
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "souma_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(log, "127.0.0.1:0", &fakeSource{}, reg)
	srv := httptest.NewServer(s.server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "souma_test_total 1") {
		t.Fatalf("metrics output missing counter: %s", body)
	}
}
