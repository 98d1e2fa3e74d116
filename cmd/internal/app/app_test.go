package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("AGRO_WS_ORIGIN_REQUIRED", "false")

	cfg := Config{DevAuth: true, ReadinessRequireDB: false}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewApp(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAppRejectsInsecureConfig(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewApp(context.Background(), Config{}, log); err == nil {
		t.Fatal("NewApp should reject a config with no auth")
	}
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200 for memory store", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "agroconnect_chat_connections_active") {
		t.Fatalf("metrics output missing chat gauges:\n%s", body)
	}
}

func TestWSEndpointRequiresUpgrade(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws?testId=1&testType=user")
	if err != nil {
		t.Fatalf("get ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("plain GET on /ws should not succeed")
	}
}
