package app

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"AGRO_ADDR", "AGRO_DATABASE_URL", "AGRO_DB_MIGRATE",
		"AGRO_WS_DEV_AUTH", "AGRO_TOKEN_HMAC_KEY", "AGRO_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.UsesDatabase() {
		t.Fatal("UsesDatabase should be false without AGRO_DATABASE_URL")
	}
	if !cfg.DBMigrate {
		t.Fatal("DBMigrate should default to true")
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
	if !strings.Contains(cfg.String(), "store=memory") {
		t.Fatalf("String() = %q, want memory store", cfg.String())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("AGRO_ADDR", ":9191")
	t.Setenv("AGRO_DATABASE_URL", "postgres://localhost/agro")
	t.Setenv("AGRO_DB_MAX_CONNS", "16")
	t.Setenv("AGRO_WS_DEV_AUTH", "true")

	cfg := LoadConfig()
	if cfg.Addr != ":9191" {
		t.Fatalf("Addr = %q, want :9191", cfg.Addr)
	}
	if !cfg.UsesDatabase() {
		t.Fatal("UsesDatabase should be true")
	}
	if cfg.DBMaxConns != 16 {
		t.Fatalf("DBMaxConns = %d, want 16", cfg.DBMaxConns)
	}
	if !cfg.DevAuth {
		t.Fatal("DevAuth should be true")
	}
}

func TestValidateSecurity(t *testing.T) {
	t.Parallel()

	longKey := strings.Repeat("k", 32)
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"dev auth alone", Config{DevAuth: true}, false},
		{"dev auth with key", Config{DevAuth: true, TokenHMACKey: longKey}, true},
		{"missing key", Config{}, true},
		{"short key", Config{TokenHMACKey: "short"}, true},
		{"good key", Config{TokenHMACKey: longKey}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSecurity(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInsecureConfig) {
					t.Fatalf("err = %v, want ErrInsecureConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
