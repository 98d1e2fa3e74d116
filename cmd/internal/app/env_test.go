package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("AGRO_TEST_STR", "  hello  ")
	if got := EnvString("AGRO_TEST_STR", "def"); got != "hello" {
		t.Fatalf("EnvString = %q, want %q", got, "hello")
	}
	if got := EnvString("AGRO_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default = %q, want %q", got, "def")
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("AGRO_TEST_BOOL", "true")
	if !EnvBool("AGRO_TEST_BOOL", false) {
		t.Fatal("EnvBool should parse true")
	}
	t.Setenv("AGRO_TEST_BOOL", "not-a-bool")
	if !EnvBool("AGRO_TEST_BOOL", true) {
		t.Fatal("EnvBool should fall back to default on garbage")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("AGRO_TEST_INT", "42")
	if got := EnvInt("AGRO_TEST_INT", 7); got != 42 {
		t.Fatalf("EnvInt = %d, want 42", got)
	}
	t.Setenv("AGRO_TEST_INT", "-3")
	if got := EnvInt("AGRO_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt should reject non-positive, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("AGRO_TEST_DUR", "150ms")
	if got := EnvDuration("AGRO_TEST_DUR", time.Second); got != 150*time.Millisecond {
		t.Fatalf("EnvDuration = %v, want 150ms", got)
	}
	t.Setenv("AGRO_TEST_DUR", "0s")
	if got := EnvDuration("AGRO_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration should reject zero, got %v", got)
	}
}
