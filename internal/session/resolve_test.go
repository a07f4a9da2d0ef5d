package session

import (
	"testing"

	"github.com/matheus3301/courier/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("COURIER_HOME", t.TempDir())
	t.Setenv("COURIER_SESSION", "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	cfg := config.Default()
	cfg.DefaultSession = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}

	t.Setenv("COURIER_SESSION", "bots")
	if got := Resolve(""); got != "bots" {
		t.Errorf("Resolve() with env = %q, want bots", got)
	}
	if got := Resolve("alt"); got != "alt" {
		t.Errorf("Resolve(alt) = %q, want alt", got)
	}
}
