package session

import (
	"os"

	"github.com/matheus3301/courier/internal/config"
)

const DefaultSessionName = "main"

// Resolve picks the active session: the --session flag, then $COURIER_SESSION,
// then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("COURIER_SESSION"); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
