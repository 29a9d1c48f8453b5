package session

import (
	"os"

	"github.com/matheus3301/inline/internal/config"
)

const (
	// DefaultSessionName is used when nothing else names a session.
	DefaultSessionName = "main"
	// SessionEnv names the session for shells and scripts that drive one
	// engine without repeating --session.
	SessionEnv = "INLINE_SESSION"
)

// Resolve picks the session name: the --session flag, then $INLINE_SESSION,
// then default_session from config.toml, then "main". An unreadable config
// falls through to the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(SessionEnv); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
