package session

import "github.com/hfortes/courier/internal/config"

// DefaultSessionName is used when nothing else names a session.
const DefaultSessionName = "main"

// Resolve picks the session name by precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
