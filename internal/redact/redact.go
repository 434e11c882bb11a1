// Package redact keeps sensitive config values out of logs and event
// payloads. A key is sensitive if it matches models.ConfigKeySensitivePattern
// (KEY|SECRET|TOKEN|PASSWORD), case-insensitive.
package redact

import (
	"regexp"

	"github.com/nexus-run/orchestrator/internal/models"
)

var sensitiveKey = regexp.MustCompile("(?i)" + models.ConfigKeySensitivePattern)

// IsSensitiveKey reports whether an env key must never be logged verbatim.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// Env returns a copy of env with sensitive values replaced by a fixed
// placeholder, safe to pass to a logger or to embed in an event payload.
func Env(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveKey(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
