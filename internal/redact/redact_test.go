package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key       string
		sensitive bool
	}{
		{"OPENAI_API_KEY", true},
		{"api_key", true},
		{"DB_PASSWORD", true},
		{"SESSION_SECRET", true},
		{"AUTH_TOKEN", true},
		{"passwordHash", true},
		{"LOG_LEVEL", false},
		{"NEXUS_IMAGE", false},
		{"TIMEZONE", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.sensitive, IsSensitiveKey(tt.key))
		})
	}
}

func TestEnvRedactsSensitiveValuesOnly(t *testing.T) {
	env := map[string]string{
		"OPENAI_API_KEY": "sk-super-secret",
		"LOG_LEVEL":      "debug",
	}
	out := Env(env)

	assert.Equal(t, "[redacted]", out["OPENAI_API_KEY"])
	assert.Equal(t, "debug", out["LOG_LEVEL"])
}

func TestEnvDoesNotMutateInput(t *testing.T) {
	env := map[string]string{"DB_PASSWORD": "hunter2"}
	_ = Env(env)
	assert.Equal(t, "hunter2", env["DB_PASSWORD"])
}
