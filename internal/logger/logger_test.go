package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	t.Setenv("CROPDOC_LOG_REDACTION", "")
	out := sanitizeKVs([]interface{}{"category", "maize", "passphrase", "hunter2", "dangling"})
	assert.Equal(t, []interface{}{"category", "maize", "passphrase", "[REDACTED]", "dangling"}, out)
}

func TestSanitizeKVsDisabled(t *testing.T) {
	t.Setenv("CROPDOC_LOG_REDACTION", "off")
	in := []interface{}{"api_key", "abc"}
	assert.Equal(t, in, sanitizeKVs(in))
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Info("hello", "k", "v")
	l.With("a", 1).Warn("x")
	l.Sync()
}
