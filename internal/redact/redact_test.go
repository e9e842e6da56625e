package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactorScrubsKnownSecret(t *testing.T) {
	r := Redactor{Secrets: []string{"hunter2-password"}}
	out := r.String("login failed for hunter2-password on host")
	assert.NotContains(t, out, "hunter2-password")
	assert.Contains(t, out, placeholder)
}

func TestRedactorScrubsBearerToken(t *testing.T) {
	r := Redactor{}
	out := r.String("Authorization: Bearer abc123.def456-ghi")
	assert.NotContains(t, out, "abc123.def456-ghi")
}

func TestRedactorScrubsLongBase64Run(t *testing.T) {
	r := Redactor{}
	long := strings.Repeat("aB3", 20)
	out := r.String("secret=" + long)
	assert.NotContains(t, out, long)
}

func TestRedactorTruncates(t *testing.T) {
	r := Redactor{MaxBytes: 16}
	out := r.String(strings.Repeat("x", 100))
	require.True(t, len(out) > 0)
	assert.True(t, len(out) <= 16+len("...[truncated]"))
}

func TestRedactorEmptyInput(t *testing.T) {
	r := Redactor{}
	assert.Equal(t, "", r.String(""))
}
