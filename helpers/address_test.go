package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractEmailAddress(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"bare address", "user@example.org", "user@example.org"},
		{"display name", "John Doe <john@example.org>", "john@example.org"},
		{"quoted display name", `"Doe, John" <john@example.org>`, "john@example.org"},
		{"angle brackets only", "<user@example.org>", "user@example.org"},
		{"unparsable", "not an address", "not an address"},
		{"surrounding space", "  user@example.org  ", "user@example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractEmailAddress(tt.value))
		})
	}
}

func TestValidateEmailAddress(t *testing.T) {
	assert.NoError(t, ValidateEmailAddress("user@example.org"))
	assert.Error(t, ValidateEmailAddress("no brackets or at sign"))
	assert.Error(t, ValidateEmailAddress(""))
}

func TestObfuscateEmailAddress(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"user@example.org", "user@e.......o.."},
		{"someone@lists.example.org", "someone@l.....e.......o.."},
		{"a@b.cd", "a@b.c."},
		{"nodomain", "nodomain"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ObfuscateEmailAddress(tt.email))
	}
}
