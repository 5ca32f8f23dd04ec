package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		s := UUID()
		parsed, err := uuid.Parse(s)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())
		assert.False(t, seen[s], "duplicate id %s", s)
		seen[s] = true
	}
}

func TestShort(t *testing.T) {
	s := Short()
	assert.Len(t, s, 16)
	assert.NotEqual(t, s, Short())
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{UUID(), true},
		{"users-get", true},
		{"route_1.v2", true},
		{"", false},
		{"has space", false},
		{"slash/id", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Valid(tt.in), "Valid(%q)", tt.in)
	}
}

func TestForKey(t *testing.T) {
	a := ForKey("GET", "/users")
	assert.Equal(t, a, ForKey("GET", "/users"))
	assert.NotEqual(t, a, ForKey("POST", "/users"))
	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
	assert.True(t, Valid(a))
}
