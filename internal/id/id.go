package id

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// UUID generates a random UUID v4 string.
func UUID() string {
	return uuid.NewString()
}

// Short generates a 16 character random hex id for request log entries.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Valid reports whether s is an acceptable client-supplied route id.
// UUIDs are always valid; other ids must be 1-128 characters of
// [A-Za-z0-9._-] so they are safe as store keys.
func Valid(s string) bool {
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// namespace scopes ForKey ids.
var namespace = uuid.MustParse("5b8f2a8e-3c1d-4d8e-9f53-7a2f0c6e1b44")

// ForKey derives a stable UUID v5 from a method and path, so importing the
// same route definition twice addresses the same record.
func ForKey(method, path string) string {
	return uuid.NewSHA1(namespace, []byte(method+" "+path)).String()
}
