// Package jobs generates identifiers for publish requests and prep jobs.
package jobs

import (
	"crypto/rand"
	"strings"
)

// GenerateID returns prefix followed by 26 random base32 characters in
// lower case. The prefix should include a trailing dash, e.g. "req-", "prep-".
func GenerateID(prefix string) string {
	return prefix + strings.ToLower(rand.Text())
}
