package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxIDAttempts bounds the collision-retry loop below.
const maxIDAttempts = 10

// GenerateID builds a session id from an optional client-offered prefix and
// a random suffix, retrying on collision the way the original front-end's
// session allocator did: {prefix}_{hex} with the prefix defaulting to a UTC
// timestamp when the client doesn't offer one. exists reports whether a
// candidate id is already taken (typically: does its directory exist).
func GenerateID(offered string, now time.Time, exists func(string) bool) (string, error) {
	prefix := strings.TrimSpace(offered)
	if prefix == "" {
		prefix = now.UTC().Format("20060102T150405")
	}
	for i := 0; i < maxIDAttempts; i++ {
		candidate := fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("session: could not allocate a unique id for prefix %q after %d attempts", prefix, maxIDAttempts)
}
