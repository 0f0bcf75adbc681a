// Package id mints the opaque, time-ordered identifiers used throughout the
// engine. SessionId, RunId, NodeId and EventId come from New, a UUIDv7:
// sortable by creation time like a ULID, generated from the same
// google/uuid dependency the rest of the pack already relies on for ids.
// AttemptIds are not UUIDs: RootAttempt and ChainAttempt derive them
// deterministically as 32 hex characters of a sha256 hash.
package id

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// New mints a new time-ordered opaque identifier.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

var delimiterSafe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsDelimiterSafe reports whether s matches [a-z0-9_-]+, the shape required
// of any identifier that participates in a colon-joined dedupe key.
func IsDelimiterSafe(s string) bool {
	return s != "" && delimiterSafe.MatchString(s)
}

// ChainAttempt derives the next AttemptId deterministically from a parent
// attempt id, so that retries of the same logical attempt compute the same
// key (spec 4.7 attemptIdForNextNode).
func ChainAttempt(parent string) string {
	sum := sha256.Sum256([]byte("attempt:" + parent))
	return hex.EncodeToString(sum[:16])
}

// RootAttempt derives the first AttemptId for a node from its node id, so
// that starting a node always produces the same initial attempt id.
func RootAttempt(nodeID string) string {
	sum := sha256.Sum256([]byte("attempt-root:" + nodeID))
	return hex.EncodeToString(sum[:16])
}

// DedupeKey joins delimiter-safe parts with ':'. It panics if any part is
// not delimiter-safe, since an unsafe part would make the joined key
// ambiguous to parse back apart — callers must validate inputs before this
// point.
func DedupeKey(parts ...string) string {
	for _, p := range parts {
		if !IsDelimiterSafe(p) {
			panic(fmt.Sprintf("id: dedupe key part %q is not delimiter-safe", p))
		}
	}
	key := parts[0]
	for _, p := range parts[1:] {
		key += ":" + p
	}
	return key
}
