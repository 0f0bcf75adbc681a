// Package hashref computes the content-address references used by the
// pinned-workflow and snapshot stores, and the HMAC primitive the token
// codec signs with. Both are stdlib crypto primitives — no library in the
// example corpus wraps sha256/hmac more idiomatically than calling them
// directly.
package hashref

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/workflowd/engine/pkg/canonjson"
)

// Prefix is prepended to every content-address reference.
const Prefix = "sha256:"

// Of returns "sha256:<hex>" for raw bytes.
func Of(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// OfCanonicalJSON canonicalizes v and returns its content-address reference.
func OfCanonicalJSON(v any) (string, error) {
	b, err := canonjson.Marshal(v)
	if err != nil {
		return "", err
	}
	return Of(b), nil
}

// Valid reports whether ref has the form "sha256:" followed by 64 lowercase
// hex characters.
func Valid(ref string) bool {
	if !strings.HasPrefix(ref, Prefix) {
		return false
	}
	hexPart := ref[len(Prefix):]
	if len(hexPart) != 64 {
		return false
	}
	for _, c := range hexPart {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// HMAC returns the 32-byte HMAC-SHA-256 of msg under key.
func HMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// EqualHMAC compares two HMAC tags in constant time.
func EqualHMAC(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// ErrMismatch is returned when a retrieved blob's content hash does not
// match the reference it was stored under — a tamper/corruption signal.
type ErrMismatch struct {
	Want, Got string
}

func (e *ErrMismatch) Error() string {
	return fmt.Sprintf("hashref: content hash mismatch: want %s, got %s", e.Want, e.Got)
}

// Verify recomputes the hash of b and compares it to ref.
func Verify(ref string, b []byte) error {
	got := Of(b)
	if got != ref {
		return &ErrMismatch{Want: ref, Got: got}
	}
	return nil
}
