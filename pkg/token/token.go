// Package token implements the state/ack/checkpoint token codec described in
// spec §3.5 and §4.7: a binary frame (version || kind || canonical JSON
// payload || HMAC-SHA-256 signature) with an HRP-prefixed bech32m text
// encoding. Tokens are opaque to the agent; the server re-verifies one on
// every call rather than trusting it as a cache.
package token

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/workflowd/engine/pkg/apierror"
	"github.com/workflowd/engine/pkg/canonjson"
	"github.com/workflowd/engine/pkg/hashref"
	"github.com/workflowd/engine/pkg/keyring"
)

// Kind identifies which of the three token shapes a frame carries.
type Kind byte

const (
	KindState      Kind = 1
	KindAck        Kind = 2
	KindCheckpoint Kind = 3
)

// HRP returns the bech32m human-readable part for the kind.
func (k Kind) HRP() string {
	switch k {
	case KindState:
		return "st"
	case KindAck:
		return "ack"
	case KindCheckpoint:
		return "chk"
	default:
		return ""
	}
}

func hrpToKind(hrp string) (Kind, bool) {
	switch hrp {
	case "st":
		return KindState, true
	case "ack":
		return KindAck, true
	case "chk":
		return KindCheckpoint, true
	default:
		return 0, false
	}
}

const version byte = 1
const hmacSize = 32

// StatePayload binds a state token to "where am I?".
type StatePayload struct {
	SessionID       string `json:"sessionId"`
	RunID           string `json:"runId"`
	NodeID          string `json:"nodeId"`
	WorkflowHashRef string `json:"workflowHashRef"`
}

// AckPayload binds an ack token to "this is my next submission".
type AckPayload struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	NodeID    string `json:"nodeId"`
	AttemptID string `json:"attemptId"`
}

// CheckpointPayload binds a checkpoint token to "mark progress without
// advancing".
type CheckpointPayload struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
	NodeID    string `json:"nodeId"`
	AttemptID string `json:"attemptId"`
}

// Error codes, part of the closed taxonomy in spec §7.
const (
	ErrInvalidFormat        = "TOKEN_INVALID_FORMAT"
	ErrUnsupportedVersion   = "TOKEN_UNSUPPORTED_VERSION"
	ErrBadSignature         = "TOKEN_BAD_SIGNATURE"
	ErrScopeMismatch        = "TOKEN_SCOPE_MISMATCH"
	ErrUnknownNode          = "TOKEN_UNKNOWN_NODE"
	ErrWorkflowHashMismatch = "TOKEN_WORKFLOW_HASH_MISMATCH"
)

// FormatError is raised for malformed token bytes/text.
type FormatError struct{ Reason string }

func (e *FormatError) Error() string { return "token: invalid format: " + e.Reason }
func (e *FormatError) Code() string  { return ErrInvalidFormat }

// VersionError is raised when the frame's version byte is not supported.
type VersionError struct{ Got byte }

func (e *VersionError) Error() string {
	return fmt.Sprintf("token: unsupported version %d", e.Got)
}
func (e *VersionError) Code() string { return ErrUnsupportedVersion }

// SignatureError is raised when no keyring key's HMAC matches.
type SignatureError struct{}

func (e *SignatureError) Error() string { return "token: bad signature" }
func (e *SignatureError) Code() string  { return ErrBadSignature }

// ScopeError is raised when two tokens disagree on shared scope fields.
type ScopeError struct{ Reason string }

func (e *ScopeError) Error() string { return "token: scope mismatch: " + e.Reason }
func (e *ScopeError) Code() string  { return ErrScopeMismatch }

// UnknownNodeError is raised when a token's nodeId has no corresponding
// node in the run's projected DAG.
type UnknownNodeError struct{ NodeID string }

func (e *UnknownNodeError) Error() string { return "token: unknown node " + e.NodeID }
func (e *UnknownNodeError) Code() string  { return ErrUnknownNode }

// WorkflowHashMismatchError is raised when a token's workflowHashRef
// disagrees with the run's recorded pinned workflow.
type WorkflowHashMismatchError struct{ Expected, Got string }

func (e *WorkflowHashMismatchError) Error() string {
	return fmt.Sprintf("token: workflowHashRef mismatch: expected %s, got %s", e.Expected, e.Got)
}
func (e *WorkflowHashMismatchError) Code() string { return ErrWorkflowHashMismatch }

// ClassifyError maps this package's typed errors to the closed §7 taxonomy.
// ok is false when err does not originate from this package.
func ClassifyError(err error) (code apierror.Code, details map[string]any, ok bool) {
	var fe *FormatError
	if errors.As(err, &fe) {
		return apierror.CodeTokenInvalidFormat, nil, true
	}
	var ve *VersionError
	if errors.As(err, &ve) {
		return apierror.CodeTokenUnsupportedVersion, nil, true
	}
	var se *SignatureError
	if errors.As(err, &se) {
		return apierror.CodeTokenBadSignature, nil, true
	}
	var sce *ScopeError
	if errors.As(err, &sce) {
		return apierror.CodeTokenScopeMismatch, map[string]any{"reason": sce.Reason}, true
	}
	var une *UnknownNodeError
	if errors.As(err, &une) {
		return apierror.CodeTokenUnknownNode, map[string]any{"nodeId": une.NodeID}, true
	}
	var whe *WorkflowHashMismatchError
	if errors.As(err, &whe) {
		return apierror.CodeTokenWorkflowHashMismatch, map[string]any{"expected": whe.Expected, "got": whe.Got}, true
	}
	return "", nil, false
}

// Sign builds a signed binary token for payload using the keyring's current
// signing key.
func Sign(kind Kind, payload any, kr *keyring.Keyring) ([]byte, error) {
	signingKey, err := kr.SigningKey()
	if err != nil {
		return nil, err
	}
	body, err := canonjson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("token: marshal payload: %w", err)
	}

	prefix := make([]byte, 0, 2+len(body))
	prefix = append(prefix, version, byte(kind))
	prefix = append(prefix, body...)

	sig := hashref.HMAC(signingKey.Secret, prefix)

	out := make([]byte, 0, len(prefix)+hmacSize)
	out = append(out, prefix...)
	out = append(out, sig...)
	return out, nil
}

// SignText signs payload and encodes it as bech32m text with kind's HRP.
func SignText(kind Kind, payload any, kr *keyring.Keyring) (string, error) {
	raw, err := Sign(kind, payload, kr)
	if err != nil {
		return "", err
	}
	return EncodeText(kind, raw)
}

// EncodeText converts a raw signed binary token to its bech32m text form.
func EncodeText(kind Kind, raw []byte) (string, error) {
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return encodeBech32m(kind.HRP(), data), nil
}

// DecodeText parses bech32m text back into raw binary token bytes, checking
// that the HRP matches the expected kind.
func DecodeText(expected Kind, text string) ([]byte, error) {
	data, err := decodeBech32m(text, expected.HRP())
	if err != nil {
		return nil, err
	}
	bytesOut, err := convertBits(to5Bit(data), 5, 8, false)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, len(bytesOut))
	for i, b := range bytesOut {
		raw[i] = byte(b)
	}
	return raw, nil
}

// Verify decodes and verifies a binary token, trying every keyring key
// (active and retired) until one produces a matching HMAC, and unmarshals
// the payload into out (a pointer to StatePayload/AckPayload/CheckpointPayload).
func Verify(raw []byte, expected Kind, kr *keyring.Keyring, out any) error {
	if len(raw) < 2+hmacSize {
		return &FormatError{Reason: "too short"}
	}
	if raw[0] != version {
		return &VersionError{Got: raw[0]}
	}
	if Kind(raw[1]) != expected {
		return &FormatError{Reason: "unexpected kind"}
	}

	body := raw[:len(raw)-hmacSize]
	sig := raw[len(raw)-hmacSize:]

	var verified bool
	for _, k := range kr.VerificationKeys() {
		if hashref.EqualHMAC(hashref.HMAC(k.Secret, body), sig) {
			verified = true
			break
		}
	}
	if !verified {
		return &SignatureError{}
	}

	payloadJSON := body[2:]
	return unmarshalPayload(payloadJSON, out)
}

// VerifyText decodes bech32m text for the expected kind and verifies it.
func VerifyText(text string, expected Kind, kr *keyring.Keyring, out any) error {
	raw, err := DecodeText(expected, text)
	if err != nil {
		return err
	}
	return Verify(raw, expected, kr, out)
}

func unmarshalPayload(payloadJSON []byte, out any) error {
	// canonjson output is valid JSON, so the standard decoder can read it
	// back directly.
	return json.Unmarshal(payloadJSON, out)
}

// AssertScopeMatches enforces that an ack token's (sessionId, runId, nodeId)
// equals the state token's, per spec §4.7.
func AssertScopeMatches(state StatePayload, ack AckPayload) error {
	if state.SessionID != ack.SessionID {
		return &ScopeError{Reason: "sessionId"}
	}
	if state.RunID != ack.RunID {
		return &ScopeError{Reason: "runId"}
	}
	if state.NodeID != ack.NodeID {
		return &ScopeError{Reason: "nodeId"}
	}
	return nil
}
