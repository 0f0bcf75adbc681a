package token_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/workflowd/engine/pkg/keyring"
	"github.com/workflowd/engine/pkg/token"
)

func newKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	kr, err := keyring.New()
	require.NoError(t, err)
	return kr
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kr := newKeyring(t)
	payload := token.StatePayload{SessionID: "sess1", RunID: "run1", NodeID: "node1", WorkflowHashRef: "abc123"}

	text, err := token.SignText(token.KindState, payload, kr)
	require.NoError(t, err)
	require.Regexp(t, `^st1[023456789acdefghjklmnpqrstuvwxyz]+$`, text)

	var out token.StatePayload
	require.NoError(t, token.VerifyText(text, token.KindState, kr, &out))
	require.Equal(t, payload, out)
}

func TestSignIsDeterministic(t *testing.T) {
	kr := newKeyring(t)
	payload := token.AckPayload{SessionID: "s", RunID: "r", NodeID: "n", AttemptID: "a"}
	a, err := token.Sign(token.KindAck, payload, kr)
	require.NoError(t, err)
	b, err := token.Sign(token.KindAck, payload, kr)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestVerifyRejectsWrongHRP(t *testing.T) {
	kr := newKeyring(t)
	text, err := token.SignText(token.KindState, token.StatePayload{SessionID: "s"}, kr)
	require.NoError(t, err)

	var out token.AckPayload
	err = token.VerifyText(text, token.KindAck, kr, &out)
	require.Error(t, err)
}

func TestVerifyAcceptsRetiredKey(t *testing.T) {
	kr := newKeyring(t)
	text, err := token.SignText(token.KindCheckpoint, token.CheckpointPayload{SessionID: "s"}, kr)
	require.NoError(t, err)

	require.NoError(t, kr.Rotate())

	var out token.CheckpointPayload
	require.NoError(t, token.VerifyText(text, token.KindCheckpoint, kr, &out))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	kr := newKeyring(t)
	raw, err := token.Sign(token.KindState, token.StatePayload{SessionID: "s"}, kr)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF

	var out token.StatePayload
	err = token.Verify(raw, token.KindState, kr, &out)
	require.Error(t, err)
	var sigErr *token.SignatureError
	require.ErrorAs(t, err, &sigErr)
}

func TestAssertScopeMatches(t *testing.T) {
	state := token.StatePayload{SessionID: "s", RunID: "r", NodeID: "n"}
	ack := token.AckPayload{SessionID: "s", RunID: "r", NodeID: "n", AttemptID: "a"}
	require.NoError(t, token.AssertScopeMatches(state, ack))

	ack.NodeID = "other"
	err := token.AssertScopeMatches(state, ack)
	require.Error(t, err)
	var scopeErr *token.ScopeError
	require.ErrorAs(t, err, &scopeErr)
}
