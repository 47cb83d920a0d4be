package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	envelope, err := NewEnvelope("msg-1", KindSyncRequest, &SyncRequest{
		TopicHash: "topic-hash-1",
		Entities: []EntityVersion{
			{EntityID: "entity-1", Clock: 42, ReplicaID: "replica-a"},
		},
	})
	require.NoError(t, err)

	data, err := envelope.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, KindSyncRequest, decoded.Kind)

	request, err := decoded.SyncRequest()
	require.NoError(t, err)
	assert.Equal(t, "topic-hash-1", request.TopicHash)
	require.Len(t, request.Entities, 1)
	assert.Equal(t, uint64(42), request.Entities[0].Clock)
}

func TestDecodeEnvelope_UnknownKind(t *testing.T) {
	envelope, err := NewEnvelope("msg-1", Kind("rogue"), &SyncRequest{})
	require.NoError(t, err)

	data, err := envelope.Encode()
	require.NoError(t, err)

	_, err = DecodeEnvelope(data)
	assert.ErrorIs(t, err, UnknownKindErr)
}

func TestDecodeEnvelope_MissingID(t *testing.T) {
	envelope, err := NewEnvelope("", KindPresence, &Presence{})
	require.NoError(t, err)

	data, err := envelope.Encode()
	require.NoError(t, err)

	_, err = DecodeEnvelope(data)
	assert.ErrorIs(t, err, MalformedMessageErr)
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xde, 0xad, 0xbe})
	assert.ErrorIs(t, err, MalformedMessageErr)
}

func TestPeerIdentity_RequiredFields(t *testing.T) {
	envelope, err := NewEnvelope("msg-1", KindPeerIdentity, &PeerIdentity{
		PeerID: "peer-1",
		// public key and signature missing
	})
	require.NoError(t, err)

	_, err = envelope.PeerIdentity()
	assert.ErrorIs(t, err, MalformedMessageErr)
}

func TestSessionChallenge_RequiresNonce(t *testing.T) {
	envelope, err := NewEnvelope("msg-1", KindSessionChallenge, &SessionChallenge{})
	require.NoError(t, err)

	_, err = envelope.SessionChallenge()
	assert.ErrorIs(t, err, MalformedMessageErr)
}

func TestUpdate_KindMismatch(t *testing.T) {
	envelope, err := NewEnvelope("msg-1", KindPresence, &Presence{
		PeerID:    "peer-1",
		TopicHash: "topic-hash-1",
	})
	require.NoError(t, err)

	_, err = envelope.Update()
	assert.ErrorIs(t, err, MalformedMessageErr)
}

func TestDecodeControlCommand(t *testing.T) {
	command, err := DecodeControlCommand(
		[]byte(`{"id":7,"method":"relay-bridge:enable"}`),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(7), command.ID)
	assert.Equal(t, ControlRelayEnable, command.Method)
}

func TestDecodeControlCommand_UnknownMethod(t *testing.T) {
	_, err := DecodeControlCommand([]byte(`{"id":1,"method":"fs:readAll"}`))
	assert.ErrorIs(t, err, UnknownKindErr)
}

func TestDecodeControlCommand_Garbage(t *testing.T) {
	_, err := DecodeControlCommand([]byte(`{not json`))
	assert.ErrorIs(t, err, MalformedMessageErr)
}
