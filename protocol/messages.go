package protocol

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind tags the closed set of peer/sync wire messages. Anything outside
// this set is rejected at the parse boundary.
type Kind string

const (
	KindSessionChallenge Kind = "session-challenge"
	KindPeerIdentity     Kind = "peer-identity"
	KindPeerJoined       Kind = "peer-joined"
	KindSyncRequest      Kind = "sync-request"
	KindSyncStateRequest Kind = "sync-state-request"
	KindUpdate           Kind = "update"
	KindEntityMeta       Kind = "entity-meta"
	KindManifestRequest  Kind = "manifest-request"
	KindManifestResponse Kind = "manifest-response"
	KindPresence         Kind = "presence"
)

var MalformedMessageErr = errors.New("malformed message")
var UnknownKindErr = errors.New("unknown message kind")

// Envelope wraps every wire message. The id deduplicates envelopes that
// arrive over more than one transport.
type Envelope struct {
	ID      string             `msgpack:"id"`
	Kind    Kind               `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// SessionChallenge opens the identity exchange: the sender asks the remote
// to prove control of its identity key by signing this nonce.
type SessionChallenge struct {
	Nonce []byte `msgpack:"nonce"`
}

// PeerIdentity answers a session challenge: the sender proves control of
// its identity key by signing the challenge nonce and advertises the topic
// hashes it participates in.
type PeerIdentity struct {
	PeerID      string   `msgpack:"peerId"`
	PublicKey   []byte   `msgpack:"publicKey"`
	Nonce       []byte   `msgpack:"nonce"`
	Signature   []byte   `msgpack:"signature"`
	TopicHashes []string `msgpack:"topicHashes"`
}

// PeerJoined disseminates presence of a newly authenticated peer on a
// topic. Broadcast only by the session/sync-request path.
type PeerJoined struct {
	PeerID    string `msgpack:"peerId"`
	TopicHash string `msgpack:"topicHash"`
}

// EntityVersion advertises the materialized head of one entity.
type EntityVersion struct {
	EntityID  string `msgpack:"entityId"`
	Clock     uint64 `msgpack:"clock"`
	ReplicaID string `msgpack:"replicaId"`
}

// SyncRequest asks a peer for updates the local replica is missing on one
// shared topic, advertising local entity heads so the peer can diff.
type SyncRequest struct {
	TopicHash string          `msgpack:"topicHash"`
	Entities  []EntityVersion `msgpack:"entities"`
}

// SyncStateRequest is the relay-room handshake: advertise local heads and
// request the remote's full state for the room's workspace.
type SyncStateRequest struct {
	TopicHash string          `msgpack:"topicHash"`
	Entities  []EntityVersion `msgpack:"entities"`
}

// Update carries one encrypted CRDT diff.
type Update struct {
	TopicHash  string `msgpack:"topicHash"`
	EntityID   string `msgpack:"entityId"`
	Ciphertext []byte `msgpack:"ciphertext"`
}

// EntityMeta propagates entity metadata, optionally carrying an embedded
// key representation for entities discovered without a key-share event.
type EntityMeta struct {
	TopicHash   string `msgpack:"topicHash"`
	EntityID    string `msgpack:"entityId"`
	WorkspaceID string `msgpack:"workspaceId"`
	EntityType  string `msgpack:"entityType"`
	Name        string `msgpack:"name"`
	EmbeddedKey string `msgpack:"embeddedKey,omitempty"`
}

// ManifestRequest asks connected peers for their workspace manifest.
type ManifestRequest struct {
	RequestID string `msgpack:"requestId"`
	TopicHash string `msgpack:"topicHash"`
}

// ManifestResponse reports the peer's count-based manifest.
type ManifestResponse struct {
	RequestID string `msgpack:"requestId"`
	TopicHash string `msgpack:"topicHash"`
	Documents int    `msgpack:"documents"`
	Folders   int    `msgpack:"folders"`
}

// Presence carries ephemeral per-peer liveness/cursor metadata. Never
// persisted.
type Presence struct {
	PeerID    string `msgpack:"peerId"`
	TopicHash string `msgpack:"topicHash"`
	Cursor    []byte `msgpack:"cursor,omitempty"`
	SentAt    int64  `msgpack:"sentAt"`
}

// NewEnvelope seals a message of the given kind.
func NewEnvelope(id string, kind Kind, message any) (*Envelope, error) {
	payload, err := msgpack.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "new envelope")
	}

	return &Envelope{ID: id, Kind: kind, Payload: payload}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

// DecodeEnvelope parses an envelope and checks its kind is known. Payload
// validation happens in the per-kind decoders.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := msgpack.Unmarshal(data, envelope); err != nil {
		return nil, errors.Wrap(MalformedMessageErr, "decode envelope")
	}

	if envelope.ID == "" {
		return nil, errors.Wrap(MalformedMessageErr, "decode envelope")
	}

	switch envelope.Kind {
	case KindSessionChallenge, KindPeerIdentity, KindPeerJoined, KindSyncRequest,
		KindSyncStateRequest, KindUpdate, KindEntityMeta,
		KindManifestRequest, KindManifestResponse, KindPresence:
		return envelope, nil
	}

	return nil, errors.Wrapf(UnknownKindErr, "decode envelope: %s", envelope.Kind)
}

func decodePayload(envelope *Envelope, want Kind, out any) error {
	if envelope.Kind != want {
		return errors.Wrapf(
			MalformedMessageErr,
			"expected %s, got %s",
			want,
			envelope.Kind,
		)
	}

	if err := msgpack.Unmarshal(envelope.Payload, out); err != nil {
		return errors.Wrap(MalformedMessageErr, string(want))
	}

	return nil
}

func (e *Envelope) SessionChallenge() (*SessionChallenge, error) {
	message := &SessionChallenge{}
	if err := decodePayload(e, KindSessionChallenge, message); err != nil {
		return nil, err
	}
	if len(message.Nonce) == 0 {
		return nil, errors.Wrap(MalformedMessageErr, "session challenge")
	}
	return message, nil
}

func (e *Envelope) PeerIdentity() (*PeerIdentity, error) {
	message := &PeerIdentity{}
	if err := decodePayload(e, KindPeerIdentity, message); err != nil {
		return nil, err
	}
	if message.PeerID == "" || len(message.PublicKey) == 0 ||
		len(message.Signature) == 0 {
		return nil, errors.Wrap(MalformedMessageErr, "peer identity")
	}
	return message, nil
}

func (e *Envelope) PeerJoined() (*PeerJoined, error) {
	message := &PeerJoined{}
	if err := decodePayload(e, KindPeerJoined, message); err != nil {
		return nil, err
	}
	if message.PeerID == "" || message.TopicHash == "" {
		return nil, errors.Wrap(MalformedMessageErr, "peer joined")
	}
	return message, nil
}

func (e *Envelope) SyncRequest() (*SyncRequest, error) {
	message := &SyncRequest{}
	if err := decodePayload(e, KindSyncRequest, message); err != nil {
		return nil, err
	}
	if message.TopicHash == "" {
		return nil, errors.Wrap(MalformedMessageErr, "sync request")
	}
	return message, nil
}

func (e *Envelope) SyncStateRequest() (*SyncStateRequest, error) {
	message := &SyncStateRequest{}
	if err := decodePayload(e, KindSyncStateRequest, message); err != nil {
		return nil, err
	}
	if message.TopicHash == "" {
		return nil, errors.Wrap(MalformedMessageErr, "sync state request")
	}
	return message, nil
}

func (e *Envelope) Update() (*Update, error) {
	message := &Update{}
	if err := decodePayload(e, KindUpdate, message); err != nil {
		return nil, err
	}
	if message.EntityID == "" || len(message.Ciphertext) == 0 {
		return nil, errors.Wrap(MalformedMessageErr, "update")
	}
	return message, nil
}

func (e *Envelope) EntityMeta() (*EntityMeta, error) {
	message := &EntityMeta{}
	if err := decodePayload(e, KindEntityMeta, message); err != nil {
		return nil, err
	}
	if message.EntityID == "" || message.WorkspaceID == "" {
		return nil, errors.Wrap(MalformedMessageErr, "entity meta")
	}
	return message, nil
}

func (e *Envelope) ManifestRequest() (*ManifestRequest, error) {
	message := &ManifestRequest{}
	if err := decodePayload(e, KindManifestRequest, message); err != nil {
		return nil, err
	}
	if message.RequestID == "" || message.TopicHash == "" {
		return nil, errors.Wrap(MalformedMessageErr, "manifest request")
	}
	return message, nil
}

func (e *Envelope) ManifestResponse() (*ManifestResponse, error) {
	message := &ManifestResponse{}
	if err := decodePayload(e, KindManifestResponse, message); err != nil {
		return nil, err
	}
	if message.RequestID == "" {
		return nil, errors.Wrap(MalformedMessageErr, "manifest response")
	}
	return message, nil
}

func (e *Envelope) Presence() (*Presence, error) {
	message := &Presence{}
	if err := decodePayload(e, KindPresence, message); err != nil {
		return nil, err
	}
	if message.PeerID == "" || message.TopicHash == "" {
		return nil, errors.Wrap(MalformedMessageErr, "presence")
	}
	return message, nil
}
