package p2p

import (
	"bytes"
	"crypto/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/protocol"
)

var AuthenticationFailedErr = errors.New("peer authentication failed")

// sessionNoncePrefix domain-separates session signatures from any other use
// of the identity key.
var sessionNoncePrefix = []byte("loom-session-nonce")

// SessionHandler authenticates overlay peers and opens sync sessions with
// them. Each side issues a fresh challenge nonce; the peer proves control
// of its identity key by signing the nonce the verifier chose, so a
// captured identity envelope is useless in any other session. The key must
// also derive the libp2p peer id the secure channel already authenticated.
// After admission, exactly one sync-request is issued per shared topic, and
// the joined peer is announced on those topics. Failed authentication
// leaves the peer untrusted: no requests, no topic mapping retained.
type SessionHandler struct {
	logger  *zap.Logger
	privKey crypto.PrivKey

	// topicTable supplies the local topic-hash to workspace mapping.
	topicTable func() map[string]string
	// sendSyncRequest asks the engine to request missing updates from the
	// peer on one shared topic.
	sendSyncRequest func(peerID, topicHash string)
	// announcePeer broadcasts presence of the newly admitted peer. The
	// relay-room join path deliberately has no equivalent.
	announcePeer func(peerID, topicHash string)

	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

func NewSessionHandler(
	logger *zap.Logger,
	privKey crypto.PrivKey,
	topicTable func() map[string]string,
	sendSyncRequest func(peerID, topicHash string),
	announcePeer func(peerID, topicHash string),
) *SessionHandler {
	return &SessionHandler{
		logger:          logger.Named("session"),
		privKey:         privKey,
		topicTable:      topicTable,
		sendSyncRequest: sendSyncRequest,
		announcePeer:    announcePeer,
		sessions:        make(map[string]map[string]struct{}),
	}
}

// NewChallenge builds the envelope asking the remote to sign a fresh
// nonce. Returns the nonce so the caller can verify the answer.
func (s *SessionHandler) NewChallenge() ([]byte, *protocol.Envelope, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "session challenge")
	}

	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindSessionChallenge,
		&protocol.SessionChallenge{Nonce: nonce},
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "session challenge")
	}

	return nonce, envelope, nil
}

// LocalIdentity builds this peer's identity envelope answering the remote's
// challenge and advertising the given topic hashes.
func (s *SessionHandler) LocalIdentity(
	challenge []byte,
	topicHashes []string,
) (*protocol.Envelope, error) {
	signature, err := s.privKey.Sign(append(sessionNoncePrefix, challenge...))
	if err != nil {
		return nil, errors.Wrap(err, "local identity")
	}

	publicKey, err := crypto.MarshalPublicKey(s.privKey.GetPublic())
	if err != nil {
		return nil, errors.Wrap(err, "local identity")
	}

	peerID, err := peer.IDFromPublicKey(s.privKey.GetPublic())
	if err != nil {
		return nil, errors.Wrap(err, "local identity")
	}

	envelope, err := protocol.NewEnvelope(
		uuid.New().String(),
		protocol.KindPeerIdentity,
		&protocol.PeerIdentity{
			PeerID:      peerID.String(),
			PublicKey:   publicKey,
			Nonce:       challenge,
			Signature:   signature,
			TopicHashes: topicHashes,
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "local identity")
	}

	return envelope, nil
}

// Authenticate verifies a peer identity message against the transport-level
// peer id and the locally issued challenge, and returns the topic hashes
// shared with the local replica.
func (s *SessionHandler) Authenticate(
	remotePeerID string,
	challenge []byte,
	identity *protocol.PeerIdentity,
) ([]string, error) {
	if identity.PeerID != remotePeerID {
		return nil, errors.Wrap(AuthenticationFailedErr, "peer id mismatch")
	}

	publicKey, err := crypto.UnmarshalPublicKey(identity.PublicKey)
	if err != nil {
		return nil, errors.Wrap(AuthenticationFailedErr, "bad public key")
	}

	derived, err := peer.IDFromPublicKey(publicKey)
	if err != nil {
		return nil, errors.Wrap(AuthenticationFailedErr, "bad public key")
	}
	if derived.String() != remotePeerID {
		return nil, errors.Wrap(AuthenticationFailedErr, "key does not match peer")
	}

	if len(challenge) == 0 || !bytes.Equal(identity.Nonce, challenge) {
		return nil, errors.Wrap(AuthenticationFailedErr, "challenge mismatch")
	}

	valid, err := publicKey.Verify(
		append(sessionNoncePrefix, challenge...),
		identity.Signature,
	)
	if err != nil || !valid {
		return nil, errors.Wrap(AuthenticationFailedErr, "bad signature")
	}

	local := s.topicTable()
	shared := []string{}
	for _, topicHash := range identity.TopicHashes {
		if _, ok := local[topicHash]; ok {
			shared = append(shared, topicHash)
		}
	}

	return shared, nil
}

// Admit records the authenticated session and issues one sync-request per
// shared topic. Topics already synced with this peer are skipped, so
// repeated identity exchanges never duplicate requests.
func (s *SessionHandler) Admit(peerID string, sharedTopics []string) {
	s.mu.Lock()
	synced, ok := s.sessions[peerID]
	if !ok {
		synced = make(map[string]struct{})
		s.sessions[peerID] = synced
	}

	fresh := []string{}
	for _, topicHash := range sharedTopics {
		if _, done := synced[topicHash]; done {
			continue
		}
		synced[topicHash] = struct{}{}
		fresh = append(fresh, topicHash)
	}
	s.mu.Unlock()

	for _, topicHash := range fresh {
		s.sendSyncRequest(peerID, topicHash)
		s.announcePeer(peerID, topicHash)
	}

	if len(fresh) > 0 {
		sessionsAdmittedTotal.Inc()
		s.logger.Info(
			"peer session admitted",
			zap.String("peer", peerID),
			zap.Int("shared_topics", len(fresh)),
		)
	}
}

// RemovePeer forgets a disconnected peer's session so a future reconnect
// syncs again.
func (s *SessionHandler) RemovePeer(peerID string) {
	s.mu.Lock()
	delete(s.sessions, peerID)
	s.mu.Unlock()
}

// Authenticated reports whether the peer currently holds an admitted
// session on the topic.
func (s *SessionHandler) Authenticated(peerID, topicHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	synced, ok := s.sessions[peerID]
	if !ok {
		return false
	}
	_, ok = synced[topicHash]
	return ok
}

// HandleStream runs the inbound side of the identity exchange: read the
// dialer's challenge, answer it alongside a challenge of our own, then
// verify the dialer's identity against that challenge and admit.
func (s *SessionHandler) HandleStream(stream network.Stream) {
	remote := stream.Conn().RemotePeer().String()

	challenge, err := readSessionChallenge(stream)
	if err != nil {
		s.logger.Warn("malformed session challenge", zap.Error(err))
		stream.Reset()
		return
	}

	nonce, ask, err := s.NewChallenge()
	if err != nil {
		s.logger.Error("could not build session challenge", zap.Error(err))
		stream.Reset()
		return
	}
	if err := writeEnvelope(stream, ask); err != nil {
		s.logger.Debug("session challenge write failed", zap.Error(err))
		stream.Reset()
		return
	}

	reply, err := s.LocalIdentity(challenge.Nonce, s.localTopicHashes())
	if err != nil {
		s.logger.Error("could not build local identity", zap.Error(err))
		stream.Reset()
		return
	}
	if err := writeEnvelope(stream, reply); err != nil {
		s.logger.Debug("session reply failed", zap.Error(err))
		stream.Reset()
		return
	}

	identity, err := readPeerIdentity(stream)
	if err != nil {
		s.logger.Warn("malformed peer identity", zap.Error(err))
		stream.Reset()
		return
	}

	shared, err := s.Authenticate(remote, nonce, identity)
	if err != nil {
		authFailuresTotal.Inc()
		s.logger.Warn(
			"peer authentication failed",
			zap.String("peer", remote),
			zap.Error(err),
		)
		stream.Reset()
		return
	}

	s.Admit(remote, shared)
	stream.Close()
}

// OpenSession runs the outbound side of the identity exchange on a freshly
// dialed stream: send our challenge, verify the remote's answer, then
// answer the challenge it sent back.
func (s *SessionHandler) OpenSession(stream network.Stream) error {
	remote := stream.Conn().RemotePeer().String()

	nonce, ask, err := s.NewChallenge()
	if err != nil {
		stream.Reset()
		return errors.Wrap(err, "open session")
	}
	if err := writeEnvelope(stream, ask); err != nil {
		stream.Reset()
		return errors.Wrap(err, "open session")
	}

	challenge, err := readSessionChallenge(stream)
	if err != nil {
		stream.Reset()
		return errors.Wrap(err, "open session")
	}

	identity, err := readPeerIdentity(stream)
	if err != nil {
		stream.Reset()
		return errors.Wrap(err, "open session")
	}

	shared, err := s.Authenticate(remote, nonce, identity)
	if err != nil {
		authFailuresTotal.Inc()
		stream.Reset()
		return errors.Wrap(err, "open session")
	}

	local, err := s.LocalIdentity(challenge.Nonce, s.localTopicHashes())
	if err != nil {
		stream.Reset()
		return errors.Wrap(err, "open session")
	}
	if err := writeEnvelope(stream, local); err != nil {
		stream.Reset()
		return errors.Wrap(err, "open session")
	}

	s.Admit(remote, shared)
	return errors.Wrap(stream.Close(), "open session")
}

func readSessionChallenge(stream network.Stream) (
	*protocol.SessionChallenge,
	error,
) {
	data, err := ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	envelope, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return envelope.SessionChallenge()
}

func readPeerIdentity(stream network.Stream) (*protocol.PeerIdentity, error) {
	data, err := ReadFrame(stream)
	if err != nil {
		return nil, err
	}
	envelope, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	return envelope.PeerIdentity()
}

func writeEnvelope(stream network.Stream, envelope *protocol.Envelope) error {
	data, err := envelope.Encode()
	if err != nil {
		return err
	}
	return WriteFrame(stream, data)
}

func (s *SessionHandler) localTopicHashes() []string {
	table := s.topicTable()
	hashes := make([]string, 0, len(table))
	for topicHash := range table {
		hashes = append(hashes, topicHash)
	}
	return hashes
}
