package p2p

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/protocol"
)

const seenEnvelopeCacheSize = 4096

// PeerPresence is the ephemeral awareness state of one peer on one topic.
// Never persisted.
type PeerPresence struct {
	PeerID    string
	Cursor    []byte
	UpdatedAt time.Time
}

// PresenceTracker holds per-topic awareness state and deduplicates
// envelopes that arrive over more than one transport.
type PresenceTracker struct {
	logger *zap.Logger

	onChange func(topicHash, peerID string, present bool)

	mu     sync.Mutex
	seen   *lru.Cache[string, struct{}]
	topics map[string]map[string]*PeerPresence
}

func NewPresenceTracker(
	logger *zap.Logger,
	onChange func(topicHash, peerID string, present bool),
) *PresenceTracker {
	seen, _ := lru.New[string, struct{}](seenEnvelopeCacheSize)
	return &PresenceTracker{
		logger:   logger.Named("presence"),
		onChange: onChange,
		seen:     seen,
		topics:   make(map[string]map[string]*PeerPresence),
	}
}

// MarkSeen records an envelope id and reports whether it was already seen.
// Every inbound envelope passes through here before dispatch, regardless of
// kind, so updates arriving via both relay and overlay apply once.
func (p *PresenceTracker) MarkSeen(envelopeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, duplicate := p.seen.Get(envelopeID); duplicate {
		duplicateEnvelopesTotal.Inc()
		return true
	}
	p.seen.Add(envelopeID, struct{}{})
	return false
}

// Observe applies one presence message. Returns false when the peer was
// already known present on the topic with newer state.
func (p *PresenceTracker) Observe(message *protocol.Presence) bool {
	sentAt := time.UnixMilli(message.SentAt)

	p.mu.Lock()
	peers, ok := p.topics[message.TopicHash]
	if !ok {
		peers = make(map[string]*PeerPresence)
		p.topics[message.TopicHash] = peers
	}

	existing, known := peers[message.PeerID]
	if known && !existing.UpdatedAt.Before(sentAt) {
		p.mu.Unlock()
		return false
	}

	peers[message.PeerID] = &PeerPresence{
		PeerID:    message.PeerID,
		Cursor:    message.Cursor,
		UpdatedAt: sentAt,
	}
	p.mu.Unlock()

	if !known && p.onChange != nil {
		p.onChange(message.TopicHash, message.PeerID, true)
	}
	return true
}

// RemovePeer drops the peer's awareness state everywhere. Called when the
// peer disconnects.
func (p *PresenceTracker) RemovePeer(peerID string) {
	p.mu.Lock()
	affected := []string{}
	for topicHash, peers := range p.topics {
		if _, ok := peers[peerID]; ok {
			delete(peers, peerID)
			affected = append(affected, topicHash)
		}
	}
	p.mu.Unlock()

	if p.onChange != nil {
		for _, topicHash := range affected {
			p.onChange(topicHash, peerID, false)
		}
	}
}

// DropTopic forgets all awareness state for a topic. Called when the local
// replica leaves the workspace.
func (p *PresenceTracker) DropTopic(topicHash string) {
	p.mu.Lock()
	delete(p.topics, topicHash)
	p.mu.Unlock()
}

// Snapshot lists the peers currently present on a topic.
func (p *PresenceTracker) Snapshot(topicHash string) []*PeerPresence {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers := p.topics[topicHash]
	snapshot := make([]*PeerPresence, 0, len(peers))
	for _, presence := range peers {
		cpy := *presence
		snapshot = append(snapshot, &cpy)
	}
	return snapshot
}
