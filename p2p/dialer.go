package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const sessionDialInterval = 15 * time.Second

// SessionDialer walks the joined topics and opens an authenticated session
// to every topic peer that does not hold one yet. Both sides may dial at
// once; Admit deduplicates per topic, so a crossed dial costs one extra
// handshake and nothing else.
type SessionDialer struct {
	logger   *zap.Logger
	overlay  *Overlay
	sessions *SessionHandler
	topics   func() []string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSessionDialer(
	logger *zap.Logger,
	overlay *Overlay,
	sessions *SessionHandler,
	topics func() []string,
) *SessionDialer {
	return &SessionDialer{
		logger:   logger.Named("session_dialer"),
		overlay:  overlay,
		sessions: sessions,
		topics:   topics,
	}
}

func (d *SessionDialer) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.Wrap(errors.New("already started"), "start session dialer")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.started = true

	go d.run(ctx)
	return nil
}

func (d *SessionDialer) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	<-done
}

func (d *SessionDialer) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(sessionDialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *SessionDialer) sweep(ctx context.Context) {
	self := d.overlay.PeerID()

	for _, topic := range d.topics() {
		for _, peerID := range d.overlay.TopicPeers(topic) {
			if peerID == self || d.sessions.Authenticated(peerID, topic) {
				continue
			}
			d.dial(ctx, peerID, topic)
		}
	}
}

func (d *SessionDialer) dial(ctx context.Context, peerID, topic string) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stream, err := d.overlay.OpenSession(dialCtx, peerID)
	if err != nil {
		d.logger.Debug(
			"session dial failed",
			zap.String("peer", peerID),
			zap.Error(err),
		)
		return
	}

	if err := d.sessions.OpenSession(stream); err != nil {
		d.logger.Debug(
			"session handshake failed",
			zap.String("peer", peerID),
			zap.Error(err),
		)
	}
}
