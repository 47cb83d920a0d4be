package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
)

// State is the explicit room connection state machine. Transitions:
// connecting -> connected -> (drop) reconnecting -> connected | given-up.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateGivenUp      State = "given-up"
	StateClosed       State = "closed"
)

// RoomClient maintains one relay room socket with capped-backoff
// reconnection. The retry counter increments before a reconnect is
// scheduled, so it always reflects attempts initiated even if the attempt
// itself panics or errors synchronously. A successful connect resets it.
type RoomClient struct {
	logger *zap.Logger
	dialer Dialer
	room   string
	url    string

	maxRetries int
	backoff    *backoff.ExponentialBackOff

	// handshake returns the frames to send right after connecting: the
	// CRDT sync handshake advertising local state.
	handshake func(room string) [][]byte
	onMessage func(room string, data []byte)
	onState   func(room string, state State)

	mu             sync.Mutex
	state          State
	conn           Conn
	retries        int
	reconnectTimer *time.Timer
	closed         bool
}

func NewRoomClient(
	logger *zap.Logger,
	cfg *config.RelayConfig,
	dialer Dialer,
	room string,
	url string,
	handshake func(room string) [][]byte,
	onMessage func(room string, data []byte),
	onState func(room string, state State),
) *RoomClient {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.InitialDelay
	expo.RandomizationFactor = cfg.Randomization
	expo.Multiplier = cfg.Multiplier
	expo.MaxInterval = cfg.MaxDelay
	expo.MaxElapsedTime = 0
	expo.Reset()

	return &RoomClient{
		logger:     logger.Named("relay_room").With(zap.String("room", room)),
		dialer:     dialer,
		room:       room,
		url:        url,
		maxRetries: cfg.MaxRetries,
		backoff:    expo,
		handshake:  handshake,
		onMessage:  onMessage,
		onState:    onState,
		state:      StateConnecting,
	}
}

// Connect starts the connection attempt loop. Non-blocking.
func (c *RoomClient) Connect() {
	c.setState(StateConnecting)
	go c.attempt()
}

func (c *RoomClient) setState(state State) {
	c.mu.Lock()
	if c.closed && state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(c.room, state)
	}
}

// State returns the current connection state.
func (c *RoomClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the current retry-attempt counter.
func (c *RoomClient) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *RoomClient) attempt() {
	c.mu.Lock()
	if c.closed || c.state == StateGivenUp {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(
		context.Background(),
		defaultHandshakeTimeout,
	)
	conn, err := c.dialer.DialContext(ctx, c.url)
	cancel()
	if err != nil {
		c.logger.Debug("relay dial failed", zap.Error(err))
		relayDialsTotal.WithLabelValues("error").Inc()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.retries = 0
	c.backoff.Reset()
	c.mu.Unlock()

	relayDialsTotal.WithLabelValues("success").Inc()
	c.setState(StateConnected)
	c.logger.Info("relay room connected")

	if c.handshake != nil {
		for _, frame := range c.handshake(c.room) {
			if err := conn.WriteMessage(frame); err != nil {
				c.logger.Debug("relay handshake write failed", zap.Error(err))
				c.dropConn(conn)
				return
			}
		}
	}

	c.readLoop(conn)
}

func (c *RoomClient) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn)
			return
		}

		if c.onMessage != nil {
			c.onMessage(c.room, data)
		}
	}
}

func (c *RoomClient) dropConn(conn Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.scheduleReconnect()
	}
}

// scheduleReconnect increments the retry counter first, then either gives
// up at the ceiling or arms the backoff timer. The increment-before-
// schedule order guarantees the counter is never lost between a failure
// and its scheduled retry.
func (c *RoomClient) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateGivenUp {
		c.mu.Unlock()
		return
	}

	c.retries++
	if c.retries >= c.maxRetries {
		c.mu.Unlock()
		c.setState(StateGivenUp)
		relayGiveUpsTotal.Inc()
		c.logger.Warn(
			"giving up on relay room after repeated failures",
			zap.Int("attempts", c.retries),
		)
		return
	}

	// Emit StateReconnecting before arming the timer: the retry may
	// succeed immediately, and a connected callback must never be
	// followed by the reconnecting one for the attempt that preceded it.
	delay := c.backoff.NextBackOff()
	c.state = StateReconnecting
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(c.room, StateReconnecting)
	}
	c.logger.Debug(
		"relay reconnect scheduled",
		zap.Int("attempt", c.retries),
		zap.Duration("delay", delay),
	)

	c.mu.Lock()
	if !c.closed && c.state == StateReconnecting {
		c.reconnectTimer = time.AfterFunc(delay, c.attempt)
	}
	c.mu.Unlock()
}

// Send writes one frame to the room. Returns false when the room is not
// currently connected; the caller fans out to whatever transports are up.
func (c *RoomClient) Send(data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		return false
	}

	if err := conn.WriteMessage(data); err != nil {
		c.logger.Debug("relay send failed", zap.Error(err))
		return false
	}

	return true
}

// Close tears the room down: cancels any pending reconnect timer and
// closes the socket. Safe to call in any state.
func (c *RoomClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if c.onState != nil {
		c.onState(c.room, StateClosed)
	}
}
