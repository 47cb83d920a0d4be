package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	inbox  chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	// failUntil makes the first N attempts fail; 0 always succeeds, a
	// negative value always fails.
	failUntil int
	conns     []*fakeConn
}

func (d *fakeDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.failUntil < 0 || d.attempts <= d.failUntil {
		return nil, errors.Errorf("dial refused (attempt %d)", d.attempts)
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func testRelayConfig() *config.RelayConfig {
	cfg := config.RelayConfig{
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Multiplier:    1.5,
		Randomization: 0.1,
	}.WithDefaults()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return &cfg
}

func newTestRoom(
	t *testing.T,
	dialer Dialer,
	handshake func(room string) [][]byte,
) *RoomClient {
	client := NewRoomClient(
		zap.NewNop(),
		testRelayConfig(),
		dialer,
		"doc-123",
		"wss://relay.test/doc-123",
		handshake,
		nil,
		nil,
	)
	t.Cleanup(client.Close)
	return client
}

func TestRoomClient_GivesUpAfterMaxRetries(t *testing.T) {
	dialer := &fakeDialer{failUntil: -1}
	client := newTestRoom(t, dialer, nil)

	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateGivenUp
	}, 5*time.Second, time.Millisecond)

	// Exactly maxRetries dials happened; the next attempt was suppressed.
	assert.Equal(t, 15, dialer.attemptCount())
	assert.Equal(t, 15, client.Retries())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 15, dialer.attemptCount(), "16th attempt must not occur")
	assert.Equal(t, StateGivenUp, client.State())
}

func TestRoomClient_SuccessResetsRetryCounter(t *testing.T) {
	dialer := &fakeDialer{failUntil: 3}
	client := newTestRoom(t, dialer, nil)

	client.Connect()

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 4, dialer.attemptCount())
	assert.Equal(t, 0, client.Retries())
}

func TestRoomClient_ReconnectingPrecedesConnected(t *testing.T) {
	dialer := &fakeDialer{failUntil: 1}

	var mu sync.Mutex
	states := []State{}
	client := NewRoomClient(
		zap.NewNop(),
		testRelayConfig(),
		dialer,
		"doc-123",
		"wss://relay.test/doc-123",
		nil,
		nil,
		func(room string, state State) {
			mu.Lock()
			states = append(states, state)
			mu.Unlock()
		},
	)
	t.Cleanup(client.Close)

	client.Connect()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == StateConnected
	}, 5*time.Second, time.Millisecond)

	// The reconnecting callback fires before the retry is armed, so even
	// an instant retry success never reports connected first.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(
		t,
		[]State{StateConnecting, StateReconnecting, StateConnected},
		states,
	)
}

func TestRoomClient_HandshakeSentOnConnect(t *testing.T) {
	dialer := &fakeDialer{}
	frames := [][]byte{[]byte("sync-state-request"), []byte("subscribe")}
	client := newTestRoom(t, dialer, func(room string) [][]byte {
		assert.Equal(t, "doc-123", room)
		return frames
	})

	client.Connect()

	require.Eventually(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return len(dialer.conns) == 1 && dialer.conns[0].writeCount() == 2
	}, 5*time.Second, time.Millisecond)
}

func TestRoomClient_ReconnectsAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestRoom(t, dialer, nil)

	client.Connect()
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 5*time.Second, time.Millisecond)

	dialer.mu.Lock()
	first := dialer.conns[0]
	dialer.mu.Unlock()
	first.Close()

	require.Eventually(t, func() bool {
		return dialer.attemptCount() == 2 && client.State() == StateConnected
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, client.Retries())
}

func TestRoomClient_DeliversMessages(t *testing.T) {
	dialer := &fakeDialer{}
	received := make(chan []byte, 1)
	client := NewRoomClient(
		zap.NewNop(),
		testRelayConfig(),
		dialer,
		"doc-123",
		"wss://relay.test/doc-123",
		nil,
		func(room string, data []byte) { received <- data },
		nil,
	)
	t.Cleanup(client.Close)

	client.Connect()
	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 5*time.Second, time.Millisecond)

	dialer.mu.Lock()
	dialer.conns[0].inbox <- []byte("envelope")
	dialer.mu.Unlock()

	select {
	case data := <-received:
		assert.Equal(t, []byte("envelope"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBridge_DisconnectAllCancelsEverything(t *testing.T) {
	dialer := &fakeDialer{failUntil: -1}
	bridge := NewBridge(
		zap.NewNop(),
		testRelayConfig(),
		dialer,
		nil,
		nil,
		nil,
	)

	for i := 0; i < 4; i++ {
		bridge.ConnectRoom(
			fmt.Sprintf("doc-%d", i),
			"wss://relay.test/room",
		)
	}

	// Let the rooms enter their retry loops.
	require.Eventually(t, func() bool {
		return dialer.attemptCount() >= 4
	}, 5*time.Second, time.Millisecond)

	bridge.DisconnectAll()
	assert.Empty(t, bridge.RoomStates())

	// No pending timer may fire another attempt after teardown.
	settled := dialer.attemptCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, dialer.attemptCount())
}

func TestBridge_SendOnlyWhenConnected(t *testing.T) {
	dialer := &fakeDialer{}
	bridge := NewBridge(
		zap.NewNop(),
		testRelayConfig(),
		dialer,
		nil,
		nil,
		nil,
	)
	t.Cleanup(bridge.DisconnectAll)

	assert.False(t, bridge.Send("doc-0", []byte("frame")))

	bridge.ConnectRoom("doc-0", "wss://relay.test/doc-0")
	require.Eventually(t, func() bool {
		return bridge.RoomState("doc-0") == StateConnected
	}, 5*time.Second, time.Millisecond)

	assert.True(t, bridge.Send("doc-0", []byte("frame")))
}
