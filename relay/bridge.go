package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
)

// Bridge owns the set of relay room clients. It does not decide whether
// relay bridging is allowed: the transport manager gates every call here
// behind the single relay-enabled flag.
type Bridge struct {
	logger *zap.Logger
	cfg    *config.RelayConfig
	dialer Dialer

	handshake func(room string) [][]byte
	onMessage func(room string, data []byte)
	onState   func(room string, state State)

	mu    sync.Mutex
	rooms map[string]*RoomClient
}

func NewBridge(
	logger *zap.Logger,
	cfg *config.RelayConfig,
	dialer Dialer,
	handshake func(room string) [][]byte,
	onMessage func(room string, data []byte),
	onState func(room string, state State),
) *Bridge {
	return &Bridge{
		logger:    logger.Named("relay_bridge"),
		cfg:       cfg,
		dialer:    dialer,
		handshake: handshake,
		onMessage: onMessage,
		onState:   onState,
		rooms:     make(map[string]*RoomClient),
	}
}

// ConnectRoom opens (or reuses) the client for a room. Idempotent while a
// client for the room is live.
func (b *Bridge) ConnectRoom(room, url string) {
	b.mu.Lock()
	if existing, ok := b.rooms[room]; ok && existing.State() != StateGivenUp {
		b.mu.Unlock()
		return
	}

	client := NewRoomClient(
		b.logger,
		b.cfg,
		b.dialer,
		room,
		url,
		b.handshake,
		b.onMessage,
		b.onState,
	)
	b.rooms[room] = client
	b.mu.Unlock()

	activeRoomsGauge.Set(float64(b.roomCount()))
	client.Connect()
}

// DisconnectRoom tears down one room.
func (b *Bridge) DisconnectRoom(room string) {
	b.mu.Lock()
	client, ok := b.rooms[room]
	delete(b.rooms, room)
	b.mu.Unlock()

	if ok {
		client.Close()
	}
	activeRoomsGauge.Set(float64(b.roomCount()))
}

// DisconnectAll tears down every room, open or pending-reconnect, and
// cancels their timers. Called when relay bridging is disabled; by the
// time it returns no timer can fire a new attempt.
func (b *Bridge) DisconnectAll() {
	b.mu.Lock()
	clients := make([]*RoomClient, 0, len(b.rooms))
	for _, client := range b.rooms {
		clients = append(clients, client)
	}
	b.rooms = make(map[string]*RoomClient)
	b.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}

	activeRoomsGauge.Set(0)
	b.logger.Info("relay bridge disconnected", zap.Int("rooms", len(clients)))
}

// Send writes one frame to a room. Returns false when the room is absent
// or not connected.
func (b *Bridge) Send(room string, data []byte) bool {
	b.mu.Lock()
	client, ok := b.rooms[room]
	b.mu.Unlock()

	if !ok {
		return false
	}
	return client.Send(data)
}

// RoomStates reports the state of every room for status queries.
func (b *Bridge) RoomStates() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make(map[string]State, len(b.rooms))
	for room, client := range b.rooms {
		states[room] = client.State()
	}
	return states
}

// RoomState reports one room's state, StateClosed when absent.
func (b *Bridge) RoomState(room string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	client, ok := b.rooms[room]
	if !ok {
		return StateClosed
	}
	return client.State()
}

func (b *Bridge) roomCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}
