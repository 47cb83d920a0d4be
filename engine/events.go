package engine

import (
	"github.com/loomhq/syncengine/protocol"
	"github.com/loomhq/syncengine/relay"
	"github.com/loomhq/syncengine/verify"
)

// Event is the closed set of inputs the dispatcher loop consumes. All
// cross-component flow funnels through it; components never call into each
// other's state directly.
type Event interface {
	isEvent()
}

// WireMessageEvent is one raw envelope received from a transport.
type WireMessageEvent struct {
	Transport string
	TopicHash string
	From      string
	Data      []byte
}

// ControlCommandEvent is one decoded command from the UI host.
type ControlCommandEvent struct {
	Command *protocol.ControlCommand
}

// RelayStateEvent reports a relay room state transition.
type RelayStateEvent struct {
	Room  string
	State relay.State
}

// AppliedUpdateEvent reports a CRDT update that merged into local state.
type AppliedUpdateEvent struct {
	EntityID  string
	Clock     uint64
	ReplicaID string
}

// PeerDisconnectedEvent reports the last overlay connection to a peer
// closing; its session and awareness state are cleared immediately.
type PeerDisconnectedEvent struct {
	PeerID string
}

// PresenceChangedEvent reports a peer appearing on or leaving a topic.
type PresenceChangedEvent struct {
	TopicHash string
	PeerID    string
	Present   bool
}

// VerifyResultEvent carries a resolved verification outcome.
type VerifyResultEvent struct {
	Result *verify.Result
}

func (WireMessageEvent) isEvent()      {}
func (ControlCommandEvent) isEvent()   {}
func (RelayStateEvent) isEvent()       {}
func (PeerDisconnectedEvent) isEvent() {}
func (AppliedUpdateEvent) isEvent()    {}
func (PresenceChangedEvent) isEvent()  {}
func (VerifyResultEvent) isEvent()     {}
