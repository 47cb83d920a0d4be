package crdt

import (
	"sync"
	"time"
)

type fieldState struct {
	value     []byte
	clock     uint64
	replicaID string
}

// Document is the materialized state of one entity: a last-writer-wins
// field map. Applying the same op twice, or any permutation of a set of
// ops, yields identical state.
type Document struct {
	entityID string

	mu     sync.RWMutex
	fields map[string]fieldState
}

func NewDocument(entityID string) *Document {
	return &Document{
		entityID: entityID,
		fields:   make(map[string]fieldState),
	}
}

func (d *Document) EntityID() string {
	return d.entityID
}

// wins reports whether (clock, replica) supersedes the current field state.
// Ties on clock break on replica id so concurrent writes converge to the
// same winner on every replica.
func wins(clock uint64, replicaID string, current fieldState) bool {
	if clock != current.clock {
		return clock > current.clock
	}
	return replicaID > current.replicaID
}

// Apply merges an update into the document and reports whether any field
// changed. Duplicate and out-of-date ops are no-ops.
func (d *Document) Apply(update *Update) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, op := range update.Ops {
		current, exists := d.fields[op.Field]
		if exists && !wins(op.Clock, op.ReplicaID, current) {
			continue
		}

		value := make([]byte, len(op.Value))
		copy(value, op.Value)
		d.fields[op.Field] = fieldState{
			value:     value,
			clock:     op.Clock,
			replicaID: op.ReplicaID,
		}
		changed = true
	}

	return changed
}

// Get returns the current value of a field.
func (d *Document) Get(field string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state, ok := d.fields[field]
	if !ok {
		return nil, false
	}

	value := make([]byte, len(state.value))
	copy(value, state.value)
	return value, true
}

// Fields returns a snapshot of all field values.
func (d *Document) Fields() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snapshot := make(map[string][]byte, len(d.fields))
	for field, state := range d.fields {
		value := make([]byte, len(state.value))
		copy(value, state.value)
		snapshot[field] = value
	}
	return snapshot
}

// Version returns the highest (clock, replica) pair the document has seen,
// used to advertise local state during the sync handshake.
func (d *Document) Version() (uint64, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var clock uint64
	replicaID := ""
	for _, state := range d.fields {
		if state.clock > clock ||
			(state.clock == clock && state.replicaID > replicaID) {
			clock = state.clock
			replicaID = state.replicaID
		}
	}
	return clock, replicaID
}

// Clock is a hybrid logical clock: wall-clock milliseconds advanced past
// every observed remote timestamp, so local updates always supersede state
// they were made on top of.
type Clock struct {
	mu   sync.Mutex
	last uint64
}

func NewClock() *Clock {
	return &Clock{}
}

// Next returns a timestamp strictly greater than all previously returned
// or observed ones.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := uint64(time.Now().UnixMilli())
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// Observe advances the clock past a remote timestamp.
func (c *Clock) Observe(remote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.last {
		c.last = remote
	}
}
