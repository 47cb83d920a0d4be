package crdt

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MinUpdateSize is the smallest plausible encoded update. Anything shorter
// is dropped at the parse boundary without reaching the merge path.
const MinUpdateSize = 8

var MalformedUpdateErr = errors.New("malformed update")

// FieldOp sets one field of an entity document. Ops from different replicas
// merge by last-writer-wins on (Clock, ReplicaID).
type FieldOp struct {
	Field     string `msgpack:"f"`
	Value     []byte `msgpack:"v"`
	Clock     uint64 `msgpack:"c"`
	ReplicaID string `msgpack:"r"`
}

// Update is the replicated diff exchanged between replicas: a batch of
// field ops stamped by the originating replica.
type Update struct {
	EntityID  string    `msgpack:"e"`
	ReplicaID string    `msgpack:"r"`
	Clock     uint64    `msgpack:"c"`
	Ops       []FieldOp `msgpack:"o"`
}

// EncodeUpdate serializes an update for transport or the persisted log.
func EncodeUpdate(update *Update) ([]byte, error) {
	data, err := msgpack.Marshal(update)
	if err != nil {
		return nil, errors.Wrap(err, "encode update")
	}
	return data, nil
}

// DecodeUpdate parses and structurally validates an update. All required
// fields are checked here so the merge path never sees a partial value.
func DecodeUpdate(data []byte) (*Update, error) {
	if len(data) < MinUpdateSize {
		return nil, errors.Wrap(MalformedUpdateErr, "decode update")
	}

	update := &Update{}
	if err := msgpack.Unmarshal(data, update); err != nil {
		return nil, errors.Wrap(MalformedUpdateErr, "decode update")
	}

	if update.EntityID == "" || update.ReplicaID == "" || len(update.Ops) == 0 {
		return nil, errors.Wrap(MalformedUpdateErr, "decode update")
	}

	for _, op := range update.Ops {
		if op.Field == "" || op.ReplicaID == "" {
			return nil, errors.Wrap(MalformedUpdateErr, "decode update")
		}
	}

	return update, nil
}
