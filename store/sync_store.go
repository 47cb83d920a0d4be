package store

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	workspaceMetadata = 0x01
	entityMetadata    = 0x02
	entityUpdateLog   = 0x03
	entityKeyRecord   = 0x04
	preference        = 0x05
)

// EntityType discriminates the document kinds a workspace can hold.
type EntityType string

const (
	EntityTypeDocument  EntityType = "document"
	EntityTypeFolder    EntityType = "folder"
	EntityTypeSheet     EntityType = "sheet"
	EntityTypeKanban    EntityType = "kanban"
	EntityTypeInventory EntityType = "inventory"
	EntityTypeFile      EntityType = "file"
)

// PermissionLevel is a member's access level within a workspace.
type PermissionLevel int

const (
	PermissionViewer PermissionLevel = iota
	PermissionEditor
	PermissionAdmin
)

type Member struct {
	PeerID     string          `msgpack:"peerId"`
	Permission PermissionLevel `msgpack:"permission"`
}

type Workspace struct {
	ID      string   `msgpack:"id"`
	Name    string   `msgpack:"name"`
	Members []Member `msgpack:"members"`
}

type Entity struct {
	ID          string     `msgpack:"id"`
	WorkspaceID string     `msgpack:"workspaceId"`
	Type        EntityType `msgpack:"type"`
	Name        string     `msgpack:"name"`
	// Optional base58 key representation embedded in propagated metadata.
	// Entities without one fall back to the workspace key.
	EmbeddedKey string `msgpack:"embeddedKey,omitempty"`
	// Placeholder entities are known only from metadata propagation and
	// have no replicated content yet.
	Placeholder bool `msgpack:"placeholder"`
}

type KeyRecord struct {
	EntityID    string `msgpack:"entityId"`
	KeyMaterial []byte `msgpack:"keyMaterial"`
}

// Preference names persisted for the UI host.
const (
	PrefRelayEnabled   = "relayBridgeEnabled"
	PrefCustomRelayURL = "customRelayUrl"
)

// SyncStore persists workspaces, entities, per-entity update logs, entity
// key records and engine preferences.
type SyncStore struct {
	db     KVDB
	logger *zap.Logger
}

func NewSyncStore(db KVDB, logger *zap.Logger) *SyncStore {
	return &SyncStore{
		db:     db,
		logger: logger.Named("sync_store"),
	}
}

func workspaceKey(workspaceID string) []byte {
	return append([]byte{workspaceMetadata}, []byte(workspaceID)...)
}

func entityKey(entityID string) []byte {
	return append([]byte{entityMetadata}, []byte(entityID)...)
}

// updateLogKey orders updates by logical clock, tie-broken by replica id.
func updateLogKey(entityID string, clock uint64, replicaID string) []byte {
	key := append([]byte{entityUpdateLog}, []byte(entityID)...)
	key = append(key, 0x00)
	clockBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(clockBytes, clock)
	key = append(key, clockBytes...)
	return append(key, []byte(replicaID)...)
}

func updateLogPrefix(entityID string) []byte {
	key := append([]byte{entityUpdateLog}, []byte(entityID)...)
	return append(key, 0x00)
}

func keyRecordKey(entityID string) []byte {
	return append([]byte{entityKeyRecord}, []byte(entityID)...)
}

func preferenceKey(name string) []byte {
	return append([]byte{preference}, []byte(name)...)
}

// prefixEnd returns the exclusive upper bound for iterating a prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *SyncStore) PutWorkspace(workspace *Workspace) error {
	data, err := msgpack.Marshal(workspace)
	if err != nil {
		return errors.Wrap(err, "put workspace")
	}

	return errors.Wrap(
		s.db.Set(workspaceKey(workspace.ID), data),
		"put workspace",
	)
}

func (s *SyncStore) GetWorkspace(workspaceID string) (*Workspace, error) {
	data, closer, err := s.db.Get(workspaceKey(workspaceID))
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(ErrNotFound, "get workspace")
		}
		return nil, errors.Wrap(err, "get workspace")
	}
	defer closer.Close()

	workspace := &Workspace{}
	if err := msgpack.Unmarshal(data, workspace); err != nil {
		return nil, errors.Wrap(err, "get workspace")
	}

	return workspace, nil
}

func (s *SyncStore) RangeWorkspaces() ([]*Workspace, error) {
	prefix := []byte{workspaceMetadata}
	iter, err := s.db.NewIter(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "range workspaces")
	}
	defer iter.Close()

	workspaces := []*Workspace{}
	for iter.First(); iter.Valid(); iter.Next() {
		workspace := &Workspace{}
		if err := msgpack.Unmarshal(iter.Value(), workspace); err != nil {
			return nil, errors.Wrap(err, "range workspaces")
		}
		workspaces = append(workspaces, workspace)
	}

	return workspaces, nil
}

// DeleteWorkspace removes a workspace, its entities, their update logs and
// key records in one batch. Connection teardown and key unregistration in
// memory are the caller's responsibility.
func (s *SyncStore) DeleteWorkspace(workspaceID string) error {
	entities, err := s.RangeEntities(workspaceID)
	if err != nil {
		return errors.Wrap(err, "delete workspace")
	}

	txn := s.db.NewBatch()
	for _, entity := range entities {
		if err := s.deleteEntityInTxn(txn, entity.ID); err != nil {
			txn.Abort()
			return errors.Wrap(err, "delete workspace")
		}
	}

	if err := txn.Delete(workspaceKey(workspaceID)); err != nil {
		txn.Abort()
		return errors.Wrap(err, "delete workspace")
	}

	return errors.Wrap(txn.Commit(), "delete workspace")
}

func (s *SyncStore) PutEntity(entity *Entity) error {
	data, err := msgpack.Marshal(entity)
	if err != nil {
		return errors.Wrap(err, "put entity")
	}

	return errors.Wrap(s.db.Set(entityKey(entity.ID), data), "put entity")
}

func (s *SyncStore) GetEntity(entityID string) (*Entity, error) {
	data, closer, err := s.db.Get(entityKey(entityID))
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(ErrNotFound, "get entity")
		}
		return nil, errors.Wrap(err, "get entity")
	}
	defer closer.Close()

	entity := &Entity{}
	if err := msgpack.Unmarshal(data, entity); err != nil {
		return nil, errors.Wrap(err, "get entity")
	}

	return entity, nil
}

// RangeEntities returns all entities, filtered to a workspace when
// workspaceID is non-empty.
func (s *SyncStore) RangeEntities(workspaceID string) ([]*Entity, error) {
	prefix := []byte{entityMetadata}
	iter, err := s.db.NewIter(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "range entities")
	}
	defer iter.Close()

	entities := []*Entity{}
	for iter.First(); iter.Valid(); iter.Next() {
		entity := &Entity{}
		if err := msgpack.Unmarshal(iter.Value(), entity); err != nil {
			return nil, errors.Wrap(err, "range entities")
		}
		if workspaceID == "" || entity.WorkspaceID == workspaceID {
			entities = append(entities, entity)
		}
	}

	return entities, nil
}

// DeleteEntity removes the entity, its update log and its key record.
func (s *SyncStore) DeleteEntity(entityID string) error {
	txn := s.db.NewBatch()
	if err := s.deleteEntityInTxn(txn, entityID); err != nil {
		txn.Abort()
		return errors.Wrap(err, "delete entity")
	}

	return errors.Wrap(txn.Commit(), "delete entity")
}

func (s *SyncStore) deleteEntityInTxn(txn Transaction, entityID string) error {
	if err := txn.Delete(entityKey(entityID)); err != nil {
		return err
	}

	if err := txn.Delete(keyRecordKey(entityID)); err != nil {
		return err
	}

	prefix := updateLogPrefix(entityID)
	return txn.DeleteRange(prefix, prefixEnd(prefix))
}

// AppendUpdate persists one applied update in the entity's replicated log.
// The write is idempotent: re-appending the same (clock, replica) pair
// overwrites the identical value.
func (s *SyncStore) AppendUpdate(
	entityID string,
	clock uint64,
	replicaID string,
	payload []byte,
) error {
	return errors.Wrap(
		s.db.Set(updateLogKey(entityID, clock, replicaID), payload),
		"append update",
	)
}

// RangeUpdates returns the entity's persisted updates in log order.
func (s *SyncStore) RangeUpdates(entityID string) ([][]byte, error) {
	prefix := updateLogPrefix(entityID)
	iter, err := s.db.NewIter(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "range updates")
	}
	defer iter.Close()

	updates := [][]byte{}
	for iter.First(); iter.Valid(); iter.Next() {
		payload := make([]byte, len(iter.Value()))
		copy(payload, iter.Value())
		updates = append(updates, payload)
	}

	return updates, nil
}

func (s *SyncStore) PutKeyRecord(record *KeyRecord) error {
	data, err := msgpack.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "put key record")
	}

	return errors.Wrap(
		s.db.Set(keyRecordKey(record.EntityID), data),
		"put key record",
	)
}

func (s *SyncStore) RangeKeyRecords() ([]*KeyRecord, error) {
	prefix := []byte{entityKeyRecord}
	iter, err := s.db.NewIter(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "range key records")
	}
	defer iter.Close()

	records := []*KeyRecord{}
	for iter.First(); iter.Valid(); iter.Next() {
		record := &KeyRecord{}
		if err := msgpack.Unmarshal(iter.Value(), record); err != nil {
			return nil, errors.Wrap(err, "range key records")
		}
		records = append(records, record)
	}

	return records, nil
}

func (s *SyncStore) DeleteKeyRecord(entityID string) error {
	return errors.Wrap(
		s.db.Delete(keyRecordKey(entityID)),
		"delete key record",
	)
}

func (s *SyncStore) SetPreference(name, value string) error {
	return errors.Wrap(
		s.db.Set(preferenceKey(name), []byte(value)),
		"set preference",
	)
}

// GetPreference returns the stored value, or the given default when the
// preference has never been written.
func (s *SyncStore) GetPreference(name, fallback string) (string, error) {
	data, closer, err := s.db.Get(preferenceKey(name))
	if err != nil {
		if isNotFound(err) {
			return fallback, nil
		}
		return "", errors.Wrap(err, "get preference")
	}
	defer closer.Close()

	value := string(data)
	return value, nil
}
