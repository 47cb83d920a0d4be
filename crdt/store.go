package crdt

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/keys"
	"github.com/loomhq/syncengine/store"
)

// Manifest summarizes a workspace's replicated content for drift
// detection: a peer reporting different counts is missing replicas (or we
// are). Comparison is count-based; content-hash comparison is a future
// extension.
type Manifest struct {
	WorkspaceID string `msgpack:"workspaceId"`
	Documents   int    `msgpack:"documents"`
	Folders     int    `msgpack:"folders"`
}

// Store holds the replicated per-entity logs and materialized documents.
// It produces diffs for local mutations and merges remote ones, gating
// both directions through the key manager.
type Store struct {
	logger     *zap.Logger
	keyManager *keys.KeyManager
	syncStore  *store.SyncStore
	clock      *Clock
	replicaID  string

	mu        sync.RWMutex
	documents map[string]*Document

	onApplied func(entityID string, update *Update)
}

func NewStore(
	logger *zap.Logger,
	keyManager *keys.KeyManager,
	syncStore *store.SyncStore,
	replicaID string,
) *Store {
	return &Store{
		logger:     logger.Named("crdt_store"),
		keyManager: keyManager,
		syncStore:  syncStore,
		clock:      NewClock(),
		replicaID:  replicaID,
		documents:  make(map[string]*Document),
	}
}

// SetOnApplied registers the applied-update notification hook. Must be set
// before any update flows; the engine routes these to the UI host and the
// transport fan-out.
func (s *Store) SetOnApplied(hook func(entityID string, update *Update)) {
	s.onApplied = hook
}

func (s *Store) ReplicaID() string {
	return s.replicaID
}

func (s *Store) document(entityID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[entityID]
	if !ok {
		doc = NewDocument(entityID)
		s.documents[entityID] = doc
	}
	return doc
}

// LoadEntity replays the persisted update log into a materialized
// document. Called at startup and when a workspace is reopened.
func (s *Store) LoadEntity(entityID string) error {
	payloads, err := s.syncStore.RangeUpdates(entityID)
	if err != nil {
		return errors.Wrap(err, "load entity")
	}

	doc := s.document(entityID)
	for _, payload := range payloads {
		update, err := DecodeUpdate(payload)
		if err != nil {
			s.logger.Warn(
				"skipping corrupt log entry",
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
			continue
		}
		doc.Apply(update)
		s.clock.Observe(update.Clock)
	}

	return nil
}

// ApplyRemoteUpdate decrypts, validates and merges a remote diff. A missing
// key or malformed payload is reported as applied=false and never as an
// error: unrelated entities in the same sync batch must keep flowing.
func (s *Store) ApplyRemoteUpdate(entityID string, encryptedPayload []byte) (
	applied bool,
	err error,
) {
	plaintext, ok, err := s.keyManager.Decrypt(entityID, encryptedPayload)
	if err != nil {
		return false, errors.Wrap(err, "apply remote update")
	}
	if !ok {
		s.logger.Debug(
			"no key for entity, skipping update",
			zap.String("entity_id", entityID),
		)
		return false, nil
	}

	update, err := DecodeUpdate(plaintext)
	if err != nil {
		s.logger.Warn(
			"discarding malformed update",
			zap.String("entity_id", entityID),
			zap.Int("size", len(plaintext)),
		)
		return false, nil
	}

	if update.EntityID != entityID {
		s.logger.Warn(
			"update addressed to a different entity",
			zap.String("entity_id", entityID),
			zap.String("update_entity_id", update.EntityID),
		)
		return false, nil
	}

	s.clock.Observe(update.Clock)

	doc := s.document(entityID)
	changed := doc.Apply(update)
	if !changed {
		// Duplicate or superseded; merge is idempotent so this is routine.
		return false, nil
	}

	if err := s.syncStore.AppendUpdate(
		entityID,
		update.Clock,
		update.ReplicaID,
		plaintext,
	); err != nil {
		return false, errors.Wrap(err, "apply remote update")
	}

	if s.onApplied != nil {
		s.onApplied(entityID, update)
	}

	return true, nil
}

// CreateLocalUpdate stamps a mutation with the local replica id and clock,
// applies it locally, persists it, and returns the encrypted envelope for
// transport fan-out. ok is false when the entity has no registered key.
func (s *Store) CreateLocalUpdate(
	entityID string,
	mutation map[string][]byte,
) (encrypted []byte, ok bool, err error) {
	if len(mutation) == 0 {
		return nil, false, errors.Wrap(
			errors.New("empty mutation"),
			"create local update",
		)
	}

	clock := s.clock.Next()
	update := &Update{
		EntityID:  entityID,
		ReplicaID: s.replicaID,
		Clock:     clock,
	}
	for field, value := range mutation {
		update.Ops = append(update.Ops, FieldOp{
			Field:     field,
			Value:     value,
			Clock:     clock,
			ReplicaID: s.replicaID,
		})
	}

	plaintext, err := EncodeUpdate(update)
	if err != nil {
		return nil, false, errors.Wrap(err, "create local update")
	}

	encrypted, ok, err = s.keyManager.Encrypt(entityID, plaintext)
	if err != nil {
		return nil, false, errors.Wrap(err, "create local update")
	}
	if !ok {
		s.logger.Debug(
			"no key for entity, local update not shareable",
			zap.String("entity_id", entityID),
		)
		return nil, false, nil
	}

	s.document(entityID).Apply(update)

	if err := s.syncStore.AppendUpdate(
		entityID,
		update.Clock,
		update.ReplicaID,
		plaintext,
	); err != nil {
		return nil, false, errors.Wrap(err, "create local update")
	}

	if s.onApplied != nil {
		s.onApplied(entityID, update)
	}

	return encrypted, true, nil
}

// EncryptedState re-encrypts the full persisted log of an entity for a
// sync-request reply.
func (s *Store) EncryptedState(entityID string) ([][]byte, error) {
	payloads, err := s.syncStore.RangeUpdates(entityID)
	if err != nil {
		return nil, errors.Wrap(err, "encrypted state")
	}

	envelopes := [][]byte{}
	for _, payload := range payloads {
		sealed, ok, err := s.keyManager.Encrypt(entityID, payload)
		if err != nil {
			return nil, errors.Wrap(err, "encrypted state")
		}
		if !ok {
			// Without a key we cannot share this entity at all.
			return nil, nil
		}
		envelopes = append(envelopes, sealed)
	}

	return envelopes, nil
}

// Version reports the materialized version vector head for an entity.
func (s *Store) Version(entityID string) (uint64, string) {
	return s.document(entityID).Version()
}

// Manifest derives the count-based drift summary for a workspace from
// local metadata, counting only entities with replicated content.
func (s *Store) Manifest(workspaceID string) (*Manifest, error) {
	entities, err := s.syncStore.RangeEntities(workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "manifest")
	}

	manifest := &Manifest{WorkspaceID: workspaceID}
	for _, entity := range entities {
		if entity.Placeholder {
			continue
		}
		switch entity.Type {
		case store.EntityTypeFolder:
			manifest.Folders++
		default:
			manifest.Documents++
		}
	}

	return manifest, nil
}

// DropEntity discards the materialized document, used when an entity is
// deleted by explicit user action.
func (s *Store) DropEntity(entityID string) {
	s.mu.Lock()
	delete(s.documents, entityID)
	s.mu.Unlock()
}
