package keys

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/loomhq/syncengine/store"
)

var KeyNotFoundErr = errors.New("key not found")
var InvalidKeySizeErr = errors.New("invalid key size")

const KeySize = chacha20poly1305.KeySize

// subkeyDerivationDomain separates HKDF output used for entity subkeys from
// any other use of the workspace master key.
const subkeyDerivationDomain = "loom-entity-subkey"

// KeyManager owns the symmetric key lifecycle for workspaces and entities
// and gates all payload encryption. Callers never observe an error for a
// missing key: Encrypt and Decrypt report a skip instead, so one
// unsynchronizable entity cannot abort a batch covering unrelated ones.
type KeyManager struct {
	logger *zap.Logger
	store  *store.SyncStore

	mu   sync.RWMutex
	keys map[string][]byte
}

func NewKeyManager(logger *zap.Logger, syncStore *store.SyncStore) *KeyManager {
	return &KeyManager{
		logger: logger.Named("key_manager"),
		store:  syncStore,
		keys:   make(map[string][]byte),
	}
}

// LoadPersisted restores all key records written by previous runs.
func (m *KeyManager) LoadPersisted() error {
	records, err := m.store.RangeKeyRecords()
	if err != nil {
		return errors.Wrap(err, "load persisted")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		m.keys[record.EntityID] = record.KeyMaterial
	}

	m.logger.Info("restored key records", zap.Int("count", len(records)))
	return nil
}

// RegisterKey stores key material for an entity or workspace id. The call
// is idempotent: re-registering an already known id is a no-op.
func (m *KeyManager) RegisterKey(id string, keyMaterial []byte) error {
	if len(keyMaterial) != KeySize {
		return errors.Wrap(InvalidKeySizeErr, "register key")
	}

	m.mu.Lock()
	if _, exists := m.keys[id]; exists {
		m.mu.Unlock()
		return nil
	}
	material := make([]byte, KeySize)
	copy(material, keyMaterial)
	m.keys[id] = material
	m.mu.Unlock()

	if err := m.store.PutKeyRecord(&store.KeyRecord{
		EntityID:    id,
		KeyMaterial: material,
	}); err != nil {
		return errors.Wrap(err, "register key")
	}

	return nil
}

// UnregisterKey drops the in-memory and persisted key for an id. Used when
// a workspace is left or an entity is deleted.
func (m *KeyManager) UnregisterKey(id string) error {
	m.mu.Lock()
	delete(m.keys, id)
	m.mu.Unlock()

	return errors.Wrap(m.store.DeleteKeyRecord(id), "unregister key")
}

func (m *KeyManager) HasKey(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[id]
	return ok
}

// DeriveFromMetadata registers a key for an entity whose metadata carries
// an embedded base58 key representation. Entities discovered purely through
// metadata propagation become synchronizable this way without an explicit
// key-share event. Returns true when a key is now registered for the
// entity.
func (m *KeyManager) DeriveFromMetadata(entity *store.Entity) (bool, error) {
	if m.HasKey(entity.ID) {
		return true, nil
	}

	if entity.EmbeddedKey == "" {
		return false, nil
	}

	material, err := base58.Decode(entity.EmbeddedKey)
	if err != nil {
		m.logger.Warn(
			"entity metadata carried an undecodable key",
			zap.String("entity_id", entity.ID),
			zap.Error(err),
		)
		return false, nil
	}

	if len(material) != KeySize {
		m.logger.Warn(
			"entity metadata carried a key of wrong size",
			zap.String("entity_id", entity.ID),
			zap.Int("size", len(material)),
		)
		return false, nil
	}

	if err := m.RegisterKey(entity.ID, material); err != nil {
		return false, errors.Wrap(err, "derive from metadata")
	}

	m.logger.Debug(
		"registered entity key from metadata",
		zap.String("entity_id", entity.ID),
		zap.String("fingerprint", m.Fingerprint(entity.ID)),
	)
	return true, nil
}

// DeriveSubkey expands the workspace master key into a per-entity subkey
// via HKDF and registers it. Returns false when the workspace key itself is
// not registered.
func (m *KeyManager) DeriveSubkey(workspaceID, entityID string) (bool, error) {
	if m.HasKey(entityID) {
		return true, nil
	}

	m.mu.RLock()
	master, ok := m.keys[workspaceID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	reader := hkdf.New(
		sha3.New256,
		master,
		[]byte(subkeyDerivationDomain),
		[]byte(entityID),
	)
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return false, errors.Wrap(err, "derive subkey")
	}

	if err := m.RegisterKey(entityID, subkey); err != nil {
		return false, errors.Wrap(err, "derive subkey")
	}

	return true, nil
}

// Encrypt seals plaintext for the given id. ok is false when no key is
// registered; the caller should skip the entity, not fail.
func (m *KeyManager) Encrypt(id string, plaintext []byte) (
	ciphertext []byte,
	ok bool,
	err error,
) {
	m.mu.RLock()
	material, exists := m.keys[id]
	m.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}

	aead, err := chacha20poly1305.NewX(material)
	if err != nil {
		return nil, false, errors.Wrap(err, "encrypt")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, false, errors.Wrap(err, "encrypt")
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(id))
	return sealed, true, nil
}

// Decrypt opens a sealed payload for the given id. ok is false when no key
// is registered or the ciphertext fails authentication; neither case is an
// error that should abort the surrounding sync operation.
func (m *KeyManager) Decrypt(id string, ciphertext []byte) (
	plaintext []byte,
	ok bool,
	err error,
) {
	m.mu.RLock()
	material, exists := m.keys[id]
	m.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}

	aead, err := chacha20poly1305.NewX(material)
	if err != nil {
		return nil, false, errors.Wrap(err, "decrypt")
	}

	if len(ciphertext) < aead.NonceSize() {
		m.logger.Warn(
			"undersized ciphertext",
			zap.String("id", id),
			zap.Int("size", len(ciphertext)),
		)
		return nil, false, nil
	}

	nonce := ciphertext[:aead.NonceSize()]
	opened, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], []byte(id))
	if err != nil {
		m.logger.Warn(
			"ciphertext failed authentication",
			zap.String("id", id),
		)
		return nil, false, nil
	}

	return opened, true, nil
}

// GenerateKey creates and registers a fresh random key for an id.
func (m *KeyManager) GenerateKey(id string) ([]byte, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	if err := m.RegisterKey(id, material); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	return material, nil
}

// Fingerprint returns a short base58 digest of the registered key, for
// logging. Empty string when no key is registered.
func (m *KeyManager) Fingerprint(id string) string {
	m.mu.RLock()
	material, ok := m.keys[id]
	m.mu.RUnlock()
	if !ok {
		return ""
	}

	digest := sha3.Sum256(material)
	return base58.Encode(digest[:8])
}
