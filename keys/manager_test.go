package keys

import (
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/store"
)

func setupTestKeyManager(t *testing.T) (*KeyManager, *store.SyncStore) {
	logger := zap.NewNop()
	db := store.NewPebbleDB(logger, &config.DBConfig{
		InMemoryDONOTUSE: true,
		Path:             ".test/keys",
	})
	t.Cleanup(func() { db.Close() })

	syncStore := store.NewSyncStore(db, logger)
	return NewKeyManager(logger, syncStore), syncStore
}

func randomKey(t *testing.T) []byte {
	material := make([]byte, KeySize)
	_, err := rand.Read(material)
	require.NoError(t, err)
	return material
}

func TestKeyManager_RoundTrip(t *testing.T) {
	manager, _ := setupTestKeyManager(t)

	require.NoError(t, manager.RegisterKey("entity-1", randomKey(t)))

	plaintext := []byte("kanban card moved to done")
	ciphertext, ok, err := manager.Encrypt("entity-1", plaintext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, plaintext, ciphertext)

	opened, ok, err := manager.Decrypt("entity-1", ciphertext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, plaintext, opened)
}

func TestKeyManager_MissingKeySkips(t *testing.T) {
	manager, _ := setupTestKeyManager(t)

	_, ok, err := manager.Encrypt("unknown", []byte("payload"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = manager.Decrypt("unknown", []byte("payload"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyManager_TamperedCiphertextSkips(t *testing.T) {
	manager, _ := setupTestKeyManager(t)
	require.NoError(t, manager.RegisterKey("entity-1", randomKey(t)))

	ciphertext, ok, err := manager.Encrypt("entity-1", []byte("payload"))
	require.NoError(t, err)
	require.True(t, ok)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, ok, err = manager.Decrypt("entity-1", ciphertext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyManager_RegisterIdempotent(t *testing.T) {
	manager, _ := setupTestKeyManager(t)

	first := randomKey(t)
	second := randomKey(t)
	require.NoError(t, manager.RegisterKey("entity-1", first))
	require.NoError(t, manager.RegisterKey("entity-1", second))

	ciphertext, ok, err := manager.Encrypt("entity-1", []byte("payload"))
	require.NoError(t, err)
	require.True(t, ok)

	// The first registration wins; the second must not have replaced it.
	other := NewKeyManager(zap.NewNop(), nil)
	other.keys = map[string][]byte{"entity-1": first}
	opened, ok, err := other.Decrypt("entity-1", ciphertext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), opened)
}

func TestKeyManager_DeriveFromMetadata(t *testing.T) {
	manager, _ := setupTestKeyManager(t)

	material := randomKey(t)
	entity := &store.Entity{
		ID:          "entity-1",
		WorkspaceID: "workspace-1",
		Type:        store.EntityTypeDocument,
		EmbeddedKey: base58.Encode(material),
	}

	ok, err := manager.DeriveFromMetadata(entity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, manager.HasKey("entity-1"))

	ciphertext, ok, err := manager.Encrypt("entity-1", []byte("payload"))
	require.NoError(t, err)
	require.True(t, ok)

	opened, ok, err := manager.Decrypt("entity-1", ciphertext)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), opened)
}

func TestKeyManager_DeriveFromMetadataWithoutEmbeddedKey(t *testing.T) {
	manager, _ := setupTestKeyManager(t)

	ok, err := manager.DeriveFromMetadata(&store.Entity{ID: "entity-1"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, manager.HasKey("entity-1"))
}

func TestKeyManager_DeriveSubkey(t *testing.T) {
	manager, _ := setupTestKeyManager(t)
	require.NoError(t, manager.RegisterKey("workspace-1", randomKey(t)))

	ok, err := manager.DeriveSubkey("workspace-1", "entity-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, manager.HasKey("entity-1"))

	// Derivation is deterministic per (workspace, entity) pair.
	fingerprint := manager.Fingerprint("entity-1")
	require.NoError(t, manager.UnregisterKey("entity-1"))
	ok, err = manager.DeriveSubkey("workspace-1", "entity-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fingerprint, manager.Fingerprint("entity-1"))
}

func TestKeyManager_DeriveSubkeyWithoutWorkspaceKey(t *testing.T) {
	manager, _ := setupTestKeyManager(t)

	ok, err := manager.DeriveSubkey("workspace-1", "entity-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyManager_LoadPersisted(t *testing.T) {
	manager, syncStore := setupTestKeyManager(t)
	material := randomKey(t)
	require.NoError(t, manager.RegisterKey("entity-1", material))

	restored := NewKeyManager(zap.NewNop(), syncStore)
	require.NoError(t, restored.LoadPersisted())
	assert.True(t, restored.HasKey("entity-1"))
}
