package crdt

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/syncengine/config"
	"github.com/loomhq/syncengine/keys"
	"github.com/loomhq/syncengine/store"
)

func setupTestStore(t *testing.T) (*Store, *keys.KeyManager, *store.SyncStore) {
	logger := zap.NewNop()
	db := store.NewPebbleDB(logger, &config.DBConfig{
		InMemoryDONOTUSE: true,
		Path:             ".test/crdt",
	})
	t.Cleanup(func() { db.Close() })

	syncStore := store.NewSyncStore(db, logger)
	keyManager := keys.NewKeyManager(logger, syncStore)
	return NewStore(logger, keyManager, syncStore, "replica-local"),
		keyManager,
		syncStore
}

func TestStore_LocalUpdateRoundTrip(t *testing.T) {
	crdtStore, keyManager, _ := setupTestStore(t)
	material, err := keyManager.GenerateKey("entity-1")
	require.NoError(t, err)

	encrypted, ok, err := crdtStore.CreateLocalUpdate("entity-1", map[string][]byte{
		"title": []byte("inventory list"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// A second replica that received the key through a join-link applies
	// the envelope.
	remote, remoteKeys, _ := setupTestStore(t)
	require.NoError(t, remoteKeys.RegisterKey("entity-1", material))
	assert.Equal(
		t,
		keyManager.Fingerprint("entity-1"),
		remoteKeys.Fingerprint("entity-1"),
	)

	applied, err := remote.ApplyRemoteUpdate("entity-1", encrypted)
	require.NoError(t, err)
	assert.True(t, applied)

	value, ok := remote.document("entity-1").Get("title")
	require.True(t, ok)
	assert.Equal(t, []byte("inventory list"), value)

	// Re-applying the identical envelope is a no-op.
	applied, err = remote.ApplyRemoteUpdate("entity-1", encrypted)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStore_ApplyRemoteUpdateWithoutKeySkips(t *testing.T) {
	crdtStore, _, _ := setupTestStore(t)

	applied, err := crdtStore.ApplyRemoteUpdate("entity-1", []byte("ciphertext"))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStore_OneByteUpdateDiscarded(t *testing.T) {
	crdtStore, keyManager, _ := setupTestStore(t)
	_, err := keyManager.GenerateKey("entity-1")
	require.NoError(t, err)

	// A well-encrypted but undersized payload: sealed single byte.
	sealed, ok, err := keyManager.Encrypt("entity-1", []byte{0x7f})
	require.NoError(t, err)
	require.True(t, ok)

	applied, err := crdtStore.ApplyRemoteUpdate("entity-1", sealed)
	require.NoError(t, err)
	assert.False(t, applied)

	_, ok = crdtStore.document("entity-1").Get("title")
	assert.False(t, ok)
}

func TestStore_KeyFromMetadataThenApplySucceeds(t *testing.T) {
	crdtStore, keyManager, _ := setupTestStore(t)

	// Writer side: a replica that owns the key produces an update.
	writer, writerKeys, _ := setupTestStore(t)
	material, err := writerKeys.GenerateKey("entity-1")
	require.NoError(t, err)

	encrypted, ok, err := writer.CreateLocalUpdate("entity-1", map[string][]byte{
		"title": []byte("recovered"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Reader side: no explicit key share, only metadata propagation.
	applied, err := crdtStore.ApplyRemoteUpdate("entity-1", encrypted)
	require.NoError(t, err)
	require.False(t, applied, "update must be skipped before the key exists")

	entity := &store.Entity{
		ID:          "entity-1",
		WorkspaceID: "workspace-1",
		Type:        store.EntityTypeDocument,
		EmbeddedKey: base58.Encode(material),
	}
	registered, err := keyManager.DeriveFromMetadata(entity)
	require.NoError(t, err)
	require.True(t, registered)

	applied, err = crdtStore.ApplyRemoteUpdate("entity-1", encrypted)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestStore_LoadEntityReplaysLog(t *testing.T) {
	crdtStore, keyManager, syncStore := setupTestStore(t)
	_, err := keyManager.GenerateKey("entity-1")
	require.NoError(t, err)

	_, ok, err := crdtStore.CreateLocalUpdate("entity-1", map[string][]byte{
		"title": []byte("v1"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = crdtStore.CreateLocalUpdate("entity-1", map[string][]byte{
		"title": []byte("v2"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	restored := NewStore(zap.NewNop(), keyManager, syncStore, "replica-local")
	require.NoError(t, restored.LoadEntity("entity-1"))

	value, ok := restored.document("entity-1").Get("title")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)
}

func TestStore_Manifest(t *testing.T) {
	crdtStore, _, syncStore := setupTestStore(t)

	require.NoError(t, syncStore.PutEntity(&store.Entity{
		ID: "doc-1", WorkspaceID: "workspace-1", Type: store.EntityTypeDocument,
	}))
	require.NoError(t, syncStore.PutEntity(&store.Entity{
		ID: "folder-1", WorkspaceID: "workspace-1", Type: store.EntityTypeFolder,
	}))
	require.NoError(t, syncStore.PutEntity(&store.Entity{
		ID: "ghost-1", WorkspaceID: "workspace-1",
		Type: store.EntityTypeDocument, Placeholder: true,
	}))
	require.NoError(t, syncStore.PutEntity(&store.Entity{
		ID: "doc-2", WorkspaceID: "workspace-2", Type: store.EntityTypeDocument,
	}))

	manifest, err := crdtStore.Manifest("workspace-1")
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Documents)
	assert.Equal(t, 1, manifest.Folders)
}
