package sync_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultline/entitystore/internal/connector/memory"
	"github.com/vaultline/entitystore/internal/entity"
	syncengine "github.com/vaultline/entitystore/internal/sync"
)

func newCapture(t *testing.T, snapshots syncengine.SnapshotStore) (*syncengine.CaptureStore, *memory.Store) {
	t.Helper()
	store, err := memory.New(syncSchema())
	require.NoError(t, err)
	capture, err := syncengine.NewCaptureStore(context.Background(), store, snapshots, "node-a")
	require.NoError(t, err)
	return capture, store
}

func TestCaptureRecordsWrites(t *testing.T) {
	ctx := context.Background()
	capture, store := newCapture(t, syncengine.NewMemorySnapshotStore())

	require.NoError(t, capture.Set(ctx, map[string]any{"id": "1", "value1": "a"}, nil))
	require.NoError(t, capture.Set(ctx, map[string]any{"id": "2", "value1": "b"}, nil))
	require.NoError(t, capture.Remove(ctx, "1", nil))
	require.Equal(t, 3, capture.PendingCount())

	// Writes reach the backing store.
	got, err := store.Get(ctx, "2", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = store.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCaptureFailedWriteNotRecorded(t *testing.T) {
	ctx := context.Background()
	capture, _ := newCapture(t, syncengine.NewMemorySnapshotStore())

	// Missing primary key fails validation in the backing store.
	err := capture.Set(ctx, map[string]any{"value1": "a"}, nil)
	require.Error(t, err)
	require.Zero(t, capture.PendingCount())
}

func TestCapturePrepareStamps(t *testing.T) {
	capture, _ := newCapture(t, syncengine.NewMemorySnapshotStore())

	e := capture.Prepare(map[string]any{"id": "1"})
	require.Equal(t, "node-a", e["nodeIdentity"])
	require.NotEmpty(t, e["dateCreated"])

	// Existing stamps are preserved.
	e = capture.Prepare(map[string]any{"id": "1", "nodeIdentity": "node-z", "dateCreated": "then"})
	require.Equal(t, "node-z", e["nodeIdentity"])
	require.Equal(t, "then", e["dateCreated"])
}

func TestSealAndClearPending(t *testing.T) {
	ctx := context.Background()
	capture, _ := newCapture(t, syncengine.NewMemorySnapshotStore())

	signer, pub, err := syncengine.GenerateSigner("node-a")
	require.NoError(t, err)

	cs, err := capture.Seal(signer)
	require.NoError(t, err)
	require.Nil(t, cs, "nothing pending seals to nil")

	require.NoError(t, capture.Set(ctx, map[string]any{"id": "1"}, nil))
	require.NoError(t, capture.Set(ctx, map[string]any{"id": "2"}, nil))

	cs, err = capture.Seal(signer)
	require.NoError(t, err)
	require.Len(t, cs.Changes, 2)
	require.Equal(t, "node-a", cs.NodeIdentity)

	canonical, err := cs.Canonical()
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, canonical, cs.Proof))

	// Pending changes survive until the push is confirmed.
	require.Equal(t, 2, capture.PendingCount())

	// A write racing the push stays pending after the confirmed clear.
	require.NoError(t, capture.Set(ctx, map[string]any{"id": "3"}, nil))
	require.NoError(t, capture.ClearPending(ctx, len(cs.Changes)))
	require.Equal(t, 1, capture.PendingCount())
}

func TestCaptureSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	snapshots, err := syncengine.NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)

	capture, _ := newCapture(t, snapshots)
	require.NoError(t, capture.Set(ctx, map[string]any{"id": "1"}, nil))

	// A new capture store over the same snapshot store resumes the pending
	// changes.
	store, err := memory.New(syncSchema())
	require.NoError(t, err)
	reopened, err := syncengine.NewCaptureStore(ctx, store, snapshots, "node-a")
	require.NoError(t, err)
	require.Equal(t, 1, reopened.PendingCount())
}

func TestFileSnapshotStoreProgress(t *testing.T) {
	ctx := context.Background()
	snapshots, err := syncengine.NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)

	loaded, err := snapshots.LoadProgress(ctx)
	require.NoError(t, err)
	require.Nil(t, loaded)

	progress := syncengine.NewProgress()
	progress.Applied["blob-1"] = true
	progress.Partial["blob-2"] = 3
	require.NoError(t, snapshots.SaveProgress(ctx, progress))

	loaded, err = snapshots.LoadProgress(ctx)
	require.NoError(t, err)
	require.True(t, loaded.Applied["blob-1"])
	require.Equal(t, 3, loaded.Partial["blob-2"])
}

func TestFileBlobStore(t *testing.T) {
	ctx := context.Background()
	blobs, err := syncengine.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	id, err := blobs.Upload(ctx, []byte("payload"))
	require.NoError(t, err)
	data, err := blobs.Download(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	_, err = blobs.Download(ctx, "unknown")
	require.Error(t, err)
	require.Equal(t, entity.KindBackendUnavailable, entity.ErrKind(err))

	// Ids come from remote peers; path shapes never reach the filesystem.
	for _, hostile := range []string{"../" + id, "a/b", ".."} {
		_, err = blobs.Download(ctx, hostile)
		require.Error(t, err)
		require.Equal(t, entity.KindBackendUnavailable, entity.ErrKind(err))
	}
}

func TestFileVerifiableStore(t *testing.T) {
	ctx := context.Background()
	store, err := syncengine.NewFileVerifiableStore(filepath.Join(t.TempDir(), "pointer.json"))
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, entity.KindBackendUnavailable, entity.ErrKind(err))

	require.NoError(t, store.Set(ctx, "k", []byte("v1")))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, store.Set(ctx, "k", []byte("v2")))
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestKeyDirectory(t *testing.T) {
	dir := syncengine.NewKeyDirectory()

	signer, pub, err := syncengine.GenerateSigner("node-a")
	require.NoError(t, err)
	dir.Register("node-a", pub)

	data := []byte("payload")
	proof, err := signer.Sign(data)
	require.NoError(t, err)

	require.NoError(t, dir.Verify("node-a", data, proof))

	err = dir.Verify("node-a", []byte("other payload"), proof)
	require.Equal(t, entity.KindSignatureInvalid, entity.ErrKind(err))

	err = dir.Verify("node-unknown", data, proof)
	require.Equal(t, entity.KindSignatureInvalid, entity.ErrKind(err))
}

func TestParseKeys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	parsedPub, err := syncengine.ParsePublicKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	require.Equal(t, pub, parsedPub)

	parsedPriv, err := syncengine.ParsePrivateKey(base64.StdEncoding.EncodeToString(priv))
	require.NoError(t, err)
	require.Equal(t, priv, parsedPriv)

	_, err = syncengine.ParsePublicKey("not base64")
	require.Error(t, err)
	_, err = syncengine.ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}
