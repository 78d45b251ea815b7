package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/entitystore/internal/connector/memory"
	"github.com/vaultline/entitystore/internal/entity"
	syncengine "github.com/vaultline/entitystore/internal/sync"
)

func syncSchema() *entity.Schema {
	return &entity.Schema{
		Name: "items",
		Properties: []entity.Property{
			{Name: "id", Type: entity.TypeString, IsPrimary: true},
			{Name: "value1", Type: entity.TypeString, Optional: true},
			{Name: "dateCreated", Type: entity.TypeString, Optional: true},
			{Name: "dateModified", Type: entity.TypeString, Optional: true},
			{Name: "nodeIdentity", Type: entity.TypeString, Optional: true},
		},
	}
}

// cluster wires a shared blob store, pointer store, and key directory for a
// set of test nodes.
type cluster struct {
	blobs   syncengine.BlobStore
	pointer syncengine.VerifiableStore
	keys    *syncengine.KeyDirectory
}

func newCluster() *cluster {
	return &cluster{
		blobs:   syncengine.NewMemoryBlobStore(),
		pointer: syncengine.NewMemoryVerifiableStore(),
		keys:    syncengine.NewKeyDirectory(),
	}
}

type node struct {
	identity string
	store    *memory.Store
	capture  *syncengine.CaptureStore
	signer   *syncengine.Ed25519Signer
	engine   *syncengine.Engine
}

func (c *cluster) addNode(t *testing.T, identity string, authoritative bool, remote syncengine.RemoteClient) *node {
	t.Helper()
	ctx := context.Background()

	store, err := memory.New(syncSchema())
	require.NoError(t, err)

	signer, pub, err := syncengine.GenerateSigner(identity)
	require.NoError(t, err)
	c.keys.Register(identity, pub)

	snapshots := syncengine.NewMemorySnapshotStore()
	capture, err := syncengine.NewCaptureStore(ctx, store, snapshots, identity)
	require.NoError(t, err)

	engine, err := syncengine.NewEngine(ctx, syncengine.Deps{
		Store:     store,
		Capture:   capture,
		Blobs:     c.blobs,
		Pointer:   c.pointer,
		Snapshots: snapshots,
		Signer:    signer,
		Verifier:  c.keys,
		Remote:    remote,
	}, syncengine.Config{
		VerifiableStorageKey: "sync-pointer",
		IsAuthoritativeNode:  authoritative,
	})
	require.NoError(t, err)

	return &node{identity: identity, store: store, capture: capture, signer: signer, engine: engine}
}

// File-backed blob and pointer stores over one directory stand in for the
// shared storage a multi-process deployment mounts on every node.
func TestSharedFileStoresConvergence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	blobs, err := syncengine.NewFileBlobStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	pointer, err := syncengine.NewFileVerifiableStore(filepath.Join(dir, "pointer.json"))
	require.NoError(t, err)
	c := &cluster{blobs: blobs, pointer: pointer, keys: syncengine.NewKeyDirectory()}

	authority := c.addNode(t, "node-b", true, nil)
	follower := c.addNode(t, "node-a", false, authority.engine)

	x := follower.capture.Prepare(map[string]any{"id": "x", "value1": "from-a"})
	require.NoError(t, follower.capture.Set(ctx, x, nil))
	require.NoError(t, follower.engine.SyncOnce(ctx))

	got, err := authority.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got, "authority must resolve the follower's blob id through the shared directory")
	require.Equal(t, "from-a", got["value1"])
	require.Zero(t, follower.capture.PendingCount())
}

func TestFollowerPushAndConvergence(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	authority := c.addNode(t, "node-b", true, nil)
	follower := c.addNode(t, "node-a", false, authority.engine)
	observer := c.addNode(t, "node-c", false, authority.engine)

	// Follower writes locally and pushes on the next cycle.
	x := follower.capture.Prepare(map[string]any{"id": "x", "value1": "from-a"})
	require.NoError(t, follower.capture.Set(ctx, x, nil))
	require.NoError(t, follower.engine.SyncOnce(ctx))

	got, err := authority.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got, "authority must hold the pushed entity")
	require.Equal(t, "node-a", got["nodeIdentity"])

	// A second follower converges by pulling the sync state.
	require.NoError(t, observer.engine.SyncOnce(ctx))
	got, err = observer.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got, "observer must converge to the pushed entity")
	require.Equal(t, "from-a", got["value1"])

	// Pending changes are cleared only after the successful push.
	require.Zero(t, follower.capture.PendingCount())

	// A remove propagates the same way.
	require.NoError(t, follower.capture.Remove(ctx, "x", nil))
	require.NoError(t, follower.engine.SyncOnce(ctx))

	got, err = authority.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.Nil(t, got, "authority must apply the remove")

	require.NoError(t, observer.engine.SyncOnce(ctx))
	got, err = observer.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.Nil(t, got, "observer must apply the remove")
}

func TestOwnChangeSetsAreSkipped(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	authority := c.addNode(t, "node-b", true, nil)
	follower := c.addNode(t, "node-a", false, authority.engine)

	x := follower.capture.Prepare(map[string]any{"id": "x", "value1": "v1"})
	require.NoError(t, follower.capture.Set(ctx, x, nil))
	require.NoError(t, follower.engine.SyncOnce(ctx))

	// Diverge locally, then pull again: the node's own change-set in the
	// sync state must not clobber the newer local value.
	require.NoError(t, follower.store.Set(ctx, map[string]any{"id": "x", "value1": "v2"}, nil))
	require.NoError(t, follower.engine.SyncOnce(ctx))

	got, err := follower.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.Equal(t, "v2", got["value1"])
}

func TestApplyIdempotence(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	authority := c.addNode(t, "node-b", true, nil)
	follower := c.addNode(t, "node-a", false, authority.engine)

	require.NoError(t, follower.capture.Set(ctx, follower.capture.Prepare(map[string]any{"id": "x", "value1": "once"}), nil))
	require.NoError(t, follower.engine.SyncOnce(ctx))

	var state syncengine.State
	raw, err := c.pointer.Get(ctx, "sync-pointer")
	require.NoError(t, err)
	var ptr syncengine.Pointer
	require.NoError(t, json.Unmarshal(raw, &ptr))
	stateRaw, err := c.blobs.Download(ctx, ptr.SyncPointerID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(stateRaw, &state))
	require.Len(t, state.Snapshots, 1)
	require.Len(t, state.Snapshots[0].ChangeSetStorageIDs, 1)
	blobID := state.Snapshots[0].ChangeSetStorageIDs[0]

	// Re-pushing the same blob applies cleanly and does not duplicate the
	// sync-state entry.
	require.NoError(t, authority.engine.SyncChangeSet(ctx, blobID))
	require.NoError(t, authority.engine.SyncChangeSet(ctx, blobID))

	raw, err = c.pointer.Get(ctx, "sync-pointer")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ptr))
	stateRaw, err = c.blobs.Download(ctx, ptr.SyncPointerID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(stateRaw, &state))
	require.Len(t, state.Snapshots[0].ChangeSetStorageIDs, 1)

	res, err := authority.store.Query(ctx, nil, nil, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
}

func TestSignatureEnforcement(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	authority := c.addNode(t, "node-b", true, nil)

	// A change-set claiming node-a's identity but signed with a key the
	// directory has never seen.
	rogue, _, err := syncengine.GenerateSigner("node-a")
	require.NoError(t, err)
	cs := &syncengine.ChangeSet{
		ID:           uuid.NewString(),
		DateCreated:  time.Now().UTC(),
		NodeIdentity: "node-a",
		Changes: []syncengine.Change{
			{Operation: syncengine.OperationSet, Entity: map[string]any{"id": "evil", "value1": "nope"}},
		},
	}
	canonical, err := cs.Canonical()
	require.NoError(t, err)
	cs.Proof, err = rogue.Sign(canonical)
	require.NoError(t, err)

	data, err := json.Marshal(cs)
	require.NoError(t, err)
	blobID, err := c.blobs.Upload(ctx, data)
	require.NoError(t, err)

	err = authority.engine.SyncChangeSet(ctx, blobID)
	require.Error(t, err)
	require.Equal(t, entity.KindSignatureInvalid, entity.ErrKind(err))

	got, err := authority.store.Get(ctx, "evil", "", nil)
	require.NoError(t, err)
	require.Nil(t, got, "an unverified change-set must never be applied")
}

func TestTamperedChangeSetRejected(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	authority := c.addNode(t, "node-b", true, nil)

	signer, pub, err := syncengine.GenerateSigner("node-a")
	require.NoError(t, err)
	c.keys.Register("node-a", pub)

	cs := &syncengine.ChangeSet{
		ID:           uuid.NewString(),
		DateCreated:  time.Now().UTC(),
		NodeIdentity: "node-a",
		Changes: []syncengine.Change{
			{Operation: syncengine.OperationSet, Entity: map[string]any{"id": "x", "value1": "honest"}},
		},
	}
	canonical, err := cs.Canonical()
	require.NoError(t, err)
	cs.Proof, err = signer.Sign(canonical)
	require.NoError(t, err)

	// Mutate after sealing.
	cs.Changes[0].Entity["value1"] = "tampered"

	data, err := json.Marshal(cs)
	require.NoError(t, err)
	blobID, err := c.blobs.Upload(ctx, data)
	require.NoError(t, err)

	err = authority.engine.SyncChangeSet(ctx, blobID)
	require.Error(t, err)
	require.Equal(t, entity.KindSignatureInvalid, entity.ErrKind(err))
}

func TestLastWriterWins(t *testing.T) {
	c := newCluster()
	ctx := context.Background()

	authority := c.addNode(t, "node-b", true, nil)

	// The authority already holds a newer version of x.
	newer := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, authority.store.Set(ctx, map[string]any{"id": "x", "value1": "newer", "dateModified": newer}, nil))

	signer, pub, err := syncengine.GenerateSigner("node-a")
	require.NoError(t, err)
	c.keys.Register("node-a", pub)

	cs := &syncengine.ChangeSet{
		ID:           uuid.NewString(),
		DateCreated:  time.Now().UTC(),
		NodeIdentity: "node-a",
		Changes: []syncengine.Change{
			{Operation: syncengine.OperationSet, Entity: map[string]any{"id": "x", "value1": "older"}},
		},
	}
	canonical, err := cs.Canonical()
	require.NoError(t, err)
	cs.Proof, err = signer.Sign(canonical)
	require.NoError(t, err)

	data, err := json.Marshal(cs)
	require.NoError(t, err)
	blobID, err := c.blobs.Upload(ctx, data)
	require.NoError(t, err)

	require.NoError(t, authority.engine.SyncChangeSet(ctx, blobID))

	got, err := authority.store.Get(ctx, "x", "", nil)
	require.NoError(t, err)
	require.Equal(t, "newer", got["value1"], "a stale change-set must lose to the stored dateModified")
}

// countingFailStore fails the n-th write exactly once.
type countingFailStore struct {
	entity.Store
	writes int
	failOn int
	failed bool
}

func (f *countingFailStore) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	f.writes++
	if !f.failed && f.writes == f.failOn {
		f.failed = true
		return entity.OpErr(entity.KindWriteFailed, "store.set", "items", "", errors.New("transient"))
	}
	return f.Store.Set(ctx, e, conditions)
}

func TestPartialApplyResumes(t *testing.T) {
	ctx := context.Background()
	c := newCluster()

	backing, err := memory.New(syncSchema())
	require.NoError(t, err)
	store := &countingFailStore{Store: backing, failOn: 2}

	signer, pub, err := syncengine.GenerateSigner("node-b")
	require.NoError(t, err)
	c.keys.Register("node-b", pub)

	snapshots := syncengine.NewMemorySnapshotStore()
	capture, err := syncengine.NewCaptureStore(ctx, store, snapshots, "node-b")
	require.NoError(t, err)

	engine, err := syncengine.NewEngine(ctx, syncengine.Deps{
		Store:     store,
		Capture:   capture,
		Blobs:     c.blobs,
		Pointer:   c.pointer,
		Snapshots: snapshots,
		Signer:    signer,
		Verifier:  c.keys,
	}, syncengine.Config{VerifiableStorageKey: "sync-pointer", IsAuthoritativeNode: true})
	require.NoError(t, err)

	peer, peerPub, err := syncengine.GenerateSigner("node-a")
	require.NoError(t, err)
	c.keys.Register("node-a", peerPub)

	cs := &syncengine.ChangeSet{
		ID:           uuid.NewString(),
		DateCreated:  time.Now().UTC(),
		NodeIdentity: "node-a",
		Changes: []syncengine.Change{
			{Operation: syncengine.OperationSet, Entity: map[string]any{"id": "1", "value1": "a"}},
			{Operation: syncengine.OperationSet, Entity: map[string]any{"id": "2", "value1": "b"}},
			{Operation: syncengine.OperationSet, Entity: map[string]any{"id": "3", "value1": "c"}},
		},
	}
	canonical, err := cs.Canonical()
	require.NoError(t, err)
	cs.Proof, err = peer.Sign(canonical)
	require.NoError(t, err)
	data, err := json.Marshal(cs)
	require.NoError(t, err)
	blobID, err := c.blobs.Upload(ctx, data)
	require.NoError(t, err)

	// The second write fails once, so the apply stops after the first change.
	err = engine.SyncChangeSet(ctx, blobID)
	require.Error(t, err)
	require.Equal(t, entity.KindWriteFailed, entity.ErrKind(err))

	got, err := backing.Get(ctx, "1", "", nil)
	require.NoError(t, err)
	require.NotNil(t, got, "changes before the failure stay applied")
	got, err = backing.Get(ctx, "2", "", nil)
	require.NoError(t, err)
	require.Nil(t, got)

	// The retry resumes at the recorded index and completes.
	require.NoError(t, engine.SyncChangeSet(ctx, blobID))
	for _, id := range []string{"1", "2", "3"} {
		got, err := backing.Get(ctx, id, "", nil)
		require.NoError(t, err)
		require.NotNil(t, got, "entity %s must exist after resume", id)
	}
}
