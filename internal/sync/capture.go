package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/entitystore/internal/entity"
)

// CaptureStore decorates an entity store so every write and delete is
// recorded in the node-local snapshot for the next sync cycle. Reads pass
// through untouched.
type CaptureStore struct {
	store        entity.Store
	snapshots    SnapshotStore
	nodeIdentity string

	mu    gosync.Mutex
	local *SnapshotEntry
	clock func() time.Time
}

// NewCaptureStore loads the node's local snapshot, creating an empty one
// when missing.
func NewCaptureStore(ctx context.Context, store entity.Store, snapshots SnapshotStore, nodeIdentity string) (*CaptureStore, error) {
	if nodeIdentity == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "capture.new", Message: "node identity is required"}
	}
	c := &CaptureStore{store: store, snapshots: snapshots, nodeIdentity: nodeIdentity, clock: time.Now}
	local, err := snapshots.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if local == nil {
		local = &SnapshotEntry{
			ID:              "local-" + nodeIdentity,
			Context:         nodeIdentity,
			DateCreated:     c.clock().UTC(),
			IsLocalSnapshot: true,
		}
		if err := snapshots.SaveSnapshot(ctx, local); err != nil {
			return nil, err
		}
	}
	c.local = local
	return c, nil
}

// Bootstrap delegates to the backing store.
func (c *CaptureStore) Bootstrap(ctx context.Context) (bool, error) { return c.store.Bootstrap(ctx) }

// GetSchema returns the backing store schema.
func (c *CaptureStore) GetSchema() *entity.Schema { return c.store.GetSchema() }

// Get passes through to the backing store.
func (c *CaptureStore) Get(ctx context.Context, id string, secondaryIndex string, conditions []entity.Comparator) (map[string]any, error) {
	return c.store.Get(ctx, id, secondaryIndex, conditions)
}

// Query passes through to the backing store.
func (c *CaptureStore) Query(ctx context.Context, cond entity.Condition, sort []entity.SortDirective, properties []string, cursor string, pageSize int) (*entity.QueryResult, error) {
	return c.store.Query(ctx, cond, sort, properties, cursor, pageSize)
}

// Prepare stamps dateCreated and nodeIdentity when absent. Callers invoke it
// before Set so replicated entities carry their origin.
func (c *CaptureStore) Prepare(e map[string]any) map[string]any {
	out := make(map[string]any, len(e)+2)
	for k, v := range e {
		out[k] = v
	}
	if _, ok := out["dateCreated"]; !ok {
		out["dateCreated"] = c.clock().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := out["nodeIdentity"]; !ok {
		out["nodeIdentity"] = c.nodeIdentity
	}
	return out
}

// Set writes to the backing store and appends a set change to the local
// snapshot.
func (c *CaptureStore) Set(ctx context.Context, e map[string]any, conditions []entity.Comparator) error {
	if err := c.store.Set(ctx, e, conditions); err != nil {
		return err
	}
	return c.record(ctx, Change{Operation: OperationSet, Entity: entity.Clone(e)})
}

// Remove deletes from the backing store and appends a delete change to the
// local snapshot.
func (c *CaptureStore) Remove(ctx context.Context, id string, conditions []entity.Comparator) error {
	if err := c.store.Remove(ctx, id, conditions); err != nil {
		return err
	}
	return c.record(ctx, Change{Operation: OperationDelete, ID: id})
}

// Seal builds a signed change-set from the pending local changes. It returns
// nil when there is nothing to seal. The pending changes stay in place until
// ClearPending confirms the upload.
func (c *CaptureStore) Seal(signer Signer) (*ChangeSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local.LocalChanges) == 0 {
		return nil, nil
	}
	cs := &ChangeSet{
		ID:           uuid.NewString(),
		DateCreated:  c.clock().UTC(),
		Changes:      append([]Change(nil), c.local.LocalChanges...),
		NodeIdentity: c.nodeIdentity,
	}
	canonical, err := cs.Canonical()
	if err != nil {
		return nil, err
	}
	proof, err := signer.Sign(canonical)
	if err != nil {
		return nil, err
	}
	cs.Proof = proof
	return cs, nil
}

// ClearPending drops the first n pending changes after a successful push and
// persists the emptied snapshot.
func (c *CaptureStore) ClearPending(ctx context.Context, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.local.LocalChanges) {
		c.local.LocalChanges = nil
	} else {
		c.local.LocalChanges = append([]Change(nil), c.local.LocalChanges[n:]...)
	}
	c.local.DateModified = c.clock().UTC()
	return c.snapshots.SaveSnapshot(ctx, c.local)
}

// PendingCount reports the number of captured changes awaiting a push.
func (c *CaptureStore) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.local.LocalChanges)
}

func (c *CaptureStore) record(ctx context.Context, change Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local.LocalChanges = append(c.local.LocalChanges, change)
	c.local.DateModified = c.clock().UTC()
	return c.snapshots.SaveSnapshot(ctx, c.local)
}
