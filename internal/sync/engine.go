package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/entitystore/internal/entity"
)

// Defaults for the engine configuration.
const (
	DefaultSyncInterval           = 5 * time.Minute
	DefaultConsolidationBatchSize = 1000
)

// Config drives the engine's loops and role.
type Config struct {
	// VerifiableStorageKey names the pointer record in the verifiable store.
	VerifiableStorageKey string `yaml:"verifiableStorageKey"`
	// EntityUpdateInterval is the push/pull cadence.
	EntityUpdateInterval time.Duration `yaml:"entityUpdateInterval"`
	// ConsolidationInterval is the authoritative snapshot-sealing cadence.
	ConsolidationInterval time.Duration `yaml:"consolidationInterval"`
	// ConsolidationBatchSize caps change-sets applied per pull cycle.
	ConsolidationBatchSize int `yaml:"consolidationBatchSize"`
	// IsAuthoritativeNode enables state writes and consolidation.
	IsAuthoritativeNode bool `yaml:"isAuthoritativeNode"`
	// RemoteSyncEndpoint is the authoritative push endpoint for followers.
	RemoteSyncEndpoint string `yaml:"remoteSyncEndpoint"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.EntityUpdateInterval <= 0 {
		out.EntityUpdateInterval = DefaultSyncInterval
	}
	if out.ConsolidationInterval <= 0 {
		out.ConsolidationInterval = DefaultSyncInterval
	}
	if out.ConsolidationBatchSize <= 0 {
		out.ConsolidationBatchSize = DefaultConsolidationBatchSize
	}
	return out
}

// RemoteClient pushes a sealed change-set's blob id to the authoritative
// node.
type RemoteClient interface {
	SyncChangeSet(ctx context.Context, changeSetBlobID string) error
}

// Engine reconciles a node's entity store with the shared sync state. A
// follower seals, signs, and pushes local change-sets, then pulls and
// applies remote ones. An authoritative node additionally owns the state
// blob, the verifiable pointer, and consolidation.
type Engine struct {
	store     entity.Store
	capture   *CaptureStore
	blobs     BlobStore
	pointer   VerifiableStore
	snapshots SnapshotStore
	signer    Signer
	verifier  Verifier
	remote    RemoteClient
	cfg       Config
	logger    zerolog.Logger

	progressMu gosync.Mutex
	progress   *Progress

	// stateMu serialises sync-state blob updates on the authoritative node.
	stateMu gosync.Mutex
}

// Deps collects the engine's collaborators. Remote may be nil on the
// authoritative node.
type Deps struct {
	Store     entity.Store
	Capture   *CaptureStore
	Blobs     BlobStore
	Pointer   VerifiableStore
	Snapshots SnapshotStore
	Signer    Signer
	Verifier  Verifier
	Remote    RemoteClient
}

// NewEngine validates the collaborators and loads persisted apply progress.
func NewEngine(ctx context.Context, deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Capture == nil || deps.Blobs == nil || deps.Pointer == nil ||
		deps.Snapshots == nil || deps.Signer == nil || deps.Verifier == nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "engine.new", Message: "store, capture, blobs, pointer, snapshots, signer, and verifier are required"}
	}
	cfg = cfg.withDefaults()
	if cfg.VerifiableStorageKey == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "engine.new", Message: "verifiableStorageKey is required"}
	}
	if !cfg.IsAuthoritativeNode && deps.Remote == nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "engine.new", Message: "follower nodes require a remote sync endpoint"}
	}
	progress, err := deps.Snapshots.LoadProgress(ctx)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = NewProgress()
	}
	return &Engine{
		store:     deps.Store,
		capture:   deps.Capture,
		blobs:     deps.Blobs,
		pointer:   deps.Pointer,
		snapshots: deps.Snapshots,
		signer:    deps.Signer,
		verifier:  deps.Verifier,
		remote:    deps.Remote,
		cfg:       cfg,
		logger:    log.Logger,
		progress:  progress,
	}, nil
}

// Run drives the periodic loops until the context is cancelled. The current
// cycle finishes before Run returns.
func (e *Engine) Run(ctx context.Context) {
	syncTicker := time.NewTicker(e.cfg.EntityUpdateInterval)
	defer syncTicker.Stop()
	consolidate := time.NewTicker(e.cfg.ConsolidationInterval)
	defer consolidate.Stop()

	e.logger.Info().
		Bool("authoritative", e.cfg.IsAuthoritativeNode).
		Dur("interval", e.cfg.EntityUpdateInterval).
		Str("node", e.signer.Identity()).
		Msg("sync engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("sync engine stopped")
			return
		case <-syncTicker.C:
			if err := e.SyncOnce(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("sync cycle failed")
			}
		case <-consolidate.C:
			if !e.cfg.IsAuthoritativeNode {
				continue
			}
			if err := e.ConsolidateOnce(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("consolidation cycle failed")
			}
		}
	}
}

// SyncOnce runs one push-then-pull cycle.
func (e *Engine) SyncOnce(ctx context.Context) error {
	if err := e.pushLocal(ctx); err != nil {
		// Captured changes stay pending; the next cycle retries the push.
		e.logger.Warn().Err(err).Msg("push of local changes failed")
	}
	return e.pullApply(ctx)
}

// pushLocal seals pending local changes into a signed change-set, uploads
// it, and hands its blob id to the authoritative node. Pending changes are
// cleared only after the push succeeds.
func (e *Engine) pushLocal(ctx context.Context) error {
	cs, err := e.capture.Seal(e.signer)
	if err != nil || cs == nil {
		return err
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}

	var blobID string
	upload := func() error {
		var uerr error
		blobID, uerr = e.blobs.Upload(ctx, data)
		return uerr
	}
	if err := backoff.Retry(upload, e.retryPolicy(ctx)); err != nil {
		return err
	}

	if e.cfg.IsAuthoritativeNode {
		// Our writes are already local; record the change-set and publish it.
		e.markApplied(blobID)
		if err := e.appendToState(ctx, blobID); err != nil {
			return err
		}
	} else {
		push := func() error { return e.remote.SyncChangeSet(ctx, blobID) }
		if err := backoff.Retry(push, e.retryPolicy(ctx)); err != nil {
			return err
		}
		e.markApplied(blobID)
	}

	e.logger.Info().
		Str("changeSet", cs.ID).
		Str("blob", blobID).
		Int("changes", len(cs.Changes)).
		Msg("local changes pushed")
	return e.capture.ClearPending(ctx, len(cs.Changes))
}

// pullApply fetches the sync state behind the verifiable pointer and applies
// unseen change-sets in recorded order, up to the batch cap.
func (e *Engine) pullApply(ctx context.Context) error {
	state, _, err := e.loadState(ctx)
	if err != nil {
		// Pointer or state blob unavailable; keep capturing and retry later.
		e.logger.Debug().Err(err).Msg("sync state unavailable")
		return nil
	}

	applied := 0
	for _, snapshot := range state.Snapshots {
		for _, blobID := range snapshot.ChangeSetStorageIDs {
			if applied >= e.cfg.ConsolidationBatchSize {
				return nil
			}
			if e.isApplied(blobID) {
				continue
			}
			data, err := e.blobs.Download(ctx, blobID)
			if err != nil {
				// Ordering must hold, so stop here and retry next cycle.
				e.logger.Warn().Err(err).Str("blob", blobID).Msg("change-set fetch failed")
				return nil
			}
			var cs ChangeSet
			if err := json.Unmarshal(data, &cs); err != nil {
				e.logger.Error().Err(err).Str("blob", blobID).Msg("change-set blob is malformed")
				e.markApplied(blobID)
				continue
			}
			if cs.NodeIdentity == e.signer.Identity() {
				e.markApplied(blobID)
				continue
			}
			if err := e.verify(&cs); err != nil {
				e.logger.Warn().Err(err).Str("blob", blobID).Str("node", cs.NodeIdentity).Msg("rejected change-set with invalid proof")
				e.markApplied(blobID)
				continue
			}
			if err := e.applyChangeSet(ctx, blobID, &cs); err != nil {
				return err
			}
			applied++

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
	return nil
}

// SyncChangeSet is the trusted-node push surface: verify, apply, and record
// the pushed change-set in the sync state. Only the authoritative node
// serves it.
func (e *Engine) SyncChangeSet(ctx context.Context, blobID string) error {
	if blobID == "" {
		return entity.GuardErr("engine.syncChangeSet", "change-set blob id is required")
	}
	if !e.cfg.IsAuthoritativeNode {
		return entity.GuardErr("engine.syncChangeSet", "this node is not authoritative")
	}
	data, err := e.blobs.Download(ctx, blobID)
	if err != nil {
		return err
	}
	var cs ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return entity.GuardErr("engine.syncChangeSet", "change-set blob is malformed")
	}
	if cs.NodeIdentity != e.signer.Identity() {
		if err := e.verify(&cs); err != nil {
			return err
		}
		if err := e.applyChangeSet(ctx, blobID, &cs); err != nil {
			return err
		}
	} else {
		e.markApplied(blobID)
	}
	return e.appendToState(ctx, blobID)
}

// ConsolidateOnce seals the open snapshot and starts a fresh one. A no-op
// when the open snapshot holds no change-sets.
func (e *Engine) ConsolidateOnce(ctx context.Context) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	state, _, err := e.loadState(ctx)
	if err != nil {
		state = &State{}
	}
	if len(state.Snapshots) == 0 || len(state.Snapshots[len(state.Snapshots)-1].ChangeSetStorageIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	state.Snapshots[len(state.Snapshots)-1].DateModified = now
	state.Snapshots = append(state.Snapshots, SnapshotEntry{
		ID:          uuid.NewString(),
		Context:     e.signer.Identity(),
		DateCreated: now,
	})
	if err := e.saveState(ctx, state); err != nil {
		return err
	}
	e.logger.Info().Int("snapshots", len(state.Snapshots)).Msg("sync state consolidated")
	return nil
}

// applyChangeSet applies changes in order, resuming after a recorded partial
// index and persisting progress so an interrupted apply restarts where it
// stopped. Progress is keyed by the change-set's blob id.
func (e *Engine) applyChangeSet(ctx context.Context, blobID string, cs *ChangeSet) error {
	e.progressMu.Lock()
	start := e.progress.Partial[blobID]
	e.progressMu.Unlock()

	for i := start; i < len(cs.Changes); i++ {
		if err := e.applyChange(ctx, cs, cs.Changes[i]); err != nil {
			e.progressMu.Lock()
			e.progress.Partial[blobID] = i
			e.progressMu.Unlock()
			e.saveProgress(ctx)
			return err
		}
	}

	e.progressMu.Lock()
	delete(e.progress.Partial, blobID)
	e.progress.Applied[blobID] = true
	e.progressMu.Unlock()
	e.saveProgress(ctx)

	e.logger.Info().
		Str("changeSet", cs.ID).
		Str("node", cs.NodeIdentity).
		Int("changes", len(cs.Changes)).
		Msg("change-set applied")
	return nil
}

// applyChange executes one change against the local store. Writes lose to a
// stored entity whose dateModified is newer than the change-set.
func (e *Engine) applyChange(ctx context.Context, cs *ChangeSet, change Change) error {
	switch change.Operation {
	case OperationSet:
		if change.Entity == nil {
			return nil
		}
		primary := e.store.GetSchema().Primary().Name
		id, _ := change.Entity[primary].(string)
		if id == "" {
			return nil
		}
		existing, err := e.store.Get(ctx, id, "", nil)
		if err != nil {
			return err
		}
		if existing != nil && newerThan(existing, cs.EffectiveTime()) {
			return nil
		}
		return e.store.Set(ctx, change.Entity, nil)
	case OperationDelete:
		if change.ID == "" {
			return nil
		}
		return e.store.Remove(ctx, change.ID, nil)
	default:
		e.logger.Warn().Str("operation", change.Operation).Msg("skipping unknown change operation")
		return nil
	}
}

func (e *Engine) verify(cs *ChangeSet) error {
	canonical, err := cs.Canonical()
	if err != nil {
		return err
	}
	if len(cs.Proof) == 0 {
		return &entity.StoreError{Kind: entity.KindSignatureInvalid, Op: "engine.verify", ID: cs.ID, Message: "change-set carries no proof"}
	}
	return e.verifier.Verify(cs.NodeIdentity, canonical, cs.Proof)
}

// loadState resolves the verifiable pointer and downloads the state blob.
func (e *Engine) loadState(ctx context.Context) (*State, string, error) {
	raw, err := e.pointer.Get(ctx, e.cfg.VerifiableStorageKey)
	if err != nil {
		return nil, "", err
	}
	var ptr Pointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return nil, "", err
	}
	data, err := e.blobs.Download(ctx, ptr.SyncPointerID)
	if err != nil {
		return nil, "", err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, "", err
	}
	return &state, ptr.SyncPointerID, nil
}

// saveState uploads the state blob and advances the pointer to it.
func (e *Engine) saveState(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	blobID, err := e.blobs.Upload(ctx, data)
	if err != nil {
		return err
	}
	ptr, err := json.Marshal(Pointer{SyncPointerID: blobID})
	if err != nil {
		return err
	}
	return e.pointer.Set(ctx, e.cfg.VerifiableStorageKey, ptr)
}

// appendToState records a change-set blob id in the open snapshot.
func (e *Engine) appendToState(ctx context.Context, blobID string) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	state, _, err := e.loadState(ctx)
	if err != nil {
		state = &State{}
	}
	if len(state.Snapshots) == 0 {
		state.Snapshots = append(state.Snapshots, SnapshotEntry{
			ID:          uuid.NewString(),
			Context:     e.signer.Identity(),
			DateCreated: time.Now().UTC(),
		})
	}
	last := &state.Snapshots[len(state.Snapshots)-1]
	for _, existing := range last.ChangeSetStorageIDs {
		if existing == blobID {
			return nil
		}
	}
	last.ChangeSetStorageIDs = append(last.ChangeSetStorageIDs, blobID)
	last.DateModified = time.Now().UTC()
	return e.saveState(ctx, state)
}

func (e *Engine) isApplied(blobID string) bool {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.progress.Applied[blobID]
}

func (e *Engine) markApplied(blobID string) {
	e.progressMu.Lock()
	e.progress.Applied[blobID] = true
	e.progressMu.Unlock()
	e.saveProgress(context.Background())
}

func (e *Engine) saveProgress(ctx context.Context) {
	e.progressMu.Lock()
	snapshot := &Progress{Applied: map[string]bool{}, Partial: map[string]int{}}
	for k, v := range e.progress.Applied {
		snapshot.Applied[k] = v
	}
	for k, v := range e.progress.Partial {
		snapshot.Partial[k] = v
	}
	e.progressMu.Unlock()
	if err := e.snapshots.SaveProgress(ctx, snapshot); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist apply progress")
	}
}

// retryPolicy bounds upload and push retries within one cycle.
func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)
}

// newerThan reports whether the stored entity's dateModified is later than
// the change-set timestamp. Unparseable or missing values never win.
func newerThan(existing map[string]any, t time.Time) bool {
	raw, _ := existing["dateModified"].(string)
	if raw == "" {
		return false
	}
	stamp, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return stamp.After(t)
}
