package sync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/google/uuid"

	"github.com/vaultline/entitystore/internal/entity"
)

// BlobStore is the immutable blob collaborator. Upload returns the id the
// content is retrievable under.
type BlobStore interface {
	Upload(ctx context.Context, data []byte) (string, error)
	Download(ctx context.Context, id string) ([]byte, error)
}

// VerifiableStore is the verifiable-storage collaborator holding the sync
// pointer under a well-known key.
type VerifiableStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// SnapshotStore persists the node-local snapshot and apply progress across
// restarts.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (*SnapshotEntry, error)
	SaveSnapshot(ctx context.Context, snapshot *SnapshotEntry) error
	LoadProgress(ctx context.Context) (*Progress, error)
	SaveProgress(ctx context.Context, progress *Progress) error
}

// MemoryBlobStore is an in-process BlobStore used by tests and single-node
// deployments.
type MemoryBlobStore struct {
	mu    gosync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore returns an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string][]byte{}}
}

// Upload stores the blob under a fresh id.
func (m *MemoryBlobStore) Upload(_ context.Context, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[id] = buf
	return id, nil
}

// Download returns the blob or BackendUnavailable when the id is unknown.
func (m *MemoryBlobStore) Download(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "blob.download", "blob", id, nil)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// FileBlobStore persists blobs as individual files in a directory. Nodes
// that mount the same directory resolve each other's blob ids, which makes
// it the blob collaborator for multi-node deployments over shared storage.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the directory if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if dir == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "blobstore.new", Message: "directory is required"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "blobstore.new", Inner: err}
	}
	return &FileBlobStore{dir: dir}, nil
}

// Upload writes the blob under a fresh id via temp file and rename.
func (f *FileBlobStore) Upload(_ context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(f.dir, id+".blob")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", entity.OpErr(entity.KindWriteFailed, "blob.upload", "blob", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", entity.OpErr(entity.KindWriteFailed, "blob.upload", "blob", id, err)
	}
	return id, nil
}

// Download returns the blob. Ids arrive from remote peers, so anything that
// is not a bare file name is refused before it reaches the filesystem.
func (f *FileBlobStore) Download(_ context.Context, id string) ([]byte, error) {
	if id == "" || id != filepath.Base(id) || strings.Contains(id, "..") {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "blob.download", "blob", id, nil)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, id+".blob"))
	if err != nil {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "blob.download", "blob", id, err)
	}
	return data, nil
}

// MemoryVerifiableStore is an in-process VerifiableStore.
type MemoryVerifiableStore struct {
	mu     gosync.RWMutex
	values map[string][]byte
}

// NewMemoryVerifiableStore returns an empty verifiable store.
func NewMemoryVerifiableStore() *MemoryVerifiableStore {
	return &MemoryVerifiableStore{values: map[string][]byte{}}
}

// Get returns the value for key; a missing key surfaces as
// BackendUnavailable so the engine retries on the next cycle.
func (m *MemoryVerifiableStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.values[key]
	if !ok {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "verifiable.get", "verifiable", key, nil)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Set replaces the value for key.
func (m *MemoryVerifiableStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	m.values[key] = buf
	return nil
}

// FileVerifiableStore keeps the pointer document as a JSON map in a single
// file on shared storage, written atomically via temp file and rename.
type FileVerifiableStore struct {
	mu   gosync.Mutex
	path string
}

// NewFileVerifiableStore creates the parent directory if needed.
func NewFileVerifiableStore(path string) (*FileVerifiableStore, error) {
	if path == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "verifiablestore.new", Message: "path is required"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "verifiablestore.new", Inner: err}
	}
	return &FileVerifiableStore{path: path}, nil
}

// Get returns the value for key; a missing key surfaces as
// BackendUnavailable so the engine retries on the next cycle.
func (f *FileVerifiableStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.loadLocked()
	if err != nil {
		return nil, err
	}
	data, ok := values[key]
	if !ok {
		return nil, entity.OpErr(entity.KindBackendUnavailable, "verifiable.get", "verifiable", key, nil)
	}
	return data, nil
}

// Set replaces the value for key.
func (f *FileVerifiableStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.loadLocked()
	if err != nil {
		return err
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	values[key] = buf

	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return entity.OpErr(entity.KindWriteFailed, "verifiable.set", "verifiable", key, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "verifiable.set", "verifiable", key, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "verifiable.set", "verifiable", key, err)
	}
	return nil
}

func (f *FileVerifiableStore) loadLocked() (map[string][]byte, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, entity.OpErr(entity.KindLookupFailed, "verifiable.load", "verifiable", "", err)
	}
	values := map[string][]byte{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, entity.OpErr(entity.KindLookupFailed, "verifiable.load", "verifiable", "", err)
	}
	return values, nil
}

// MemorySnapshotStore keeps snapshot and progress in process memory.
type MemorySnapshotStore struct {
	mu       gosync.Mutex
	snapshot *SnapshotEntry
	progress *Progress
}

// NewMemorySnapshotStore returns an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore { return &MemorySnapshotStore{} }

func (m *MemorySnapshotStore) LoadSnapshot(context.Context) (*SnapshotEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot, nil
}

func (m *MemorySnapshotStore) SaveSnapshot(_ context.Context, snapshot *SnapshotEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snapshot
	return nil
}

func (m *MemorySnapshotStore) LoadProgress(context.Context) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress, nil
}

func (m *MemorySnapshotStore) SaveProgress(_ context.Context, progress *Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = progress
	return nil
}

// FileSnapshotStore persists snapshot and progress as JSON documents in a
// directory, written atomically via temp file and rename.
type FileSnapshotStore struct {
	mu  gosync.Mutex
	dir string
}

// NewFileSnapshotStore creates the directory if needed.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if dir == "" {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "snapshotstore.new", Message: "directory is required"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "snapshotstore.new", Inner: err}
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (f *FileSnapshotStore) LoadSnapshot(context.Context) (*SnapshotEntry, error) {
	var snapshot SnapshotEntry
	ok, err := f.read("local-snapshot.json", &snapshot)
	if err != nil || !ok {
		return nil, err
	}
	return &snapshot, nil
}

func (f *FileSnapshotStore) SaveSnapshot(_ context.Context, snapshot *SnapshotEntry) error {
	return f.write("local-snapshot.json", snapshot)
}

func (f *FileSnapshotStore) LoadProgress(context.Context) (*Progress, error) {
	var progress Progress
	ok, err := f.read("progress.json", &progress)
	if err != nil || !ok {
		return nil, err
	}
	if progress.Applied == nil {
		progress.Applied = map[string]bool{}
	}
	if progress.Partial == nil {
		progress.Partial = map[string]int{}
	}
	return &progress, nil
}

func (f *FileSnapshotStore) SaveProgress(_ context.Context, progress *Progress) error {
	return f.write("progress.json", progress)
}

func (f *FileSnapshotStore) read(name string, out any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, entity.OpErr(entity.KindLookupFailed, "snapshotstore.read", name, "", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, entity.OpErr(entity.KindLookupFailed, "snapshotstore.read", name, "", err)
	}
	return true, nil
}

func (f *FileSnapshotStore) write(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return entity.OpErr(entity.KindWriteFailed, "snapshotstore.write", name, "", err)
	}
	path := filepath.Join(f.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "snapshotstore.write", name, "", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return entity.OpErr(entity.KindWriteFailed, "snapshotstore.write", name, "", err)
	}
	return nil
}
