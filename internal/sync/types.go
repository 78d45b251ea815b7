// Package sync implements decentralised entity synchronisation: local change
// capture, signed change-sets in blob storage, a verifiable pointer to the
// global sync state, and follower/authoritative reconciliation loops.
package sync

import (
	"encoding/json"
	"time"
)

// Change operations.
const (
	OperationSet    = "set"
	OperationDelete = "delete"
)

// Change is one captured mutation. Set carries the entity; delete carries
// the primary key.
type Change struct {
	Operation string         `json:"operation"`
	ID        string         `json:"id,omitempty"`
	Entity    map[string]any `json:"entity,omitempty"`
}

// ChangeSet is a sealed batch of changes from one node. Proof is a signature
// over the canonical encoding and binds NodeIdentity to the content.
type ChangeSet struct {
	ID           string    `json:"id"`
	DateCreated  time.Time `json:"dateCreated"`
	DateModified time.Time `json:"dateModified,omitempty"`
	Changes      []Change  `json:"changes"`
	NodeIdentity string    `json:"nodeIdentity"`
	Proof        []byte    `json:"proof,omitempty"`
}

// Canonical returns the signing input: the JSON encoding with Proof cleared.
func (cs *ChangeSet) Canonical() ([]byte, error) {
	clone := *cs
	clone.Proof = nil
	return json.Marshal(&clone)
}

// EffectiveTime is the conflict-resolution timestamp: DateModified when
// stamped, DateCreated otherwise.
func (cs *ChangeSet) EffectiveTime() time.Time {
	if !cs.DateModified.IsZero() {
		return cs.DateModified
	}
	return cs.DateCreated
}

// SnapshotEntry is one entry in the sync state. The node-local snapshot
// accumulates pending changes in LocalChanges; sealed entries reference
// blob-stored change-sets by id in chronological order.
type SnapshotEntry struct {
	ID                  string    `json:"id"`
	Context             string    `json:"context,omitempty"`
	DateCreated         time.Time `json:"dateCreated"`
	DateModified        time.Time `json:"dateModified,omitempty"`
	IsLocalSnapshot     bool      `json:"isLocalSnapshot,omitempty"`
	ChangeSetStorageIDs []string  `json:"changeSetStorageIds,omitempty"`
	LocalChanges        []Change  `json:"localChanges,omitempty"`
}

// State is the blob-stored global sync state.
type State struct {
	Snapshots []SnapshotEntry `json:"snapshots"`
}

// Pointer is the verifiable-store record naming the current state blob.
type Pointer struct {
	SyncPointerID string `json:"syncPointerId"`
}

// Progress is the node-local apply cursor. Applied records finished
// change-set ids; Partial records the next change index for a change-set
// that was interrupted mid-apply.
type Progress struct {
	Applied map[string]bool `json:"applied"`
	Partial map[string]int  `json:"partial,omitempty"`
}

// NewProgress returns an empty apply cursor.
func NewProgress() *Progress {
	return &Progress{Applied: map[string]bool{}, Partial: map[string]int{}}
}
