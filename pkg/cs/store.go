// Package cs defines the Coordination Store contract: a hierarchical
// KV with atomic create/set/delete, ephemeral and sequential nodes, and
// watches. pkg/cs/raftstore ships a Raft-replicated implementation; any
// other backend honoring this interface (etcd, Consul, Zookeeper) can stand
// in for it.
package cs

import (
	"context"
	"errors"
)

// Flag modifies Create's node semantics.
type Flag uint8

const (
	// Sequential appends a monotonic integer suffix, scoped to the parent
	// path, to the created node's name.
	Sequential Flag = 1 << iota
	// Ephemeral ties the node's lifetime to the creating session; it is
	// removed when the session expires.
	Ephemeral
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// WatchKind selects what change a Watch fires on.
type WatchKind int

const (
	WatchData WatchKind = iota
	WatchChildren
	WatchExists
)

// WatchEvent is the one-shot notification a Watch delivers.
type WatchEvent struct {
	Path string
	Kind WatchKind
}

// ErrConflict is returned by Set/Delete when expectedVersion does not match
// the node's current version.
var ErrConflict = errors.New("cs: version conflict")

// ErrNotFound is returned when a node does not exist.
var ErrNotFound = errors.New("cs: node not found")

// ErrUnavailable is returned when the store cannot currently be reached.
var ErrUnavailable = errors.New("cs: store unavailable")

// Store is the primitive set a Coordination Store backend must provide.
type Store interface {
	// Create makes a node at path (or path+sequence suffix, if Sequential)
	// with the given data, returning the actual path created.
	Create(ctx context.Context, path string, data []byte, flags Flag) (actualPath string, err error)

	// Get returns a node's data and version.
	Get(ctx context.Context, path string) (data []byte, version int64, err error)

	// Set updates a node's data if expectedVersion matches; otherwise
	// returns ErrConflict.
	Set(ctx context.Context, path string, data []byte, expectedVersion int64) (newVersion int64, err error)

	// Delete removes a node if expectedVersion matches. expectedVersion -1
	// skips the version check.
	Delete(ctx context.Context, path string, expectedVersion int64) error

	// Children lists the immediate child names of path.
	Children(ctx context.Context, path string) ([]string, error)

	// Watch delivers one notification the next time path changes per kind,
	// then closes the returned channel.
	Watch(ctx context.Context, path string, kind WatchKind) (<-chan WatchEvent, error)

	// SessionID identifies the session this Store instance holds; ephemeral
	// nodes created through it are tied to this session's lifetime.
	SessionID() string

	// Close releases the session, removing its ephemeral nodes.
	Close() error
}
