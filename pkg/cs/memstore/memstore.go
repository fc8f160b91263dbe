// Package memstore is an in-process cs.Store used by unit tests and by
// single-process deployments that don't need Raft replication. It
// implements the same hierarchical-path/ephemeral/sequential/watch contract
// pkg/cs/raftstore implements against bbolt+Raft, so callers (scheduler,
// jobcontroller) exercise identical semantics either way.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pogo-fleet/pogo/pkg/cs"
)

type node struct {
	data      []byte
	version   int64
	ephemeral bool
	session   string
}

// Store is an in-memory cs.Store. Safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	nodes      map[string]*node
	seqCounter map[string]int64
	sessionID  string
	watchers   map[string][]chan cs.WatchEvent
}

// New creates an empty in-memory Store with a fresh session id.
func New() *Store {
	return &Store{
		nodes:      make(map[string]*node),
		seqCounter: make(map[string]int64),
		sessionID:  uuid.NewString(),
		watchers:   make(map[string][]chan cs.WatchEvent),
	}
}

func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (s *Store) Create(_ context.Context, path string, data []byte, flags cs.Flag) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := path
	if flags.Has(cs.Sequential) {
		p := parent(path)
		s.seqCounter[p]++
		actual = path + strconv.FormatInt(s.seqCounter[p], 10)
	}

	if _, exists := s.nodes[actual]; exists {
		return "", cs.ErrConflict
	}

	n := &node{data: append([]byte(nil), data...), version: 1}
	if flags.Has(cs.Ephemeral) {
		n.ephemeral = true
		n.session = s.sessionID
	}
	s.nodes[actual] = n
	s.fireLocked(actual, cs.WatchChildren)
	s.fireLocked(parent(actual), cs.WatchChildren)
	return actual, nil
}

func (s *Store) Get(_ context.Context, path string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil, 0, cs.ErrNotFound
	}
	return append([]byte(nil), n.data...), n.version, nil
}

func (s *Store) Set(_ context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		if expectedVersion != 0 {
			return 0, cs.ErrNotFound
		}
		n = &node{}
		s.nodes[path] = n
	}
	if expectedVersion >= 0 && n.version != expectedVersion {
		return 0, cs.ErrConflict
	}
	n.data = append([]byte(nil), data...)
	n.version++
	s.fireLocked(path, cs.WatchData)
	return n.version, nil
}

func (s *Store) Delete(_ context.Context, path string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return cs.ErrNotFound
	}
	if expectedVersion >= 0 && n.version != expectedVersion {
		return cs.ErrConflict
	}
	delete(s.nodes, path)
	s.fireLocked(path, cs.WatchExists)
	s.fireLocked(parent(path), cs.WatchChildren)
	return nil
}

func (s *Store) Children(_ context.Context, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := make(map[string]struct{})
	for p := range s.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		name := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name = rest[:idx]
		}
		if name != "" {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Watch(_ context.Context, path string, kind cs.WatchKind) (<-chan cs.WatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan cs.WatchEvent, 1)
	key := watchKey(path, kind)
	s.watchers[key] = append(s.watchers[key], ch)
	return ch, nil
}

func watchKey(path string, kind cs.WatchKind) string {
	return path + "|" + strconv.Itoa(int(kind))
}

// fireLocked delivers and clears any pending one-shot watches for path/kind.
// Caller must hold s.mu.
func (s *Store) fireLocked(path string, kind cs.WatchKind) {
	key := watchKey(path, kind)
	for _, ch := range s.watchers[key] {
		select {
		case ch <- cs.WatchEvent{Path: path, Kind: kind}:
		default:
		}
		close(ch)
	}
	delete(s.watchers, key)
}

func (s *Store) SessionID() string { return s.sessionID }

// Close drops all ephemeral nodes owned by this session, simulating session
// expiry.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, n := range s.nodes {
		if n.ephemeral && n.session == s.sessionID {
			delete(s.nodes, p)
		}
	}
	return nil
}
