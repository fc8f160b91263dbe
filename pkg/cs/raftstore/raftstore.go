// Package raftstore implements cs.Store on top of a Raft-replicated bbolt
// keyspace: an FSM applies create/set/delete/close_session log entries to
// bolt buckets, and snapshots serialize the full keyspace. A single-node
// store (Bootstrap with no peers) is a valid deployment; adding peers turns
// the same FSM into a replicated, crash-tolerant store that allows
// dispatcher failover.
package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	bolt "go.etcd.io/bbolt"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/cs"
)

var (
	bucketKV   = []byte("kv")
	bucketSeq  = []byte("seq")
	bucketSess = []byte("sessions")
)

// entry is the JSON envelope stored for each keyspace node.
type entry struct {
	Data      []byte `json:"data"`
	Version   int64  `json:"version"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Session   string `json:"session,omitempty"`
}

// command is the Raft log payload: an op name plus its JSON-encoded args.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type createArgs struct {
	Path  string `json:"path"`
	Data  []byte `json:"data"`
	Flags uint8  `json:"flags"`
	Session string `json:"session"`
}

type setArgs struct {
	Path            string `json:"path"`
	Data            []byte `json:"data"`
	ExpectedVersion int64  `json:"expected_version"`
}

type deleteArgs struct {
	Path            string `json:"path"`
	ExpectedVersion int64  `json:"expected_version"`
}

type closeSessionArgs struct {
	Session string `json:"session"`
}

// applyResult is what FSM.Apply returns through the raft.ApplyFuture.
type applyResult struct {
	ActualPath string
	Version    int64
	Err        error
}

// FSM applies Coordination Store commands to a bbolt-backed keyspace.
type FSM struct {
	mu sync.Mutex
	db *bolt.DB
}

func newFSM(db *bolt.DB) *FSM { return &FSM{db: db} }

func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "create":
		var args createArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		return f.applyCreate(args)
	case "set":
		var args setArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		return f.applySet(args)
	case "delete":
		var args deleteArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		return f.applyDelete(args)
	case "close_session":
		var args closeSessionArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		return f.applyCloseSession(args)
	default:
		return applyResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

func parentOf(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

func (f *FSM) applyCreate(args createArgs) applyResult {
	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		seq := tx.Bucket(bucketSeq)

		actual := args.Path
		if cs.Flag(args.Flags).Has(cs.Sequential) {
			p := parentOf(args.Path)
			var n int64
			if raw := seq.Get([]byte(p)); raw != nil {
				n, _ = strconv.ParseInt(string(raw), 10, 64)
			}
			n++
			if err := seq.Put([]byte(p), []byte(strconv.FormatInt(n, 10))); err != nil {
				return err
			}
			actual = args.Path + strconv.FormatInt(n, 10)
		}

		if kv.Get([]byte(actual)) != nil {
			return cs.ErrConflict
		}

		e := entry{Data: args.Data, Version: 1}
		if cs.Flag(args.Flags).Has(cs.Ephemeral) {
			e.Ephemeral = true
			e.Session = args.Session
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := kv.Put([]byte(actual), raw); err != nil {
			return err
		}
		result.ActualPath = actual
		result.Version = 1
		return nil
	})
	if err != nil {
		result.Err = err
	}
	return result
}

func (f *FSM) applySet(args setArgs) applyResult {
	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		raw := kv.Get([]byte(args.Path))

		var e entry
		if raw == nil {
			if args.ExpectedVersion != 0 {
				return cs.ErrNotFound
			}
		} else if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}

		if args.ExpectedVersion >= 0 && e.Version != args.ExpectedVersion {
			return cs.ErrConflict
		}

		e.Data = args.Data
		e.Version++
		next, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := kv.Put([]byte(args.Path), next); err != nil {
			return err
		}
		result.Version = e.Version
		result.ActualPath = args.Path
		return nil
	})
	if err != nil {
		result.Err = err
	}
	return result
}

func (f *FSM) applyDelete(args deleteArgs) applyResult {
	var result applyResult
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		raw := kv.Get([]byte(args.Path))
		if raw == nil {
			return cs.ErrNotFound
		}
		if args.ExpectedVersion >= 0 {
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if e.Version != args.ExpectedVersion {
				return cs.ErrConflict
			}
		}
		return kv.Delete([]byte(args.Path))
	})
	if err != nil {
		result.Err = err
	}
	return result
}

func (f *FSM) applyCloseSession(args closeSessionArgs) applyResult {
	err := f.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		var toDelete [][]byte
		if err := kv.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Ephemeral && e.Session == args.Session {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := kv.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return applyResult{Err: err}
}

// fullDump is the snapshot payload: the entire kv bucket, JSON-encoded.
type fullDump struct {
	KV  map[string]entry `json:"kv"`
	Seq map[string]int64 `json:"seq"`
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dump := fullDump{KV: map[string]entry{}, Seq: map[string]int64{}}
	err := f.db.View(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		if err := kv.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			dump.KV[string(k)] = e
			return nil
		}); err != nil {
			return err
		}
		seq := tx.Bucket(bucketSeq)
		return seq.ForEach(func(k, v []byte) error {
			n, _ := strconv.ParseInt(string(v), 10, 64)
			dump.Seq[string(k)] = n
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{dump: dump}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var dump fullDump
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if err := tx.DeleteBucket(bucketSeq); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		kv, err := tx.CreateBucket(bucketKV)
		if err != nil {
			return err
		}
		seq, err := tx.CreateBucket(bucketSeq)
		if err != nil {
			return err
		}
		for k, e := range dump.KV {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := kv.Put([]byte(k), raw); err != nil {
				return err
			}
		}
		for k, n := range dump.Seq {
			if err := seq.Put([]byte(k), []byte(strconv.FormatInt(n, 10))); err != nil {
				return err
			}
		}
		return nil
	})
}

type fsmSnapshot struct {
	dump fullDump
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.dump); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

// Config configures a Store instance.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Peers     []raft.Server
}

// Store implements cs.Store against a Raft-replicated bbolt keyspace.
type Store struct {
	cfg       Config
	raft      *raft.Raft
	fsm       *FSM
	db        *bolt.DB
	sessionID string

	mu       sync.Mutex
	watchers map[string][]chan cs.WatchEvent
}

// Open starts (or joins) a Raft group backing the Coordination Store.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "pogo-cs.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketSeq, bucketSess} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	fsm := newFSM(db)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = nil

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("creating raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("creating raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("creating raft node: %w", err)
	}

	if cfg.Bootstrap {
		servers := cfg.Peers
		if len(servers) == 0 {
			servers = []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}}
		}
		r.BootstrapCluster(raft.Configuration{Servers: servers})
	}

	s := &Store{
		cfg:       cfg,
		raft:      r,
		fsm:       fsm,
		db:        db,
		sessionID: uuid.NewString(),
		watchers:  make(map[string][]chan cs.WatchEvent),
	}

	rsLogger := log.WithComponent("raftstore")
	rsLogger.Info().Str("node_id", cfg.NodeID).Msg("coordination store opened")
	return s, nil
}

func (s *Store) apply(data []byte, timeout time.Duration) (applyResult, error) {
	if s.raft.State() != raft.Leader {
		return applyResult{}, cs.ErrUnavailable
	}
	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return applyResult{}, cs.ErrUnavailable
	}
	res, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, fmt.Errorf("unexpected apply response type")
	}
	return res, res.Err
}

func marshalCommand(op string, args interface{}) ([]byte, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(command{Op: op, Data: data})
}

func (s *Store) Create(_ context.Context, path string, data []byte, flags cs.Flag) (string, error) {
	cmd, err := marshalCommand("create", createArgs{Path: path, Data: data, Flags: uint8(flags), Session: s.sessionID})
	if err != nil {
		return "", err
	}
	res, err := s.apply(cmd, 5*time.Second)
	if err != nil {
		return "", err
	}
	s.fireWatch(res.ActualPath, cs.WatchChildren)
	s.fireWatch(parentOf(res.ActualPath), cs.WatchChildren)
	return res.ActualPath, nil
}

func (s *Store) Get(_ context.Context, path string) ([]byte, int64, error) {
	var e entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, cs.ErrNotFound
	}
	return e.Data, e.Version, nil
}

func (s *Store) Set(_ context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	cmd, err := marshalCommand("set", setArgs{Path: path, Data: data, ExpectedVersion: expectedVersion})
	if err != nil {
		return 0, err
	}
	res, err := s.apply(cmd, 5*time.Second)
	if err != nil {
		return 0, err
	}
	s.fireWatch(path, cs.WatchData)
	return res.Version, nil
}

func (s *Store) Delete(_ context.Context, path string, expectedVersion int64) error {
	cmd, err := marshalCommand("delete", deleteArgs{Path: path, ExpectedVersion: expectedVersion})
	if err != nil {
		return err
	}
	_, err = s.apply(cmd, 5*time.Second)
	if err == nil {
		s.fireWatch(path, cs.WatchExists)
		s.fireWatch(parentOf(path), cs.WatchChildren)
	}
	return err
}

func (s *Store) Children(_ context.Context, path string) ([]string, error) {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	seen := map[string]struct{}{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, _ []byte) error {
			key := string(k)
			if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
				return nil
			}
			rest := key[len(prefix):]
			name := rest
			for i, c := range rest {
				if c == '/' {
					name = rest[:i]
					break
				}
			}
			if name != "" {
				seen[name] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
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

func (s *Store) fireWatch(path string, kind cs.WatchKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

// Close closes the session's ephemeral nodes, then shuts down Raft and the
// underlying bbolt database.
func (s *Store) Close() error {
	cmd, err := marshalCommand("close_session", closeSessionArgs{Session: s.sessionID})
	if err == nil {
		if _, applyErr := s.apply(cmd, 5*time.Second); applyErr != nil {
			closeLogger := log.WithComponent("raftstore")
			closeLogger.Warn().Err(applyErr).Msg("closing session on shutdown")
		}
	}
	if err := s.raft.Shutdown().Error(); err != nil {
		return err
	}
	return s.db.Close()
}

// IsLeader reports whether this node currently drives writes for the group.
func (s *Store) IsLeader() bool { return s.raft.State() == raft.Leader }
