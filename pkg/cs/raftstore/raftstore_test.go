package raftstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pogo-fleet/pogo/pkg/cs"
)

func newSingleNodeStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{
		NodeID:    "node1",
		BindAddr:  "127.0.0.1:0",
		DataDir:   dir,
		Bootstrap: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	waitForLeader(t, s)
	return s
}

func waitForLeader(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.IsLeader() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("raft node never became leader")
}

func TestCreateGetSetDelete(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	actual, err := s.Create(ctx, "/pogo/jobs/p0000000001", []byte("spec"), 0)
	require.NoError(t, err)
	assert.Equal(t, "/pogo/jobs/p0000000001", actual)

	data, version, err := s.Get(ctx, actual)
	require.NoError(t, err)
	assert.Equal(t, "spec", string(data))
	assert.Equal(t, int64(1), version)

	newVersion, err := s.Set(ctx, actual, []byte("spec2"), version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	require.NoError(t, s.Delete(ctx, actual, newVersion))
	_, _, err = s.Get(ctx, actual)
	assert.ErrorIs(t, err, cs.ErrNotFound)
}

func TestSetConflict(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "/pogo/jobs/p0000000001/state", []byte("gathering"), 0)
	require.NoError(t, err)

	_, err = s.Set(ctx, "/pogo/jobs/p0000000001/state", []byte("pending"), 99)
	assert.ErrorIs(t, err, cs.ErrConflict)
}

func TestSequentialCreate(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		p, err := s.Create(ctx, "/pogo/jobs/p", []byte(fmt.Sprintf("job%d", i)), cs.Sequential)
		require.NoError(t, err)
		assert.False(t, seen[p], "sequential path reused: %s", p)
		seen[p] = true
	}
}

func TestEphemeralRemovedOnClose(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{NodeID: "node1", BindAddr: "127.0.0.1:0", DataDir: dir, Bootstrap: true})
	require.NoError(t, err)
	waitForLeader(t, s)

	ctx := context.Background()
	path, err := s.Create(ctx, "/pogo/ns/example/locks/db/1", []byte("lock"), cs.Ephemeral)
	require.NoError(t, err)

	_, _, err = s.Get(ctx, path)
	require.NoError(t, err)

	require.NoError(t, s.Close())

	s2, err := Open(Config{NodeID: "node1", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	defer s2.Close()

	_, _, err = s2.Get(ctx, path)
	assert.ErrorIs(t, err, cs.ErrNotFound)
}

func TestChildren(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "/pogo/jobs/p0000000001/hosts/foo1", []byte("h1"), 0)
	require.NoError(t, err)
	_, err = s.Create(ctx, "/pogo/jobs/p0000000001/hosts/foo2", []byte("h2"), 0)
	require.NoError(t, err)

	children, err := s.Children(ctx, "/pogo/jobs/p0000000001/hosts")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"foo1", "foo2"}, children)
}
