package cs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal Store for exercising the adapter's retry, CAS, and
// watch-collapse behavior without pulling in memstore (which would import
// this package back).
type fakeStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	versions map[string]int64
	watches  int

	failuresLeft int // Get returns ErrUnavailable this many times first
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte), versions: make(map[string]int64)}
}

func (f *fakeStore) Create(_ context.Context, path string, data []byte, _ Flag) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[path]; ok {
		return "", ErrConflict
	}
	f.data[path] = data
	f.versions[path] = 1
	return path, nil
}

func (f *fakeStore) Get(_ context.Context, path string) ([]byte, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, 0, ErrUnavailable
	}
	d, ok := f.data[path]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return d, f.versions[path], nil
}

func (f *fakeStore) Set(_ context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[path]; !ok {
		if expectedVersion != 0 {
			return 0, ErrNotFound
		}
	}
	if expectedVersion >= 0 && f.versions[path] != expectedVersion {
		return 0, ErrConflict
	}
	f.data[path] = data
	f.versions[path]++
	return f.versions[path], nil
}

func (f *fakeStore) Delete(_ context.Context, path string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[path]; !ok {
		return ErrNotFound
	}
	delete(f.data, path)
	return nil
}

func (f *fakeStore) Children(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (f *fakeStore) Watch(_ context.Context, _ string, _ WatchKind) (<-chan WatchEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches++
	ch := make(chan WatchEvent, 1)
	return ch, nil
}

func (f *fakeStore) SessionID() string { return "fake-session" }
func (f *fakeStore) Close() error      { return nil }

func TestGetRetriesTransientUnavailability(t *testing.T) {
	store := newFakeStore()
	store.failuresLeft = 2
	_, err := store.Create(context.Background(), "/pogo/jobs/p0000000001", []byte("spec"), 0)
	require.NoError(t, err)

	a := NewAdapter(store)
	data, version, err := a.Get(context.Background(), "/pogo/jobs/p0000000001")
	require.NoError(t, err)
	assert.Equal(t, "spec", string(data))
	assert.Equal(t, int64(1), version)
}

func TestCASUpdateRetriesConflicts(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "/pogo/jobs/p0000000001/state", []byte("pending"), 0)
	require.NoError(t, err)

	a := NewAdapter(store)

	// Bump the version out from under the first CAS attempt exactly once.
	raced := false
	err = a.CASUpdate(ctx, "/pogo/jobs/p0000000001/state", func(current []byte) ([]byte, error) {
		if !raced {
			raced = true
			_, err := store.Set(ctx, "/pogo/jobs/p0000000001/state", []byte("racing"), 1)
			require.NoError(t, err)
		}
		return []byte("running"), nil
	})
	require.NoError(t, err)

	data, _, err := store.Get(ctx, "/pogo/jobs/p0000000001/state")
	require.NoError(t, err)
	assert.Equal(t, "running", string(data))
}

func TestWatchCollapsesDuplicateRearms(t *testing.T) {
	store := newFakeStore()
	a := NewAdapter(store)
	ctx := context.Background()

	ch1, err := a.Watch(ctx, "/pogo/jobs/p0000000001/state", WatchData)
	require.NoError(t, err)
	ch2, err := a.Watch(ctx, "/pogo/jobs/p0000000001/state", WatchData)
	require.NoError(t, err)

	assert.Equal(t, ch1, ch2, "duplicate rearm must return the armed channel")
	assert.Equal(t, 1, store.watches, "only one watch must reach the store")

	// A different kind on the same path is a distinct watch.
	_, err = a.Watch(ctx, "/pogo/jobs/p0000000001/state", WatchExists)
	require.NoError(t, err)
	assert.Equal(t, 2, store.watches)
}
