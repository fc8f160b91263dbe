package cs

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pogo-fleet/pogo/pkg/metrics"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
)

const (
	backoffBase     = 100 * time.Millisecond
	backoffCap      = 5 * time.Second
	maxCASTries     = 10
	unavailableWait = 5 * time.Minute
)

// Adapter wraps a raw Store with retry/backoff on transient errors, a
// CAS-retry helper, and watch-rearm collapsing.
type Adapter struct {
	store Store

	watchMu sync.Mutex
	watches map[string]chan WatchEvent
}

// NewAdapter wraps store.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store, watches: make(map[string]chan WatchEvent)}
}

// Store exposes the underlying raw Store for callers that need direct
// access, bypassing the Adapter's retry and watch-collapsing behavior.
func (a *Adapter) Store() Store { return a.store }

// withRetry retries op on ErrUnavailable with exponential backoff (base
// 100ms, cap 5s, jitter).
func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	deadline := time.Now().Add(unavailableWait)
	delay := backoffBase
	for {
		timer := metrics.NewTimer()
		err := fn()
		timer.ObserveDurationVec(metrics.CSOperationDuration, op)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUnavailable) {
			metrics.CSOperationErrors.WithLabelValues(op, string(pogoerr.KindOf(err))).Inc()
			return err
		}
		metrics.CSOperationErrors.WithLabelValues(op, string(pogoerr.CoordinationStoreUnavailable)).Inc()
		if time.Now().After(deadline) {
			return pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, "store unavailable past replay window", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

// Get retries transient failures and returns the node's data and version.
func (a *Adapter) Get(ctx context.Context, path string) (data []byte, version int64, err error) {
	err = a.withRetry(ctx, "get", func() error {
		var innerErr error
		data, version, innerErr = a.store.Get(ctx, path)
		return innerErr
	})
	return
}

// Create retries transient failures and returns the actual path created.
func (a *Adapter) Create(ctx context.Context, path string, data []byte, flags Flag) (actualPath string, err error) {
	err = a.withRetry(ctx, "create", func() error {
		var innerErr error
		actualPath, innerErr = a.store.Create(ctx, path, data, flags)
		return innerErr
	})
	return
}

// Children retries transient failures and returns the child names of path.
func (a *Adapter) Children(ctx context.Context, path string) (children []string, err error) {
	err = a.withRetry(ctx, "children", func() error {
		var innerErr error
		children, innerErr = a.store.Children(ctx, path)
		return innerErr
	})
	return
}

// Delete retries transient failures and deletes path.
func (a *Adapter) Delete(ctx context.Context, path string, expectedVersion int64) error {
	return a.withRetry(ctx, "delete", func() error {
		return a.store.Delete(ctx, path, expectedVersion)
	})
}

// Watch arms a one-shot watch on path/kind, collapsing duplicate rearms: a
// second call for the same path and kind before the first notification fires
// returns the already-armed channel instead of stacking another watcher on
// the store.
func (a *Adapter) Watch(ctx context.Context, path string, kind WatchKind) (<-chan WatchEvent, error) {
	key := path + "|" + strconv.Itoa(int(kind))

	a.watchMu.Lock()
	if ch, ok := a.watches[key]; ok {
		a.watchMu.Unlock()
		return ch, nil
	}
	a.watchMu.Unlock()

	inner, err := a.store.Watch(ctx, path, kind)
	if err != nil {
		return nil, err
	}

	out := make(chan WatchEvent, 1)
	a.watchMu.Lock()
	if ch, ok := a.watches[key]; ok {
		// Lost the arm race to a concurrent caller; use theirs.
		a.watchMu.Unlock()
		return ch, nil
	}
	a.watches[key] = out
	a.watchMu.Unlock()

	go func() {
		if evt, ok := <-inner; ok {
			out <- evt
		}
		close(out)
		a.watchMu.Lock()
		delete(a.watches, key)
		a.watchMu.Unlock()
	}()
	return out, nil
}

// CASUpdate reads path, applies mutate to its current data, and writes the
// result back with expected-version CAS, retrying on ErrConflict up to
// maxCASTries times by re-reading and re-deciding. Exhausting the attempts
// surfaces Internal.
func (a *Adapter) CASUpdate(ctx context.Context, path string, mutate func(current []byte) ([]byte, error)) error {
	for attempt := 0; attempt < maxCASTries; attempt++ {
		data, version, err := a.Get(ctx, path)
		if err != nil {
			return err
		}
		next, err := mutate(data)
		if err != nil {
			return err
		}
		_, err = a.store.Set(ctx, path, next, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		metrics.CSOperationErrors.WithLabelValues("cas_update", string(pogoerr.CASConflict)).Inc()
	}
	return pogoerr.New(pogoerr.Internal, "CAS update exceeded max retries on "+path)
}

// JobView is a typed read/write helper over a job's CS subtree.
type JobView struct {
	adapter  *Adapter
	basePath string
}

// NewJobView returns a JobView for jobid.
func (a *Adapter) NewJobView(jobid string) *JobView {
	return &JobView{adapter: a, basePath: "/pogo/jobs/" + jobid}
}

// GetState reads the job's current state string and version.
func (jv *JobView) GetState(ctx context.Context) (string, int64, error) {
	data, version, err := jv.adapter.Get(ctx, jv.basePath+"/state")
	if err != nil {
		return "", 0, err
	}
	return string(data), version, nil
}

// SetState writes the job's state with CAS.
func (jv *JobView) SetState(ctx context.Context, state string, expectedVersion int64) (int64, error) {
	return jv.adapter.store.Set(ctx, jv.basePath+"/state", []byte(state), expectedVersion)
}

// StatePath returns the CS path for the job's state node.
func (jv *JobView) StatePath() string {
	return jv.basePath + "/state"
}

// HostPath returns the CS path for a host record within this job.
func (jv *JobView) HostPath(hostname string) string {
	return jv.basePath + "/hosts/" + hostname
}

// SpecPath returns the CS path for the job's spec document:
// /pogo/jobs/<jobid> holds the spec, sans password.
func (jv *JobView) SpecPath() string {
	return jv.basePath
}

// HostsBasePath returns the CS path under which every host record for this
// job lives, for Children-based enumeration.
func (jv *JobView) HostsBasePath() string {
	return jv.basePath + "/hosts"
}

// GetJSON reads path and unmarshals it into v.
func (a *Adapter) GetJSON(ctx context.Context, path string, v interface{}) (int64, error) {
	data, version, err := a.Get(ctx, path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return version, ErrNotFound
	}
	return version, json.Unmarshal(data, v)
}

// SetJSON marshals v and writes it with CAS.
func (a *Adapter) SetJSON(ctx context.Context, path string, v interface{}, expectedVersion int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return a.store.Set(ctx, path, data, expectedVersion)
}

// CreateJSON marshals v and creates a node at path with the given flags.
func (a *Adapter) CreateJSON(ctx context.Context, path string, v interface{}, flags Flag) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return a.Create(ctx, path, data, flags)
}
