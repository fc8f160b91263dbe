package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/cs/memstore"
	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/types"
)

func newFixture(t *testing.T, nsYAML string) (*Scheduler, *types.Namespace) {
	t.Helper()
	store := memstore.New()
	adapter := cs.NewAdapter(store)
	nsCache := namespace.NewCache(adapter)
	ns, err := nsCache.LoadConf(context.Background(), "example", []byte(nsYAML))
	require.NoError(t, err)
	return New(adapter, nsCache), ns
}

func allReady(order []string) map[string]types.HostState {
	st := make(map[string]types.HostState, len(order))
	for _, h := range order {
		st[h] = types.HostReady
	}
	return st
}

// A {applies_to: db, max_parallel: 1} constraint over four db-tagged hosts
// must never admit two of them simultaneously, across repeated ticks while
// one of them is running.
func TestTick_PerConstraintCapNeverExceeded(t *testing.T) {
	sched, ns := newFixture(t, `
name: example
hosts:
  db1.example.com: [db]
  db2.example.com: [db]
  db3.example.com: [db]
  db4.example.com: [db]
constraints:
  - applies_to: db
    max_parallel: 1
`)
	order := []string{"db1.example.com", "db2.example.com", "db3.example.com", "db4.example.com"}
	job := &types.Job{JobID: "p0000000001", Concurrent: types.Concurrent{Count: 4}}
	states := allReady(order)

	admitted, locks, err := sched.Tick(context.Background(), job, ns, order, states)
	require.NoError(t, err)
	require.Len(t, admitted, 1, "max_parallel:1 must admit exactly one db host per tick")
	require.Len(t, locks, 1)

	sched.RegisterRunning(ns.Name, admitted[0], job.JobID)
	states[admitted[0]] = types.HostRunning

	admitted2, _, err := sched.Tick(context.Background(), job, ns, order, states)
	require.NoError(t, err)
	assert.Empty(t, admitted2, "a second db host must not be admitted while one is already running")

	sched.ReleaseRunning(ns.Name, order[0])
	require.NoError(t, sched.ReleaseLocks(context.Background(), locks))
}

// The job-wide concurrency cap must bound total admissions regardless of
// any per-constraint cap being looser.
func TestTick_JobConcurrencyCap(t *testing.T) {
	sched, ns := newFixture(t, `
name: example
hosts:
  foo1.example.com: []
  foo2.example.com: []
  foo3.example.com: []
`)
	order := []string{"foo1.example.com", "foo2.example.com", "foo3.example.com"}
	job := &types.Job{JobID: "p0000000002", Concurrent: types.Concurrent{Count: 2}}
	states := allReady(order)

	admitted, _, err := sched.Tick(context.Background(), job, ns, order, states)
	require.NoError(t, err)
	assert.Len(t, admitted, 2)
}

// Fairness: admission order follows the expansion order, not map iteration.
func TestTick_AdmitsInExpansionOrder(t *testing.T) {
	sched, ns := newFixture(t, `
name: example
hosts:
  z.example.com: []
  a.example.com: []
  m.example.com: []
`)
	order := []string{"z.example.com", "a.example.com", "m.example.com"}
	job := &types.Job{JobID: "p0000000003", Concurrent: types.Concurrent{Count: 2}}
	states := allReady(order)

	admitted, _, err := sched.Tick(context.Background(), job, ns, order, states)
	require.NoError(t, err)
	assert.Equal(t, []string{"z.example.com", "a.example.com"}, admitted)
}

// Sequence constraints: a waiting host whose predecessor tag hasn't finished
// must not become ready.
func TestIsReady_BlockedBySequencePredecessor(t *testing.T) {
	_, ns := newFixture(t, `
name: example
hosts:
  web1.example.com: [web]
  db1.example.com: [db]
constraints:
  - applies_to: db
    sequence_before: [web]
`)
	order := []string{"db1.example.com", "web1.example.com"}
	states := map[string]types.HostState{
		"db1.example.com":  types.HostRunning,
		"web1.example.com": types.HostWaiting,
	}
	assert.False(t, IsReady("web1.example.com", ns, order, states))

	states["db1.example.com"] = types.HostFinished
	assert.True(t, IsReady("web1.example.com", ns, order, states))
}

// Deadlock detection: a waiting host whose only predecessor terminally
// failed, under the default "deadlock" policy, must be reported deadlocked.
func TestDetectDeadlocks_DefaultPolicy(t *testing.T) {
	_, ns := newFixture(t, `
name: example
hosts:
  web1.example.com: [web]
  db1.example.com: [db]
constraints:
  - applies_to: db
    sequence_before: [web]
`)
	order := []string{"db1.example.com", "web1.example.com"}
	states := map[string]types.HostState{
		"db1.example.com":  types.HostFailed,
		"web1.example.com": types.HostWaiting,
	}

	deadlocked, skipped := DetectDeadlocks(ns, order, states)
	assert.Equal(t, []string{"web1.example.com"}, deadlocked)
	assert.Empty(t, skipped)
}

// Skip policy: the same scenario, but with on_predecessor_failure: skip,
// must report the host as skipped rather than deadlocked.
func TestDetectDeadlocks_SkipPolicy(t *testing.T) {
	_, ns := newFixture(t, `
name: example
on_predecessor_failure: skip
hosts:
  web1.example.com: [web]
  db1.example.com: [db]
constraints:
  - applies_to: db
    sequence_before: [web]
`)
	order := []string{"db1.example.com", "web1.example.com"}
	states := map[string]types.HostState{
		"db1.example.com":  types.HostFailed,
		"web1.example.com": types.HostWaiting,
	}

	deadlocked, skipped := DetectDeadlocks(ns, order, states)
	assert.Empty(t, deadlocked)
	assert.Equal(t, []string{"web1.example.com"}, skipped)
}

// Proceed policy: a waiting host whose predecessor terminally failed must
// still become ready, since on_predecessor_failure: proceed does not block
// on predecessor success.
func TestIsReady_ProceedPolicyIgnoresFailedPredecessor(t *testing.T) {
	_, ns := newFixture(t, `
name: example
on_predecessor_failure: proceed
hosts:
  web1.example.com: [web]
  db1.example.com: [db]
constraints:
  - applies_to: db
    sequence_before: [web]
`)
	order := []string{"db1.example.com", "web1.example.com"}
	states := map[string]types.HostState{
		"db1.example.com":  types.HostFailed,
		"web1.example.com": types.HostWaiting,
	}
	assert.True(t, IsReady("web1.example.com", ns, order, states))

	deadlocked, skipped := DetectDeadlocks(ns, order, states)
	assert.Empty(t, deadlocked)
	assert.Empty(t, skipped)
}

// No eligible ready hosts: Tick must be a no-op, not an error.
func TestTick_NoReadyHostsIsNoop(t *testing.T) {
	sched, ns := newFixture(t, `
name: example
hosts:
  foo1.example.com: []
`)
	order := []string{"foo1.example.com"}
	job := &types.Job{JobID: "p0000000004", Concurrent: types.Concurrent{Count: 1}}
	states := map[string]types.HostState{"foo1.example.com": types.HostWaiting}

	admitted, locks, err := sched.Tick(context.Background(), job, ns, order, states)
	require.NoError(t, err)
	assert.Empty(t, admitted)
	assert.Empty(t, locks)
}

// Percentage-based concurrency cap rounds up, per types.Concurrent.Resolve.
func TestTick_PercentConcurrencyCap(t *testing.T) {
	sched, ns := newFixture(t, `
name: example
hosts:
  a.example.com: []
  b.example.com: []
  c.example.com: []
`)
	order := []string{"a.example.com", "b.example.com", "c.example.com"}
	job := &types.Job{JobID: "p0000000005", Concurrent: types.Concurrent{Percent: 50, IsPct: true}}
	states := allReady(order)

	admitted, _, err := sched.Tick(context.Background(), job, ns, order, states)
	require.NoError(t, err)
	assert.Len(t, admitted, 2, "50%% of 3 hosts rounds up to 2")
}
