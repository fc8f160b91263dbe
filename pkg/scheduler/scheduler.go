// Package scheduler implements the constraint scheduler: the admission
// decision function that picks which ready hosts may transition to running,
// subject to job-wide and per-constraint concurrency caps and sequence
// ordering, plus deadlock detection.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/metrics"
	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/types"
)

// Lock identifies an admitted host's claim on a constrained tag slot, held
// as an ephemeral CS node until the host reaches a terminal state.
type Lock struct {
	Hostname string
	Tag      string
	Path     string
}

// Scheduler decides host admission for one namespace's jobs and tracks the
// namespace-wide running set that per-constraint caps are evaluated against.
// The running set is an in-memory, per-process cache; it is advisory
// only, the ephemeral lock record in CS is authoritative.
type Scheduler struct {
	adapter *cs.Adapter
	nsCache *namespace.Cache
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]map[string]string // namespace -> hostname -> jobid
}

// New returns a Scheduler backed by adapter for lock persistence and nsCache
// for constraint lookups.
func New(adapter *cs.Adapter, nsCache *namespace.Cache) *Scheduler {
	return &Scheduler{
		adapter: adapter,
		nsCache: nsCache,
		logger:  log.WithComponent("scheduler"),
		running: make(map[string]map[string]string),
	}
}

// RegisterRunning records hostname as running jobid within namespace, for
// per-constraint cap accounting across jobs.
func (s *Scheduler) RegisterRunning(ns, hostname, jobid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[ns] == nil {
		s.running[ns] = make(map[string]string)
	}
	s.running[ns][hostname] = jobid
}

// ReleaseRunning removes hostname from the running set on any terminal
// transition.
func (s *Scheduler) ReleaseRunning(ns, hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running[ns], hostname)
}

func (s *Scheduler) runningCountForTag(ns *types.Namespace, tag string, extra map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for hostname := range s.running[ns.Name] {
		if ns.HasTag(hostname, tag) {
			count++
		}
	}
	for hostname := range extra {
		if ns.HasTag(hostname, tag) {
			count++
		}
	}
	return count
}

// Tick runs one admission decision for job: given order (the job's full
// expansion order, for fairness) and hostStates (current state of every
// host in the job), it returns the hostnames to transition ready → running
// and the locks acquired for them, registering ephemeral CS lock records as
// it goes. It is a pure decision given its inputs plus the scheduler's
// current running-set snapshot; the CS writes are the only side effect.
func (s *Scheduler) Tick(ctx context.Context, job *types.Job, ns *types.Namespace, order []string, hostStates map[string]types.HostState) (admitted []string, locks []Lock, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	runningInJob := 0
	for _, st := range hostStates {
		if st == types.HostRunning {
			runningInJob++
		}
	}
	budget := job.Concurrent.Resolve(len(order)) - runningInJob
	if budget <= 0 {
		return nil, nil, nil
	}

	admittedSet := make(map[string]struct{})

	for _, hostname := range order {
		if budget <= 0 {
			break
		}
		if hostStates[hostname] != types.HostReady {
			continue
		}

		tags := ns.Tags(hostname)
		blocked := false
		var tagLocks []string
		for _, rule := range ns.Constraints {
			if !hasTag(tags, rule.AppliesTo) {
				continue
			}
			cap := effectiveCap(rule, len(ns.Hosts))
			if cap <= 0 {
				continue
			}
			if s.runningCountForTag(ns, rule.AppliesTo, admittedSet) >= cap {
				blocked = true
				break
			}
			tagLocks = append(tagLocks, rule.AppliesTo)
		}
		if blocked {
			continue
		}
		if !predecessorsSatisfied(hostname, tags, ns, order, hostStates) {
			continue
		}

		for _, tag := range tagLocks {
			path, err := s.adapter.Create(ctx, namespace.LockBasePath(ns.Name, tag), nil, cs.Sequential|cs.Ephemeral)
			if err != nil {
				return admitted, locks, err
			}
			locks = append(locks, Lock{Hostname: hostname, Tag: tag, Path: path})
		}

		admitted = append(admitted, hostname)
		admittedSet[hostname] = struct{}{}
		budget--
	}

	s.logger.Debug().Str("job", job.JobID).Int("admitted", len(admitted)).Msg("scheduler tick")
	return admitted, locks, nil
}

// ReleaseLocks deletes the given lock records, idempotently (ErrNotFound is
// not an error: the ephemeral node may already have evaporated on session
// loss).
func (s *Scheduler) ReleaseLocks(ctx context.Context, locks []Lock) error {
	for _, l := range locks {
		if err := s.adapter.Delete(ctx, l.Path, -1); err != nil && err != cs.ErrNotFound {
			return fmt.Errorf("releasing lock %s: %w", l.Path, err)
		}
	}
	return nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func effectiveCap(rule types.ConstraintRule, totalHosts int) int {
	if rule.MaxParallel > 0 {
		return rule.MaxParallel
	}
	if rule.MaxParallelPct > 0 {
		n := (totalHosts*rule.MaxParallelPct + 99) / 100
		if n < 1 {
			n = 1
		}
		return n
	}
	return 0
}

// IsReady reports whether hostname's sequence predecessors (if any) have all
// reached HostFinished (or, under the "proceed" policy, any terminal state),
// i.e. whether a waiting host may transition to ready.
// Hosts with no sequence_before predecessors are always ready.
func IsReady(hostname string, ns *types.Namespace, order []string, hostStates map[string]types.HostState) bool {
	return predecessorsSatisfied(hostname, ns.Tags(hostname), ns, order, hostStates)
}

// predecessorsSatisfied reports whether every sequence predecessor of
// hostname (hosts, within the same job, carrying a tag that some rule's
// sequence_before lists hostname's tags under) has reached HostFinished, or,
// under the namespace's "proceed" policy, has reached any terminal state —
// a terminally-failed predecessor no longer blocks hostname under that
// policy.
func predecessorsSatisfied(hostname string, tags []string, ns *types.Namespace, order []string, hostStates map[string]types.HostState) bool {
	proceedOnFailure := ns.EffectivePolicy() == types.OnPredecessorProceed
	for _, rule := range ns.Constraints {
		if !sequenceTargets(rule, tags) {
			continue
		}
		for _, other := range order {
			if other == hostname {
				continue
			}
			if !hasTag(ns.Tags(other), rule.AppliesTo) {
				continue
			}
			st, inJob := hostStates[other]
			if !inJob {
				continue
			}
			if st == types.HostFinished {
				continue
			}
			if proceedOnFailure && st.IsTerminal() {
				continue
			}
			return false
		}
	}
	return true
}

func sequenceTargets(rule types.ConstraintRule, tags []string) bool {
	for _, successor := range rule.SequenceBefore {
		if hasTag(tags, successor) {
			return true
		}
	}
	return false
}

// DetectDeadlocks scans every host currently in HostWaiting and returns the
// hostnames that must transition to deadlocked or skipped per policy: a
// waiting host deadlocks when a sequence predecessor is terminally failed
// (failed, skipped, or deadlocked) without a retry pending, and the policy
// is not "skip" or "proceed".
func DetectDeadlocks(ns *types.Namespace, order []string, hostStates map[string]types.HostState) (deadlocked, skipped []string) {
	policy := ns.EffectivePolicy()

	for _, hostname := range order {
		if hostStates[hostname] != types.HostWaiting {
			continue
		}
		tags := ns.Tags(hostname)

		predecessorFailed := false
		for _, rule := range ns.Constraints {
			if !sequenceTargets(rule, tags) {
				continue
			}
			for _, other := range order {
				if other == hostname || !hasTag(ns.Tags(other), rule.AppliesTo) {
					continue
				}
				switch hostStates[other] {
				case types.HostFailed, types.HostDeadlocked:
					predecessorFailed = true
				case types.HostSkipped:
					predecessorFailed = true
				}
			}
		}

		if !predecessorFailed {
			continue
		}
		switch policy {
		case types.OnPredecessorSkip:
			skipped = append(skipped, hostname)
		case types.OnPredecessorProceed:
			// proceed: predecessor failure does not block hostname; leave it
			// for readiness re-evaluation to clear it to ready.
		default:
			deadlocked = append(deadlocked, hostname)
		}
	}
	return deadlocked, skipped
}
