// Package jobcontroller drives one job's lifecycle: the job and host state
// machines, the per-host and whole-job timers, and the scheduler ticks that
// issue dispatches. Each job gets its own Controller running a private event
// loop so events for a single job are processed in strict FIFO order.
package jobcontroller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/events"
	"github.com/pogo-fleet/pogo/pkg/metrics"
	"github.com/pogo-fleet/pogo/pkg/scheduler"
	"github.com/pogo-fleet/pogo/pkg/types"
	"github.com/pogo-fleet/pogo/pkg/workerpool"
)

const eventQueueDepth = 128

// abandonMultiplier sizes the safety timer armed alongside a CANCEL: if the
// cancelled dispatch's worker never answers, the host is declared
// failed(abandoned) after this multiple of its configured timeout.
const abandonMultiplier = 2

type eventKind int

const (
	evTick eventKind = iota
	evHalt
	evRetry
	evHostResult
	evHostTimeout
	evJobTimeout
	evAbandon
)

type event struct {
	kind     eventKind
	reason   types.HaltReason
	hosts    []string
	hostname string
	result   workerpool.Result
}

// Dispatcher is the subset of *workerpool.Pool a Controller needs; named so
// tests can substitute a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, task workerpool.Task) (*workerpool.Handle, <-chan workerpool.Result, error)
}

// Controller owns one job's in-memory state (a cache reconstructable from
// CS) and the goroutine that serializes every operation against it.
type Controller struct {
	jobid    string
	adapter  *cs.Adapter
	jv       *cs.JobView
	ns       *types.Namespace
	order    []string
	sched    *scheduler.Scheduler
	pool     Dispatcher
	broker   *events.Broker
	logger   zerolog.Logger
	password string // in-memory only, never persisted

	mu         sync.RWMutex
	job        types.Job
	hosts      map[string]*types.Host
	locks      map[string][]scheduler.Lock
	cancels    map[string]func()
	hostTimers map[string]*time.Timer
	jobTimer   *time.Timer

	events chan event
	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Controller for an already-created job (see Create). The
// caller must call Run in a goroutine before issuing operations.
func New(adapter *cs.Adapter, jobid string, job types.Job, hosts map[string]*types.Host, order []string, ns *types.Namespace, sched *scheduler.Scheduler, pool Dispatcher, broker *events.Broker, password string) *Controller {
	return &Controller{
		jobid:      jobid,
		adapter:    adapter,
		jv:         adapter.NewJobView(jobid),
		ns:         ns,
		order:      order,
		sched:      sched,
		pool:       pool,
		broker:     broker,
		logger:     log.WithComponent("jobcontroller").With().Str("jobid", jobid).Logger(),
		password:   password,
		job:        job,
		hosts:      hosts,
		locks:      make(map[string][]scheduler.Lock),
		cancels:    make(map[string]func()),
		hostTimers: make(map[string]*time.Timer),
		events:     make(chan event, eventQueueDepth),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes events until Stop is called or ctx is cancelled. Call it in
// its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case ev := <-c.events:
			c.handle(ctx, ev)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the event loop. It does not cancel in-flight dispatches; call
// Halt first if that's wanted.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Msg("job event queue full, dropping event")
	}
}

// Start marks the job pending and requests the first scheduling tick.
// Idempotent once past pending.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.job.State != types.JobGathering {
		c.mu.Unlock()
		return
	}
	c.job.StartTS = time.Now()
	c.transitionJobLocked(ctx, types.JobPending, "")
	c.armJobTimerLocked()
	c.mu.Unlock()

	c.enqueue(event{kind: evTick})
}

func (c *Controller) armJobTimerLocked() {
	if c.job.JobTimeout <= 0 {
		return
	}
	c.jobTimer = time.AfterFunc(time.Duration(c.job.JobTimeout)*time.Second, func() {
		c.enqueue(event{kind: evJobTimeout})
	})
}

// Resume picks up a job rehydrated from the coordination store after a
// dispatcher restart: hosts recorded as running have no surviving dispatch
// (worker sessions died with the previous process), so they are recorded as
// failed(worker_lost), the whole-job timer is rearmed, and a scheduling tick
// is requested. A job still in gathering (crashed between create and start)
// is started instead.
func (c *Controller) Resume(ctx context.Context) {
	c.mu.Lock()
	if c.job.State.IsTerminal() {
		c.mu.Unlock()
		return
	}
	if c.job.State == types.JobGathering {
		c.job.StartTS = time.Now()
		c.transitionJobLocked(ctx, types.JobPending, "")
	}
	for _, host := range c.hosts {
		if host.State != types.HostRunning {
			continue
		}
		host.State = types.HostFailed
		host.Cause = types.FailWorkerLost
		host.EndTS = time.Now()
		c.persistHostLocked(ctx, host)
	}
	c.armJobTimerLocked()
	c.mu.Unlock()

	c.enqueue(event{kind: evTick})
}

// Halt transitions the job to halted and cancels every running dispatch.
func (c *Controller) Halt(reason types.HaltReason) {
	c.enqueue(event{kind: evHalt, reason: reason})
}

// Retry resets the listed hosts from a terminal-failure state back to
// waiting and requeues them.
func (c *Controller) Retry(hosts []string) {
	c.enqueue(event{kind: evRetry, hosts: hosts})
}

// OnHostResult delivers a worker's outcome for hostname, applying the host
// transition and requesting a scheduling tick.
func (c *Controller) OnHostResult(hostname string, result workerpool.Result) {
	c.enqueue(event{kind: evHostResult, hostname: hostname, result: result})
}

// Tick requests an out-of-band scheduling re-evaluation, used e.g. after a
// namespace reload changes constraint caps.
func (c *Controller) Tick() {
	c.enqueue(event{kind: evTick})
}

// Snapshot returns a copy of the job record and every host record, for the
// frontend's jobinfo/jobstatus operations.
func (c *Controller) Snapshot() (types.Job, []types.Host) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job := c.job
	hosts := make([]types.Host, 0, len(c.order))
	for _, h := range c.order {
		if host, ok := c.hosts[h]; ok {
			hosts = append(hosts, *host)
		}
	}
	return job, hosts
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evHalt:
		c.doHalt(ctx, ev.reason)
	case evRetry:
		c.doRetry(ctx, ev.hosts)
	case evHostResult:
		c.doHostResult(ctx, ev.hostname, ev.result)
	case evHostTimeout:
		c.doHostTimeout(ctx, ev.hostname)
	case evAbandon:
		c.doAbandon(ctx, ev.hostname)
	case evJobTimeout:
		c.doJobTimeout(ctx)
	case evTick:
	}
	c.doTick(ctx)
}

func (c *Controller) transitionJobLocked(ctx context.Context, state types.JobState, reason types.HaltReason) {
	reasonChanged := c.job.HaltReason != reason
	c.job.State = state
	c.job.HaltReason = reason
	if reasonChanged {
		// The halt reason is part of the job record; write it before the
		// state node changes.
		record := c.job
		if err := c.adapter.CASUpdate(ctx, c.jv.SpecPath(), func([]byte) ([]byte, error) {
			return json.Marshal(record)
		}); err != nil {
			c.logger.Warn().Err(err).Msg("persisting job halt reason")
		}
	}
	if err := c.adapter.CASUpdate(ctx, c.jv.StatePath(), func([]byte) ([]byte, error) {
		return []byte(state), nil
	}); err != nil {
		c.logger.Warn().Err(err).Str("state", string(state)).Msg("persisting job state")
	}
	metrics.JobsByState.WithLabelValues(string(state)).Inc()
	c.broker.Publish(events.Event{Type: events.JobStateChanged, JobID: c.jobid, State: string(state)})
}

func (c *Controller) persistHostLocked(ctx context.Context, host *types.Host) {
	record := *host
	if err := c.adapter.CASUpdate(ctx, c.jv.HostPath(host.Hostname), func([]byte) ([]byte, error) {
		return json.Marshal(record)
	}); err != nil {
		c.logger.Warn().Err(err).Str("host", host.Hostname).Msg("persisting host record")
		return
	}
	metrics.HostsByState.WithLabelValues(string(host.State)).Inc()
	c.broker.Publish(events.Event{Type: events.HostStateChanged, JobID: c.jobid, Hostname: host.Hostname, State: string(host.State)})
}

func (c *Controller) hostStatesLocked() map[string]types.HostState {
	out := make(map[string]types.HostState, len(c.hosts))
	for h, host := range c.hosts {
		out[h] = host.State
	}
	return out
}

func (c *Controller) doHalt(ctx context.Context, reason types.HaltReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.State.IsTerminal() {
		return
	}
	if c.jobTimer != nil {
		c.jobTimer.Stop()
	}
	c.transitionJobLocked(ctx, types.JobHalted, reason)

	for hostname, host := range c.hosts {
		switch host.State {
		case types.HostRunning:
			c.cancelRunningLocked(hostname)
		case types.HostWaiting, types.HostReady:
			host.State = types.HostFailed
			host.Cause = types.FailCancelled
			host.EndTS = time.Now()
			c.persistHostLocked(ctx, host)
		}
	}
}

// cancelRunningLocked sends CANCEL to the host's dispatch and arms the
// abandon safety timer; it does not itself finalize the host state, which
// awaits the worker's RESULT or the abandon timer. Used by halt, where no
// more specific terminal cause is yet known.
func (c *Controller) cancelRunningLocked(hostname string) {
	if cancel, ok := c.cancels[hostname]; ok {
		cancel()
	}
	if t, ok := c.hostTimers[hostname]; ok {
		t.Stop()
	}
	timeout := c.job.Timeout
	if timeout <= 0 {
		timeout = 1
	}
	c.hostTimers[hostname] = time.AfterFunc(time.Duration(timeout*abandonMultiplier)*time.Second, func() {
		c.enqueue(event{kind: evAbandon, hostname: hostname})
	})
}

// releaseHostResourcesLocked clears the bookkeeping a running host holds
// (cancel handle, timer, scheduler running-set entry, constraint locks)
// ahead of a terminal transition. Callers still set host.State/Cause/EndTS
// and persist.
func (c *Controller) releaseHostResourcesLocked(ctx context.Context, hostname string) {
	delete(c.cancels, hostname)
	if t, ok := c.hostTimers[hostname]; ok {
		t.Stop()
		delete(c.hostTimers, hostname)
	}
	c.sched.ReleaseRunning(c.ns.Name, hostname)
	if locks, ok := c.locks[hostname]; ok {
		if err := c.sched.ReleaseLocks(ctx, locks); err != nil {
			c.logger.Warn().Err(err).Str("host", hostname).Msg("releasing locks")
		}
		delete(c.locks, hostname)
	}
}

func (c *Controller) doRetry(ctx context.Context, hosts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.State == types.JobFinished {
		c.logger.Warn().Msg("retry rejected: job already finished")
		return
	}

	retried := false
	for _, hostname := range hosts {
		host, ok := c.hosts[hostname]
		if !ok || !host.State.IsTerminal() || host.State == types.HostFinished {
			continue
		}
		host.State = types.HostWaiting
		host.ExitCode = 0
		host.Message = ""
		host.Cause = ""
		host.StartTS = time.Time{}
		host.EndTS = time.Time{}
		c.persistHostLocked(ctx, host)
		retried = true
	}

	if retried && c.job.State == types.JobHalted {
		c.transitionJobLocked(ctx, types.JobRunning, "")
	}
}

// doHostResult applies a worker's outcome for hostname, the normal (and
// halt/timeout-cancellation-completion) path to a terminal host state.
func (c *Controller) doHostResult(ctx context.Context, hostname string, result workerpool.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	host, ok := c.hosts[hostname]
	if !ok || host.State != types.HostRunning {
		return
	}
	c.releaseHostResourcesLocked(ctx, hostname)

	host.EndTS = time.Now()
	host.ExitCode = result.ExitCode
	host.Message = result.Message
	switch {
	case result.WorkerLost:
		host.State = types.HostFailed
		host.Cause = types.FailWorkerLost
	case result.Cancelled:
		host.State = types.HostFailed
		host.Cause = types.FailCancelled
	case result.ExitCode != 0:
		host.State = types.HostFailed
		host.Cause = types.FailNonZero
	default:
		host.State = types.HostFinished
	}
	c.persistHostLocked(ctx, host)
}

// doHostTimeout fires when a host's per-host timer expires while still
// running: the in-flight dispatch is cancelled and the host transitions to
// failed(timeout) immediately, not deferred to the worker's RESULT.
func (c *Controller) doHostTimeout(ctx context.Context, hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	host, ok := c.hosts[hostname]
	if !ok || host.State != types.HostRunning {
		return
	}
	if cancel, ok := c.cancels[hostname]; ok {
		cancel()
	}
	c.releaseHostResourcesLocked(ctx, hostname)
	host.State = types.HostFailed
	host.Cause = types.FailTimeout
	host.EndTS = time.Now()
	c.persistHostLocked(ctx, host)
}

// doAbandon fires when a halt's CANCEL goes unanswered past the 2x-timeout
// safety window.
func (c *Controller) doAbandon(ctx context.Context, hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	host, ok := c.hosts[hostname]
	if !ok || host.State != types.HostRunning {
		return
	}
	c.releaseHostResourcesLocked(ctx, hostname)
	host.State = types.HostFailed
	host.Cause = types.FailAbandoned
	host.EndTS = time.Now()
	c.persistHostLocked(ctx, host)
}

// doJobTimeout fires when the whole-job timer expires: the job enters
// halted(timeout) and all running hosts are cancelled and recorded as
// failed(job_timeout), immediately, like the per-host case. Hosts still
// waiting or ready will never be dispatched from a halted job, so they are
// recorded the same way rather than left non-terminal.
func (c *Controller) doJobTimeout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.State.IsTerminal() {
		return
	}
	c.transitionJobLocked(ctx, types.JobHalted, types.HaltTimeout)
	for hostname, host := range c.hosts {
		switch host.State {
		case types.HostRunning:
			if cancel, ok := c.cancels[hostname]; ok {
				cancel()
			}
			c.releaseHostResourcesLocked(ctx, hostname)
		case types.HostWaiting, types.HostReady:
		default:
			continue
		}
		host.State = types.HostFailed
		host.Cause = types.FailJobTimeout
		host.EndTS = time.Now()
		c.persistHostLocked(ctx, host)
	}
}

// doTick re-evaluates readiness, deadlocks, and admission, then issues
// dispatches for whatever the scheduler admits.
func (c *Controller) doTick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.State.IsTerminal() {
		return
	}

	states := c.hostStatesLocked()
	for _, hostname := range c.order {
		host := c.hosts[hostname]
		if host.State == types.HostWaiting && scheduler.IsReady(hostname, c.ns, c.order, states) {
			host.State = types.HostReady
			c.persistHostLocked(ctx, host)
			states[hostname] = types.HostReady
		}
	}

	deadlocked, skipped := scheduler.DetectDeadlocks(c.ns, c.order, states)
	for _, hostname := range deadlocked {
		host := c.hosts[hostname]
		host.State = types.HostDeadlocked
		host.EndTS = time.Now()
		c.persistHostLocked(ctx, host)
		states[hostname] = types.HostDeadlocked
	}
	for _, hostname := range skipped {
		host := c.hosts[hostname]
		host.State = types.HostSkipped
		host.EndTS = time.Now()
		c.persistHostLocked(ctx, host)
		states[hostname] = types.HostSkipped
	}

	admitted, locks, err := c.sched.Tick(ctx, &c.job, c.ns, c.order, states)
	if err != nil {
		c.logger.Warn().Err(err).Msg("scheduler tick failed")
	}
	locksByHost := make(map[string][]scheduler.Lock)
	for _, l := range locks {
		locksByHost[l.Hostname] = append(locksByHost[l.Hostname], l)
	}

	for _, hostname := range admitted {
		host := c.hosts[hostname]
		c.dispatchLocked(ctx, host, locksByHost[hostname])
	}

	c.maybeFinishLocked(ctx)
}

func (c *Controller) dispatchLocked(ctx context.Context, host *types.Host, locks []scheduler.Lock) {
	handle, resultCh, err := c.pool.Dispatch(ctx, workerpool.Task{
		JobID:    c.jobid,
		Hostname: host.Hostname,
		Command:  c.job.Command,
		RunAs:    c.job.RunAs,
		Timeout:  time.Duration(c.job.Timeout) * time.Second,
		Password: []byte(c.password),
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("host", host.Hostname).Msg("dispatch deferred: no worker available")
		if rerr := c.sched.ReleaseLocks(ctx, locks); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("releasing locks after failed dispatch")
		}
		return
	}

	host.State = types.HostRunning
	host.Worker = handle.WorkerID
	host.StartTS = time.Now()
	c.persistHostLocked(ctx, host)

	c.sched.RegisterRunning(c.ns.Name, host.Hostname, c.jobid)
	c.locks[host.Hostname] = locks
	c.cancels[host.Hostname] = handle.Cancel

	if c.job.Timeout > 0 {
		c.hostTimers[host.Hostname] = time.AfterFunc(time.Duration(c.job.Timeout)*time.Second, func() {
			c.enqueue(event{kind: evHostTimeout, hostname: host.Hostname})
		})
	}

	if c.job.State == types.JobPending {
		c.transitionJobLocked(ctx, types.JobRunning, "")
	}

	go func() {
		if res, ok := <-resultCh; ok {
			c.OnHostResult(host.Hostname, res)
		}
	}()

	metrics.DispatchesTotal.WithLabelValues("issued").Inc()
}

func (c *Controller) maybeFinishLocked(ctx context.Context) {
	if c.job.State.IsTerminal() {
		return
	}
	exit := 0
	for _, host := range c.hosts {
		if !host.State.IsTerminal() {
			return
		}
		if host.State != types.HostFinished {
			exit = 1
		}
	}
	c.job.ExitStatus = exit
	c.transitionJobLocked(ctx, types.JobFinished, "")

	record := c.job
	if err := c.adapter.CASUpdate(ctx, c.jv.SpecPath(), func([]byte) ([]byte, error) {
		return json.Marshal(record)
	}); err != nil {
		c.logger.Warn().Err(err).Msg("persisting job exit status")
	}
	c.password = ""
}

// JobID returns the controlled job's id.
func (c *Controller) JobID() string { return c.jobid }
