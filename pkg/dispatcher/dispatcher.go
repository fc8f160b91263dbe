// Package dispatcher binds every dispatcher-core subsystem into a single
// process-wide value: the coordination store session, the namespace cache,
// the constraint scheduler, the worker pool, and one job controller per
// active job.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/events"
	"github.com/pogo-fleet/pogo/pkg/jobcontroller"
	"github.com/pogo-fleet/pogo/pkg/metrics"
	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/scheduler"
	"github.com/pogo-fleet/pogo/pkg/types"
	"github.com/pogo-fleet/pogo/pkg/workerpool"
)

const (
	heartbeatInterval = 10 * time.Second
	replayInterval    = 2 * time.Second
	replayWindow      = 5 * time.Minute
)

const jobsBasePath = "/pogo/jobs"

func dispatcherPath(id string) string { return "/pogo/dispatchers/" + id }
func namespaceOwnerPath(ns string) string { return "/pogo/ns/" + ns + "/owner" }

// Dispatcher owns the CS session, elects to drive jobs by claiming their
// namespace, accepts front-end operations (Run/JobInfo/JobStatus/ListJobs/
// Halt/Retry/LoadConf/Stats), and routes worker pool results back to the
// right Job Controller.
type Dispatcher struct {
	id       string
	bindAddr string
	started  time.Time

	adapter *cs.Adapter
	nsCache *namespace.Cache
	sched   *scheduler.Scheduler
	pool    *workerpool.Pool
	broker  *events.Broker
	logger  zerolog.Logger

	defaultTimeout    time.Duration
	defaultJobTimeout time.Duration

	mu          sync.Mutex
	controllers map[string]*jobcontroller.Controller
	claimedNS   map[string]bool

	replayMu sync.Mutex
	replay   []pendingWrite

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config bundles the dependencies Dispatcher needs to construct, already
// wired (CS, namespace cache, scheduler, pool, broker) by cmd/pogod.
type Config struct {
	ID                string
	BindAddr          string
	Adapter           *cs.Adapter
	NSCache           *namespace.Cache
	Scheduler         *scheduler.Scheduler
	Pool              *workerpool.Pool
	Broker            *events.Broker
	DefaultTimeout    time.Duration
	DefaultJobTimeout time.Duration
}

// New constructs a Dispatcher. Call Start to rehydrate in-flight jobs from
// the coordination store and begin the heartbeat/replay loops.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		id:                cfg.ID,
		bindAddr:          cfg.BindAddr,
		adapter:           cfg.Adapter,
		nsCache:           cfg.NSCache,
		sched:             cfg.Scheduler,
		pool:              cfg.Pool,
		broker:            cfg.Broker,
		logger:            log.WithComponent("dispatcher"),
		defaultTimeout:    cfg.DefaultTimeout,
		defaultJobTimeout: cfg.DefaultJobTimeout,
		controllers:       make(map[string]*jobcontroller.Controller),
		claimedNS:         make(map[string]bool),
		stopCh:            make(chan struct{}),
	}
}

// pendingWrite is a CS mutation deferred because the store was unavailable
// when first attempted, replayed on a ticker until it succeeds or
// replayWindow elapses.
type pendingWrite struct {
	queuedAt time.Time
	desc     string
	fn       func(ctx context.Context) error
}

func (d *Dispatcher) enqueueReplay(desc string, fn func(ctx context.Context) error) {
	d.replayMu.Lock()
	d.replay = append(d.replay, pendingWrite{queuedAt: time.Now(), desc: desc, fn: fn})
	d.replayMu.Unlock()
}

func (d *Dispatcher) drainReplay(ctx context.Context) {
	d.replayMu.Lock()
	pending := d.replay
	d.replay = nil
	d.replayMu.Unlock()

	var retained []pendingWrite
	for _, pw := range pending {
		if time.Since(pw.queuedAt) > replayWindow {
			d.logger.Warn().Str("op", pw.desc).Msg("dropping replay entry past 5 minute window")
			continue
		}
		if err := pw.fn(ctx); err != nil {
			if errors.Is(err, cs.ErrUnavailable) || pogoerr.KindOf(err) == pogoerr.CoordinationStoreUnavailable {
				retained = append(retained, pw)
				continue
			}
			d.logger.Warn().Err(err).Str("op", pw.desc).Msg("replay entry failed permanently")
			continue
		}
	}
	if len(retained) > 0 {
		d.replayMu.Lock()
		d.replay = append(retained, d.replay...)
		d.replayMu.Unlock()
	}
}

// Start rehydrates every non-terminal job from the coordination store and
// begins the heartbeat and replay loops. The in-memory Job Controller set is
// a cache reconstructable from CS with no job loss across a dispatcher
// restart.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.started = time.Now()
	if err := d.publishLiveness(ctx); err != nil {
		return err
	}

	jobids, err := d.adapter.Children(ctx, jobsBasePath)
	if err != nil && !errors.Is(err, cs.ErrNotFound) {
		return pogoerr.Wrap(pogoerr.Internal, "listing jobs for rehydration", err)
	}
	for _, jobid := range jobids {
		if err := d.rehydrateJob(ctx, jobid); err != nil {
			d.logger.Warn().Err(err).Str("jobid", jobid).Msg("failed to rehydrate job")
		}
	}

	d.wg.Add(2)
	go d.heartbeatLoop(ctx)
	go d.replayLoop(ctx)
	return nil
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.publishLiveness(ctx); err != nil {
				if errors.Is(err, cs.ErrUnavailable) || pogoerr.KindOf(err) == pogoerr.CoordinationStoreUnavailable {
					d.enqueueReplay("publish liveness", d.publishLiveness)
				}
				d.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) replayLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.drainReplay(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) publishLiveness(ctx context.Context) error {
	rec := types.DispatcherRecord{ID: d.id, BindAddr: d.bindAddr, StartedAt: d.started, Leader: true}
	path := dispatcherPath(d.id)
	if _, err := d.adapter.CreateJSON(ctx, path, rec, cs.Ephemeral); err != nil {
		if err := d.adapter.CASUpdate(ctx, path, func([]byte) ([]byte, error) {
			return json.Marshal(rec)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) rehydrateJob(ctx context.Context, jobid string) error {
	jv := d.adapter.NewJobView(jobid)

	var job types.Job
	if _, err := d.adapter.GetJSON(ctx, jv.SpecPath(), &job); err != nil {
		return err
	}
	state, _, err := jv.GetState(ctx)
	if err != nil {
		return err
	}
	job.State = types.JobState(state)
	if job.State.IsTerminal() {
		return nil
	}

	if err := d.claimNamespace(ctx, job.Namespace); err != nil {
		d.logger.Info().Str("jobid", jobid).Str("namespace", job.Namespace).Msg("namespace claimed by another dispatcher; not driving this job")
		return nil
	}

	ns, ok := d.nsCache.Get(job.Namespace)
	if !ok {
		ns, err = d.nsCache.Load(ctx, job.Namespace)
		if err != nil {
			return err
		}
	}

	hostnames, err := d.adapter.Children(ctx, jv.HostsBasePath())
	if err != nil {
		return err
	}
	sort.Strings(hostnames)

	hosts := make(map[string]*types.Host, len(hostnames))
	for _, hostname := range hostnames {
		var h types.Host
		if _, err := d.adapter.GetJSON(ctx, jv.HostPath(hostname), &h); err != nil {
			return err
		}
		hosts[hostname] = &h
	}

	ctrl := jobcontroller.New(d.adapter, jobid, job, hosts, hostnames, ns, d.sched, d.pool, d.broker, "")
	d.mu.Lock()
	d.controllers[jobid] = ctrl
	d.mu.Unlock()
	go ctrl.Run(ctx)
	ctrl.Resume(ctx)
	d.logger.Info().Str("jobid", jobid).Str("state", string(job.State)).Msg("rehydrated job")
	return nil
}

// claimNamespace writes an ephemeral owner marker for ns if none exists, so
// only one dispatcher instance drives a namespace's jobs at a time. A second
// claim attempt by this same dispatcher (e.g. a later job in the same
// namespace) is a no-op; a claim attempt while another dispatcher's marker
// is alive is rejected.
func (d *Dispatcher) claimNamespace(ctx context.Context, ns string) error {
	d.mu.Lock()
	if d.claimedNS[ns] {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	path := namespaceOwnerPath(ns)
	if _, err := d.adapter.Create(ctx, path, []byte(d.id), cs.Ephemeral); err != nil {
		if !errors.Is(err, cs.ErrConflict) {
			return err
		}
		data, _, getErr := d.adapter.Get(ctx, path)
		if getErr != nil || string(data) != d.id {
			return pogoerr.New(pogoerr.DispatchRejected, "namespace "+ns+" already claimed by another dispatcher")
		}
	}

	d.mu.Lock()
	d.claimedNS[ns] = true
	d.mu.Unlock()
	return nil
}

// Run creates and starts a new job, the front-end's run() operation.
func (d *Dispatcher) Run(ctx context.Context, spec jobcontroller.Spec) (string, error) {
	if spec.Timeout <= 0 {
		spec.Timeout = int(d.defaultTimeout.Seconds())
	}
	if spec.JobTimeout <= 0 {
		spec.JobTimeout = int(d.defaultJobTimeout.Seconds())
	}

	jobid, order, ns, err := jobcontroller.Create(ctx, d.adapter, d.nsCache, spec)
	if err != nil {
		return "", err
	}
	if err := d.claimNamespace(ctx, spec.Namespace); err != nil {
		return "", err
	}

	job := types.Job{
		JobID: jobid, User: spec.User, RunAs: spec.RunAs, Command: spec.Command, Target: spec.Target,
		Namespace: spec.Namespace, Timeout: spec.Timeout, JobTimeout: spec.JobTimeout,
		Concurrent: spec.Concurrent, State: types.JobGathering, StartTS: time.Now(),
	}
	hosts := make(map[string]*types.Host, len(order))
	for _, h := range order {
		hosts[h] = &types.Host{JobID: jobid, Hostname: h, State: types.HostWaiting}
	}

	ctrl := jobcontroller.New(d.adapter, jobid, job, hosts, order, ns, d.sched, d.pool, d.broker, spec.Password)
	d.mu.Lock()
	d.controllers[jobid] = ctrl
	d.mu.Unlock()

	go ctrl.Run(ctx)
	ctrl.Start(ctx)

	d.broker.Publish(events.Event{Type: events.JobCreated, JobID: jobid})
	metrics.DispatchesTotal.WithLabelValues("job_created").Inc()
	return jobid, nil
}

// resolveJobID validates a caller-supplied jobid selector. The "last"
// selector (most recent job for the calling user) is not implemented: whose
// "last" it should be is ambiguous without an authenticated user context.
func resolveJobID(jobid string) (string, error) {
	if jobid == "last" {
		return "", pogoerr.New(pogoerr.InvalidSpec, `jobid selector "last" is not implemented`)
	}
	return jobid, nil
}

// JobInfo returns the static spec plus current state summary for jobid,
// the front-end's jobinfo() operation. Always reads the coordination
// store directly, so it returns a consistent view even for jobs driven by
// another dispatcher in the replica set.
func (d *Dispatcher) JobInfo(ctx context.Context, jobid string) (types.Job, error) {
	jobid, err := resolveJobID(jobid)
	if err != nil {
		return types.Job{}, err
	}
	jv := d.adapter.NewJobView(jobid)
	var job types.Job
	if _, err := d.adapter.GetJSON(ctx, jv.SpecPath(), &job); err != nil {
		if err == cs.ErrNotFound {
			return types.Job{}, pogoerr.New(pogoerr.InvalidSpec, "unknown jobid "+jobid)
		}
		return types.Job{}, err
	}
	state, _, err := jv.GetState(ctx)
	if err != nil {
		return types.Job{}, err
	}
	job.State = types.JobState(state)
	return job, nil
}

// JobStatus returns the job's state and every host record, the front-end's
// jobstatus() operation.
func (d *Dispatcher) JobStatus(ctx context.Context, jobid string) (types.Job, []types.Host, error) {
	job, err := d.JobInfo(ctx, jobid)
	if err != nil {
		return types.Job{}, nil, err
	}

	jv := d.adapter.NewJobView(jobid)
	hostnames, err := d.adapter.Children(ctx, jv.HostsBasePath())
	if err != nil {
		return types.Job{}, nil, err
	}
	sort.Strings(hostnames)

	hosts := make([]types.Host, 0, len(hostnames))
	for _, hostname := range hostnames {
		var h types.Host
		if _, err := d.adapter.GetJSON(ctx, jv.HostPath(hostname), &h); err != nil {
			return types.Job{}, nil, err
		}
		hosts = append(hosts, h)
	}
	return job, hosts, nil
}

// ListFilters narrows the set listjobs() returns; fields are ANDed.
type ListFilters struct {
	User   string
	State  string
	Target string
	Offset int
	Limit  int
	Page   int
}

// effectiveOffset resolves Offset/Page into one skip count: Page, when set,
// multiplies by Limit; an explicit Offset is added on top.
func (f ListFilters) effectiveOffset() int {
	off := f.Offset
	if f.Page > 0 && f.Limit > 0 {
		off += f.Page * f.Limit
	}
	return off
}

// ListJobs returns jobs matching filters, newest-first by jobid, paginated,
// the front-end's listjobs() operation.
func (d *Dispatcher) ListJobs(ctx context.Context, filters ListFilters) ([]types.Job, error) {
	jobids, err := d.adapter.Children(ctx, jobsBasePath)
	if err != nil {
		if err == cs.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(jobids)))

	var matched []types.Job
	for _, jobid := range jobids {
		job, err := d.JobInfo(ctx, jobid)
		if err != nil {
			continue
		}
		if filters.User != "" && job.User != filters.User {
			continue
		}
		if filters.State != "" && string(job.State) != filters.State {
			continue
		}
		if filters.Target != "" && job.Target != filters.Target {
			continue
		}
		matched = append(matched, job)
	}

	offset := filters.effectiveOffset()
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched, nil
}

// Halt halts jobid, the front-end's halt() operation. Only the
// dispatcher instance currently driving the job (holding its in-memory
// Controller) can action it directly; a replica that isn't driving it
// rejects the call rather than writing CS state out from under the owner.
func (d *Dispatcher) Halt(ctx context.Context, jobid string, reason types.HaltReason) error {
	jobid, err := resolveJobID(jobid)
	if err != nil {
		return err
	}
	ctrl, ok := d.controller(jobid)
	if !ok {
		return pogoerr.New(pogoerr.DispatchRejected, "this dispatcher is not driving job "+jobid)
	}
	ctrl.Halt(reason)
	return nil
}

// Retry resets the given hosts to waiting and resumes the job, the
// front-end's retry() operation.
func (d *Dispatcher) Retry(ctx context.Context, jobid string, hosts []string) error {
	jobid, err := resolveJobID(jobid)
	if err != nil {
		return err
	}
	ctrl, ok := d.controller(jobid)
	if !ok {
		return pogoerr.New(pogoerr.DispatchRejected, "this dispatcher is not driving job "+jobid)
	}
	ctrl.Retry(hosts)
	return nil
}

func (d *Dispatcher) controller(jobid string) (*jobcontroller.Controller, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctrl, ok := d.controllers[jobid]
	return ctrl, ok
}

// LoadConf validates and persists a namespace config document, the
// front-end's loadconf() operation.
func (d *Dispatcher) LoadConf(ctx context.Context, name string, yamlDoc []byte) (*types.Namespace, error) {
	return d.nsCache.LoadConf(ctx, name, yamlDoc)
}

// PingMagic is the constant ping() must return.
const PingMagic uint32 = 0xDEADBEEF

// Ping answers the front-end's ping() liveness check.
func (d *Dispatcher) Ping() uint32 { return PingMagic }

// Stats reports operator-facing counters, the front-end's stats() operation.
type Stats struct {
	Hostname     string
	WorkersIdle  int
	WorkersBusy  int
	PerJobCounts map[string]int
}

// Stats computes the current worker pool occupancy and per-job-state counts
// across every job this dispatcher instance is driving.
func (d *Dispatcher) Stats() Stats {
	idle, busy := d.pool.Counts()

	d.mu.Lock()
	perJob := make(map[string]int, len(d.controllers))
	for _, ctrl := range d.controllers {
		job, _ := ctrl.Snapshot()
		perJob[string(job.State)]++
	}
	d.mu.Unlock()

	return Stats{Hostname: d.id, WorkersIdle: idle, WorkersBusy: busy, PerJobCounts: perJob}
}

// Healthy reports whether the dispatcher's CS session is alive, for the
// admin /healthz endpoint.
func (d *Dispatcher) Healthy(ctx context.Context) bool {
	_, err := d.adapter.Children(ctx, jobsBasePath)
	return err == nil || err == cs.ErrNotFound
}

// Shutdown stops every in-flight job controller's goroutine (without
// halting the jobs themselves — they resume on rehydration by this or
// another dispatcher) and releases the heartbeat/replay loops.
func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	d.wg.Wait()

	d.mu.Lock()
	controllers := make([]*jobcontroller.Controller, 0, len(d.controllers))
	for _, ctrl := range d.controllers {
		controllers = append(controllers, ctrl)
	}
	d.mu.Unlock()

	for _, ctrl := range controllers {
		ctrl.Stop()
	}
}
