package workerpool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/metrics"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/security"
)

// Conn is the minimal surface Pool needs from a worker's transport. A
// *tls.Conn satisfies it directly; tests substitute a net.Pipe half.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Task describes one unit of work to dispatch to a worker, the DISPATCH
// message's payload.
type Task struct {
	JobID    string
	Hostname string
	Command  string
	RunAs    string
	Timeout  time.Duration
	Password []byte // sealed into the vault and delivered by reference
}

// Result is what a dispatched task resolves to: a normal exit, a cancelled
// run, or the task's host pool connection having been lost.
type Result struct {
	ExitCode   int
	Message    string
	Duration   time.Duration
	Cancelled  bool
	WorkerLost bool
}

// Handle lets the caller cancel an in-flight dispatch.
type Handle struct {
	cancel   func()
	WorkerID string
}

// Cancel sends a best-effort CANCEL to the worker. The caller still awaits
// the result channel; a RESULT with Cancelled set, or no further message at
// all, may follow.
func (h *Handle) Cancel() { h.cancel() }

type pending struct {
	jobid, hostname string
	passwordRef     string
	resultCh        chan Result
}

type workerConn struct {
	id          string
	capacity    int
	fingerprint string
	conn        Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	inFlight map[uint64]*pending
	lastUsed time.Time
	lastSeen time.Time
	lost     bool
	graceEnd time.Time
}

func (w *workerConn) send(msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return WriteMessage(w.conn, msg)
}

func (w *workerConn) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// Pool maintains persistent worker connections and dispatches tasks to the
// worker with the lowest in_flight/capacity ratio, ties broken by
// least-recently-used.
type Pool struct {
	vault          *security.Vault
	reconnectGrace time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	workers  map[string]*workerConn
	pinned   map[string]string // worker id -> expected cert fingerprint
	reqSeq   uint64
	onResult func(jobid, hostname string, res Result)
}

// New returns an empty Pool. onResult, if non-nil, is invoked for every
// RESULT/worker-lost outcome in addition to the channel returned by
// Dispatch, letting the dispatcher route results to job controllers without
// every caller holding onto its own channel.
func New(vault *security.Vault, reconnectGrace time.Duration, onResult func(jobid, hostname string, res Result)) *Pool {
	return &Pool{
		vault:          vault,
		reconnectGrace: reconnectGrace,
		logger:         log.WithComponent("workerpool"),
		workers:        make(map[string]*workerConn),
		pinned:         make(map[string]string),
		onResult:       onResult,
	}
}

// ErrFingerprintMismatch is returned by Register when a worker id reconnects
// with a certificate fingerprint different from the one pinned on its first
// HELLO.
var ErrFingerprintMismatch = pogoerr.New(pogoerr.DispatchRejected, "worker certificate fingerprint does not match pinned value")

// Register admits a worker connection after its HELLO handshake, reusing an
// existing entry (and its in-flight set) if the worker id reconnects within
// the grace window. The pool owns the connection from here: a read loop
// routes the worker's frames through handleInbound until the session drops.
func (p *Pool) Register(id string, capacity int, fingerprint string, conn Conn) (*workerConn, error) {
	if capacity <= 0 {
		capacity = 1 // a HELLO omitting capacity means one task at a time
	}

	p.mu.Lock()

	if expected, ok := p.pinned[id]; ok && expected != fingerprint {
		p.mu.Unlock()
		return nil, ErrFingerprintMismatch
	}
	p.pinned[id] = fingerprint

	if existing, ok := p.workers[id]; ok && existing.lost {
		existing.mu.Lock()
		existing.conn = conn
		existing.capacity = capacity
		existing.lost = false
		existing.lastSeen = time.Now()
		existing.mu.Unlock()
		p.mu.Unlock()
		p.logger.Info().Str("worker_id", id).Msg("worker reconnected within grace window")
		go p.readLoop(existing, conn)
		return existing, nil
	}

	wc := &workerConn{
		id:          id,
		capacity:    capacity,
		fingerprint: fingerprint,
		conn:        conn,
		inFlight:    make(map[uint64]*pending),
		lastUsed:    time.Now(),
		lastSeen:    time.Now(),
	}
	p.workers[id] = wc
	metrics.WorkersConnected.Set(float64(p.connectedLocked()))
	p.mu.Unlock()

	go p.readLoop(wc, conn)
	return wc, nil
}

// readLoop consumes frames from conn until it errors, routing each through
// handleInbound. It holds conn (not w.conn) so a loop left over from before a
// grace-window reconnect cannot mark the replacement session lost.
func (p *Pool) readLoop(w *workerConn, conn Conn) {
	reader := FrameReader(conn)
	for {
		msg, err := ReadMessage(reader)
		if err != nil {
			p.logger.Info().Str("worker_id", w.id).Err(err).Msg("worker connection closed")
			p.disconnectConn(w.id, conn)
			_ = conn.Close()
			return
		}
		p.handleInbound(w, msg)
	}
}

func (p *Pool) connectedLocked() int {
	n := 0
	for _, w := range p.workers {
		if !w.lost {
			n++
		}
	}
	return n
}

// Counts reports idle/busy workers for stats().
func (p *Pool) Counts() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.lost {
			continue
		}
		if w.inFlightCount() > 0 {
			busy++
		} else {
			idle++
		}
	}
	return idle, busy
}

// Disconnect marks id as lost and starts its reconnect grace window; if the
// grace elapses without a Register reconnect, in-flight tasks fail as
// worker_lost and the entry is dropped.
func (p *Pool) Disconnect(id string) {
	p.disconnectConn(id, nil)
}

// disconnectConn is Disconnect with an optional connection-identity guard:
// when conn is non-nil, the worker is only marked lost if it still holds that
// connection, so a stale read loop cannot tear down a reconnected session.
func (p *Pool) disconnectConn(id string, conn Conn) {
	p.mu.Lock()
	wc, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	wc.mu.Lock()
	if conn != nil && wc.conn != conn {
		wc.mu.Unlock()
		p.mu.Unlock()
		return
	}
	wc.lost = true
	wc.graceEnd = time.Now().Add(p.reconnectGrace)
	wc.mu.Unlock()
	metrics.WorkersConnected.Set(float64(p.connectedLocked()))
	p.mu.Unlock()

	time.AfterFunc(p.reconnectGrace, func() { p.expireIfStillLost(id) })
}

func (p *Pool) expireIfStillLost(id string) {
	p.mu.Lock()
	wc, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	wc.mu.Lock()
	stillLost := wc.lost && !time.Now().Before(wc.graceEnd)
	var toFail []*pending
	if stillLost {
		for reqID, pend := range wc.inFlight {
			toFail = append(toFail, pend)
			delete(wc.inFlight, reqID)
		}
	}
	wc.mu.Unlock()
	if stillLost {
		delete(p.workers, id)
	}
	p.mu.Unlock()

	for _, pend := range toFail {
		p.resolve(pend, Result{WorkerLost: true})
	}
}

// selectWorker picks the worker with the lowest in_flight/capacity ratio,
// ties broken by least-recently-used, excluding workers in reconnect-grace.
func (p *Pool) selectWorker() *workerConn {
	var best *workerConn
	var bestRatio float64
	for _, w := range p.workers {
		if w.lost {
			continue
		}
		ratio := float64(w.inFlightCount()) / float64(w.capacity)
		if w.inFlightCount() >= w.capacity {
			continue
		}
		switch {
		case best == nil:
			best, bestRatio = w, ratio
		case ratio < bestRatio:
			best, bestRatio = w, ratio
		case ratio == bestRatio && w.lastUsed.Before(best.lastUsed):
			best, bestRatio = w, ratio
		}
	}
	return best
}

// Dispatch selects a worker and sends it a DISPATCH frame, returning a
// cancellation handle and a one-shot result channel.
func (p *Pool) Dispatch(ctx context.Context, task Task) (*Handle, <-chan Result, error) {
	p.mu.Lock()
	w := p.selectWorker()
	if w == nil {
		p.mu.Unlock()
		return nil, nil, pogoerr.New(pogoerr.DispatchRejected, "no worker available to accept dispatch")
	}
	reqID := atomic.AddUint64(&p.reqSeq, 1)
	p.mu.Unlock()

	var ref string
	var err error
	if len(task.Password) > 0 {
		ref, err = p.vault.Put(task.Password)
		if err != nil {
			return nil, nil, pogoerr.Wrap(pogoerr.Internal, "sealing dispatch password", err)
		}
	}

	pend := &pending{jobid: task.JobID, hostname: task.Hostname, passwordRef: ref, resultCh: make(chan Result, 1)}

	w.mu.Lock()
	w.inFlight[reqID] = pend
	w.lastUsed = time.Now()
	w.mu.Unlock()

	msg := Message{
		Type:        MsgDispatch,
		ReqID:       reqID,
		JobID:       task.JobID,
		Hostname:    task.Hostname,
		Command:     task.Command,
		RunAs:       task.RunAs,
		TimeoutSecs: int(task.Timeout.Seconds()),
		PasswordRef: ref,
	}
	if err := w.send(msg); err != nil {
		w.mu.Lock()
		delete(w.inFlight, reqID)
		w.mu.Unlock()
		if ref != "" {
			p.vault.Discard(ref)
		}
		return nil, nil, pogoerr.Wrap(pogoerr.DispatchRejected, "sending dispatch to worker "+w.id, err)
	}

	metrics.DispatchesTotal.WithLabelValues("sent").Inc()
	metrics.WorkerInFlight.WithLabelValues(w.id).Set(float64(w.inFlightCount()))

	handle := &Handle{WorkerID: w.id, cancel: func() {
		_ = w.send(Message{Type: MsgCancel, ReqID: reqID})
	}}
	return handle, pend.resultCh, nil
}

func (p *Pool) resolve(pend *pending, res Result) {
	select {
	case pend.resultCh <- res:
	default:
	}
	close(pend.resultCh)
	if p.onResult != nil {
		p.onResult(pend.jobid, pend.hostname, res)
	}
}

// handleInbound processes one message received from a worker after its
// HELLO.
func (p *Pool) handleInbound(w *workerConn, msg Message) {
	switch msg.Type {
	case MsgAck:
		// Acknowledged: nothing further to do until RESULT/UPDATE.
	case MsgUpdate:
		// Progress/output URL; output bytes stream elsewhere and are not
		// persisted here. Logged for operator visibility.
		p.logger.Debug().Str("worker_id", w.id).Str("jobid", msg.JobID).Str("hostname", msg.Hostname).Msg("worker update")
	case MsgResult:
		w.mu.Lock()
		pend, ok := w.inFlight[msg.ReqID]
		if ok {
			delete(w.inFlight, msg.ReqID)
		}
		w.mu.Unlock()
		if !ok {
			return
		}
		p.resolve(pend, Result{
			ExitCode:  msg.ExitCode,
			Message:   msg.Message,
			Duration:  time.Duration(msg.DurationSecs * float64(time.Second)),
			Cancelled: msg.Cancelled,
		})
		metrics.WorkerInFlight.WithLabelValues(w.id).Set(float64(w.inFlightCount()))
	case MsgFetchSecret:
		w.mu.Lock()
		pend, ok := w.inFlight[msg.ReqID]
		w.mu.Unlock()
		resp := Message{Type: MsgSecret, ReqID: msg.ReqID}
		if ok && pend.passwordRef != "" {
			secret, err := p.vault.Take(pend.passwordRef)
			if err == nil {
				resp.Secret = secret
				resp.Found = true
			}
		}
		_ = w.send(resp)
	case MsgPing:
		_ = w.send(Message{Type: MsgPong})
	case MsgPong:
		w.mu.Lock()
		w.lastSeen = time.Now()
		w.mu.Unlock()
	}
}
