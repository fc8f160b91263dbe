// Command pogo-worker is a minimal reference worker exercising the wire
// protocol end to end: it dials the dispatcher's worker pool over mTLS,
// sends HELLO, and for every DISPATCH execs the given command directly via
// os/exec, replying with ACK then RESULT. It fetches its dispatch's
// password, when one is pending, over the FETCH_SECRET side-channel before
// running the command. It does not allocate a PTY or feed a process group;
// it exists so the dispatcher's worker pool and RPC framing are exercisable
// without a real fleet.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pogo-fleet/pogo/internal/log"
	"github.com/pogo-fleet/pogo/pkg/security"
	"github.com/pogo-fleet/pogo/pkg/workerpool"
)

const version = "1.0.0"

func main() {
	var id, dispatcherAddr, certDir string
	var capacity int
	var logLevel string

	cmd := &cobra.Command{
		Use:   "pogo-worker",
		Short: "pogo-worker connects to a Pogo dispatcher and executes dispatched commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Level: log.Level(logLevel), Foreground: true})
			return runWorker(cmd.Context(), id, dispatcherAddr, certDir, capacity)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker id advertised in HELLO (required)")
	cmd.Flags().StringVar(&dispatcherAddr, "dispatcher", "127.0.0.1:7787", "dispatcher worker-pool address")
	cmd.Flags().StringVar(&certDir, "cert-dir", "", "directory holding this worker's node.crt/node.key/ca.crt (required)")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "maximum in-flight tasks this worker accepts")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("cert-dir")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, id, dispatcherAddr, certDir string, capacity int) error {
	logger := log.WithWorker(id)

	tlsConfig, err := buildClientTLSConfig(certDir)
	if err != nil {
		return fmt.Errorf("loading worker TLS certificates: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	defer cancel()
	rawConn, err := (&tls.Dialer{Config: tlsConfig}).DialContext(dialCtx, "tcp", dispatcherAddr)
	if err != nil {
		return fmt.Errorf("dialing dispatcher %s: %w", dispatcherAddr, err)
	}
	conn := rawConn.(*tls.Conn)
	defer conn.Close()

	if err := workerpool.WriteMessage(conn, workerpool.Message{
		Type: workerpool.MsgHello, WorkerID: id, Capacity: capacity, Version: version,
	}); err != nil {
		return fmt.Errorf("sending HELLO: %w", err)
	}
	logger.Info().Str("dispatcher", dispatcherAddr).Int("capacity", capacity).Msg("connected")

	w := &worker{
		conn:          conn,
		reader:        workerpool.FrameReader(conn),
		logger:        logger,
		cancels:       make(map[uint64]context.CancelFunc),
		secretWaiters: make(map[uint64]chan workerpool.Message),
	}
	return w.readLoop(runCtx)
}

// worker tracks the in-flight tasks this process is executing so CANCEL can
// terminate the right child process, and serializes writes to conn since
// task goroutines and the read loop may both need to send a frame.
type worker struct {
	conn    *tls.Conn
	reader  *bufio.Reader
	logger  zerolog.Logger
	writeMu sync.Mutex

	mu            sync.Mutex
	cancels       map[uint64]context.CancelFunc
	secretWaiters map[uint64]chan workerpool.Message
}

func (w *worker) send(msg workerpool.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return workerpool.WriteMessage(w.conn, msg)
}

// readLoop reads frames from the dispatcher until the connection closes or
// ctx is cancelled, dispatching each to its handler. DISPATCH and CANCEL run
// their own goroutines so a long-lived command doesn't block PING/PONG
// liveness or a subsequent DISPATCH for another req_id.
func (w *worker) readLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = w.conn.Close()
	}()

	for {
		msg, err := workerpool.ReadMessage(w.reader)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from dispatcher: %w", err)
		}

		switch msg.Type {
		case workerpool.MsgDispatch:
			go w.handleDispatch(ctx, msg)
		case workerpool.MsgCancel:
			w.handleCancel(msg)
		case workerpool.MsgPing:
			if err := w.send(workerpool.Message{Type: workerpool.MsgPong, ReqID: msg.ReqID}); err != nil {
				w.logger.Warn().Err(err).Msg("failed to send PONG")
			}
		case workerpool.MsgSecret:
			w.mu.Lock()
			ch, ok := w.secretWaiters[msg.ReqID]
			w.mu.Unlock()
			if ok {
				ch <- msg
			}
		default:
			w.logger.Warn().Str("type", string(msg.Type)).Msg("ignoring unexpected message from dispatcher")
		}
	}
}

// handleDispatch ACKs the task, resolves its password over FETCH_SECRET when
// one is pending, execs the command directly, and reports RESULT.
func (w *worker) handleDispatch(ctx context.Context, msg workerpool.Message) {
	log := w.logger.With().Uint64("req_id", msg.ReqID).Str("jobid", msg.JobID).Str("hostname", msg.Hostname).Logger()

	if err := w.send(workerpool.Message{Type: workerpool.MsgAck, ReqID: msg.ReqID}); err != nil {
		log.Warn().Err(err).Msg("failed to send ACK")
		return
	}

	taskCtx := ctx
	var taskCancel context.CancelFunc
	if msg.TimeoutSecs > 0 {
		taskCtx, taskCancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutSecs)*time.Second)
	} else {
		taskCtx, taskCancel = context.WithCancel(ctx)
	}
	w.mu.Lock()
	w.cancels[msg.ReqID] = taskCancel
	w.mu.Unlock()
	defer func() {
		taskCancel()
		w.mu.Lock()
		delete(w.cancels, msg.ReqID)
		w.mu.Unlock()
	}()

	var password []byte
	if msg.PasswordRef != "" {
		secret, err := w.fetchSecret(taskCtx, msg.ReqID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to fetch password secret")
			w.reportResult(msg.ReqID, 1, fmt.Sprintf("fetching password: %v", err), 0, false)
			return
		}
		password = secret
	}

	start := time.Now()
	exitCode, output, cancelled := runCommand(taskCtx, msg.Command, msg.RunAs, password)
	w.reportResult(msg.ReqID, exitCode, output, time.Since(start).Seconds(), cancelled)
}

// runCommand execs command directly via os/exec, returning its exit code,
// combined output, and whether taskCtx's deadline or cancellation (rather
// than the command itself) ended the run. A non-empty password is fed to
// sudo over a plain stdin pipe (sudo -S) rather than a PTY — the one
// password-delivery mechanism that doesn't require allocating one.
func runCommand(taskCtx context.Context, command, runAs string, password []byte) (exitCode int, output string, cancelled bool) {
	var name string
	var args []string
	switch {
	case runAs != "" && len(password) > 0:
		name, args = "sudo", []string{"-S", "-u", runAs, "sh", "-c", command}
	case runAs != "":
		name, args = "sudo", []string{"-n", "-u", runAs, "sh", "-c", command}
	default:
		name, args = "sh", []string{"-c", command}
	}

	cmd := exec.CommandContext(taskCtx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if len(password) > 0 {
		cmd.Stdin = bytes.NewReader(append(append([]byte{}, password...), '\n'))
	}

	err := cmd.Run()
	cancelled = taskCtx.Err() != nil
	if err == nil {
		return 0, buf.String(), cancelled
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), buf.String(), cancelled
	}
	return -1, buf.String() + "\n" + err.Error(), cancelled
}

func (w *worker) handleCancel(msg workerpool.Message) {
	w.mu.Lock()
	cancel, ok := w.cancels[msg.ReqID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *worker) reportResult(reqID uint64, exitCode int, message string, durationSecs float64, cancelled bool) {
	if err := w.send(workerpool.Message{
		Type: workerpool.MsgResult, ReqID: reqID, ExitCode: exitCode,
		Message: message, DurationSecs: durationSecs, Cancelled: cancelled,
	}); err != nil {
		w.logger.Warn().Err(err).Uint64("req_id", reqID).Msg("failed to send RESULT")
	}
}

// fetchSecret sends FETCH_SECRET for reqID and blocks the calling task
// goroutine on a matching SECRET reply, routed in by readLoop via
// secretWaiters. The dispatcher looks up the password by the dispatch's
// req_id and honors exactly one redemption.
func (w *worker) fetchSecret(ctx context.Context, reqID uint64) ([]byte, error) {
	replyCh := make(chan workerpool.Message, 1)
	w.mu.Lock()
	w.secretWaiters[reqID] = replyCh
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.secretWaiters, reqID)
		w.mu.Unlock()
	}()

	if err := w.send(workerpool.Message{Type: workerpool.MsgFetchSecret, ReqID: reqID}); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if !reply.Found {
			return nil, fmt.Errorf("password for req_id %d not found or already redeemed", reqID)
		}
		return reply.Secret, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildClientTLSConfig(certDir string) (*tls.Config, error) {
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("no certificate triple found in %s; provision one before connecting", certDir)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	ca, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
