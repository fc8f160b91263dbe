package workerpool

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pogo-fleet/pogo/pkg/security"
)

func newVault(t *testing.T) *security.Vault {
	t.Helper()
	v, err := security.NewVault()
	require.NoError(t, err)
	return v
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []Message{
		{Type: MsgHello, WorkerID: "w1", Capacity: 3, Version: "1.0"},
		{Type: MsgDispatch, ReqID: 7, JobID: "p0000000001", Hostname: "foo1.example.com", Command: "echo hi", TimeoutSecs: 30, PasswordRef: "ref-1"},
		{Type: MsgResult, ReqID: 7, ExitCode: 1, Message: "boom", DurationSecs: 1.5, Cancelled: true},
	}
	for _, want := range tests {
		t.Run(string(want.Type), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, want))
			got, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

// pipeWorker simulates the worker end of a connection: it reads inbound
// messages and lets the test script replies onto a channel.
type pipeWorker struct {
	conn net.Conn
	recv chan Message
}

func newPipeWorker(t *testing.T, pool *Pool, id string, capacity int, fingerprint string) (*workerConn, *pipeWorker) {
	t.Helper()
	serverSide, workerSide := net.Pipe()
	wc, err := pool.Register(id, capacity, fingerprint, serverSide)
	require.NoError(t, err)

	pw := &pipeWorker{conn: workerSide, recv: make(chan Message, 16)}
	go func() {
		for {
			msg, err := ReadMessage(workerSide)
			if err != nil {
				close(pw.recv)
				return
			}
			pw.recv <- msg
		}
	}()
	return wc, pw
}

func TestDispatchAndResult(t *testing.T) {
	vault := newVault(t)
	var mu sync.Mutex
	var delivered []Result
	pool := New(vault, 50*time.Millisecond, func(jobid, hostname string, res Result) {
		mu.Lock()
		delivered = append(delivered, res)
		mu.Unlock()
	})

	_, pw := newPipeWorker(t, pool, "w1", 2, "fp-1")

	handle, resultCh, err := pool.Dispatch(context.Background(), Task{
		JobID: "p0000000001", Hostname: "foo1.example.com", Command: "echo hi", Timeout: 5 * time.Second, Password: []byte("s3cret"),
	})
	require.NoError(t, err)
	require.NotNil(t, handle)

	dispatchMsg := <-pw.recv
	assert.Equal(t, MsgDispatch, dispatchMsg.Type)
	assert.Equal(t, "p0000000001", dispatchMsg.JobID)
	assert.NotEmpty(t, dispatchMsg.PasswordRef)

	// worker fetches the secret exactly once
	require.NoError(t, WriteMessage(pw.conn, Message{Type: MsgFetchSecret, ReqID: dispatchMsg.ReqID}))
	secretResp := <-pw.recv
	assert.Equal(t, MsgSecret, secretResp.Type)
	assert.True(t, secretResp.Found)
	assert.Equal(t, []byte("s3cret"), secretResp.Secret)

	require.NoError(t, WriteMessage(pw.conn, Message{Type: MsgResult, ReqID: dispatchMsg.ReqID, ExitCode: 0, Message: "ok"}))

	select {
	case res := <-resultCh:
		assert.Equal(t, 0, res.ExitCode)
		assert.False(t, res.WorkerLost)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	assert.Len(t, delivered, 1)
	mu.Unlock()
}

func TestSelectionPrefersLowestInFlightRatio(t *testing.T) {
	vault := newVault(t)
	pool := New(vault, time.Second, nil)

	_, pwA := newPipeWorker(t, pool, "a", 4, "fp-a")
	_, pwB := newPipeWorker(t, pool, "b", 2, "fp-b")
	_ = pwB

	// Both workers start at ratio 0, and a, registered first, is the least
	// recently used, so the first dispatch goes to a (ratio 0.25); worker b
	// (ratio 0) should then win the next dispatch.
	for i := 0; i < 1; i++ {
		_, _, err := pool.Dispatch(context.Background(), Task{JobID: "p1", Hostname: "h"})
		require.NoError(t, err)
		msg := <-pwA.recv
		assert.Equal(t, MsgDispatch, msg.Type)
	}

	_, _, err := pool.Dispatch(context.Background(), Task{JobID: "p1", Hostname: "h2"})
	require.NoError(t, err)
	msg := <-pwB.recv
	assert.Equal(t, MsgDispatch, msg.Type)
}

func TestWorkerLostAfterGraceExpiry(t *testing.T) {
	vault := newVault(t)
	resultCh := make(chan Result, 1)
	pool := New(vault, 20*time.Millisecond, func(jobid, hostname string, res Result) {
		resultCh <- res
	})

	wc, _ := newPipeWorker(t, pool, "w1", 1, "fp-1")
	_, _, err := pool.Dispatch(context.Background(), Task{JobID: "p1", Hostname: "h1"})
	require.NoError(t, err)

	pool.Disconnect(wc.id)

	select {
	case res := <-resultCh:
		assert.True(t, res.WorkerLost)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker_lost result")
	}
}

func TestReconnectWithinGraceResumesInFlight(t *testing.T) {
	vault := newVault(t)
	pool := New(vault, time.Second, nil)

	wc, pw := newPipeWorker(t, pool, "w1", 1, "fp-1")
	_, resultCh, err := pool.Dispatch(context.Background(), Task{JobID: "p1", Hostname: "h1"})
	require.NoError(t, err)
	dispatchMsg := <-pw.recv

	pool.Disconnect(wc.id)

	_, newPw := newPipeWorker(t, pool, "w1", 1, "fp-1")
	require.NoError(t, WriteMessage(newPw.conn, Message{Type: MsgResult, ReqID: dispatchMsg.ReqID, ExitCode: 0}))

	select {
	case res := <-resultCh:
		assert.False(t, res.WorkerLost)
		assert.Equal(t, 0, res.ExitCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resumed result")
	}
}

func TestRegisterRejectsFingerprintMismatch(t *testing.T) {
	vault := newVault(t)
	pool := New(vault, time.Second, nil)

	_, _ = newPipeWorker(t, pool, "w1", 1, "fp-1")

	serverSide, _ := net.Pipe()
	_, err := pool.Register("w1", 1, "fp-DIFFERENT", serverSide)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestCountsReportsIdleAndBusy(t *testing.T) {
	vault := newVault(t)
	pool := New(vault, time.Second, nil)
	idle, busy := pool.Counts()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, busy)

	_, pw := newPipeWorker(t, pool, "w1", 1, "fp-1")
	_ = pw
	idle, busy = pool.Counts()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, busy)

	_, _, err := pool.Dispatch(context.Background(), Task{JobID: "p1", Hostname: "h1"})
	require.NoError(t, err)
	idle, busy = pool.Counts()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, busy)
}
