package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/cs/memstore"
	"github.com/pogo-fleet/pogo/pkg/dispatcher"
	"github.com/pogo-fleet/pogo/pkg/events"
	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/scheduler"
	"github.com/pogo-fleet/pogo/pkg/security"
	"github.com/pogo-fleet/pogo/pkg/types"
	"github.com/pogo-fleet/pogo/pkg/workerpool"
)

const oneHostNS = `
name: example
hosts:
  foo1.example.com: []
`

func newTestServer(t *testing.T) (*httptest.Server, *dispatcher.Dispatcher) {
	t.Helper()
	adapter := cs.NewAdapter(memstore.New())
	nsCache := namespace.NewCache(adapter)
	_, err := nsCache.LoadConf(context.Background(), "example", []byte(oneHostNS))
	require.NoError(t, err)
	sched := scheduler.New(adapter, nsCache)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	vault, err := security.NewVault()
	require.NoError(t, err)
	pool := workerpool.New(vault, 50*time.Millisecond, nil)

	d := dispatcher.New(dispatcher.Config{
		ID: "disp-1", BindAddr: "127.0.0.1:0", Adapter: adapter, NSCache: nsCache, Scheduler: sched,
		Pool: pool, Broker: broker, DefaultTimeout: 5 * time.Second, DefaultJobTimeout: 30 * time.Second,
	})
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Shutdown)

	srv := NewServer("127.0.0.1:0", d)
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, d
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// ping() returns [0xDEADBEEF].
func TestPing(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out []uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0xDEADBEEF), out[0])
}

// With zero workers connected, stats() reports workers_idle=0, workers_busy=0.
func TestStatsEmptyFleet(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 0, out.WorkersIdle)
	assert.Equal(t, 0, out.WorkersBusy)
}

func TestRunAndJobInfo(t *testing.T) {
	ts, _ := newTestServer(t)

	_, runResp := postJSON(t, ts, "/api/v1/run", runRequest{
		User: "alice", Command: "echo hi", Target: "foo1.example.com", Namespace: "example",
		Concurrent: struct {
			Count   int  `json:"count"`
			Percent int  `json:"percent"`
			IsPct   bool `json:"is_pct"`
		}{Count: 1},
	})
	jobid, _ := runResp["jobid"].(string)
	require.Equal(t, "p0000000001", jobid)

	resp, err := http.Get(ts.URL + "/api/v1/jobinfo?jobid=" + jobid)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var job types.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, jobid, job.JobID)
	assert.Equal(t, "alice", job.User)
}

func TestRunInvalidNamespaceIsSynchronousError(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts, "/api/v1/run", runRequest{
		User: "alice", Command: "echo hi", Target: "foo1.example.com", Namespace: "does-not-exist",
		Concurrent: struct {
			Count   int  `json:"count"`
			Percent int  `json:"percent"`
			IsPct   bool `json:"is_pct"`
		}{Count: 1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "UnknownNamespace", body["kind"])
}

func TestUnknownActionIsTypedError(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "InvalidSpec", body["kind"])
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
