package frontend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pogo-fleet/pogo/pkg/dispatcher"
	"github.com/pogo-fleet/pogo/pkg/jobcontroller"
	"github.com/pogo-fleet/pogo/pkg/metrics"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/types"
)

// actionFunc is one registered front-end operation: decode the request body
// (if any) plus path/query parameters, call into the Dispatcher, and write
// a response.
type actionFunc func(s *Server, w http.ResponseWriter, r *http.Request)

// actions is the (version, action) -> handler registry backing the front-end
// surface. An unmatched path yields a typed InvalidSpec error rather than a
// 404 with no body.
var actions = map[string]actionFunc{
	"v1/run":       (*Server).handleRun,
	"v1/jobinfo":   (*Server).handleJobInfo,
	"v1/jobstatus": (*Server).handleJobStatus,
	"v1/listjobs":  (*Server).handleListJobs,
	"v1/halt":      (*Server).handleHalt,
	"v1/retry":     (*Server).handleRetry,
	"v1/loadconf":  (*Server).handleLoadConf,
	"v1/ping":      (*Server).handlePing,
	"v1/stats":     (*Server).handleStats,
}

// dispatchAction routes /api/v1/<action> requests through the actions
// registry.
func (s *Server) dispatchAction(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/")
	key = strings.Trim(key, "/")

	fn, ok := actions[key]
	if !ok {
		writeError(w, http.StatusNotFound, string(pogoerr.InvalidSpec), "unknown action "+key)
		return
	}
	fn(s, w, r)
}

// runRequest is the JSON body of v1/run, translated into jobcontroller.Spec.
type runRequest struct {
	User       string `json:"user"`
	RunAs      string `json:"run_as"`
	Command    string `json:"command"`
	Target     string `json:"target"`
	Namespace  string `json:"namespace"`
	Timeout    int    `json:"timeout"`
	JobTimeout int    `json:"job_timeout"`
	Concurrent struct {
		Count   int  `json:"count"`
		Percent int  `json:"percent"`
		IsPct   bool `json:"is_pct"`
	} `json:"concurrent"`
	Password string `json:"password"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}

	spec := jobcontroller.Spec{
		User:       req.User,
		RunAs:      req.RunAs,
		Command:    req.Command,
		Target:     req.Target,
		Namespace:  req.Namespace,
		Timeout:    req.Timeout,
		JobTimeout: req.JobTimeout,
		Concurrent: types.Concurrent{Count: req.Concurrent.Count, Percent: req.Concurrent.Percent, IsPct: req.Concurrent.IsPct},
		Password:   req.Password,
	}

	jobid, err := s.dispatcher.Run(r.Context(), spec)
	if err != nil {
		writePogoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobid": jobid})
}

func (s *Server) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	jobid := r.URL.Query().Get("jobid")
	if jobid == "" {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "jobid is required")
		return
	}
	job, err := s.dispatcher.JobInfo(r.Context(), jobid)
	if err != nil {
		writePogoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// jobstatusResponse carries the job state plus every host record. Host
// counts are bounded by a single target expansion (not an unbounded log), so
// one page carrying every host record is the default; offset/limit are
// honored for clients preferring chunked reads.
type jobstatusResponse struct {
	State types.JobState `json:"state"`
	Hosts []types.Host   `json:"hosts"`
	Total int            `json:"total"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobid := r.URL.Query().Get("jobid")
	if jobid == "" {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "jobid is required")
		return
	}
	job, hosts, err := s.dispatcher.JobStatus(r.Context(), jobid)
	if err != nil {
		writePogoErr(w, err)
		return
	}

	total := len(hosts)
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 0)
	if offset > 0 && offset < len(hosts) {
		hosts = hosts[offset:]
	} else if offset >= len(hosts) {
		hosts = nil
	}
	if limit > 0 && limit < len(hosts) {
		hosts = hosts[:limit]
	}

	writeJSON(w, http.StatusOK, jobstatusResponse{State: job.State, Hosts: hosts, Total: total})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filters := dispatcher.ListFilters{
		User:   r.URL.Query().Get("user"),
		State:  r.URL.Query().Get("state"),
		Target: r.URL.Query().Get("target"),
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 0),
		Page:   queryInt(r, "page", 0),
	}
	jobs, err := s.dispatcher.ListJobs(r.Context(), filters)
	if err != nil {
		writePogoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type haltRequest struct {
	JobID  string `json:"jobid"`
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "jobid is required")
		return
	}
	reason := types.HaltReason(req.Reason)
	if reason == "" {
		reason = types.HaltUserHalt
	}
	if err := s.dispatcher.Halt(r.Context(), req.JobID, reason); err != nil {
		writePogoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobid": req.JobID, "state": string(types.JobHalted)})
}

type retryRequest struct {
	JobID string   `json:"jobid"`
	Hosts []string `json:"hosts"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "jobid is required")
		return
	}
	if err := s.dispatcher.Retry(r.Context(), req.JobID, req.Hosts); err != nil {
		writePogoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobid": req.JobID})
}

type loadconfRequest struct {
	Namespace string `json:"namespace"`
	YAML      string `json:"yaml"`
}

func (s *Server) handleLoadConf(w http.ResponseWriter, r *http.Request) {
	var req loadconfRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "namespace is required")
		return
	}
	ns, err := s.dispatcher.LoadConf(r.Context(), req.Namespace, []byte(req.YAML))
	if err != nil {
		writePogoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

// handlePing answers the front-end's ping() liveness check: a single-element
// array carrying the magic constant.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []uint32{s.dispatcher.Ping()})
}

type statsResponse struct {
	Hostname     string         `json:"hostname"`
	WorkersIdle  int            `json:"workers_idle"`
	WorkersBusy  int            `json:"workers_busy"`
	PerJobCounts map[string]int `json:"per_job_counts"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.dispatcher.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Hostname:     st.Hostname,
		WorkersIdle:  st.WorkersIdle,
		WorkersBusy:  st.WorkersBusy,
		PerJobCounts: st.PerJobCounts,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "request body is required")
		return false
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, string(pogoerr.InvalidSpec), "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// errorResponse is the user-visible error shape: {kind, message, jobid?,
// hostname?}. Secrets are never included.
type errorResponse struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	JobID    string `json:"jobid,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

func writePogoErr(w http.ResponseWriter, err error) {
	kind := pogoerr.KindOf(err)
	status := statusForKind(kind)

	resp := errorResponse{Kind: string(kind), Message: err.Error()}
	if pe, ok := err.(*pogoerr.Error); ok {
		resp.Message = pe.Message
		resp.JobID = pe.JobID
		resp.Hostname = pe.Hostname
	}
	metrics.DispatchesTotal.WithLabelValues("error_" + string(kind)).Inc()
	writeJSON(w, status, resp)
}

func statusForKind(kind pogoerr.Kind) int {
	switch kind {
	case pogoerr.InvalidSpec, pogoerr.UnknownNamespace, pogoerr.UnknownTag:
		return http.StatusBadRequest
	case pogoerr.CoordinationStoreUnavailable:
		return http.StatusServiceUnavailable
	case pogoerr.DispatchRejected:
		return http.StatusConflict
	case pogoerr.Timeout, pogoerr.Cancelled, pogoerr.DeadlockDetected, pogoerr.WorkerLost, pogoerr.CASConflict:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Kind: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
