package jobcontroller

import (
	"context"
	"fmt"

	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/expander"
	"github.com/pogo-fleet/pogo/pkg/namespace"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/types"
)

const jobSeqBase = "/pogo/jobs/p"

// Spec is the caller-supplied description of a job to create, the run()
// front-end operation's input.
type Spec struct {
	User       string
	RunAs      string
	Command    string
	Target     string
	Namespace  string
	Timeout    int
	JobTimeout int
	Concurrent types.Concurrent
	Password   string
}

// Create allocates a sequential jobid, expands the target against the named
// namespace, persists the job spec (minus password) and seeds every host
// record as waiting. It does not start the job;
// callers construct a Controller from the returned jobid/order/ns and call
// Start.
func Create(ctx context.Context, adapter *cs.Adapter, nsCache *namespace.Cache, spec Spec) (jobid string, order []string, ns *types.Namespace, err error) {
	ns, ok := nsCache.Get(spec.Namespace)
	if !ok {
		ns, err = nsCache.Load(ctx, spec.Namespace)
		if err != nil {
			return "", nil, nil, err
		}
	}

	order, err = expander.Expand(spec.Target, ns)
	if err != nil {
		return "", nil, nil, err
	}

	actualPath, err := adapter.Create(ctx, jobSeqBase, nil, cs.Sequential)
	if err != nil {
		return "", nil, nil, pogoerr.Wrap(pogoerr.Internal, "allocating jobid", err)
	}
	jobid, err = formatJobID(actualPath)
	if err != nil {
		return "", nil, nil, err
	}

	job := types.Job{
		JobID:      jobid,
		User:       spec.User,
		RunAs:      spec.RunAs,
		Command:    spec.Command,
		Target:     spec.Target,
		Namespace:  spec.Namespace,
		Timeout:    spec.Timeout,
		JobTimeout: spec.JobTimeout,
		Concurrent: spec.Concurrent,
		State:      types.JobGathering,
	}

	jv := adapter.NewJobView(jobid)
	if _, err := adapter.CreateJSON(ctx, jv.SpecPath(), job, 0); err != nil {
		return "", nil, nil, pogoerr.Wrap(pogoerr.Internal, "persisting job spec", err)
	}
	if _, err := jv.SetState(ctx, string(types.JobGathering), 0); err != nil {
		return "", nil, nil, pogoerr.Wrap(pogoerr.Internal, "persisting initial job state", err)
	}

	for _, hostname := range order {
		host := types.Host{JobID: jobid, Hostname: hostname, State: types.HostWaiting}
		if _, err := adapter.CreateJSON(ctx, jv.HostPath(hostname), host, 0); err != nil {
			return "", nil, nil, pogoerr.Wrap(pogoerr.Internal, "seeding host record for "+hostname, err)
		}
	}

	return jobid, order, ns, nil
}

// formatJobID converts the sequential path CS assigned (the last path
// segment's trailing digits) into the "p%010d" jobid format.
func formatJobID(actualPath string) (string, error) {
	var n int64
	if _, err := fmt.Sscanf(lastSegment(actualPath), "p%d", &n); err != nil {
		return "", pogoerr.Wrap(pogoerr.Internal, "parsing sequential jobid from "+actualPath, err)
	}
	return fmt.Sprintf("p%010d", n), nil
}

func lastSegment(path string) string {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	return path[idx+1:]
}
