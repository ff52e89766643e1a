// Package collab adapts the scheduler's concrete in-scope services
// (Node Request Service, Semaphore Handler) to the manager package's
// collaborator interfaces, and supplies no-op stand-ins for the
// out-of-scope driver seams (source-system connections, the executor
// worker, reporter connections) so a scheduler process can be wired and
// run end to end without a concrete driver implementation.
//
// Grounded on zuul/scheduler.py's Scheduler, which holds exactly these
// same five collaborators (connections, nodepool, a per-tenant
// semaphore handler, the executor client, and reporters) as fields set
// once at startup.
package collab

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"zuul/internal/buildrequest"
	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/nodepool"
)

// NodeService adapts nodepool.Service's request-object API to the
// manager.NodeRequester interface, which a manager drives in terms of a
// BuildSet/JobVariant pair rather than a pre-built model.NodeRequest.
type NodeService struct {
	svc *nodepool.Service
}

// NewNodeService wraps svc as a manager.NodeRequester.
func NewNodeService(svc *nodepool.Service) *NodeService {
	return &NodeService{svc: svc}
}

// RequestNodes builds a NodeRequest from job's nodeset labels and
// submits it. Fulfillment is asynchronous; callers watch the returned
// request via the underlying Service themselves (spec §4.D).
func (n *NodeService) RequestNodes(buildSet *model.BuildSet, job model.JobVariant) (*model.NodeRequest, error) {
	req := &model.NodeRequest{
		UUID:      uuid.New(),
		Labels:    job.NodesetLabels,
		State:     model.NodeRequestStateRequested,
		Requestor: job.Name,
	}
	if err := n.svc.SubmitRequest(req); err != nil {
		return nil, fmt.Errorf("submit node request for job %s: %w", job.Name, err)
	}
	return req, nil
}

// CancelRequest cancels a previously submitted request.
func (n *NodeService) CancelRequest(req *model.NodeRequest) error {
	return n.svc.CancelRequest(req)
}

// NoopSource is a manager.ChangeSource that knows nothing about any
// change; it exists so a scheduler can start without a configured
// source-system connection (spec §1 "source drivers out of scope").
// Every change reports as freely mergeable with no dependencies, which
// is only appropriate for a scheduler run without live trigger traffic
// (e.g. local testing).
type NoopSource struct{}

func (NoopSource) Project(change string) string           { return "" }
func (NoopSource) Branch(change string) string            { return "" }
func (NoopSource) CanMerge(change string) bool            { return true }
func (NoopSource) IsMerged(change string) bool            { return false }
func (NoopSource) NeedsChanges(change string) []string    { return nil }
func (NoopSource) NeededByChanges(change string) []string { return nil }

// NoopExecutor is a manager.Executor that publishes a real CS-backed
// Build Request record via internal/buildrequest but has no executor
// worker polling it, standing in for the executor worker runtime (spec
// §1, out of scope). A scheduler using it dispatches builds that simply
// never get claimed — the scheduler-side half of the contract (spec §6
// "Build request payload") is real, only the far end is absent.
type NoopExecutor struct {
	requests *buildrequest.Service
	logger   *slog.Logger
}

func NewNoopExecutor(requests *buildrequest.Service, logger *slog.Logger) *NoopExecutor {
	return &NoopExecutor{requests: requests, logger: logging.Default(logger).With("component", "executor-stub")}
}

func (e *NoopExecutor) Launch(job model.JobVariant, item *model.QueueItem, pipelineName string, dependentItems []*model.QueueItem) (*model.Build, error) {
	build := &model.Build{
		UUID:          uuid.New(),
		JobName:       job.Name,
		PipelineName:  pipelineName,
		NodesetLabels: job.NodesetLabels,
		Params:        map[string]any{"item": item.UUID.String()},
	}
	if err := e.requests.Submit(build); err != nil {
		return nil, fmt.Errorf("submit build request for job %s: %w", job.Name, err)
	}
	e.logger.Info("build request queued with no executor connected", "job", job.Name, "pipeline", pipelineName, "build", build.UUID)
	return build, nil
}

func (e *NoopExecutor) Cancel(build *model.Build) error {
	e.logger.Info("cancel requested with no executor connected", "build", build.UUID)
	return e.requests.Cancel(build)
}

// NoopReporter is a manager.Reporter that logs outcomes without sending
// them anywhere, standing in for reporter connections (spec §1, out of
// scope).
type NoopReporter struct {
	logger *slog.Logger
}

func NewNoopReporter(logger *slog.Logger) *NoopReporter {
	return &NoopReporter{logger: logging.Default(logger).With("component", "reporter-stub")}
}

func (r *NoopReporter) Report(outcome model.ReporterOutcome, pipelineName string, item *model.QueueItem) error {
	r.logger.Info("report with no reporter connected", "outcome", outcome, "pipeline", pipelineName, "item", item.UUID)
	return nil
}
