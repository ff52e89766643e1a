// Package stats implements the Stats/Tracing job (spec §4.K): a
// leader-elected thread that emits per-component counts, event queue
// depths, and pipeline current-item totals every 30 seconds, plus span
// helpers correlating a BuildSet/Build's lifecycle across the result
// events that report on it.
//
// Grounded on zuul/scheduler.py's runStatsElection/runStats/_runStats
// (the election + periodic-emission shape) and _reportInitialStats (the
// zero-valued current_changes gauge stamped when a pipeline is first
// registered). The actual metrics backend is a manager.StatsSink the
// caller supplies — NopStatsSink when unconfigured, matching the
// source's `if not self.statsd: return` early exit — since no concrete
// statsd client exists anywhere in the pack to ground one on.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zuul/internal/components"
	"zuul/internal/events"
	"zuul/internal/logging"
	"zuul/internal/manager"
	"zuul/internal/model"
	"zuul/internal/pipeline"
	"zuul/internal/zk"
)

const (
	electionLockPath = "/zuul/locks/stats-election"
	emitInterval     = 30 * time.Second
)

type pipelineRef struct {
	tenant, pipeline string
	store            *pipeline.Store
	trigger          *events.TriggerEventQueue
	resultQ          *events.ResultEventQueue
	mgmt             *events.ManagementEventQueue
}

// Reporter runs the leader-elected stats emission loop.
type Reporter struct {
	client   *zk.Client
	registry *components.Registry
	sink     manager.StatsSink
	logger   *slog.Logger

	mu        sync.Mutex
	pipelines []pipelineRef
}

// New creates a Reporter. sink may be nil, in which case emission is a
// no-op (manager.NopStatsSink).
func New(client *zk.Client, registry *components.Registry, sink manager.StatsSink, logger *slog.Logger) *Reporter {
	if sink == nil {
		sink = manager.NopStatsSink{}
	}
	return &Reporter{
		client:   client,
		registry: registry,
		sink:     sink,
		logger:   logging.Default(logger).With("component", "stats"),
	}
}

// RegisterPipeline wires a tenant/pipeline's state store and event
// queues into the periodic emission pass, and immediately stamps a
// zeroed current_changes gauge (scheduler.py's _reportInitialStats).
func (r *Reporter) RegisterPipeline(tenant, pipelineName string, store *pipeline.Store, trigger *events.TriggerEventQueue, resultQ *events.ResultEventQueue, mgmt *events.ManagementEventQueue) {
	r.mu.Lock()
	r.pipelines = append(r.pipelines, pipelineRef{
		tenant: tenant, pipeline: pipelineName,
		store: store, trigger: trigger, resultQ: resultQ, mgmt: mgmt,
	})
	r.mu.Unlock()

	r.sink.Gauge(r.key(tenant, pipelineName, "current_changes"), 0)
}

// Run blocks acquiring the cluster-wide stats-election lock, then emits
// stats every 30s until ctx is done (runStatsElection+runStats
// collapsed: a lost leadership is detected the same way any other lost
// CS session is, by the next write failing, rather than by a separate
// validity check).
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lock, err := r.client.Lock(ctx, electionLockPath, true)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("error acquiring stats election lock", "error", err)
			time.Sleep(time.Second)
			continue
		}
		r.logger.Debug("won stats election")
		r.emitLoop(ctx)
		_ = lock.Release()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (r *Reporter) emitLoop(ctx context.Context) {
	ticker := time.NewTicker(emitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	if r.registry != nil {
		for _, kind := range []model.ComponentKind{
			model.ComponentScheduler, model.ComponentExecutor, model.ComponentMerger, model.ComponentLauncher,
		} {
			regs, err := r.registry.AllOfKind(kind)
			if err != nil {
				r.logger.Error("error listing components for stats", "kind", kind, "error", err)
				continue
			}
			r.sink.Gauge(fmt.Sprintf("zuul.component.%s.count", kind), len(regs))
		}
	}

	r.mu.Lock()
	refs := make([]pipelineRef, len(r.pipelines))
	copy(refs, r.pipelines)
	r.mu.Unlock()

	for _, ref := range refs {
		r.emitPipeline(ref)
	}
}

func (r *Reporter) emitPipeline(ref pipelineRef) {
	if n, err := ref.trigger.Len(); err == nil {
		r.sink.Gauge(r.key(ref.tenant, ref.pipeline, "event_queue.trigger"), n)
	}
	if n, err := ref.resultQ.Len(); err == nil {
		r.sink.Gauge(r.key(ref.tenant, ref.pipeline, "event_queue.result"), n)
	}
	if n, err := ref.mgmt.Len(); err == nil {
		r.sink.Gauge(r.key(ref.tenant, ref.pipeline, "event_queue.management"), n)
	}

	queues, err := ref.store.LoadQueues()
	if err != nil {
		r.logger.Error("error loading queues for stats", "tenant", ref.tenant, "pipeline", ref.pipeline, "error", err)
		return
	}
	total := 0
	for _, q := range queues {
		total += len(q.Items)
	}
	r.sink.Gauge(r.key(ref.tenant, ref.pipeline, "current_changes"), total)
}

func (r *Reporter) key(tenant, pipelineName, suffix string) string {
	return fmt.Sprintf("zuul.tenant.%s.pipeline.%s.%s", tenant, pipelineName, suffix)
}
