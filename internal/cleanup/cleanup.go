// Package cleanup implements the Cleanup/Maintenance jobs (spec §4.J):
// periodic sweeps that reclaim state the main scheduling loop leaves
// behind when a process crashes mid-job rather than releasing cleanly —
// leaked semaphore holders, orphaned queue items, and blobs nothing
// references any more.
//
// Grounded on zuul/scheduler.py's startCleanup and its per-sweep
// handlers (_runSemaphoreCleanup, _runNodeRequestCleanup,
// _runGeneralCleanup, _runBlobStoreCleanup): each sweep runs on its own
// interval, under its own cluster-wide lock so only one scheduler
// instance performs a given sweep per tick, the same way the source
// guards each cleanup coroutine with its own run_handler lock. Node
// request, build request, and merge request cleanup in the source
// operate on executor/merger/launcher-owned CS trees that are out of
// scope here (spec §6 collaborator boundary) — SubmitRequest's requests
// are ephemeral nodes already reaped by session expiry (internal/
// nodepool), so there is nothing left for a periodic sweep to do there.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/pipeline"
	"zuul/internal/semaphore"
	"zuul/internal/zk"
)

const (
	semaphoreCleanupInterval = time.Hour
	pipelineCleanupInterval  = time.Minute
	blobCleanupInterval      = time.Hour

	lockRoot = "/zuul/locks/cleanup"
)

// DefaultBlobRetention is how long a blob may sit unused before a blob
// sweep reclaims it (scheduler.py's DEFAULT_BLOB_STORE_CLEANUP_AGE: 1
// day).
const DefaultBlobRetention = 24 * time.Hour

type tenantState struct {
	semHandler *semaphore.Handler
	pipelines  map[string]*pipeline.Store
}

// Maintenance runs the periodic cleanup sweeps against one cluster's
// Coordination Store. Tenants and pipelines are registered explicitly
// (RegisterTenant/RegisterPipeline) rather than discovered from
// reconfiguration, since config parsing is out of scope here the same
// way it is for internal/scheduler.
type Maintenance struct {
	client         *zk.Client
	logger         *slog.Logger
	blobRetention  time.Duration
	cron           gocron.Scheduler

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// New creates a Maintenance runner. blobRetention of zero uses
// DefaultBlobRetention.
func New(client *zk.Client, blobRetention time.Duration, logger *slog.Logger) (*Maintenance, error) {
	if blobRetention <= 0 {
		blobRetention = DefaultBlobRetention
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cleanup scheduler: %w", err)
	}
	return &Maintenance{
		client:        client,
		logger:        logging.Default(logger).With("component", "cleanup"),
		blobRetention: blobRetention,
		cron:          cron,
		tenants:       make(map[string]*tenantState),
	}, nil
}

// RegisterTenant wires tenantName's semaphore handler (scored against
// layout) into the semaphore-leak sweep.
func (m *Maintenance) RegisterTenant(tenantName string, layout *model.Layout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.tenantState(tenantName)
	ts.semHandler = semaphore.NewHandler(m.client, tenantName, layout, m.logger)
}

// RegisterPipeline wires a tenant's pipeline state store into both the
// semaphore-leak sweep's live-item scan and the pipeline orphan sweep.
func (m *Maintenance) RegisterPipeline(tenantName, pipelineName string, store *pipeline.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.tenantState(tenantName)
	ts.pipelines[pipelineName] = store
}

func (m *Maintenance) tenantState(tenantName string) *tenantState {
	ts, ok := m.tenants[tenantName]
	if !ok {
		ts = &tenantState{pipelines: make(map[string]*pipeline.Store)}
		m.tenants[tenantName] = ts
	}
	return ts
}

// Start schedules every sweep on its own interval and blocks until ctx
// is done (scheduler.py's startCleanup).
func (m *Maintenance) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"semaphore-cleanup", semaphoreCleanupInterval, m.runSemaphoreCleanup},
		{"pipeline-cleanup", pipelineCleanupInterval, m.runPipelineCleanup},
		{"blobstore-cleanup", blobCleanupInterval, m.runBlobstoreCleanup},
	}
	for _, j := range jobs {
		run := j.run
		if _, err := m.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() { run(ctx) }),
			gocron.WithName(j.name),
		); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	m.cron.Start()
	<-ctx.Done()
	return m.cron.Shutdown()
}

// runSemaphoreCleanup scans every registered tenant's pipelines for live
// item UUIDs and removes any semaphore holder not among them
// (scheduler.py's _runSemaphoreCleanup).
func (m *Maintenance) runSemaphoreCleanup(ctx context.Context) {
	lock, err := m.client.Lock(ctx, lockRoot+"/semaphores", false)
	if err != nil {
		if err != zk.ErrLockTimeout {
			m.logger.Error("error acquiring semaphore cleanup lock", "error", err)
		}
		return
	}
	defer func() { _ = lock.Release() }()

	m.mu.Lock()
	tenants := make(map[string]*tenantState, len(m.tenants))
	for name, ts := range m.tenants {
		tenants[name] = ts
	}
	m.mu.Unlock()

	for name, ts := range tenants {
		if ts.semHandler == nil {
			continue
		}
		live := m.liveItemsFor(ts)
		if err := ts.semHandler.CleanupLeaks(ctx, live); err != nil {
			m.logger.Error("error cleaning up semaphore leaks", "tenant", name, "error", err)
		}
	}
}

// runPipelineCleanup is a backstop sweep over every registered
// pipeline's persisted state, independent of whether the scheduler main
// loop actually processed that pipeline this cycle (a paused or
// otherwise quiet pipeline still accumulates orphaned item nodes from
// prior dequeues).
func (m *Maintenance) runPipelineCleanup(ctx context.Context) {
	lock, err := m.client.Lock(ctx, lockRoot+"/pipelines", false)
	if err != nil {
		if err != zk.ErrLockTimeout {
			m.logger.Error("error acquiring pipeline cleanup lock", "error", err)
		}
		return
	}
	defer func() { _ = lock.Release() }()

	m.mu.Lock()
	tenants := make(map[string]*tenantState, len(m.tenants))
	for name, ts := range m.tenants {
		tenants[name] = ts
	}
	m.mu.Unlock()

	for tenantName, ts := range tenants {
		for pipelineName, store := range ts.pipelines {
			queues, err := store.LoadQueues()
			if err != nil {
				m.logger.Error("error loading queues for cleanup", "tenant", tenantName, "pipeline", pipelineName, "error", err)
				continue
			}
			live := make(map[uuid.UUID]struct{})
			for _, q := range queues {
				for _, item := range q.Items {
					live[item.UUID] = struct{}{}
				}
			}
			if err := store.CleanupOrphans(live); err != nil {
				m.logger.Error("error cleaning up orphaned items", "tenant", tenantName, "pipeline", pipelineName, "error", err)
			}
		}
	}
}

func (m *Maintenance) liveItemsFor(ts *tenantState) map[uuid.UUID]struct{} {
	live := make(map[uuid.UUID]struct{})
	for _, store := range ts.pipelines {
		queues, err := store.LoadQueues()
		if err != nil {
			continue
		}
		for _, q := range queues {
			for _, item := range q.Items {
				live[item.UUID] = struct{}{}
			}
		}
	}
	return live
}

// runBlobstoreCleanup deletes every blob whose last_used timestamp is
// older than m.blobRetention (scheduler.py's _runBlobStoreCleanup).
func (m *Maintenance) runBlobstoreCleanup(ctx context.Context) {
	lock, err := m.client.Lock(ctx, lockRoot+"/blobstore", false)
	if err != nil {
		if err != zk.ErrLockTimeout {
			m.logger.Error("error acquiring blobstore cleanup lock", "error", err)
		}
		return
	}
	defer func() { _ = lock.Release() }()

	cutoff := time.Now().Add(-m.blobRetention)
	stale, err := m.client.GetKeysLastUsedBefore(cutoff)
	if err != nil {
		m.logger.Error("error listing stale blobs", "error", err)
		return
	}
	for _, key := range stale {
		if err := m.client.DeleteBlob(key); err != nil {
			m.logger.Error("error deleting stale blob", "key", key, "error", err)
		}
	}
	if len(stale) > 0 {
		m.logger.Debug("reclaimed stale blobs", "count", len(stale))
	}
}
