package cleanup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"zuul/internal/model"
	"zuul/internal/pipeline"
	"zuul/internal/semaphore"
	"zuul/internal/zk"
)

func newTestClient(t *testing.T, sessionID string) *zk.Client {
	t.Helper()
	fsm := zk.NewFSM()
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID("test-node")
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond
	cfg.Logger = nil

	_, transport := raft.NewInmemTransport(raft.ServerAddress("test-node"))
	r, err := raft.NewRaft(cfg, fsm, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		t.Fatalf("raft.NewRaft: %v", err)
	}
	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		t.Fatalf("bootstrap cluster: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.State() != raft.Leader {
		if time.Now().After(deadline) {
			t.Fatalf("raft node never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return zk.New(r, fsm, sessionID, time.Second, slog.Default())
}

func TestRunPipelineCleanupReclaimsOrphanedItems(t *testing.T) {
	c := newTestClient(t, "session-1")
	store, err := pipeline.NewStore(c, "tenant1", "check", slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	live := model.NewQueueItem("change-live", true)
	dead := model.NewQueueItem("change-dead", true)
	if err := store.SaveItem(live); err != nil {
		t.Fatalf("save live item: %v", err)
	}
	if err := store.SaveItem(dead); err != nil {
		t.Fatalf("save dead item: %v", err)
	}

	q := model.NewChangeQueue("q1", "check", model.WindowParams{Initial: 5, Floor: 1}, false)
	q.Enqueue(live)
	if err := store.SaveState([]*model.ChangeQueue{q}); err != nil {
		t.Fatalf("save state: %v", err)
	}

	m, err := New(c, 0, slog.Default())
	if err != nil {
		t.Fatalf("new maintenance: %v", err)
	}
	m.RegisterPipeline("tenant1", "check", store)

	m.runPipelineCleanup(context.Background())

	if _, err := store.LoadQueues(); err != nil {
		t.Fatalf("load queues after cleanup: %v", err)
	}
	itemsRoot := "/zuul/pipelines/tenant1/check/items/"
	if ok, _ := c.Exists(itemsRoot + dead.UUID.String()); ok {
		t.Fatalf("expected orphaned item %s to be deleted", dead.UUID)
	}
	if ok, _ := c.Exists(itemsRoot + live.UUID.String()); !ok {
		t.Fatalf("expected live item %s to survive cleanup", live.UUID)
	}
}

func TestRunSemaphoreCleanupRemovesLeakedHolder(t *testing.T) {
	c := newTestClient(t, "session-1")
	layout := &model.Layout{Semaphores: map[string]model.SemaphoreDef{"build": {Name: "build", Max: 2}}}

	leakedItem := model.NewQueueItem("leaked", true)
	h := semaphore.NewHandler(c, "tenant1", layout, slog.Default())
	ctx := context.Background()
	ok, err := h.Acquire(ctx, leakedItem.UUID, "build-job", model.JobSemaphoreUse{Name: "build"}, false)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed, got ok=%v err=%v", ok, err)
	}

	store, err := pipeline.NewStore(c, "tenant1", "check", slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	// No queues saved: leakedItem is not live, matching a build that
	// crashed before releasing its semaphore.

	m, err := New(c, 0, slog.Default())
	if err != nil {
		t.Fatalf("new maintenance: %v", err)
	}
	m.RegisterTenant("tenant1", layout)
	m.RegisterPipeline("tenant1", "check", store)

	m.runSemaphoreCleanup(ctx)

	holders, err := h.Holders("build")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 0 {
		t.Fatalf("expected leaked holder to be removed, got %d", len(holders))
	}
}
