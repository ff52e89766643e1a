package semaphore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"zuul/internal/model"
	"zuul/internal/zk"
)

func TestAcquireRespectsMaxCount(t *testing.T) {
	c := newTestClient(t, "session-1")
	layout := &model.Layout{Semaphores: map[string]model.SemaphoreDef{"build": {Name: "build", Max: 1}}}
	h := NewHandler(c, "tenant1", layout, slog.Default())

	item1 := uuid.New()
	item2 := uuid.New()
	sem := model.JobSemaphoreUse{Name: "build"}
	ctx := context.Background()

	ok, err := h.Acquire(ctx, item1, "build-job", sem, false)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = h.Acquire(ctx, item2, "build-job", sem, false)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to be blocked by max count")
	}

	if err := h.Release(ctx, item1, "build-job", sem); err != nil {
		t.Fatalf("release: %v", err)
	}

	ok, err = h.Acquire(ctx, item2, "build-job", sem, false)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireIsIdempotent(t *testing.T) {
	c := newTestClient(t, "session-1")
	layout := &model.Layout{Semaphores: map[string]model.SemaphoreDef{"build": {Name: "build", Max: 1}}}
	h := NewHandler(c, "tenant1", layout, slog.Default())
	ctx := context.Background()
	item := uuid.New()
	sem := model.JobSemaphoreUse{Name: "build"}

	for i := 0; i < 3; i++ {
		ok, err := h.Acquire(ctx, item, "build-job", sem, false)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
	}
	holders, err := h.Holders("build")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("expected exactly 1 holder, got %d", len(holders))
	}
}

func TestResourcesFirstDefersAcquire(t *testing.T) {
	c := newTestClient(t, "session-1")
	layout := &model.Layout{Semaphores: map[string]model.SemaphoreDef{"build": {Name: "build", Max: 1}}}
	h := NewHandler(c, "tenant1", layout, slog.Default())
	ctx := context.Background()
	sem := model.JobSemaphoreUse{Name: "build", ResourcesFirst: true}

	ok, err := h.Acquire(ctx, uuid.New(), "build-job", sem, true)
	if err != nil || !ok {
		t.Fatalf("expected resources-first deferral to report success, got ok=%v err=%v", ok, err)
	}
	holders, err := h.Holders("build")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 0 {
		t.Fatalf("expected no actual holder during resources phase, got %d", len(holders))
	}
}

func TestReleaseUnheldIsNoOp(t *testing.T) {
	c := newTestClient(t, "session-1")
	layout := &model.Layout{Semaphores: map[string]model.SemaphoreDef{"build": {Name: "build", Max: 1}}}
	h := NewHandler(c, "tenant1", layout, slog.Default())
	ctx := context.Background()
	sem := model.JobSemaphoreUse{Name: "build"}

	if err := h.Release(ctx, uuid.New(), "build-job", sem); err != nil {
		t.Fatalf("expected release of unheld semaphore to be a no-op, got %v", err)
	}
}

func TestCleanupLeaksRemovesDeadHolders(t *testing.T) {
	c := newTestClient(t, "session-1")
	layout := &model.Layout{Semaphores: map[string]model.SemaphoreDef{"build": {Name: "build", Max: 2}}}
	h := NewHandler(c, "tenant1", layout, slog.Default())
	ctx := context.Background()
	sem := model.JobSemaphoreUse{Name: "build"}

	live := uuid.New()
	dead := uuid.New()
	if _, err := h.Acquire(ctx, live, "build-job", sem, false); err != nil {
		t.Fatalf("acquire live: %v", err)
	}
	if _, err := h.Acquire(ctx, dead, "build-job", sem, false); err != nil {
		t.Fatalf("acquire dead: %v", err)
	}

	if err := h.CleanupLeaks(ctx, map[uuid.UUID]struct{}{live: {}}); err != nil {
		t.Fatalf("cleanup leaks: %v", err)
	}

	holders, err := h.Holders("build")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("expected 1 surviving holder, got %d: %v", len(holders), holders)
	}
}

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
