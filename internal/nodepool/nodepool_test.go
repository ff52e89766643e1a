package nodepool

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/model"
	"zuul/internal/zk"
)

func TestSubmitAndCancelRequest(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	req := &model.NodeRequest{UUID: uuid.New(), Labels: []string{"ubuntu-focal"}, Priority: 100}
	if err := svc.SubmitRequest(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.ID == "" {
		t.Fatalf("expected request ID to be set")
	}
	if !svc.Exists(req) {
		t.Fatalf("expected request to exist after submit")
	}

	if err := svc.CancelRequest(req); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if svc.Exists(req) {
		t.Fatalf("expected request to be gone after cancel")
	}
	// Canceling twice is a no-op.
	if err := svc.CancelRequest(req); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
}

func TestRequestExpiresWithSession(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	req := &model.NodeRequest{UUID: uuid.New(), Labels: []string{"ubuntu-focal"}, Priority: 100}
	if err := svc.SubmitRequest(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.ExpireSession("session-1"); err != nil {
		t.Fatalf("expire session: %v", err)
	}
	if svc.Exists(req) {
		t.Fatalf("expected request to be gone after session loss")
	}
}

func TestStoreAndGetRequestRoundtrips(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	req := &model.NodeRequest{UUID: uuid.New(), Labels: []string{"ubuntu-focal"}, Priority: 50}
	if err := svc.SubmitRequest(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	req.State = model.NodeRequestStateFulfilled
	req.AllocatedNodeIDs = []string{"node-1"}
	if err := svc.StoreRequest(req); err != nil {
		t.Fatalf("store: %v", err)
	}

	refetched := &model.NodeRequest{ID: req.ID}
	if err := svc.GetRequest(refetched); err != nil {
		t.Fatalf("get: %v", err)
	}
	if refetched.State != model.NodeRequestStateFulfilled || len(refetched.AllocatedNodeIDs) != 1 {
		t.Fatalf("unexpected refetched request: %+v", refetched)
	}
}

func TestHeldNodeCount(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	held := &model.Node{ID: "n1", State: model.NodeStateHold, ConnectionInfo: map[string]string{"hold_job": "t/p/j"}}
	other := &model.Node{ID: "n2", State: model.NodeStateReady}
	for _, n := range []*model.Node{held, other} {
		data, err := msgpack.Marshal(n)
		if err != nil {
			t.Fatalf("marshal node %s: %v", n.ID, err)
		}
		if _, err := c.CreateMakepath(nodeRoot+"/"+n.ID, data, false, false); err != nil {
			t.Fatalf("seed node %s: %v", n.ID, err)
		}
	}

	count, err := svc.HeldNodeCount("t/p/j")
	if err != nil {
		t.Fatalf("held node count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 held node, got %d", count)
	}
}

func TestHoldRequestLifecycle(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	req := &model.HoldRequest{Tenant: "t1", Project: "p1", Job: "j1", MaxCount: 1}
	if err := svc.StoreHoldRequest(req); err != nil {
		t.Fatalf("store hold request: %v", err)
	}
	if req.UUID == uuid.Nil {
		t.Fatalf("expected UUID to be assigned")
	}

	fetched, err := svc.GetHoldRequest(req.UUID)
	if err != nil {
		t.Fatalf("get hold request: %v", err)
	}
	if fetched.Project != "p1" {
		t.Fatalf("unexpected fetched hold request: %+v", fetched)
	}

	if err := svc.DeleteHoldRequest(req, nil); err != nil {
		t.Fatalf("delete hold request: %v", err)
	}
	if _, err := svc.GetHoldRequest(req.UUID); err != zk.ErrNoNode {
		t.Fatalf("expected ErrNoNode after delete, got %v", err)
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
