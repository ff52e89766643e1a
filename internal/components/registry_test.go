package components

import (
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"zuul/internal/model"
	"zuul/internal/zk"
)

func TestRegisterAndDiscover(t *testing.T) {
	c := newTestClient(t, "session-1")
	reg := NewRegistry(c, slog.Default())

	h, err := reg.Register("host1", model.ComponentScheduler, "1.0.0", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.SetState(model.ComponentRunning); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := h.SetAcceptingWork(true); err != nil {
		t.Fatalf("set accepting work: %v", err)
	}

	all, err := reg.AllOfKind(model.ComponentScheduler)
	if err != nil {
		t.Fatalf("all of kind: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(all))
	}
	if all[0].Hostname != "host1" || all[0].State != model.ComponentRunning || !all[0].AcceptingWork {
		t.Fatalf("unexpected registration: %+v", all[0])
	}
}

func TestUnregisterRemovesNode(t *testing.T) {
	c := newTestClient(t, "session-1")
	reg := NewRegistry(c, slog.Default())

	h, err := reg.Register("host1", model.ComponentLauncher, "1.0.0", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if ok, _ := c.Exists(h.Path()); ok {
		t.Fatalf("expected node removed")
	}
	// Idempotent.
	if err := h.Unregister(); err != nil {
		t.Fatalf("second unregister should be a no-op, got %v", err)
	}
}

func TestSessionLossDeregistersComponent(t *testing.T) {
	c := newTestClient(t, "session-1")
	reg := NewRegistry(c, slog.Default())

	if _, err := reg.Register("host1", model.ComponentExecutor, "1.0.0", "zoneA"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := c.ExpireSession("session-1"); err != nil {
		t.Fatalf("expire session: %v", err)
	}

	all, err := reg.AllOfKind(model.ComponentExecutor)
	if err != nil {
		t.Fatalf("all of kind: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected 0 registrations after session loss, got %d", len(all))
	}
}

func TestAllOfKindAcceptingWorkFilters(t *testing.T) {
	c := newTestClient(t, "session-1")
	reg := NewRegistry(c, slog.Default())

	h1, _ := reg.Register("host1", model.ComponentMerger, "1.0.0", "")
	_ = h1.SetState(model.ComponentRunning)
	_ = h1.SetAcceptingWork(true)

	h2, _ := reg.Register("host2", model.ComponentMerger, "1.0.0", "")
	_ = h2.SetState(model.ComponentPaused)

	accepting, err := reg.AllOfKindAcceptingWork(model.ComponentMerger)
	if err != nil {
		t.Fatalf("all of kind accepting work: %v", err)
	}
	if len(accepting) != 1 || accepting[0].Hostname != "host1" {
		t.Fatalf("expected only host1, got %+v", accepting)
	}
}

// newTestClient stands up a single-node, in-memory Raft cluster backing a
// fresh CS client, mirroring internal/zk's own test fixture.
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
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapStore := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapStore, transport)
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
