package layout

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"zuul/internal/model"
	"zuul/internal/zk"
)

func TestSetThenGetRoundtrips(t *testing.T) {
	c := newTestClient(t, "session-1")
	store := NewStore(c, slog.Default())

	state := &model.LayoutState{UUID: uuid.New(), Hostname: "sched1", LastReconfigured: 1234}
	if err := store.Set("tenant1", state); err != nil {
		t.Fatalf("set: %v", err)
	}
	if state.Ltime <= 0 {
		t.Fatalf("expected ltime to be stamped, got %d", state.Ltime)
	}

	fetched, err := store.Get("tenant1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.UUID != state.UUID || fetched.Hostname != "sched1" {
		t.Fatalf("unexpected fetched state: %+v", fetched)
	}
}

func TestNewerOrdering(t *testing.T) {
	a := model.LayoutState{Ltime: 5}
	b := model.LayoutState{Ltime: 3}
	if !Newer(a, b) {
		t.Fatalf("expected a to be newer than b")
	}
	if Newer(b, a) {
		t.Fatalf("expected b to not be newer than a")
	}
}

func TestTenantNamesAndDelete(t *testing.T) {
	c := newTestClient(t, "session-1")
	store := NewStore(c, slog.Default())

	for _, tenant := range []string{"a", "b"} {
		if err := store.Set(tenant, &model.LayoutState{UUID: uuid.New()}); err != nil {
			t.Fatalf("set %s: %v", tenant, err)
		}
	}

	names, err := store.TenantNames()
	if err != nil {
		t.Fatalf("tenant names: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 tenants, got %v", names)
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("a"); err != zk.ErrNoNode {
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
