package buildrequest

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

func TestSubmitWritesParamsSidecarAndRoundtrips(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	b := &model.Build{
		UUID:       uuid.New(),
		JobName:    "run-tests",
		Precedence: 200,
		TenantName: "example",
		PipelineName: "check",
		Params:     map[string]any{"ref": "refs/changes/1/1/1"},
	}
	if err := svc.Submit(b); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if b.ID == "" {
		t.Fatalf("expected build ID to be set")
	}
	if b.State != model.BuildRequestStateRequested {
		t.Fatalf("expected state requested, got %s", b.State)
	}

	var fetched model.Build
	fetched.ID = b.ID
	fetched.Zone = b.Zone
	if err := svc.Get(&fetched); err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.JobName != "run-tests" || fetched.TenantName != "example" {
		t.Fatalf("unexpected roundtrip: %+v", fetched)
	}

	params, err := svc.Params(&fetched)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["ref"] != "refs/changes/1/1/1" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestCancelIsIdempotentAndDoesNotRemoveTheRequest(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	b := &model.Build{UUID: uuid.New(), JobName: "run-tests", Precedence: 200}
	if err := svc.Submit(b); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Cancel(b); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.Cancel(b); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}

	ids, err := svc.List("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected the build request to still be listed, got %v", ids)
	}
}

func TestZonedRequestsAreIsolatedFromUnzoned(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	unzoned := &model.Build{UUID: uuid.New(), JobName: "a", Precedence: 100}
	zoned := &model.Build{UUID: uuid.New(), JobName: "b", Precedence: 100, Zone: "zone-a"}
	if err := svc.Submit(unzoned); err != nil {
		t.Fatalf("submit unzoned: %v", err)
	}
	if err := svc.Submit(zoned); err != nil {
		t.Fatalf("submit zoned: %v", err)
	}

	unzonedIDs, err := svc.List("")
	if err != nil {
		t.Fatalf("list unzoned: %v", err)
	}
	if len(unzonedIDs) != 1 {
		t.Fatalf("expected one unzoned request, got %v", unzonedIDs)
	}
	zonedIDs, err := svc.List("zone-a")
	if err != nil {
		t.Fatalf("list zoned: %v", err)
	}
	if len(zonedIDs) != 1 {
		t.Fatalf("expected one zone-a request, got %v", zonedIDs)
	}
}

func TestLockIsExclusive(t *testing.T) {
	c := newTestClient(t, "session-1")
	svc := NewService(c, slog.Default())

	b := &model.Build{UUID: uuid.New(), JobName: "run-tests", Precedence: 200}
	if err := svc.Submit(b); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	lock, err := svc.Lock(context.Background(), b, true)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer lock.Release()

	if _, err := svc.Lock(ctx, b, true); err == nil {
		t.Fatalf("expected second blocking lock to time out while first holder still holds it")
	}
}
