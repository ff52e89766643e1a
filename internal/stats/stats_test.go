package stats

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"zuul/internal/components"
	"zuul/internal/events"
	"zuul/internal/model"
	"zuul/internal/pipeline"
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

type fakeSink struct {
	mu     sync.Mutex
	gauges map[string]int
}

func newFakeSink() *fakeSink { return &fakeSink{gauges: make(map[string]int)} }

func (f *fakeSink) Gauge(name string, value int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauges[name] = value
}
func (f *fakeSink) Timing(name string, d time.Duration) {}
func (f *fakeSink) Incr(name string)                    {}

func (f *fakeSink) get(name string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.gauges[name]
	return v, ok
}

func TestRegisterPipelineStampsInitialZeroGauge(t *testing.T) {
	c := newTestClient(t, "session-1")
	registry := components.NewRegistry(c, slog.Default())
	sink := newFakeSink()
	r := New(c, registry, sink, slog.Default())

	store, err := pipeline.NewStore(c, "tenant1", "check", slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	trigger := events.NewPipelineTriggerEventQueue(c, "tenant1", "check")
	resultQ := events.NewResultEventQueue(c, "tenant1", "check")
	mgmt := events.NewPipelineManagementEventQueue(c, "tenant1", "check")

	r.RegisterPipeline("tenant1", "check", store, trigger, resultQ, mgmt)

	v, ok := sink.get("zuul.tenant.tenant1.pipeline.check.current_changes")
	if !ok || v != 0 {
		t.Fatalf("expected initial zeroed current_changes gauge, got %v ok=%v", v, ok)
	}
}

func TestEmitReportsComponentCountsAndQueueDepths(t *testing.T) {
	c := newTestClient(t, "session-1")
	registry := components.NewRegistry(c, slog.Default())
	if _, err := registry.Register("host1", model.ComponentExecutor, "1.0.0", ""); err != nil {
		t.Fatalf("register component: %v", err)
	}

	sink := newFakeSink()
	r := New(c, registry, sink, slog.Default())

	store, err := pipeline.NewStore(c, "tenant1", "check", slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	trigger := events.NewPipelineTriggerEventQueue(c, "tenant1", "check")
	resultQ := events.NewResultEventQueue(c, "tenant1", "check")
	mgmt := events.NewPipelineManagementEventQueue(c, "tenant1", "check")
	ev := model.TriggerEvent{Data: map[string]any{"change": "A"}}
	if err := trigger.Put(&ev); err != nil {
		t.Fatalf("put trigger event: %v", err)
	}

	r.RegisterPipeline("tenant1", "check", store, trigger, resultQ, mgmt)
	r.emit()

	if v, ok := sink.get("zuul.component.executor.count"); !ok || v != 1 {
		t.Fatalf("expected 1 registered executor, got %v ok=%v", v, ok)
	}
	if v, ok := sink.get("zuul.tenant.tenant1.pipeline.check.event_queue.trigger"); !ok || v != 1 {
		t.Fatalf("expected 1 pending trigger event, got %v ok=%v", v, ok)
	}
}
