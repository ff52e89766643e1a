package zk

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/raft"
)

// newTestClient stands up a single-node, in-memory Raft cluster backing a
// fresh Client, with no external dependencies — suitable for unit tests
// that exercise CS semantics without a real cluster.
func newTestClient(t *testing.T, sessionID string) *Client {
	t.Helper()

	fsm := NewFSM()

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
		Servers: []raft.Server{
			{ID: cfg.LocalID, Address: transport.LocalAddr()},
		},
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

	return New(r, fsm, sessionID, time.Second, slog.Default())
}

func mustCreate(t *testing.T, c *Client, path string, data []byte, ephemeral, sequence bool) string {
	t.Helper()
	p, err := c.CreateMakepath(path, data, ephemeral, sequence)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	return p
}

func uniquePath(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
