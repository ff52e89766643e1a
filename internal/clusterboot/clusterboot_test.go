package clusterboot

import (
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"

	"zuul/internal/zk"
)

func TestNewBootstrapsSingleNodeAndBecomesLeader(t *testing.T) {
	fsm := zk.NewFSM()
	node, err := New(Config{
		NodeID:    "node1",
		RaftAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, fsm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer node.Stop()

	go func() {
		_ = node.Serve()
	}()

	if err := node.WaitForLeader(2 * time.Second); err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}
	if node.Raft.State() != hraft.Leader {
		t.Fatalf("expected node to become leader, got state %s", node.Raft.State())
	}
}
