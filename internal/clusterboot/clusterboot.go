// Package clusterboot assembles the Raft consensus group a scheduler
// process joins: a durable BoltDB-backed log/stable store, a gRPC-based
// Raft transport, and the membership/health RPCs peers use to admin the
// group.
//
// This mirrors cluster.Server's lifecycle (New -> Transport -> SetRaft
// -> Start) one level down, without that package's log-forwarding
// ClusterService: that service's Enroll/ForwardApply/broadcast/record-
// and search-forwarding RPCs are generated from gastrolog's own
// protobuf definitions (gastrolog/api/gen/gastrolog/v1), which have no
// Zuul analog and were not retrieved with the rest of the pack, so
// there is no way to regenerate or adapt them here. A scheduler cluster
// only needs the Raft consensus group itself — this repository has no
// command-socket service to carry — so this package wires raft-grpc-transport, raftadmin, and
// raft-grpc-leader-rpc directly rather than going through cluster.Server.
package clusterboot

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	transport "github.com/Jille/raft-grpc-transport"
	"github.com/Jille/raftadmin"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config configures a single Raft node.
type Config struct {
	// NodeID uniquely identifies this node within the Raft group.
	NodeID string
	// RaftAddr is the listen address for the Raft/gRPC transport port.
	RaftAddr string
	// DataDir holds the Raft log, stable store, and snapshots.
	DataDir string
	// Bootstrap starts a brand new single-node cluster. Only ever used
	// for the first node of a fresh deployment.
	Bootstrap bool
}

// Node bundles a running Raft instance with the gRPC server carrying its
// transport and admin RPCs.
type Node struct {
	Raft    *hraft.Raft
	grpcSrv *grpc.Server
	ln      net.Listener
}

// New creates the Raft log/stable/snapshot stores under cfg.DataDir,
// binds the Raft gRPC transport, constructs the Raft instance (FSM
// supplied by the caller, normally a fresh *zk.FSM), and — if
// cfg.Bootstrap is set — bootstraps a new single-node configuration.
// The caller is responsible for calling Serve to start accepting RPCs.
func New(cfg Config, fsm hraft.FSM) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}
	snapshots, err := hraft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("open raft snapshot store: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("listen raft addr %s: %w", cfg.RaftAddr, err)
	}

	tm := transport.New(
		hraft.ServerAddress(ln.Addr().String()),
		[]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	)

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(cfg.NodeID)

	r, err := hraft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, tm.Transport())
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(hraft.Configuration{
			Servers: []hraft.Server{{ID: raftCfg.LocalID, Address: hraft.ServerAddress(ln.Addr().String())}},
		})
		if err := future.Error(); err != nil && err != hraft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	grpcSrv := grpc.NewServer()
	tm.Register(grpcSrv)
	raftadmin.Register(grpcSrv, r)
	leaderhealth.Setup(r, grpcSrv, []string{"raft"})

	return &Node{Raft: r, grpcSrv: grpcSrv, ln: ln}, nil
}

// Serve starts accepting Raft/admin RPCs. It blocks until the listener
// is closed by Stop, so callers run it in its own goroutine.
func (n *Node) Serve() error {
	return n.grpcSrv.Serve(n.ln)
}

// Addr returns the bound Raft transport address.
func (n *Node) Addr() string {
	return n.ln.Addr().String()
}

// Stop shuts down the Raft node, then gracefully stops the gRPC server,
// falling back to a hard stop if that takes longer than 10 seconds.
func (n *Node) Stop() {
	if n.Raft != nil {
		_ = n.Raft.Shutdown().Error()
	}

	done := make(chan struct{})
	go func() {
		n.grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		n.grpcSrv.Stop()
	}
}

// WaitForLeader blocks until this node observes any leader (itself or a
// peer) or the deadline elapses.
func (n *Node) WaitForLeader(deadline time.Duration) error {
	timeout := time.After(deadline)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := n.Raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-timeout:
			return fmt.Errorf("no raft leader observed within %s", deadline)
		case <-ticker.C:
		}
	}
}
