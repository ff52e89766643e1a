package zk

import (
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
)

// applyResult is returned from FSM.Apply through the raft.ApplyFuture and
// surfaced to the caller of Store's write methods. Path carries the
// resolved path for sequence-node creates.
type applyResult struct {
	Path string
	Err  error
}

// FSM implements raft.FSM by dispatching deserialized tree commands to an
// in-memory Tree. Grounded directly on gastrolog's
// internal/config/raftfsm.FSM, generalized from a fixed config schema to
// arbitrary tree paths.
type FSM struct {
	tree *Tree
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM creates an FSM with a fresh empty Tree.
func NewFSM() *FSM {
	return &FSM{tree: NewTree()}
}

// Tree returns the underlying tree for serving reads.
func (f *FSM) Tree() *Tree {
	return f.tree
}

// Apply deserializes a committed Raft log entry and dispatches it to the
// tree, mirroring raftfsm.FSM.Apply's command-type switch.
func (f *FSM) Apply(l *raft.Log) any {
	cmd, err := unmarshalCommand(l.Data)
	if err != nil {
		return applyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	switch cmd.Kind {
	case cmdCreate:
		path, err := f.tree.create(cmd.CreatePath, cmd.CreateData, cmd.CreateEphemeral, cmd.CreateSequence, cmd.CreateSessionID, cmd.CreateMakepath)
		return applyResult{Path: path, Err: err}
	case cmdSet:
		return applyResult{Err: f.tree.set(cmd.SetPath, cmd.SetData, cmd.SetVersion)}
	case cmdDelete:
		return applyResult{Err: f.tree.delete(cmd.DeletePath, cmd.DeleteVersion, cmd.DeleteRecursive)}
	case cmdExpireSession:
		f.tree.expireSession(cmd.ExpireSessionID)
		return applyResult{}
	default:
		return applyResult{Err: fmt.Errorf("unknown zk command kind: %q", cmd.Kind)}
	}
}

// Snapshot captures the current tree for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := f.tree.snapshot()
	data, err := msgpack.Marshal(treeSnapshot{Nodes: snap, Ltime: f.tree.Ltime()})
	if err != nil {
		return nil, fmt.Errorf("marshal tree snapshot: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the FSM's tree with a snapshot. Raft guarantees this
// is never called concurrently with Apply or Snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap treeSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal tree snapshot: %w", err)
	}
	newTree := NewTree()
	newTree.restore(snap.Nodes, snap.Ltime)
	f.tree = newTree
	return nil
}

type treeSnapshot struct {
	Nodes map[string]nodeSnapshot
	Ltime int64
}

type fsmSnapshot struct {
	data []byte
}

var _ raft.FSMSnapshot = (*fsmSnapshot)(nil)

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
