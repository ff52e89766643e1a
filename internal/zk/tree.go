// Package zk implements the Coordination Store client (spec §4.A): a
// hierarchical, ephemeral-node-capable key/value tree with versioned
// writes, watches, locks, sharded values, and a content-addressed blob
// store.
//
// No ZooKeeper (or etcd) client exists anywhere in the reference pack, so
// the store is instead replicated with the teacher's own consensus stack:
// hashicorp/raft + raft-boltdb/v2 for the log, and the Jille raft-grpc
// libraries for transport and cluster administration — the same shape as
// gastrolog's internal/config/raftstore + raftfsm, generalized from "apply
// config mutations" to "apply tree mutations".
package zk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoNode is returned when an operation targets a path that does not
// exist. Per spec §7, callers treat this as "already acknowledged" on
// delete/ack paths rather than a hard failure.
var ErrNoNode = fmt.Errorf("zk: no such node")

// ErrNodeExists is returned by Create when path is already present.
var ErrNodeExists = fmt.Errorf("zk: node exists")

// ErrVersionMismatch is returned by Set/Delete when the caller's expected
// version does not match the node's current version (optimistic
// concurrency, spec §4.A "Versioned updates").
var ErrVersionMismatch = fmt.Errorf("zk: version mismatch")

// ErrSessionLost indicates the caller's session (and therefore every lock
// and ephemeral node it owned) has been invalidated (spec §4.A "Session
// loss").
var ErrSessionLost = fmt.Errorf("zk: session lost")

// Stat mirrors a ZooKeeper-style per-node stat record.
type Stat struct {
	Version   int64
	Ephemeral bool
	SessionID string
	Ctime     int64 // ltime at creation
	Mtime     int64 // ltime at last mutation
}

// node is the tree's internal representation of one path.
type node struct {
	data      []byte
	stat      Stat
	children  map[string]struct{}
	sequence  bool
	seqNext   int64
}

// Tree is the in-memory hierarchical store driven by the Raft FSM's
// Apply/Snapshot/Restore cycle. It is never mutated outside of FSM.Apply,
// matching raftfsm.FSM's single-writer discipline.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*node
	ltime int64 // logical time counter, advanced once per node created, updated or deleted
}

// NewTree creates an empty tree with the root node present.
func NewTree() *Tree {
	t := &Tree{nodes: make(map[string]*node)}
	t.nodes["/"] = &node{children: make(map[string]struct{})}
	return t
}

func normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func parentOf(path string) string {
	path = normalize(path)
	if path == "/" {
		return "/"
	}
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func baseOf(path string) string {
	path = normalize(path)
	if path == "/" {
		return ""
	}
	idx := strings.LastIndex(path, "/")
	return path[idx+1:]
}

// Ltime returns the tree's current logical time, advanced once per node
// created (including implicitly created ancestors), updated or deleted;
// session expiry does not advance it (spec §4.F "ltime is the CS
// transaction id").
func (t *Tree) Ltime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ltime
}

// get is the unlocked read helper.
func (t *Tree) get(path string) (*node, bool) {
	n, ok := t.nodes[normalize(path)]
	return n, ok
}

// Get reads data and stat for path.
func (t *Tree) Get(path string) ([]byte, Stat, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.get(path)
	if !ok {
		return nil, Stat{}, ErrNoNode
	}
	return append([]byte(nil), n.data...), n.stat, nil
}

// Exists reports whether path is present and, if so, its stat.
func (t *Tree) Exists(path string) (bool, Stat) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.get(path)
	if !ok {
		return false, Stat{}
	}
	return true, n.stat
}

// Children lists the immediate children of path, sorted lexically — the
// sort order sharding.py relies on for shard concatenation and
// event_queues.py relies on for delivery ordering (both note ZK does not
// guarantee child order itself).
func (t *Tree) Children(path string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.get(path)
	if !ok {
		return nil, ErrNoNode
	}
	out := make([]string, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// create applies a create mutation: makepath semantics create missing
// parents implicitly (mirroring kazoo's create(..., makepath=True)).
func (t *Tree) create(path string, data []byte, ephemeral, sequence bool, sessionID string, makepath bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path = normalize(path)

	if sequence {
		parent := path
		pn, ok := t.nodes[parent]
		if !ok {
			if !makepath {
				return "", ErrNoNode
			}
			if err := t.ensurePathLocked(parent); err != nil {
				return "", err
			}
			pn = t.nodes[parent]
		}
		seq := pn.seqNext
		pn.seqNext++
		full := fmt.Sprintf("%s/%010d", strings.TrimSuffix(parent, "/"), seq)
		if full[0:2] == "//" {
			full = full[1:]
		}
		t.ltime++
		t.nodes[full] = &node{data: append([]byte(nil), data...), children: make(map[string]struct{}), stat: Stat{Ephemeral: ephemeral, SessionID: sessionID, Ctime: t.ltime, Mtime: t.ltime}}
		t.linkChildLocked(full)
		return full, nil
	}

	if _, exists := t.nodes[path]; exists {
		return "", ErrNodeExists
	}
	if makepath {
		if err := t.ensurePathLocked(parentOf(path)); err != nil {
			return "", err
		}
	} else if _, ok := t.nodes[parentOf(path)]; !ok {
		return "", ErrNoNode
	}
	t.ltime++
	t.nodes[path] = &node{data: append([]byte(nil), data...), children: make(map[string]struct{}), stat: Stat{Ephemeral: ephemeral, SessionID: sessionID, Ctime: t.ltime, Mtime: t.ltime}}
	t.linkChildLocked(path)
	return path, nil
}

// ensurePathLocked creates path and all missing ancestors as plain
// persistent nodes, mirroring kazoo's ensure_path. Caller holds t.mu.
func (t *Tree) ensurePathLocked(path string) error {
	path = normalize(path)
	if path == "/" {
		return nil
	}
	if _, ok := t.nodes[path]; ok {
		return nil
	}
	if err := t.ensurePathLocked(parentOf(path)); err != nil {
		return err
	}
	t.ltime++
	t.nodes[path] = &node{children: make(map[string]struct{}), stat: Stat{Ctime: t.ltime, Mtime: t.ltime}}
	t.linkChildLocked(path)
	return nil
}

func (t *Tree) linkChildLocked(path string) {
	if path == "/" {
		return
	}
	parent := t.nodes[parentOf(path)]
	if parent == nil {
		return
	}
	parent.children[baseOf(path)] = struct{}{}
}

// set applies a versioned write; version -1 means "don't care".
func (t *Tree) set(path string, data []byte, version int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	path = normalize(path)
	n, ok := t.nodes[path]
	if !ok {
		return ErrNoNode
	}
	if version >= 0 && n.stat.Version != version {
		return ErrVersionMismatch
	}
	t.ltime++
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.Mtime = t.ltime
	return nil
}

// delete removes path; if recursive, removes its whole subtree.
// version -1 means "don't care". Missing paths return ErrNoNode so
// callers can treat delete-of-already-deleted as a no-op warning per
// spec §7.
func (t *Tree) delete(path string, version int64, recursive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	path = normalize(path)
	n, ok := t.nodes[path]
	if !ok {
		return ErrNoNode
	}
	if version >= 0 && n.stat.Version != version {
		return ErrVersionMismatch
	}
	if len(n.children) > 0 && !recursive {
		return fmt.Errorf("zk: node %s has children", path)
	}
	if recursive {
		for c := range n.children {
			_ = t.delete(path+"/"+c, -1, true)
		}
	}
	delete(t.nodes, path)
	if parent, ok := t.nodes[parentOf(path)]; ok {
		delete(parent.children, baseOf(path))
	}
	t.ltime++
	return nil
}

// expireSession deletes every ephemeral node owned by sessionID, applied
// when the FSM observes a session timeout command (spec §4.A "Session
// loss... all holders of locks must assume their locks are broken").
func (t *Tree) expireSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dead []string
	for path, n := range t.nodes {
		if n.stat.Ephemeral && n.stat.SessionID == sessionID {
			dead = append(dead, path)
		}
	}
	for _, path := range dead {
		if parent, ok := t.nodes[parentOf(path)]; ok {
			delete(parent.children, baseOf(path))
		}
		delete(t.nodes, path)
	}
}

// snapshot produces a deep copy of the tree's (path -> data/stat) pairs
// for Raft log compaction.
func (t *Tree) snapshot() map[string]nodeSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]nodeSnapshot, len(t.nodes))
	for path, n := range t.nodes {
		out[path] = nodeSnapshot{
			Data:     append([]byte(nil), n.data...),
			Stat:     n.stat,
			Sequence: n.sequence,
			SeqNext:  n.seqNext,
		}
	}
	return out
}

type nodeSnapshot struct {
	Data     []byte
	Stat     Stat
	Sequence bool
	SeqNext  int64
}

// restore replaces the tree contents wholesale from a snapshot.
func (t *Tree) restore(snap map[string]nodeSnapshot, ltime int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[string]*node, len(snap))
	for path, ns := range snap {
		t.nodes[path] = &node{
			data:     ns.Data,
			stat:     ns.Stat,
			children: make(map[string]struct{}),
			sequence: ns.Sequence,
			seqNext:  ns.SeqNext,
		}
	}
	if _, ok := t.nodes["/"]; !ok {
		t.nodes["/"] = &node{children: make(map[string]struct{})}
	}
	for path := range t.nodes {
		if path != "/" {
			t.linkChildLocked(path)
		}
	}
	t.ltime = ltime
}
