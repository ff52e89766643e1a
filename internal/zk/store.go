package zk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/raft"

	"zuul/internal/logging"
)

// Client is the Coordination Store client (spec §4.A). Writes go through
// raft.Apply(), which persists to the replicated log (boltdb) before
// dispatching to the FSM; reads are served from the FSM's in-memory tree.
// Grounded on gastrolog's internal/config/raftstore.Store, generalized
// from a fixed config schema to an arbitrary hierarchical tree.
type Client struct {
	fsm          *FSM
	raft         *raft.Raft
	applyTimeout time.Duration
	sessionID    string
	watches      *watchHub
	logger       *slog.Logger
}

// New wraps an already-started raft.Raft/FSM pair (set up by
// internal/clusterboot, see cmd/zuul-scheduler) as a Coordination Store
// client for one scheduler session.
func New(r *raft.Raft, fsm *FSM, sessionID string, applyTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		fsm:          fsm,
		raft:         r,
		applyTimeout: applyTimeout,
		sessionID:    sessionID,
		watches:      newWatchHub(),
		logger:       logging.Default(logger).With("component", "zk"),
	}
}

// SessionID returns the identifier this client's ephemeral nodes and
// locks are tied to.
func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) apply(cmd *command) (applyResult, error) {
	if c.raft.State() != raft.Leader {
		return applyResult{}, fmt.Errorf("zk: not leader, retry against leader")
	}
	data, err := marshalCommand(cmd)
	if err != nil {
		return applyResult{}, fmt.Errorf("marshal command: %w", err)
	}
	future := c.raft.Apply(data, c.applyTimeout)
	if err := future.Error(); err != nil {
		return applyResult{}, fmt.Errorf("raft apply: %w", err)
	}
	resp, _ := future.Response().(applyResult)
	if resp.Err != nil {
		return applyResult{}, resp.Err
	}
	return resp, nil
}

// Create writes a new node at path. If sequence is true, path is treated
// as a parent and a monotonically increasing, zero-padded sequence suffix
// is appended (spec §4.A create(path, data, ephemeral?, sequence?)).
// Returns the resolved path (including the sequence suffix, if any).
func (c *Client) Create(path string, data []byte, ephemeral, sequence bool) (string, error) {
	return c.createMakepath(path, data, ephemeral, sequence, false)
}

// CreateMakepath is Create but implicitly creates missing ancestor nodes,
// mirroring kazoo's ensure_path/makepath=True convention used throughout
// zuul/zk/components.py and zuul/zk/sharding.py.
func (c *Client) CreateMakepath(path string, data []byte, ephemeral, sequence bool) (string, error) {
	return c.createMakepath(path, data, ephemeral, sequence, true)
}

func (c *Client) createMakepath(path string, data []byte, ephemeral, sequence, makepath bool) (string, error) {
	res, err := c.apply(&command{
		Kind:            cmdCreate,
		CreatePath:      path,
		CreateData:      data,
		CreateEphemeral: ephemeral,
		CreateSequence:  sequence,
		CreateSessionID: c.sessionID,
		CreateMakepath:  makepath,
	})
	if err != nil {
		return "", err
	}
	c.watches.publish(WatchEvent{Path: res.Path, Type: NodeAdded, Data: data})
	return res.Path, nil
}

// EnsurePath creates path and all missing ancestors as plain persistent
// nodes if they do not already exist (kazoo's ensure_path).
func (c *Client) EnsurePath(path string) error {
	if ok, _ := c.Exists(path); ok {
		return nil
	}
	_, err := c.CreateMakepath(path, nil, false, false)
	if err != nil && err != ErrNodeExists {
		return err
	}
	return nil
}

// Set overwrites path's data with a version check; version -1 means
// "don't care" (spec §4.A "Versioned updates").
func (c *Client) Set(path string, data []byte, version int64) error {
	_, err := c.apply(&command{Kind: cmdSet, SetPath: path, SetData: data, SetVersion: version})
	if err != nil {
		return err
	}
	c.watches.publish(WatchEvent{Path: path, Type: NodeUpdated, Data: data})
	return nil
}

// Get reads data and stat for path.
func (c *Client) Get(path string) ([]byte, Stat, error) {
	return c.fsm.Tree().Get(path)
}

// Exists reports whether path is present.
func (c *Client) Exists(path string) (bool, Stat) {
	return c.fsm.Tree().Exists(path)
}

// Children lists path's immediate children, sorted lexically.
func (c *Client) Children(path string) ([]string, error) {
	return c.fsm.Tree().Children(path)
}

// Delete removes path; version -1 means "don't care". If recursive,
// removes the whole subtree. ErrNoNode is returned (not wrapped) so
// callers can apply spec §7's "NoNodeError on delete/ack: treated as
// already-acked" rule with a simple equality check.
func (c *Client) Delete(path string, version int64, recursive bool) error {
	_, err := c.apply(&command{Kind: cmdDelete, DeletePath: path, DeleteVersion: version, DeleteRecursive: recursive})
	if err != nil {
		if err == ErrNoNode {
			return ErrNoNode
		}
		return err
	}
	c.watches.publish(WatchEvent{Path: path, Type: NodeRemoved})
	return nil
}

// Ltime returns the store's global logical transaction counter, used to
// order reconfiguration events and validate file caches (spec
// GLOSSARY "Ltime").
func (c *Client) Ltime() int64 {
	return c.fsm.Tree().Ltime()
}

// Watch subscribes to NODE_ADDED/UPDATED/REMOVED events for path and its
// descendants. The caller must keep draining the returned channel; call
// Unwatch when done.
func (c *Client) Watch(path string) <-chan WatchEvent {
	return c.watches.Subscribe(path)
}

// Unwatch removes a subscription created by Watch.
func (c *Client) Unwatch(path string, ch <-chan WatchEvent) {
	c.watches.Unsubscribe(path, ch)
}

// ExpireSession forcibly expires sessionID: every ephemeral node it owns
// is deleted and ConnectionLost is published to every subscriber. Used by
// tests to simulate the session-loss scenario in spec §8 seed test 5; no
// non-test code in this tree calls it.
func (c *Client) ExpireSession(sessionID string) error {
	_, err := c.apply(&command{Kind: cmdExpireSession, ExpireSessionID: sessionID})
	if err != nil {
		return err
	}
	c.watches.publishConnectionLost()
	return nil
}

// IsLeader reports whether this client's Raft node currently holds
// leadership and may therefore accept writes.
func (c *Client) IsLeader() bool {
	return c.raft.State() == raft.Leader
}
