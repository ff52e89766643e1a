// Package nodepool implements the Node Request Service (spec §4.D):
// submitting, watching, revising, and canceling requests for labeled
// nodes, plus the node and hold-request stores those requests resolve
// into. Grounded on zuul/zk/nodepool.py's ZooKeeperNodepoolMixin.
package nodepool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/zk"
)

const (
	requestRoot     = "/nodepool/requests"
	requestLockRoot = "/nodepool/requests-lock"
	nodeRoot        = "/nodepool/nodes"
	launcherRoot    = "/nodepool/launchers"
	holdRequestRoot = "/zuul/hold-requests"
)

// Service is the Node Request Service client.
type Service struct {
	client *zk.Client
	logger *slog.Logger
}

// NewService opens the Node Request Service against client.
func NewService(client *zk.Client, logger *slog.Logger) *Service {
	return &Service{client: client, logger: logging.Default(logger).With("component", "nodepool")}
}

// SubmitRequest creates req's ephemeral-sequential node under
// /nodepool/requests, prefixed by zero-padded priority so launchers can
// list children in fulfillment order (spec §4.D "priority ordering"). On
// return req.ID and req.StateTime are populated.
func (s *Service) SubmitRequest(req *model.NodeRequest) error {
	req.StateTime = time.Now()
	req.State = model.NodeRequestStateRequested
	data, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal node request: %w", err)
	}
	prefix := fmt.Sprintf("%s/%03d-", requestRoot, req.Priority)
	path, err := s.client.CreateMakepath(prefix, data, true, true)
	if err != nil {
		return fmt.Errorf("submit node request: %w", err)
	}
	req.ID = path[len(requestRoot)+1:]
	return nil
}

// Watch returns a channel of update/delete events for req. The caller
// should refresh req via GetRequest on each event and stop watching once
// req reaches a terminal state or the channel reports deletion (which,
// per spec §8 seed test 5, happens on session loss and means the
// request must be resubmitted with a fresh ID).
func (s *Service) Watch(req *model.NodeRequest) <-chan zk.WatchEvent {
	return s.client.Watch(requestRoot + "/" + req.ID)
}

func (s *Service) Unwatch(req *model.NodeRequest, ch <-chan zk.WatchEvent) {
	s.client.Unwatch(requestRoot+"/"+req.ID, ch)
}

// GetRequest re-reads req's current state.
func (s *Service) GetRequest(req *model.NodeRequest) error {
	data, _, err := s.client.Get(requestRoot + "/" + req.ID)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, req)
}

// Exists reports whether req's node is still present (false after
// fulfillment-then-delete, or after session loss expired it).
func (s *Service) Exists(req *model.NodeRequest) bool {
	ok, _ := s.client.Exists(requestRoot + "/" + req.ID)
	return ok
}

// StoreRequest overwrites req's node with its current in-memory value,
// used after a launcher updates State/AllocatedNodeIDs.
func (s *Service) StoreRequest(req *model.NodeRequest) error {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal node request: %w", err)
	}
	return s.client.Set(requestRoot+"/"+req.ID, data, -1)
}

// RevisePriority updates req's relative priority in place, used when a
// tenant's queue position changes and its pending node requests should
// move accordingly (spec §4.D "revise_priority").
func (s *Service) RevisePriority(req *model.NodeRequest, relativePriority int) error {
	req.RelativePriority = relativePriority
	return s.StoreRequest(req)
}

// CancelRequest deletes req's node; NoNodeError (already fulfilled or
// expired) is not an error.
func (s *Service) CancelRequest(req *model.NodeRequest) error {
	err := s.client.Delete(requestRoot+"/"+req.ID, -1, false)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// LockRequest acquires the out-of-band lock a launcher takes while
// assigning nodes to req, distinct from req's own ephemeral node so that
// a crashed launcher's partial assignment can be detected independently
// of request cancellation.
func (s *Service) LockRequest(ctx context.Context, req *model.NodeRequest, blocking bool) (*zk.Lock, error) {
	return s.client.Lock(ctx, requestLockRoot+"/"+req.ID, blocking)
}

// GetNode reads a previously allocated node's current record.
func (s *Service) GetNode(id string) (*model.Node, error) {
	data, _, err := s.client.Get(nodeRoot + "/" + id)
	if err != nil {
		return nil, err
	}
	var n model.Node
	if err := msgpack.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("unmarshal node %s: %w", id, err)
	}
	n.ID = id
	return &n, nil
}

// StoreNode overwrites an existing node's record in its entirety, e.g.
// to transition State to Used/Hold/Failed.
func (s *Service) StoreNode(n *model.Node) error {
	data, err := msgpack.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	return s.client.Set(nodeRoot+"/"+n.ID, data, -1)
}

// LockNode acquires the session-scoped lock a build holds over its
// node(s) for the duration of the build, so a crashed launcher can
// detect abandoned nodes via lock expiry (spec §4.D "node lock").
func (s *Service) LockNode(ctx context.Context, n *model.Node, blocking bool) (*zk.Lock, error) {
	lock, err := s.client.Lock(ctx, nodeRoot+"/"+n.ID+"/lock", blocking)
	if err != nil {
		return nil, err
	}
	n.LockHolder = s.client.SessionID()
	return lock, nil
}

// Nodes lists every currently allocated node ID.
func (s *Service) Nodes() ([]string, error) {
	ids, err := s.client.Children(nodeRoot)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// HeldNodeCount counts nodes currently in the Hold state for the given
// tenant/project/job autohold key, used to enforce HoldRequest.MaxCount
// (spec §4.D "autoholds").
func (s *Service) HeldNodeCount(autoholdKey string) (int, error) {
	ids, err := s.Nodes()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		n, err := s.GetNode(id)
		if err != nil {
			continue // concurrently removed
		}
		if n.State == model.NodeStateHold && n.ConnectionInfo["hold_job"] == autoholdKey {
			count++
		}
	}
	return count, nil
}

// StoreHoldRequest creates req if req.UUID is the zero value (assigning
// a new one first), or overwrites the existing record otherwise.
func (s *Service) StoreHoldRequest(req *model.HoldRequest) error {
	if req.UUID == uuid.Nil {
		req.UUID = uuid.New()
	}
	data, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal hold request: %w", err)
	}
	path := holdRequestRoot + "/" + req.UUID.String()
	if ok, _ := s.client.Exists(path); ok {
		return s.client.Set(path, data, -1)
	}
	_, err = s.client.CreateMakepath(path, data, false, false)
	return err
}

// GetHoldRequest reads one hold request by id.
func (s *Service) GetHoldRequest(id uuid.UUID) (*model.HoldRequest, error) {
	data, _, err := s.client.Get(holdRequestRoot + "/" + id.String())
	if err != nil {
		return nil, err
	}
	var req model.HoldRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal hold request %s: %w", id, err)
	}
	return &req, nil
}

// HoldRequests lists every hold request ID.
func (s *Service) HoldRequests() ([]string, error) {
	children, err := s.client.Children(holdRequestRoot)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	return children, nil
}

// DeleteHoldRequest marks every node referenced by req as Used, then
// deletes req's record; matching nodepool.py's markHeldNodesAsUsed
// + recursive delete.
func (s *Service) DeleteHoldRequest(req *model.HoldRequest, heldNodeIDs []string) error {
	for _, id := range heldNodeIDs {
		n, err := s.GetNode(id)
		if err != nil {
			continue
		}
		if n.State == model.NodeStateUsed {
			continue
		}
		n.State = model.NodeStateUsed
		if err := s.StoreNode(n); err != nil {
			s.logger.Error("cannot mark held node used", "node", id, "request", req.UUID, "error", err)
		}
	}
	err := s.client.Delete(holdRequestRoot+"/"+req.UUID.String(), -1, true)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// LockHoldRequest acquires the lock guarding autohold bookkeeping on
// req, e.g. while decrementing CurrentCount.
func (s *Service) LockHoldRequest(ctx context.Context, req *model.HoldRequest, blocking bool) (*zk.Lock, error) {
	return s.client.Lock(ctx, holdRequestRoot+"/"+req.UUID.String()+"/lock", blocking)
}

// Launchers lists registered launcher hostnames (spec §4.D
// "getRegisteredLaunchers"), distinct from internal/components's general
// registry in that launchers here also advertise supported labels.
func (s *Service) Launchers() ([]string, error) {
	ids, err := s.client.Children(launcherRoot)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}
