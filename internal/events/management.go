package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/model"
	"zuul/internal/zk"
)

// ManagementEventQueue is a durable FIFO of ManagementEvents that can
// additionally request a result future (spec §4.B point 2). A
// TenantReconfigureEvent that compares equal to an earlier one in the same
// batch is collapsed into it on iteration,
// mirroring event_queues.py's ZooKeeperManagementEventQueue.__iter__.
type ManagementEventQueue struct {
	client      *zk.Client
	root        string
	resultsRoot string
}

// NewTenantManagementEventQueue opens the tenant-level management queue
// (spec §6 "events/tenant/<t>/management").
func NewTenantManagementEventQueue(client *zk.Client, tenant string) *ManagementEventQueue {
	return &ManagementEventQueue{
		client:      client,
		root:        fmt.Sprintf("/zuul/events/tenant/%s/management", tenant),
		resultsRoot: "/zuul/results/management",
	}
}

// NewPipelineManagementEventQueue opens a pipeline-level management
// queue, the forwarding destination for promote/enqueue/dequeue events.
func NewPipelineManagementEventQueue(client *zk.Client, tenant, pipeline string) *ManagementEventQueue {
	return &ManagementEventQueue{
		client:      client,
		root:        fmt.Sprintf("/zuul/events/tenant/%s/pipeline/%s/management", tenant, pipeline),
		resultsRoot: "/zuul/results/management",
	}
}

// Put appends a management event. If needsResult is true, a result path
// is allocated and the caller gets back a ManagementEventResultFuture to
// wait on, matching ZooKeeperManagementEventQueue.put.
func (q *ManagementEventQueue) Put(ev *model.ManagementEvent, needsResult bool) (*ManagementEventResultFuture, error) {
	if needsResult {
		ev.ResultPath = fmt.Sprintf("%s/%s", q.resultsRoot, uuid.New().String())
	}
	path, err := putRaw(q.client, q.root, *ev)
	if err != nil {
		return nil, err
	}
	ev.AckRef = model.EventAckRef{Path: path}
	if !needsResult {
		return nil, nil
	}
	return &ManagementEventResultFuture{client: q.client, resultPath: ev.ResultPath}, nil
}

// Iter returns pending management events with equal
// TenantReconfigureEvents (not necessarily adjacent) collapsed into the
// first occurrence in the batch, which
// accumulates the others' project/branch sets and ack refs — the exact
// merge semantics of event_queues.py's __iter__.
func (q *ManagementEventQueue) Iter() ([]model.ManagementEvent, error) {
	raw, err := iterRaw(q.client, q.root)
	if err != nil {
		return nil, err
	}
	var out []model.ManagementEvent
	for _, r := range raw {
		var ev model.ManagementEvent
		if err := msgpack.Unmarshal(r.Payload, &ev); err != nil {
			_ = q.client.Delete(r.AckRef.Path, -1, false)
			continue
		}
		ev.AckRef = r.AckRef

		merged := false
		if ev.Reconfigure != nil {
			for i := range out {
				if out[i].Reconfigure == nil {
					continue
				}
				if out[i].Tenant == ev.Tenant && out[i].Reconfigure.Tenant == ev.Reconfigure.Tenant {
					out[i].Reconfigure.Merge(ev.Reconfigure, ev.AckRef)
					merged = true
					break
				}
			}
		}
		if !merged {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Ack acknowledges ev's primary node plus, if it carries merged-in
// TenantReconfigureEvents, every one of those too — all sharing the same
// traceback, matching ZooKeeperManagementEventQueue.ack.
func (q *ManagementEventQueue) Ack(ev model.ManagementEvent, traceback string) error {
	if err := q.ackOne(ev.AckRef, ev.ResultPath, traceback); err != nil {
		return err
	}
	if ev.Reconfigure == nil {
		return nil
	}
	for _, mergedAck := range ev.Reconfigure.MergedEvents {
		if err := q.ackOne(mergedAck, "", traceback); err != nil {
			return err
		}
	}
	return nil
}

func (q *ManagementEventQueue) ackOne(ackRef model.EventAckRef, resultPath, traceback string) error {
	if err := ack(q.client, ackRef); err != nil {
		return err
	}
	if resultPath == "" {
		return nil
	}
	data, err := msgpack.Marshal(model.ManagementEventResult{Traceback: traceback})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = q.client.CreateMakepath(resultPath, data, true, false)
	return err
}

// Len reports the number of pending management events.
func (q *ManagementEventQueue) Len() (int, error) {
	return Len(q.client, q.root)
}

// ManagementEventResultFuture is a watch-driven future on a result node:
// any write to resultPath wakes every waiter, matching
// ManagementEventResultFuture's DataWatch semantics in event_queues.py.
type ManagementEventResultFuture struct {
	client     *zk.Client
	resultPath string
}

// Wait blocks until the consumer writes a result, or ctx is done. The
// result node is always removed before returning (suppressing NoNodeError
// the way the source's finally block does).
func (f *ManagementEventResultFuture) Wait(ctx context.Context) error {
	ch := f.client.Watch(f.resultPath)
	defer f.client.Unwatch(f.resultPath, ch)
	defer func() { _ = f.client.Delete(f.resultPath, -1, false) }()

	deadlinePoll := time.NewTicker(50 * time.Millisecond)
	defer deadlinePoll.Stop()

	for {
		if ok, _ := f.client.Exists(f.resultPath); ok {
			return f.readResult()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, open := <-ch:
			if !open || ev.Type == zk.ConnectionLost {
				return zk.ErrSessionLost
			}
		case <-deadlinePoll.C:
		}
	}
}

func (f *ManagementEventResultFuture) readResult() error {
	data, _, err := f.client.Get(f.resultPath)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}
	var res model.ManagementEventResult
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("unmarshal management result: %w", err)
	}
	if res.Traceback != "" {
		return fmt.Errorf("management event failed: %s", res.Traceback)
	}
	return nil
}
