package events

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/model"
	"zuul/internal/zk"
)

// TriggerEventQueue is a durable, ordered FIFO of TriggerEvents rooted at
// either a tenant or a pipeline (spec §4.B). Delivery is FIFO per
// producer and globally in sequence order, since sequence nodes are
// monotonic per parent.
type TriggerEventQueue struct {
	client *zk.Client
	root   string
}

// NewTenantTriggerEventQueue opens the tenant-level trigger queue that
// external source drivers publish into (spec §6
// "events/tenant/<t>/triggers").
func NewTenantTriggerEventQueue(client *zk.Client, tenant string) *TriggerEventQueue {
	return &TriggerEventQueue{client: client, root: fmt.Sprintf("/zuul/events/tenant/%s/triggers", tenant)}
}

// NewPipelineTriggerEventQueue opens a pipeline-level trigger queue, the
// forwarding destination the scheduler main loop writes into after
// resolving which pipelines a tenant-level trigger event matches
// (spec §4.I).
func NewPipelineTriggerEventQueue(client *zk.Client, tenant, pipeline string) *TriggerEventQueue {
	return &TriggerEventQueue{client: client, root: fmt.Sprintf("/zuul/events/tenant/%s/pipeline/%s/triggers", tenant, pipeline)}
}

// Put appends a new trigger event, tagging it with the CS's current
// logical time (spec §4.B "zuul_event_ltime"), and records the resulting
// AckRef on ev for the caller.
func (q *TriggerEventQueue) Put(ev *model.TriggerEvent) error {
	ev.ZuulEventLtime = q.client.Ltime()
	path, err := putRaw(q.client, q.root, *ev)
	if err != nil {
		return err
	}
	ev.AckRef = model.EventAckRef{Path: path}
	return nil
}

// Iter returns every pending trigger event in sequence order, each
// carrying its AckRef.
func (q *TriggerEventQueue) Iter() ([]model.TriggerEvent, error) {
	raw, err := iterRaw(q.client, q.root)
	if err != nil {
		return nil, err
	}
	out := make([]model.TriggerEvent, 0, len(raw))
	for _, r := range raw {
		var ev model.TriggerEvent
		if err := msgpack.Unmarshal(r.Payload, &ev); err != nil {
			_ = q.client.Delete(r.AckRef.Path, -1, false)
			continue
		}
		ev.AckRef = r.AckRef
		out = append(out, ev)
	}
	return out, nil
}

// Ack acknowledges (deletes) a trigger event node.
func (q *TriggerEventQueue) Ack(ev model.TriggerEvent) error {
	return ack(q.client, ev.AckRef)
}

// Len reports the number of pending trigger events.
func (q *TriggerEventQueue) Len() (int, error) {
	return Len(q.client, q.root)
}
