package events

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/model"
	"zuul/internal/zk"
)

// ResultEventQueue is a pipeline-level durable FIFO for build/merge/node
// completion notifications (spec §4.B point 3). Processed at higher
// priority than trigger events (spec §4.I) so completed builds release
// resources before new ones are scheduled.
type ResultEventQueue struct {
	client *zk.Client
	root   string
}

// NewResultEventQueue opens a pipeline's result queue.
func NewResultEventQueue(client *zk.Client, tenant, pipeline string) *ResultEventQueue {
	return &ResultEventQueue{client: client, root: fmt.Sprintf("/zuul/events/tenant/%s/pipeline/%s/results", tenant, pipeline)}
}

// Put appends a result event. No result future: handlers are the
// scheduler itself, which never needs to wait on its own completion.
func (q *ResultEventQueue) Put(ev model.ResultEvent) error {
	_, err := putRaw(q.client, q.root, ev)
	return err
}

// Iter returns every pending result event in sequence order.
func (q *ResultEventQueue) Iter() ([]model.ResultEvent, error) {
	raw, err := iterRaw(q.client, q.root)
	if err != nil {
		return nil, err
	}
	out := make([]model.ResultEvent, 0, len(raw))
	for _, r := range raw {
		var ev model.ResultEvent
		if err := msgpack.Unmarshal(r.Payload, &ev); err != nil {
			_ = q.client.Delete(r.AckRef.Path, -1, false)
			continue
		}
		ev.AckRef = r.AckRef
		out = append(out, ev)
	}
	return out, nil
}

// Ack acknowledges a result event.
func (q *ResultEventQueue) Ack(ev model.ResultEvent) error {
	return ack(q.client, ev.AckRef)
}

// Len reports the number of pending result events.
func (q *ResultEventQueue) Len() (int, error) {
	return Len(q.client, q.root)
}
