// Package events implements the Coordination Store's durable event
// queues (spec §4.B): TriggerEventQueue, ManagementEventQueue, and
// ResultEventQueue, all built atop sequenced child nodes of a per-tenant
// or per-pipeline root. Grounded on zuul/zk/event_queues.py.
package events

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/model"
	"zuul/internal/zk"
)

// UnknownZVersion mirrors event_queues.py's UNKNOWN_ZVERSION sentinel,
// used for ack refs whose originating write we never observed a stat for.
const UnknownZVersion = -1

// rawEnvelope is the wire shape written under an event root; payload is
// msgpack-encoded separately per queue kind so Put/iterate can stay
// generic here and typed at the call site.
type rawEnvelope struct {
	Payload []byte
}

func putRaw(client *zk.Client, root string, payload any) (string, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	env, err := msgpack.Marshal(rawEnvelope{Payload: data})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	path, err := client.CreateMakepath(root+"/", env, false, true)
	if err != nil {
		return "", fmt.Errorf("create event node: %w", err)
	}
	return path, nil
}

// iterRaw lists root's children in sequence order and decodes each
// envelope, skipping and removing malformed entries — mirroring
// event_queues.py's _iter_events, which logs and deletes nodes it cannot
// JSON-decode rather than failing the whole iteration.
func iterRaw(client *zk.Client, root string) ([]rawItem, error) {
	children, err := client.Children(root)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rawItem, 0, len(children))
	for _, child := range children {
		path := root + "/" + child
		data, stat, err := client.Get(path)
		if err != nil {
			continue // concurrently removed; skip
		}
		var env rawEnvelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			_ = client.Delete(path, -1, false)
			continue
		}
		out = append(out, rawItem{
			Payload: env.Payload,
			AckRef:  model.EventAckRef{Path: path, Version: stat.Version},
		})
	}
	return out, nil
}

type rawItem struct {
	Payload []byte
	AckRef  model.EventAckRef
}

// ack deletes ackRef.Path, treating NoNodeError as "already acknowledged"
// per spec §7 — not fatal, just logged by the caller.
func ack(client *zk.Client, ackRef model.EventAckRef) error {
	err := client.Delete(ackRef.Path, ackRef.Version, false)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// Len reports the number of pending events under root (spec §4.B
// "hasEvents()").
func Len(client *zk.Client, root string) (int, error) {
	children, err := client.Children(root)
	if err != nil {
		if err == zk.ErrNoNode {
			return 0, nil
		}
		return 0, err
	}
	return len(children), nil
}
