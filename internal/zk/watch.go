package zk

import "sync"

// EventType tags a watch notification (spec §4.A "Tree watches").
type EventType string

const (
	NodeAdded       EventType = "NODE_ADDED"
	NodeUpdated     EventType = "NODE_UPDATED"
	NodeRemoved     EventType = "NODE_REMOVED"
	ConnectionLost  EventType = "CONNECTION_LOST" // spec §4.A "Session loss"
)

// WatchEvent is delivered on a watch channel. Per spec §9, watches are
// modeled as a channel of {path, event_type, data} messages consumed by
// the main loop; callbacks must never call blocking CS APIs directly —
// callers range over the channel and dispatch quickly.
type WatchEvent struct {
	Path string
	Type EventType
	Data []byte
}

// watchHub fans out node mutations to subscribers of a path prefix. It is
// owned by the Client (not the Tree/FSM), since watch delivery is a
// client-side concern layered on top of the replicated state, exactly as
// ZooKeeper watches are a session concept distinct from the data tree.
type watchHub struct {
	mu   sync.Mutex
	subs map[string][]chan WatchEvent
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string][]chan WatchEvent)}
}

// Subscribe registers a buffered channel receiving events for any path
// equal to or nested under prefix. The caller must keep draining the
// channel; a full channel drops the oldest-pending event rather than
// blocking the publisher, since watch delivery is best-effort and
// idempotent (spec §4.A "watches must be idempotent").
func (h *watchHub) Subscribe(prefix string) <-chan WatchEvent {
	ch := make(chan WatchEvent, 64)
	h.mu.Lock()
	h.subs[prefix] = append(h.subs[prefix], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from prefix's subscriber list and closes it.
func (h *watchHub) Unsubscribe(prefix string, ch <-chan WatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[prefix]
	for i, c := range list {
		if c == ch {
			close(c)
			h.subs[prefix] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (h *watchHub) publish(ev WatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for prefix, chans := range h.subs {
		if !isUnderOrEqual(ev.Path, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				// Drop-oldest: pull one and retry once, best-effort.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

// publishConnectionLost notifies every subscriber, regardless of prefix,
// that the session has been invalidated — all lock/ephemeral-node state
// the caller held must be assumed broken (spec §4.A).
func (h *watchHub) publishConnectionLost() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, chans := range h.subs {
		for _, ch := range chans {
			select {
			case ch <- WatchEvent{Type: ConnectionLost}:
			default:
			}
		}
	}
}

func isUnderOrEqual(path, prefix string) bool {
	path = normalize(path)
	prefix = normalize(prefix)
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}
