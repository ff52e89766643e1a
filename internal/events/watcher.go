package events

import (
	"log/slog"

	"zuul/internal/logging"
	"zuul/internal/zk"
)

// Watcher fans out CS child-watch notifications across every tenant and
// pipeline event root into a single wake channel the scheduler main loop
// selects on, mirroring zuul/zk/event_queues.py's ZooKeeperEventWatcher
// (which watches /zuul/events/tenant and, per tenant, each of
// management/results/triggers).
type Watcher struct {
	client *zk.Client
	wake   chan struct{}
	logger *slog.Logger
	subs   []watchSub
}

type watchSub struct {
	path string
	ch   <-chan zk.WatchEvent
}

// NewWatcher creates a Watcher with an internally buffered wake channel.
func NewWatcher(client *zk.Client, logger *slog.Logger) *Watcher {
	return &Watcher{
		client: client,
		wake:   make(chan struct{}, 1),
		logger: logging.Default(logger).With("component", "events.watcher"),
	}
}

// Wake returns the channel the main loop should select on; it is signaled
// (non-blocking, coalesced) whenever any watched event root changes.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// WatchRoot subscribes to one event root (tenant or pipeline management/
// results/triggers path). Per spec §9, watch callbacks must do minimal
// work and never call blocking CS APIs — here that means only a
// non-blocking send to wake.
func (w *Watcher) WatchRoot(path string) {
	ch := w.client.Watch(path)
	w.subs = append(w.subs, watchSub{path: path, ch: ch})
	go func() {
		for ev := range ch {
			if ev.Type == zk.ConnectionLost {
				w.logger.Warn("connection lost, dropping watch", "path", path)
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}()
}

// Close tears down every subscription.
func (w *Watcher) Close() {
	for _, s := range w.subs {
		w.client.Unwatch(s.path, s.ch)
	}
}
