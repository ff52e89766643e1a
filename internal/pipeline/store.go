// Package pipeline implements the Pipeline State Store (spec §4.G):
// durable persistence of each pipeline's ChangeQueues and QueueItems, so
// a scheduler restart (or handoff to a new leader) can resume in-flight
// work rather than losing it. Grounded on zuul/zk/pipelines.py's
// PipelineStore.
//
// The source splits state across three node levels (item / build_set /
// build); this store keeps one level (item, with its BuildSet and Builds
// nested inside, per model.QueueItem's shape) since Go's struct
// composition already gives cheap whole-item reads/writes and builds
// never outlive their buildset. Queue metadata (window, membership,
// item ordering) is still split from item bodies, matching the
// source's queue/items separation, so resizing a window doesn't rewrite
// every item in the queue.
package pipeline

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/zk"
)

const pipelinesRoot = "/zuul/pipelines"

// queueMeta is the structural (non-item-body) slice of a ChangeQueue
// persisted separately from its items, mirroring queue.toDict() in
// pipelines.py.
type queueMeta struct {
	ID           string
	Pipeline     string
	Projects     []string
	Branch       string
	Window       int
	WindowParams model.WindowParams
	Dynamic      bool
	ItemOrder    []uuid.UUID // head-first, resolved against the items root on load
}

// Store persists one tenant/pipeline's runtime state.
type Store struct {
	client       *zk.Client
	root         string
	queueRoot    string
	itemsRoot    string
	oldQueueRoot string
	logger       *slog.Logger
}

// NewStore opens (creating if necessary) the pipeline state store for
// tenantName/pipelineName.
func NewStore(client *zk.Client, tenantName, pipelineName string, logger *slog.Logger) (*Store, error) {
	root := fmt.Sprintf("%s/%s/%s", pipelinesRoot, tenantName, pipelineName)
	s := &Store{
		client:       client,
		root:         root,
		queueRoot:    root + "/queues",
		itemsRoot:    root + "/items",
		oldQueueRoot: root + "/old_queues",
		logger:       logging.Default(logger).With("component", "pipeline", "pipeline", pipelineName),
	}
	if err := client.EnsurePath(s.queueRoot); err != nil {
		return nil, fmt.Errorf("ensure queue root: %w", err)
	}
	if err := client.EnsurePath(s.itemsRoot); err != nil {
		return nil, fmt.Errorf("ensure items root: %w", err)
	}
	if err := client.EnsurePath(s.oldQueueRoot); err != nil {
		return nil, fmt.Errorf("ensure old queue root: %w", err)
	}
	return s, nil
}

// SaveState persists every queue and item in queues, in full. Called
// after a scheduler pass over the pipeline so that any state a crash
// would otherwise lose (enqueue/dequeue, build results, window resizes)
// survives a restart.
func (s *Store) SaveState(queues []*model.ChangeQueue) error {
	for _, q := range queues {
		if err := s.saveQueueMeta(q); err != nil {
			return fmt.Errorf("save queue %s: %w", q.ID, err)
		}
		for _, item := range q.Items {
			if err := s.SaveItem(item); err != nil {
				return fmt.Errorf("save item %s: %w", item.UUID, err)
			}
		}
	}
	return nil
}

func (s *Store) saveQueueMeta(q *model.ChangeQueue) error {
	meta := queueMeta{
		ID:           q.ID,
		Pipeline:     q.Pipeline,
		Projects:     q.Projects,
		Branch:       q.Branch,
		Window:       q.Window,
		WindowParams: q.WindowParams,
		Dynamic:      q.Dynamic,
	}
	for _, item := range q.Items {
		meta.ItemOrder = append(meta.ItemOrder, item.UUID)
	}
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal queue meta: %w", err)
	}
	return s.setOrCreate(s.queuePath(q.ID), data)
}

// SaveItem persists one QueueItem, including its nested BuildSet/Builds.
func (s *Store) SaveItem(item *model.QueueItem) error {
	data, err := msgpack.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return s.setOrCreate(s.itemPath(item.UUID), data)
}

func (s *Store) setOrCreate(path string, data []byte) error {
	err := s.client.Set(path, data, -1)
	if err == zk.ErrNoNode {
		_, err = s.client.CreateMakepath(path, data, false, false)
	}
	return err
}

// LoadQueues reconstructs every queue under this pipeline's queue root,
// in item order, skipping (not erroring on) items whose node vanished
// concurrently. Dynamic queues that end up with zero items are dropped,
// matching _restoreQueueStates's "don't restore empty dynamic queues"
// rule — they'll be swept up by the next cleanup pass instead.
func (s *Store) LoadQueues() ([]*model.ChangeQueue, error) {
	ids, err := s.client.Children(s.queueRoot)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}

	var out []*model.ChangeQueue
	for _, encodedID := range ids {
		data, _, err := s.client.Get(s.queueRoot + "/" + encodedID)
		if err != nil {
			continue // concurrently removed
		}
		var meta queueMeta
		if err := msgpack.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("dropping unreadable queue state", "queue", encodedID, "error", err)
			continue
		}

		q := &model.ChangeQueue{
			ID:           meta.ID,
			Pipeline:     meta.Pipeline,
			Projects:     meta.Projects,
			Branch:       meta.Branch,
			Window:       meta.Window,
			WindowParams: meta.WindowParams,
			Dynamic:      meta.Dynamic,
		}
		for _, id := range meta.ItemOrder {
			item, err := s.loadItem(id)
			if err != nil {
				continue // concurrently removed
			}
			q.Items = append(q.Items, item)
		}
		if meta.Dynamic && len(q.Items) == 0 {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *Store) loadItem(id uuid.UUID) (*model.QueueItem, error) {
	data, _, err := s.client.Get(s.itemPath(id))
	if err != nil {
		return nil, err
	}
	var item model.QueueItem
	if err := msgpack.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item %s: %w", id, err)
	}
	return &item, nil
}

// SaveOldQueue copies a whole ChangeQueue (its metadata and every nested
// item/buildset) into the old_queues staging area, matching pipelines.py's
// PipelineState.old_queues: a structural reconfiguration writes the
// superseded pipeline's live queues here before the scheduler starts
// walking them, so a crash mid-reenqueue leaves something to resume from
// rather than silently dropping in-flight work (spec §4.G). Unlike
// SaveState/LoadQueues, a queue here is kept as one self-contained blob:
// this is a short-lived migration staging record, not a continuously
// resized live structure, so there is no benefit to splitting item bodies
// out of it.
func (s *Store) SaveOldQueue(q *model.ChangeQueue) error {
	data, err := msgpack.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal old queue: %w", err)
	}
	return s.setOrCreate(s.oldQueuePath(q.ID), data)
}

// LoadOldQueues returns every queue still staged in old_queues, for a
// scheduler resuming a reconfiguration a prior process crashed in the
// middle of.
func (s *Store) LoadOldQueues() ([]*model.ChangeQueue, error) {
	ids, err := s.client.Children(s.oldQueueRoot)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	var out []*model.ChangeQueue
	for _, encodedID := range ids {
		data, _, err := s.client.Get(s.oldQueueRoot + "/" + encodedID)
		if err != nil {
			continue // concurrently removed
		}
		var q model.ChangeQueue
		if err := msgpack.Unmarshal(data, &q); err != nil {
			s.logger.Warn("dropping unreadable staged old queue", "queue", encodedID, "error", err)
			continue
		}
		out = append(out, &q)
	}
	return out, nil
}

// DeleteOldQueue removes one staged old queue once its items have been
// walked and re-enqueued into the new pipeline structure (pipelines.py's
// PipelineState.removeOldQueue).
func (s *Store) DeleteOldQueue(queueID string) error {
	err := s.client.Delete(s.oldQueuePath(queueID), -1, true)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

func (s *Store) oldQueuePath(id string) string {
	return s.oldQueueRoot + "/" + url.QueryEscape(id)
}

// CleanupOrphans deletes every item node whose UUID is not in
// liveItemUUIDs, matching pipelines.py's cleanupPipeline — items whose
// owning queue was pruned or whose buildset finished and was reaped.
func (s *Store) CleanupOrphans(liveItemUUIDs map[uuid.UUID]struct{}) error {
	ids, err := s.client.Children(s.itemsRoot)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}
	for _, encoded := range ids {
		id, err := uuid.Parse(encoded)
		if err != nil {
			continue
		}
		if _, live := liveItemUUIDs[id]; live {
			continue
		}
		if err := s.client.Delete(s.itemsRoot+"/"+encoded, -1, true); err != nil && err != zk.ErrNoNode {
			return fmt.Errorf("cleanup orphan item %s: %w", id, err)
		}
		s.logger.Debug("cleaned up orphaned item", "item", id)
	}
	return nil
}

// DeleteQueue removes a queue's metadata node (its items are left for
// CleanupOrphans to reap, since they may still be referenced during an
// in-progress dequeue/report).
func (s *Store) DeleteQueue(queueID string) error {
	err := s.client.Delete(s.queuePath(queueID), -1, false)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

func (s *Store) queuePath(id string) string {
	return s.queueRoot + "/" + url.QueryEscape(id)
}

func (s *Store) itemPath(id uuid.UUID) string {
	return s.itemsRoot + "/" + id.String()
}
