// Package semaphore implements the Semaphore Handler (spec §4.E):
// per-tenant acquire/release of named, max-count-limited locks that
// bound how many jobs referencing the same semaphore may run
// concurrently. Grounded on zuul/zk/semaphore.py's SemaphoreHandler.
package semaphore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/zk"
)

const (
	semaphoreRoot     = "/zuul/semaphores"
	semaphoreLockRoot = "/zuul/semaphore_locks"
)

// Handler acquires and releases semaphores for one tenant, against the
// tenant's current layout (for each semaphore's configured max count).
type Handler struct {
	client     *zk.Client
	tenantRoot string
	lockRoot   string
	layout     *model.Layout
	logger     *slog.Logger
}

// NewHandler opens the semaphore handler for tenantName, scored against
// layout's semaphore definitions.
func NewHandler(client *zk.Client, tenantName string, layout *model.Layout, logger *slog.Logger) *Handler {
	return &Handler{
		client:     client,
		tenantRoot: fmt.Sprintf("%s/%s", semaphoreRoot, tenantName),
		lockRoot:   fmt.Sprintf("%s/%s", semaphoreLockRoot, tenantName),
		layout:     layout,
		logger:     logging.Default(logger).With("component", "semaphore"),
	}
}

// Acquire attempts to take the named semaphore, on behalf of jobName
// running within itemUUID. If sem.ResourcesFirst and requestResources is
// true, acquisition is deferred to the run phase and this call is a
// no-op success (spec §4.E "resources-first mode"). Re-acquiring a
// handle the item already holds is idempotent.
func (h *Handler) Acquire(ctx context.Context, itemUUID uuid.UUID, jobName string, sem model.JobSemaphoreUse, requestResources bool) (bool, error) {
	if sem.ResourcesFirst && requestResources {
		return true, nil
	}

	semaphorePath := h.semaphorePath(sem.Name)
	if err := h.client.EnsurePath(semaphorePath); err != nil {
		return false, fmt.Errorf("ensure semaphore path: %w", err)
	}

	lock, err := h.client.Lock(ctx, h.lockPath(sem.Name), true)
	if err != nil {
		return false, fmt.Errorf("lock semaphore %s: %w", sem.Name, err)
	}
	defer lock.Release()

	holders, err := h.client.Children(semaphorePath)
	if err != nil && err != zk.ErrNoNode {
		return false, err
	}

	handle := semaphoreHandle(itemUUID, jobName)
	for _, holder := range holders {
		if holder == handle {
			return true, nil
		}
	}

	if len(holders) < h.maxCount(sem.Name) {
		if _, err := h.client.Create(semaphorePath+"/"+handle, nil, false, false); err != nil {
			return false, fmt.Errorf("create semaphore handle: %w", err)
		}
		h.logger.Debug("semaphore acquired", "semaphore", sem.Name, "job", jobName, "item", itemUUID)
		return true, nil
	}

	return false, nil
}

// Release drops jobName's semaphore handle on itemUUID's behalf.
// Releasing a handle that is not held logs and returns nil, matching the
// source's NoNodeError handling (spec §7 "double release is a no-op,
// not fatal").
func (h *Handler) Release(ctx context.Context, itemUUID uuid.UUID, jobName string, sem model.JobSemaphoreUse) error {
	semaphorePath := h.semaphorePath(sem.Name)
	handle := semaphoreHandle(itemUUID, jobName)

	lock, err := h.client.Lock(ctx, h.lockPath(sem.Name), true)
	if err != nil {
		return fmt.Errorf("lock semaphore %s: %w", sem.Name, err)
	}
	defer lock.Release()

	err = h.client.Delete(semaphorePath+"/"+handle, -1, false)
	if err == zk.ErrNoNode {
		h.logger.Error("semaphore cannot be released, not held", "semaphore", sem.Name, "job", jobName, "item", itemUUID)
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Debug("semaphore released", "semaphore", sem.Name, "job", jobName, "item", itemUUID)
	return nil
}

// Holders lists the current holder handles of semaphoreName, or an empty
// slice if it has never been acquired.
func (h *Handler) Holders(semaphoreName string) ([]string, error) {
	holders, err := h.client.Children(h.semaphorePath(semaphoreName))
	if err == zk.ErrNoNode {
		return nil, nil
	}
	return holders, err
}

// CleanupLeaks scans every semaphore's holder handles and removes any
// whose item UUID is not in liveItems — handles left behind when a build
// crashed before its release() ran. Run periodically by the Cleanup/
// Maintenance job under a cluster-wide lock, not referenced under the
// source's semaphore.py but invoked from scheduler.py's maintenance
// loop; liveItems is supplied by the caller after scanning every
// pipeline's current queues.
func (h *Handler) CleanupLeaks(ctx context.Context, liveItems map[uuid.UUID]struct{}) error {
	for name := range h.layout.Semaphores {
		if err := h.cleanupLeaksFor(ctx, name, liveItems); err != nil {
			return fmt.Errorf("cleanup semaphore %s: %w", name, err)
		}
	}
	return nil
}

func (h *Handler) cleanupLeaksFor(ctx context.Context, name string, liveItems map[uuid.UUID]struct{}) error {
	semaphorePath := h.semaphorePath(name)
	lock, err := h.client.Lock(ctx, h.lockPath(name), true)
	if err != nil {
		return err
	}
	defer lock.Release()

	holders, err := h.client.Children(semaphorePath)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}
	for _, holder := range holders {
		itemUUID, ok := itemUUIDFromHandle(holder)
		if !ok {
			continue
		}
		if _, live := liveItems[itemUUID]; live {
			continue
		}
		if err := h.client.Delete(semaphorePath+"/"+holder, -1, false); err != nil && err != zk.ErrNoNode {
			return err
		}
		h.logger.Info("cleaned up leaked semaphore handle", "semaphore", name, "handle", holder)
	}
	return nil
}

// itemUUIDFromHandle recovers the item UUID from a "<uuid>-<job>" handle.
// uuid.String() always renders as exactly 36 characters, so the prefix is
// unambiguous even though job names may themselves contain hyphens.
func itemUUIDFromHandle(handle string) (uuid.UUID, bool) {
	const uuidLen = 36
	if len(handle) < uuidLen {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(handle[:uuidLen])
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

func (h *Handler) maxCount(semaphoreName string) int {
	def, ok := h.layout.Semaphores[semaphoreName]
	if !ok || def.Max == 0 {
		return 1
	}
	return def.Max
}

func (h *Handler) semaphorePath(name string) string {
	return h.tenantRoot + "/" + url.QueryEscape(name)
}

func (h *Handler) lockPath(name string) string {
	return h.lockRoot + "/" + url.QueryEscape(name)
}

func semaphoreHandle(itemUUID uuid.UUID, jobName string) string {
	return itemUUID.String() + "-" + url.QueryEscape(jobName)
}
