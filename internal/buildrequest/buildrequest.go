// Package buildrequest implements the scheduler's side of the Build
// Request dispatch queue (spec §6 "Build request payload" / "Build
// result payload"): the CS-backed record an executor worker polls,
// claims, and reports a result against. The executor worker itself is
// an explicit external collaborator (spec §1); this package only owns
// the CS record it reads from and writes to, the same division of
// labor nodepool.Service already applies to node allocators.
//
// Grounded on internal/nodepool.Service's request/lock/store shape,
// generalized from one flat request root to the zoned
// unzoned/zones/<zone> split spec §6's CS tree layout names, and on
// spec §5's cancellation design ("builds are canceled via a cancel
// child-node next to the build request").
package buildrequest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/zk"
)

const (
	root          = "/zuul/build-requests"
	lockRoot      = "/zuul/build-request-locks"
	paramsSidecar = "params"
	cancelChild   = "cancel"
	resumeChild   = "resume"
)

// Service is the Build Request dispatch queue client.
type Service struct {
	client *zk.Client
	logger *slog.Logger
}

// NewService opens the Build Request queue against client.
func NewService(client *zk.Client, logger *slog.Logger) *Service {
	return &Service{client: client, logger: logging.Default(logger).With("component", "buildrequest")}
}

func zoneRoot(zone string) string {
	if zone == "" {
		return root + "/unzoned"
	}
	return root + "/zones/" + zone
}

func (s *Service) path(b *model.Build) string {
	return zoneRoot(b.Zone) + "/" + b.ID
}

// Submit creates b's node under its zone root, zero-padded by precedence
// so executors list children in dispatch order, and writes b.Params to a
// separate sharded sidecar (spec §6 "separate sharded params sidecar").
// On return b.ID is populated.
func (s *Service) Submit(b *model.Build) error {
	b.State = model.BuildRequestStateRequested
	b.StartTime = time.Time{}

	params := b.Params
	b.Params = nil
	data, err := msgpack.Marshal(b)
	b.Params = params
	if err != nil {
		return fmt.Errorf("marshal build request: %w", err)
	}

	prefix := fmt.Sprintf("%s/%03d-", zoneRoot(b.Zone), b.Precedence)
	path, err := s.client.CreateMakepath(prefix, data, true, true)
	if err != nil {
		return fmt.Errorf("submit build request: %w", err)
	}
	b.ID = path[len(zoneRoot(b.Zone))+1:]

	if len(params) > 0 {
		paramsData, err := msgpack.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal build request params: %w", err)
		}
		if _, err := s.client.ShardedWriter(path+"/"+paramsSidecar, paramsData, true); err != nil {
			return fmt.Errorf("write build request params: %w", err)
		}
	}
	return nil
}

// Get re-reads b's current dispatch state (but not its params sidecar,
// which executors read once via Params and callers otherwise don't
// re-fetch).
func (s *Service) Get(b *model.Build) error {
	data, _, err := s.client.Get(s.path(b))
	if err != nil {
		return err
	}
	id := b.ID
	if err := msgpack.Unmarshal(data, b); err != nil {
		return fmt.Errorf("unmarshal build request %s: %w", id, err)
	}
	b.ID = id
	return nil
}

// Params reads b's sharded params sidecar.
func (s *Service) Params(b *model.Build) (map[string]any, error) {
	data, _, err := s.client.ShardedReader(s.path(b)+"/"+paramsSidecar, true)
	if err != nil {
		return nil, err
	}
	var params map[string]any
	if err := msgpack.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("unmarshal build request params %s: %w", b.ID, err)
	}
	return params, nil
}

// Store overwrites b's node with its current in-memory value, e.g. after
// an executor transitions State to running/paused/completed.
func (s *Service) Store(b *model.Build) error {
	params := b.Params
	b.Params = nil
	data, err := msgpack.Marshal(b)
	b.Params = params
	if err != nil {
		return fmt.Errorf("marshal build request: %w", err)
	}
	return s.client.Set(s.path(b), data, -1)
}

// Watch returns a channel of update/delete events for b. The caller
// refreshes b via Get on each event.
func (s *Service) Watch(b *model.Build) <-chan zk.WatchEvent {
	return s.client.Watch(s.path(b))
}

func (s *Service) Unwatch(b *model.Build, ch <-chan zk.WatchEvent) {
	s.client.Unwatch(s.path(b), ch)
}

// Cancel writes a cancel child node next to b's record (spec §5 "builds
// are canceled via a cancel child-node next to the build request"),
// which the executor polls/watches to abort in-flight work. Idempotent:
// a build already deleted (fulfilled or expired) is not an error.
func (s *Service) Cancel(b *model.Build) error {
	_, err := s.client.CreateMakepath(s.path(b)+"/"+cancelChild, nil, false, false)
	if err == zk.ErrNodeExists || err == zk.ErrNoNode {
		return nil
	}
	return err
}

// Resume clears a prior Paused state by writing a resume child node,
// mirroring Cancel's mechanism for the complementary subcommand spec §6
// documents.
func (s *Service) Resume(b *model.Build) error {
	_, err := s.client.CreateMakepath(s.path(b)+"/"+resumeChild, nil, false, false)
	if err == zk.ErrNodeExists || err == zk.ErrNoNode {
		return nil
	}
	return err
}

// Remove deletes b's record entirely, once its terminal result has been
// consumed by the scheduler's result-event processing (spec §4.H step 5).
func (s *Service) Remove(b *model.Build) error {
	err := s.client.Delete(s.path(b), -1, true)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// Lock acquires the out-of-band lock an executor takes while claiming b,
// distinct from b's own node so a crashed executor's partial claim can be
// detected independently of cancellation (mirrors nodepool.Service.LockRequest).
func (s *Service) Lock(ctx context.Context, b *model.Build, blocking bool) (*zk.Lock, error) {
	return s.client.Lock(ctx, lockRoot+"/"+b.ID, blocking)
}

// List returns the IDs of every build request currently queued in zone.
func (s *Service) List(zone string) ([]string, error) {
	ids, err := s.client.Children(zoneRoot(zone))
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}
