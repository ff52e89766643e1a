// Package layout implements the Layout Store (spec §4.F): a per-tenant
// record of which Layout UUID is currently active, stamped with the CS
// ltime of its last write so readers can detect staleness against their
// own cached Layout. Grounded on zuul/zk/layout.py's LayoutStateStore.
package layout

import (
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/zk"
)

const root = "/zuul/layout"

// Store reads and writes LayoutState records.
type Store struct {
	client *zk.Client
	logger *slog.Logger
}

// NewStore opens the Layout Store against client.
func NewStore(client *zk.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logging.Default(logger).With("component", "layout")}
}

// Get reads tenantName's current LayoutState, with Ltime populated from
// the node's CS modification transaction id — the same trick
// layout.py's __getitem__ plays with ZooKeeper's last_modified_
// transaction_id, so a reader can tell whether its cached Layout is
// still current without a second round trip.
func (s *Store) Get(tenantName string) (model.LayoutState, error) {
	data, stat, err := s.client.Get(root + "/" + tenantName)
	if err != nil {
		return model.LayoutState{}, err
	}
	var state model.LayoutState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return model.LayoutState{}, fmt.Errorf("unmarshal layout state for %s: %w", tenantName, err)
	}
	state.Ltime = stat.Mtime
	return state, nil
}

// Set writes tenantName's LayoutState, stamping state.Ltime from the
// resulting CS transaction before returning.
func (s *Store) Set(tenantName string, state *model.LayoutState) error {
	path := root + "/" + tenantName
	if err := s.client.EnsurePath(path); err != nil {
		return fmt.Errorf("ensure layout path: %w", err)
	}
	data, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal layout state: %w", err)
	}
	if err := s.client.Set(path, data, -1); err != nil {
		return err
	}
	_, stat, err := s.client.Get(path)
	if err != nil {
		return err
	}
	state.Ltime = stat.Mtime
	return nil
}

// Delete removes tenantName's LayoutState.
func (s *Store) Delete(tenantName string) error {
	err := s.client.Delete(root+"/"+tenantName, -1, false)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// TenantNames lists every tenant with a stored LayoutState.
func (s *Store) TenantNames() ([]string, error) {
	names, err := s.client.Children(root)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	return names, nil
}

// Newer reports whether a has a strictly greater ltime than b, the
// ordering layout.py's @total_ordering __gt__ provides — used by the
// scheduler main loop to decide whether a peer's reconfiguration is more
// recent than the caller's cached layout (spec §4.F).
func Newer(a, b model.LayoutState) bool {
	return a.Ltime > b.Ltime
}
