// Package components implements the Component Registry (spec §4.C):
// ephemeral-sequential registration of every live scheduler/executor/
// merger/launcher process, so the rest of the system can discover peers
// and detect crashes via CS session expiry. Grounded on
// zuul/zk/components.py's ComponentRegistry/BaseComponent.
package components

import (
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"zuul/internal/logging"
	"zuul/internal/model"
	"zuul/internal/zk"
)

const rootPath = "/zuul/components"

// Registry reads and writes ComponentRegistrations under /zuul/components.
type Registry struct {
	client *zk.Client
	logger *slog.Logger
}

// NewRegistry opens the registry against client.
func NewRegistry(client *zk.Client, logger *slog.Logger) *Registry {
	return &Registry{client: client, logger: logging.Default(logger).With("component", "components")}
}

// Handle is a live registration: the ephemeral sequential node a process
// owns for as long as its CS session is alive, plus the methods it uses
// to keep its own advertised state current.
type Handle struct {
	registry *Registry
	path     string
	reg      model.ComponentRegistration
}

// Register creates kind's ephemeral sequential node under
// /zuul/components/<kind>/<hostname>-, mirroring components.py's
// register(), and returns a Handle the caller updates as its state
// changes. The initial state is Initializing.
func (r *Registry) Register(hostname string, kind model.ComponentKind, version string, zone string) (*Handle, error) {
	reg := model.ComponentRegistration{
		Hostname: hostname,
		Kind:     kind,
		State:    model.ComponentInitializing,
		Version:  version,
		Zone:     zone,
	}
	data, err := msgpack.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("marshal component registration: %w", err)
	}
	parent := fmt.Sprintf("%s/%s/%s-", rootPath, kind, hostname)
	path, err := r.client.CreateMakepath(parent, data, true, true)
	if err != nil {
		return nil, fmt.Errorf("register component: %w", err)
	}
	reg.Path = path
	r.logger.Info("component registered", "path", path, "kind", kind, "hostname", hostname)
	return &Handle{registry: r, path: path, reg: reg}, nil
}

// Path returns the registration's CS path.
func (h *Handle) Path() string { return h.reg.Path }

// Registration returns the last-written registration snapshot.
func (h *Handle) Registration() model.ComponentRegistration { return h.reg }

// SetState updates the registration's advertised lifecycle state, e.g.
// transitioning Initializing -> Running once startup completes, or
// -> Paused when an operator pauses a launcher.
func (h *Handle) SetState(state model.ComponentState) error {
	h.reg.State = state
	return h.write()
}

// SetAcceptingWork updates whether this component should be handed new
// work (spec §4.C); used by launchers/executors during graceful drain.
func (h *Handle) SetAcceptingWork(accepting bool) error {
	h.reg.AcceptingWork = accepting
	return h.write()
}

func (h *Handle) write() error {
	data, err := msgpack.Marshal(h.reg)
	if err != nil {
		return fmt.Errorf("marshal component registration: %w", err)
	}
	return h.registry.client.Set(h.path, data, -1)
}

// Unregister removes the registration explicitly (normal shutdown path);
// on a crash the ephemeral node is removed automatically when the CS
// expires the owning session.
func (h *Handle) Unregister() error {
	err := h.registry.client.Delete(h.path, -1, false)
	if err == zk.ErrNoNode {
		return nil
	}
	return err
}

// All returns every registered component across all kinds.
func (r *Registry) All() ([]model.ComponentRegistration, error) {
	kinds, err := r.client.Children(rootPath)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	var out []model.ComponentRegistration
	for _, kind := range kinds {
		regs, err := r.AllOfKind(model.ComponentKind(kind))
		if err != nil {
			return nil, err
		}
		out = append(out, regs...)
	}
	return out, nil
}

// AllOfKind returns every registered component of the given kind,
// matching components.py's ComponentRegistry.all(kind).
func (r *Registry) AllOfKind(kind model.ComponentKind) ([]model.ComponentRegistration, error) {
	parent := rootPath + "/" + string(kind)
	children, err := r.client.Children(parent)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	out := make([]model.ComponentRegistration, 0, len(children))
	for _, child := range children {
		path := parent + "/" + child
		data, _, err := r.client.Get(path)
		if err != nil {
			continue // raced with deregistration
		}
		var reg model.ComponentRegistration
		if err := msgpack.Unmarshal(data, &reg); err != nil {
			r.logger.Warn("dropping unreadable component registration", "path", path, "error", err)
			continue
		}
		reg.Path = path
		out = append(out, reg)
	}
	return out, nil
}

// AllOfKindAcceptingWork filters AllOfKind down to components currently
// willing to accept new work and in the Running state.
func (r *Registry) AllOfKindAcceptingWork(kind model.ComponentKind) ([]model.ComponentRegistration, error) {
	all, err := r.AllOfKind(kind)
	if err != nil {
		return nil, err
	}
	out := make([]model.ComponentRegistration, 0, len(all))
	for _, reg := range all {
		if reg.AcceptingWork && reg.State == model.ComponentRunning {
			out = append(out, reg)
		}
	}
	return out, nil
}
