// Package registry holds the set of registered machines and keeps their
// forwarders and persisted copy in step with every change.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bcnelson/wakeproxy/internal/wol"
)

// Store persists the machine list.
type Store interface {
	// Load returns the stored machines, or an empty list if nothing was saved yet.
	Load(ctx context.Context) ([]Machine, error)

	// Save atomically replaces the stored machines.
	Save(ctx context.Context, machines []Machine) error
}

// Forwarders starts and stops the forwarders that belong to a machine.
type Forwarders interface {
	StartForwardersFor(m Machine) error
	StopForwardersFor(m Machine)
	PurgeConnections(m Machine)
}

// Registry is the in-memory source of truth for registered machines.
type Registry struct {
	store      Store
	forwarders Forwarders
	logger     *slog.Logger

	mu       sync.RWMutex
	machines []Machine
}

// New creates an empty Registry. Call Load to populate it from the store.
func New(store Store, forwarders Forwarders, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		forwarders: forwarders,
		logger:     logger,
	}
}

// Load reads the store and starts forwarders for every valid machine.
// Invalid or conflicting entries are logged and skipped.
func (r *Registry) Load(ctx context.Context) error {
	stored, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.machines = nil
	for _, m := range stored {
		if err := Validate(&m); err != nil {
			r.logger.Warn("skipping invalid stored machine", "mac", m.MAC, "name", m.Name, "error", err)
			continue
		}
		if err := r.checkConflicts(m, ""); err != nil {
			r.logger.Warn("skipping conflicting stored machine", "mac", m.MAC, "name", m.Name, "error", err)
			continue
		}
		r.machines = append(r.machines, m)
		r.startForwarders(m)
	}

	r.logger.Info("machines loaded", "count", len(r.machines))
	return nil
}

// List returns a copy of every machine in registration order.
func (r *Registry) List() []Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.Clone())
	}
	return out
}

// Get returns the machine with the given MAC in any punctuation style.
func (r *Registry) Get(mac string) (Machine, error) {
	canonical, err := wol.CanonicalMAC(mac)
	if err != nil {
		return Machine{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(canonical)
	if i < 0 {
		return Machine{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	return r.machines[i].Clone(), nil
}

// Add registers a new machine and starts its forwarders. On ErrPersistence
// the machine is registered anyway and returned alongside the error.
func (r *Registry) Add(ctx context.Context, m Machine) (Machine, error) {
	m = m.Clone()
	if err := Validate(&m); err != nil {
		return Machine{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(m.MAC) >= 0 {
		return Machine{}, fmt.Errorf("%w: %s", ErrDuplicateMAC, m.MAC)
	}
	if err := r.checkConflicts(m, ""); err != nil {
		return Machine{}, err
	}

	r.machines = append(r.machines, m)
	r.startForwarders(m)
	r.logger.Info("machine added", "mac", m.MAC, "name", m.Name, "forwards", len(m.PortForwards))

	return m.Clone(), r.save(ctx)
}

// Replace swaps the machine registered under mac for m. The old forwarders
// are stopped before the new ones start, even for unchanged forwards.
func (r *Registry) Replace(ctx context.Context, mac string, m Machine) (Machine, error) {
	canonical, err := wol.CanonicalMAC(mac)
	if err != nil {
		return Machine{}, err
	}
	m = m.Clone()
	if m.MAC == "" {
		m.MAC = canonical
	}
	if err := Validate(&m); err != nil {
		return Machine{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(canonical)
	if i < 0 {
		return Machine{}, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	if m.MAC != canonical && r.indexOf(m.MAC) >= 0 {
		return Machine{}, fmt.Errorf("%w: %s", ErrDuplicateMAC, m.MAC)
	}
	if err := r.checkConflicts(m, canonical); err != nil {
		return Machine{}, err
	}

	old := r.machines[i]
	r.forwarders.StopForwardersFor(old)
	if old.IP != m.IP || old.MAC != m.MAC {
		r.forwarders.PurgeConnections(old)
	}

	r.machines[i] = m
	r.startForwarders(m)
	r.logger.Info("machine updated", "mac", m.MAC, "name", m.Name, "forwards", len(m.PortForwards))

	return m.Clone(), r.save(ctx)
}

// Remove stops the machine's forwarders, drops its pooled connections and
// then deletes it.
func (r *Registry) Remove(ctx context.Context, mac string) error {
	canonical, err := wol.CanonicalMAC(mac)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(canonical)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}

	m := r.machines[i]
	r.forwarders.StopForwardersFor(m)
	r.forwarders.PurgeConnections(m)

	r.machines = append(r.machines[:i], r.machines[i+1:]...)
	r.logger.Info("machine removed", "mac", m.MAC, "name", m.Name)

	return r.save(ctx)
}

// startForwarders must be called with mu held. Failures are contained to the
// forwards that failed and are reported through the lifecycle manager's status.
func (r *Registry) startForwarders(m Machine) {
	if err := r.forwarders.StartForwardersFor(m); err != nil {
		r.logger.Error("starting forwarders", "mac", m.MAC, "name", m.Name, "error", err)
	}
}

// checkConflicts must be called with mu held. The machine registered under
// skipMAC is ignored.
func (r *Registry) checkConflicts(m Machine, skipMAC string) error {
	claimed := make(map[int]string)
	for _, other := range r.machines {
		if other.MAC == skipMAC {
			continue
		}
		for _, pf := range other.PortForwards {
			claimed[pf.LocalPort] = other.Name
		}
	}

	for _, pf := range m.PortForwards {
		if owner, ok := claimed[pf.LocalPort]; ok {
			return fmt.Errorf("%w: port %d is already forwarded for %q", ErrPortConflict, pf.LocalPort, owner)
		}
	}
	return nil
}

func (r *Registry) indexOf(mac string) int {
	for i, m := range r.machines {
		if m.MAC == mac {
			return i
		}
	}
	return -1
}

// save must be called with mu held.
func (r *Registry) save(ctx context.Context) error {
	snapshot := make([]Machine, len(r.machines))
	for i, m := range r.machines {
		snapshot[i] = m.Clone()
	}

	if err := r.store.Save(ctx, snapshot); err != nil {
		r.logger.Error("saving machines, in-memory state kept", "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}
