// Package registry holds the process-wide provider inventory.
//
// Providers register during program initialization, keyed by kind and id.
// Once Freeze is called the registry becomes immutable and lookups are
// lock-free; the running system never mutates it again. Construction of an
// actual provider instance happens through the Registration's New function,
// which receives the provider's settings block from configuration.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aurelay/aurelay/pkg/provider"
)

var (
	// ErrFrozen is returned by Register after Freeze has been called.
	ErrFrozen = errors.New("registry is frozen")

	// ErrDuplicate is returned when a kind/id pair is registered twice.
	ErrDuplicate = errors.New("duplicate registration")

	// ErrNotFound is returned by Lookup for an unknown kind/id pair.
	ErrNotFound = errors.New("provider not registered")
)

// Kind partitions the registry by provider contract.
type Kind string

const (
	KindSTT       Kind = "stt"
	KindTTS       Kind = "tts"
	KindRealtime  Kind = "realtime"
	KindVAD       Kind = "vad"
	KindResponder Kind = "responder"
)

// Registration describes one constructible provider.
type Registration struct {
	// Kind is the provider contract this registration satisfies.
	Kind Kind

	// ID is the provider identifier used in configuration, unique per Kind.
	ID string

	// Capabilities advertises what the provider can do, available without
	// constructing an instance.
	Capabilities provider.CapabilitySet

	// New constructs a provider instance from its settings block. The
	// returned value must satisfy the contract interface for Kind
	// (stt.Provider, tts.Provider, and so on); the caller type-asserts.
	New func(settings map[string]any) (any, error)
}

type key struct {
	kind Kind
	id   string
}

// Registry is the provider inventory. The zero value is not usable; call
// New.
type Registry struct {
	mu   sync.Mutex
	regs map[key]Registration

	// frozen holds the immutable snapshot once Freeze is called. Lookups
	// load it without taking mu.
	frozen atomic.Pointer[map[key]Registration]
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{regs: make(map[key]Registration)}
}

// Register adds a registration. It fails if the registry is frozen, if the
// kind/id pair is already present, or if the registration is incomplete.
func (r *Registry) Register(reg Registration) error {
	if reg.Kind == "" || reg.ID == "" {
		return fmt.Errorf("registry: registration needs kind and id, got %q/%q", reg.Kind, reg.ID)
	}
	if reg.New == nil {
		return fmt.Errorf("registry: %s/%s: nil constructor", reg.Kind, reg.ID)
	}
	if r.frozen.Load() != nil {
		return fmt.Errorf("registry: %s/%s: %w", reg.Kind, reg.ID, ErrFrozen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind: reg.Kind, id: reg.ID}
	if _, ok := r.regs[k]; ok {
		return fmt.Errorf("registry: %s/%s: %w", reg.Kind, reg.ID, ErrDuplicate)
	}
	r.regs[k] = reg
	return nil
}

// MustRegister is Register that panics on error. Intended for the
// compile-time inventory in main, where a failure is a programming error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Freeze publishes the immutable snapshot. After Freeze, Register fails
// and Lookup no longer takes a lock. Freeze is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return
	}
	snap := make(map[key]Registration, len(r.regs))
	for k, v := range r.regs {
		snap[k] = v
	}
	r.frozen.Store(&snap)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load() != nil
}

// Lookup returns the registration for a kind/id pair.
func (r *Registry) Lookup(kind Kind, id string) (Registration, error) {
	k := key{kind: kind, id: id}
	if snap := r.frozen.Load(); snap != nil {
		reg, ok := (*snap)[k]
		if !ok {
			return Registration{}, fmt.Errorf("registry: %s/%s: %w", kind, id, ErrNotFound)
		}
		return reg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[k]
	if !ok {
		return Registration{}, fmt.Errorf("registry: %s/%s: %w", kind, id, ErrNotFound)
	}
	return reg, nil
}

// List returns all registrations of a kind, sorted by ID.
func (r *Registry) List(kind Kind) []Registration {
	var out []Registration
	if snap := r.frozen.Load(); snap != nil {
		for k, v := range *snap {
			if k.kind == kind {
				out = append(out, v)
			}
		}
	} else {
		r.mu.Lock()
		for k, v := range r.regs {
			if k.kind == kind {
				out = append(out, v)
			}
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
