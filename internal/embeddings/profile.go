package embeddings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/knowledged/pkg/collections"
)

var (
	// ErrInvalidProfile indicates a profile with a missing field.
	ErrInvalidProfile = errors.New("invalid embedding profile")

	// ErrUnknownProfile indicates a profile name the registry does not know.
	ErrUnknownProfile = errors.New("unknown embedding profile")

	// ErrProfileConflict indicates an attempt to rebind a profile name to a
	// different (provider, model, dimension) triple.
	ErrProfileConflict = errors.New("embedding profile conflict")
)

// Profile identifies one way of turning text into vectors. Profiles are
// values: once a collection has been written under a profile, that triple
// never changes.
type Profile struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Validate checks that every field is set.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidProfile)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidProfile)
	}
	if p.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidProfile, p.Dimension)
	}
	return nil
}

// Key is a stable identity for caching, e.g. "tei/BAAI/bge-small-en-v1.5/384".
func (p Profile) Key() string {
	return p.Provider + "/" + p.Model + "/" + strconv.Itoa(p.Dimension)
}

func (p Profile) String() string {
	return p.Key()
}

// Registry tracks the known embedding profiles and the active one.
//
// Switching the active profile only changes which profile callers get by
// default. Collections written under other profiles are left untouched and
// stay reachable through their own profile.
type Registry struct {
	base string

	mu       sync.RWMutex
	profiles map[string]Profile
	active   string
}

// NewRegistry creates a registry. base prefixes every collection name.
func NewRegistry(base string, profiles map[string]Profile, active string) (*Registry, error) {
	if err := collections.Validate(base); err != nil {
		return nil, fmt.Errorf("invalid base collection: %w", err)
	}
	r := &Registry{base: base, profiles: make(map[string]Profile, len(profiles))}
	for name, p := range profiles {
		if err := r.Register(name, p); err != nil {
			return nil, err
		}
	}
	if active != "" {
		if err := r.SetActiveName(active); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Resolve returns the collection name for p. It is a pure function of the
// triple and the registry's base name.
func (r *Registry) Resolve(p Profile) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return collections.ProfileName(r.base, p.Provider, p.Model, p.Dimension)
}

// Register adds a named profile. Registering the same triple again is a
// no-op; binding an existing name to a different triple fails.
func (r *Registry) Register(name string, p Profile) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("profile %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.profiles[name]; ok && existing != p {
		return fmt.Errorf("%w: %q is %s, not %s", ErrProfileConflict, name, existing, p)
	}
	r.profiles[name] = p
	return nil
}

// Lookup returns the profile registered under name.
func (r *Registry) Lookup(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Active returns the default profile. The zero Profile is returned when no
// profile has been activated.
func (r *Registry) Active() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.active]
}

// ActiveName returns the name of the default profile.
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActiveName makes a registered profile the default.
func (r *Registry) SetActiveName(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	r.active = name
	return nil
}

// SetActive makes p the default, registering it under its key when no
// registered name already carries the same triple.
func (r *Registry) SetActive(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, existing := range r.profiles {
		if existing == p {
			r.active = name
			return nil
		}
	}
	r.profiles[p.Key()] = p
	r.active = p.Key()
	return nil
}

// Select returns the profile named name, or the active profile when name
// is empty.
func (r *Registry) Select(name string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.active
	}
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Names returns the registered profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Base returns the base collection name.
func (r *Registry) Base() string {
	return r.base
}
