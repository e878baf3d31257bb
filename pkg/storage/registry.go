package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

// Target describes a configured backend
type Target struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // s3, local, memory
	Region  string `json:"region"`
	Bucket  string `json:"bucket"`
	Prefix  string `json:"prefix,omitempty"`
	Archive bool   `json:"archive,omitempty"`
}

// Location builds a location in this target for an object name
func (t Target) Location(name string) Location {
	key := name
	if t.Prefix != "" {
		key = path.Join(strings.TrimSuffix(t.Prefix, "/"), name)
	}
	return Location{Backend: t.Name, Region: t.Region, Bucket: t.Bucket, Key: key}
}

type entry struct {
	target Target
	store  Store
}

// Registry routes locations to the store registered for their backend
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a backend. Registering a name twice replaces it.
func (r *Registry) Register(t Target, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name] = entry{target: t, store: s}
}

// Resolve returns the store for a location, checking that its region matches
func (r *Registry) Resolve(loc Location) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[loc.Backend]
	if !ok {
		return nil, drerrors.Configuration("resolve", fmt.Errorf("unknown storage backend %q", loc.Backend))
	}
	if loc.Region != "" && e.target.Region != loc.Region {
		return nil, drerrors.Configuration("resolve", fmt.Errorf("backend %s serves region %s, not %s", loc.Backend, e.target.Region, loc.Region))
	}
	return e.store, nil
}

// Target returns the target registered under name
func (r *Registry) Target(name string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.target, ok
}

// Targets returns the live (non-archive) targets ordered by name
func (r *Registry) Targets() []Target {
	return r.filter(func(t Target) bool { return !t.Archive })
}

// InRegion returns live targets serving a region
func (r *Registry) InRegion(region string) []Target {
	return r.filter(func(t Target) bool { return !t.Archive && t.Region == region })
}

// ArchiveTarget returns the first archive-tier target
func (r *Registry) ArchiveTarget() (Target, bool) {
	archives := r.filter(func(t Target) bool { return t.Archive })
	if len(archives) == 0 {
		return Target{}, false
	}
	return archives[0], true
}

// Regions returns the distinct regions of live targets
func (r *Registry) Regions() []string {
	seen := make(map[string]bool)
	var regions []string
	for _, t := range r.Targets() {
		if !seen[t.Region] {
			seen[t.Region] = true
			regions = append(regions, t.Region)
		}
	}
	sort.Strings(regions)
	return regions
}

func (r *Registry) filter(keep func(Target) bool) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Target
	for _, e := range r.entries {
		if keep(e.target) {
			out = append(out, e.target)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ping checks every backend that supports it and returns per-backend errors
func (r *Registry) Ping(ctx context.Context) map[string]error {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(entries))
	for _, e := range entries {
		if p, ok := e.store.(Pinger); ok {
			results[e.target.Name] = p.Ping(ctx)
		} else {
			results[e.target.Name] = nil
		}
	}
	return results
}
