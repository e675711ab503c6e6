package tool

import (
	"sort"
	"sync"
	"time"

	skeinerr "github.com/orvane/skein/internal/errors"
)

// Stats is a snapshot of a tool's execution counters.
type Stats struct {
	Count         int64         `json:"count"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
}

type execStats struct {
	count         int64
	succeeded     int64
	failed        int64
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
}

// Registry is the concurrent name->Tool catalog. It also tracks per-tool
// execution counters, which the executor feeds after every run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	stats map[string]*execStats
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		stats: make(map[string]*execStats),
	}
}

// Register adds a tool. Registering a name twice is a configuration error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return skeinerr.InvalidConfiguration("tool name must not be empty")
	}
	if _, exists := r.tools[name]; exists {
		return skeinerr.InvalidConfiguration("tool " + name + " already registered")
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions exports the schema snapshot offered to the model.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// RecordExecution feeds one execution outcome into the tool's counters.
func (r *Registry) RecordExecution(name string, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[name]
	if !ok {
		s = &execStats{minDuration: duration, maxDuration: duration}
		r.stats[name] = s
	}
	s.count++
	if success {
		s.succeeded++
	} else {
		s.failed++
	}
	s.totalDuration += duration
	if duration < s.minDuration {
		s.minDuration = duration
	}
	if duration > s.maxDuration {
		s.maxDuration = duration
	}
}

// Stats returns the counters for one tool.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stats[name]
	if !ok {
		return Stats{}, false
	}
	return s.snapshot(), true
}

// ListStats returns counters for every tool that has executed.
func (r *Registry) ListStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.stats))
	for name, s := range r.stats {
		out[name] = s.snapshot()
	}
	return out
}

func (s *execStats) snapshot() Stats {
	return Stats{
		Count:         s.count,
		Succeeded:     s.succeeded,
		Failed:        s.failed,
		TotalDuration: s.totalDuration,
		MinDuration:   s.minDuration,
		MaxDuration:   s.maxDuration,
	}
}
