package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// healthyThreshold is the minimum health percentage for a CLOSED breaker to count as healthy
const healthyThreshold = 95.0

// HealthSummary buckets adapters by breaker health
type HealthSummary struct {
	Total         int      `json:"total"`
	Healthy       []string `json:"healthy"`
	Degraded      []string `json:"degraded"`
	Failed        []string `json:"failed"`
	AverageHealth float64  `json:"average_health"`
}

// Registry owns one breaker per adapter identifier
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Config
	clock     Clock
	listeners []StateChangeFunc
}

// NewRegistry creates a registry whose lazily created breakers use defaults
func NewRegistry(defaults Config) *Registry {
	return NewRegistryWithClock(defaults, realClock{})
}

// NewRegistryWithClock creates a registry whose breakers share the given clock
func NewRegistryWithClock(defaults Config, clock Clock) *Registry {
	if clock == nil {
		clock = realClock{}
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		clock:    clock,
	}
}

// OnStateChange registers a listener for transitions of any breaker in the registry
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// GetBreaker returns the breaker for adapterID, creating it with config
// (or the registry defaults when config is nil) on first reference.
func (r *Registry) GetBreaker(adapterID string, config *Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[adapterID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = r.breakers[adapterID]; ok {
		return b
	}

	cfg := r.defaults
	if config != nil {
		cfg = *config
	}
	b = NewWithClock(adapterID, cfg, r.clock)
	b.setOnChange(r.dispatch)
	r.breakers[adapterID] = b

	l := logger.Breaker(adapterID)
	l.Debug().
		Int("failure_threshold", b.config.FailureThreshold).
		Dur("open_timeout", b.config.OpenTimeout).
		Msg("Created circuit breaker")

	return b
}

// dispatch logs a transition and fans it out to listeners
func (r *Registry) dispatch(name string, from, to State) {
	l := logger.Breaker(name)
	if to == StateOpen {
		l.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker opened")
	} else {
		l.Info().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	}

	r.mu.RLock()
	listeners := make([]StateChangeFunc, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(name, from, to)
	}
}

// IDs returns the adapter identifiers that have a breaker, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshot returns the current breakers without holding the registry lock during stats collection
func (r *Registry) snapshot() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// GetAllStats returns per-adapter breaker stats keyed by adapter identifier
func (r *Registry) GetAllStats() map[string]Stats {
	breakers := r.snapshot()
	stats := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		stats[b.name] = b.Stats()
	}
	return stats
}

// GetHealthSummary buckets adapters into healthy, degraded and failed
func (r *Registry) GetHealthSummary() HealthSummary {
	summary := HealthSummary{
		Healthy:       []string{},
		Degraded:      []string{},
		Failed:        []string{},
		AverageHealth: 100,
	}

	breakers := r.snapshot()
	summary.Total = len(breakers)
	if len(breakers) == 0 {
		return summary
	}

	var totalHealth float64
	for _, b := range breakers {
		st := b.Stats()
		totalHealth += st.HealthPercentage

		switch {
		case st.State == StateOpen:
			summary.Failed = append(summary.Failed, b.name)
		case st.State == StateHalfOpen || st.HealthPercentage < healthyThreshold:
			summary.Degraded = append(summary.Degraded, b.name)
		default:
			summary.Healthy = append(summary.Healthy, b.name)
		}
	}
	summary.AverageHealth = totalHealth / float64(len(breakers))

	return summary
}
