package waterfall

import (
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// Stats is a snapshot of process-wide waterfall outcomes
type Stats struct {
	TotalRequests          int64         `json:"total_requests"`
	SuccessfulFirstAttempt int64         `json:"successful_first_attempt"`
	SuccessfulWithFallback int64         `json:"successful_with_fallback"`
	FailedAllAttempts      int64         `json:"failed_all_attempts"`
	AverageAttempts        float64       `json:"average_attempts"`
	AverageDuration        time.Duration `json:"average_duration"`
}

// statsStore guards Stats with a single lock so the running means stay
// consistent with TotalRequests
type statsStore struct {
	mu    sync.Mutex
	stats Stats
}

func (s *statsStore) update(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalRequests++
	attempts := len(r.Attempts)
	switch {
	case r.Success && attempts == 1:
		s.stats.SuccessfulFirstAttempt++
	case r.Success && r.FallbackUsed:
		s.stats.SuccessfulWithFallback++
	case !r.Success:
		s.stats.FailedAllAttempts++
	}

	n := float64(s.stats.TotalRequests)
	s.stats.AverageAttempts += (float64(attempts) - s.stats.AverageAttempts) / n
	s.stats.AverageDuration += time.Duration((float64(r.Duration) - float64(s.stats.AverageDuration)) / n)
}

func (s *statsStore) get() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *statsStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

// UpdateWaterfallStats folds one completed invocation into the statistics.
// ExecuteWithWaterfall calls it once per invocation.
func (o *Orchestrator) UpdateWaterfallStats(r *Result) {
	if r == nil {
		return
	}
	o.stats.update(r)
}

// GetWaterfallStats returns a snapshot of the statistics
func (o *Orchestrator) GetWaterfallStats() Stats {
	return o.stats.get()
}

// ResetWaterfallStats zeroes the statistics
func (o *Orchestrator) ResetWaterfallStats() {
	o.stats.reset()
	l := logger.Waterfall()
	l.Info().Msg("Waterfall statistics reset")
}
