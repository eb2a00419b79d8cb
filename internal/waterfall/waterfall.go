// Package waterfall retries auctions through narrowing adapter subsets with
// geometric backoff and keeps process-wide outcome statistics.
package waterfall

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/auction"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// Config holds waterfall configuration
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialRetryDelay time.Duration `mapstructure:"initial_retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Smart             bool          `mapstructure:"smart"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxAttempts:       3,
		InitialRetryDelay: 50 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// Auctioneer runs single auction rounds
type Auctioneer interface {
	ExecuteAuction(ctx context.Context, req *openrtb2.BidRequest) *auction.Result
	ExecuteAuctionFor(ctx context.Context, req *openrtb2.BidRequest, adapterIDs []string) *auction.Result
	EligibleAdapters(req *openrtb2.BidRequest) []adapters.Descriptor
}

// Sink receives every attempt's auction result. Record must not block.
type Sink interface {
	Record(result *auction.Result)
}

// Recorder receives waterfall observations
type Recorder interface {
	RecordWaterfall(outcome string, attempts int, duration time.Duration)
}

// Attempt is one round of a waterfall
type Attempt struct {
	Number    int             `json:"attempt"`
	Adapters  []string        `json:"adapters"`
	Result    *auction.Result `json:"result"`
	Delay     time.Duration   `json:"delay"`
	Timestamp time.Time       `json:"timestamp"`
}

// Result is the outcome of a waterfall invocation
type Result struct {
	Success      bool            `json:"success"`
	FinalResult  *auction.Result `json:"final_result"`
	Attempts     []Attempt       `json:"attempts"`
	Duration     time.Duration   `json:"duration"`
	FallbackUsed bool            `json:"fallback_used"`
}

// Options tune a single invocation
type Options struct {
	// Performance maps adapter id to historical success rate. When set,
	// fallback attempts try the best performers first.
	Performance map[string]float64
}

// sleepFunc waits for d or until ctx is done
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSink sets the landscape sink
func WithSink(s Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// Orchestrator drives the auction engine through waterfall attempts
type Orchestrator struct {
	engine   Auctioneer
	config   Config
	stats    *statsStore
	sink     Sink
	recorder Recorder
	sleep    sleepFunc
}

type nopSink struct{}

func (nopSink) Record(*auction.Result) {}

type nopRecorder struct{}

func (nopRecorder) RecordWaterfall(string, int, time.Duration) {}

// New creates an orchestrator
func New(engine Auctioneer, config Config, opts ...Option) *Orchestrator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if config.InitialRetryDelay < 0 {
		config.InitialRetryDelay = 0
	}

	o := &Orchestrator{
		engine:   engine,
		config:   config,
		stats:    &statsStore{},
		sink:     nopSink{},
		recorder: nopRecorder{},
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the orchestrator configuration
func (o *Orchestrator) Config() Config {
	return o.config
}

// RetryDelay returns the wait before the given 1-based attempt
func (o *Orchestrator) RetryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	factor := math.Pow(o.config.BackoffMultiplier, float64(attempt-2))
	return time.Duration(float64(o.config.InitialRetryDelay) * factor)
}

// ExecuteWithWaterfall runs up to MaxAttempts auction rounds, stopping at
// the first success. Attempt 1 queries every eligible adapter; attempt k
// queries the first n-(k-1) candidates, never fewer than one. An invalid
// request ends the waterfall after its first attempt.
func (o *Orchestrator) ExecuteWithWaterfall(ctx context.Context, req *openrtb2.BidRequest, opts Options) *Result {
	start := time.Now()
	result := &Result{}
	log := logger.Waterfall()

	if !o.config.Enabled {
		result.Attempts = []Attempt{o.attempt(ctx, 1, req, nil, 0)}
		return o.finish(result, start)
	}

	var candidates []string
	if req != nil {
		candidates = o.candidates(req, opts.Performance)
	}

	for n := 1; n <= o.config.MaxAttempts; n++ {
		delay := o.RetryDelay(n)
		if n > 1 {
			if err := o.sleep(ctx, delay); err != nil {
				log.Debug().Err(err).Int("attempt", n).Msg("Waterfall cancelled during backoff")
				break
			}
		}

		a := o.attempt(ctx, n, req, subset(candidates, n), delay)
		result.Attempts = append(result.Attempts, a)

		if a.Result.Success || a.Result.NoBidReason == auction.NoBidInvalidRequest {
			break
		}
	}

	return o.finish(result, start)
}

// ExecuteSmartWaterfall is ExecuteWithWaterfall with fallback attempts
// ordered by descending success rate
func (o *Orchestrator) ExecuteSmartWaterfall(ctx context.Context, req *openrtb2.BidRequest, performance map[string]float64) *Result {
	return o.ExecuteWithWaterfall(ctx, req, Options{Performance: performance})
}

// ExecuteWithPriority runs one auction restricted to adapterIDs, in that
// order of preference. The restriction replaces the request's seat
// allowlist for this round only and is not forwarded to adapters.
func (o *Orchestrator) ExecuteWithPriority(ctx context.Context, req *openrtb2.BidRequest, adapterIDs []string) *auction.Result {
	return o.engine.ExecuteAuctionFor(ctx, req, adapterIDs)
}

// attempt runs a single round. A nil subset leaves the request unrestricted.
func (o *Orchestrator) attempt(ctx context.Context, n int, req *openrtb2.BidRequest, ids []string, delay time.Duration) Attempt {
	a := Attempt{Number: n, Delay: delay, Timestamp: time.Now()}

	if ids == nil {
		if req != nil {
			for _, d := range o.engine.EligibleAdapters(req) {
				a.Adapters = append(a.Adapters, d.ID)
			}
		}
		a.Result = o.engine.ExecuteAuction(ctx, req)
	} else {
		a.Adapters = ids
		a.Result = o.ExecuteWithPriority(ctx, req, ids)
	}

	o.sink.Record(a.Result)

	l := logger.Waterfall()
	l.Debug().
		Int("attempt", n).
		Strs("adapters", a.Adapters).
		Bool("success", a.Result.Success).
		Str("no_bid_reason", string(a.Result.NoBidReason)).
		Dur("delay", delay).
		Msg("Waterfall attempt complete")

	return a
}

func (o *Orchestrator) finish(result *Result, start time.Time) *Result {
	if len(result.Attempts) > 0 {
		last := result.Attempts[len(result.Attempts)-1]
		result.FinalResult = last.Result
		result.Success = last.Result.Success
	}
	result.FallbackUsed = result.Success && len(result.Attempts) > 1
	result.Duration = time.Since(start)

	o.UpdateWaterfallStats(result)
	o.recorder.RecordWaterfall(outcome(result), len(result.Attempts), result.Duration)
	return result
}

// candidates returns the eligible adapter ids in fallback order
func (o *Orchestrator) candidates(req *openrtb2.BidRequest, performance map[string]float64) []string {
	eligible := o.engine.EligibleAdapters(req)
	ids := make([]string, len(eligible))
	for i, d := range eligible {
		ids[i] = d.ID
	}
	if len(performance) > 0 {
		sort.SliceStable(ids, func(i, j int) bool {
			return performance[ids[i]] > performance[ids[j]]
		})
	}
	return ids
}

// subset returns the adapters for attempt n, or nil for an unrestricted round
func subset(candidates []string, n int) []string {
	if n <= 1 || len(candidates) == 0 {
		return nil
	}
	size := len(candidates) - (n - 1)
	if size < 1 {
		size = 1
	}
	out := make([]string, size)
	copy(out, candidates[:size])
	return out
}

func outcome(r *Result) string {
	switch {
	case r.Success && !r.FallbackUsed:
		return "first_attempt"
	case r.Success:
		return "fallback"
	default:
		return "failed"
	}
}
