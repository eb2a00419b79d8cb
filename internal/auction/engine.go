// Package auction runs one second-price auction round across the demand
// adapters.
package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/adapters"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/circuitbreaker"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// Programmer errors returned by New
var (
	ErrNoCaller   = errors.New("auction: adapter caller is required")
	ErrNoAdapters = errors.New("auction: adapter registry is required")
)

// Deadline causes. A call that ends with either of these timed out; any
// other reason for a done context means the round's caller went away.
var (
	errAdapterTimeout = fmt.Errorf("adapter timeout: %w", context.DeadlineExceeded)
	errRoundTimeout   = fmt.Errorf("overall auction timeout: %w", context.DeadlineExceeded)
)

// Config holds engine configuration
type Config struct {
	Currency       string        `mapstructure:"currency"`
	GlobalFloor    float64       `mapstructure:"global_floor"`
	PriceIncrement float64       `mapstructure:"price_increment"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout"` // 0 = not enforced
	HedgeDelay     time.Duration `mapstructure:"hedge_delay"`     // 0 = no backup calls
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Currency:       "USD",
		GlobalFloor:    0,
		PriceIncrement: 0.01,
	}
}

// Recorder receives auction and adapter observations
type Recorder interface {
	RecordAuction(outcome, reason string, duration time.Duration, bids int)
	RecordBid(adapter string, cpm float64)
	RecordAdapterRequest(adapter string, latency time.Duration, hasError, timedOut bool)
	RecordAdapterRejected(adapter string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuction(string, string, time.Duration, int) {}
func (nopRecorder) RecordBid(string, float64) {}
func (nopRecorder) RecordAdapterRequest(string, time.Duration, bool, bool) {}
func (nopRecorder) RecordAdapterRejected(string) {}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// Engine runs auction rounds. It holds no per-round state; the breaker
// registry is the only thing a round mutates.
type Engine struct {
	adapters  *adapters.Registry
	breakers  *circuitbreaker.Registry
	caller    adapters.Caller
	config    Config
	increment decimal.Decimal
	recorder  Recorder
}

// New creates an auction engine
func New(registry *adapters.Registry, breakers *circuitbreaker.Registry, caller adapters.Caller, config Config, opts ...Option) (*Engine, error) {
	if caller == nil {
		return nil, ErrNoCaller
	}
	if registry == nil {
		return nil, ErrNoAdapters
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	if config.Currency == "" {
		config.Currency = DefaultConfig().Currency
	}
	if config.PriceIncrement <= 0 {
		config.PriceIncrement = DefaultConfig().PriceIncrement
	}

	e := &Engine{
		adapters:  registry,
		breakers:  breakers,
		caller:    caller,
		config:    config,
		increment: decimal.NewFromFloat(config.PriceIncrement),
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// ExecuteAuction runs one round and always returns a populated Result
func (e *Engine) ExecuteAuction(ctx context.Context, req *openrtb2.BidRequest) *Result {
	return e.execute(ctx, req, nil, false)
}

// ExecuteAuctionFor runs one round with the adapter allowlist replaced by
// adapterIDs, in that order of preference. The request itself is not
// modified, so adapters never see the restriction.
func (e *Engine) ExecuteAuctionFor(ctx context.Context, req *openrtb2.BidRequest, adapterIDs []string) *Result {
	return e.execute(ctx, req, adapterIDs, true)
}

func (e *Engine) execute(ctx context.Context, req *openrtb2.BidRequest, adapterIDs []string, restricted bool) *Result {
	start := time.Now()
	result := &Result{
		AuctionID: uuid.NewString(),
		Bids:      []AdapterBid{},
		Timestamp: start,
	}
	if req != nil {
		result.RequestID = req.ID
	}
	log := logger.Auction(result.AuctionID)

	defer func() {
		result.Metrics.Duration = time.Since(start)
		outcome := "success"
		if !result.Success {
			outcome = "no_bid"
		}
		e.recorder.RecordAuction(outcome, string(result.NoBidReason), result.Metrics.Duration, result.Metrics.TotalBids)
	}()

	if err := Validate(req); err != nil {
		log.Debug().Err(err).Msg("Rejecting invalid bid request")
		return noBid(result, NoBidInvalidRequest)
	}

	allowlist := req.WSeat
	if restricted {
		allowlist = adapterIDs
	}
	var eligible []adapters.Descriptor
	if !restricted || len(adapterIDs) > 0 {
		eligible = e.eligible(allowlist)
	}
	if len(eligible) == 0 {
		log.Debug().Str("request_id", req.ID).Msg("No eligible adapters")
		return noBid(result, NoBidBlockedPublisher)
	}

	calls := e.fanOut(ctx, req, eligible)

	for _, c := range calls {
		result.Adapters = append(result.Adapters, c.outcome)
		switch c.outcome.Status {
		case StatusResponded:
			result.Metrics.Responses++
		case StatusTimeout:
			result.Metrics.Timeouts++
			result.Metrics.Errors++
		default:
			result.Metrics.Errors++
		}
		result.Bids = append(result.Bids, c.bids...)
	}
	result.Metrics.TotalBids = len(result.Bids)

	if len(result.Bids) == 0 {
		log.Debug().
			Int("adapters", len(eligible)).
			Int("errors", result.Metrics.Errors).
			Msg("No bids received")
		return noBid(result, NoBidUnmatchedUser)
	}

	clearing := e.Clear(req, result.Bids)
	if clearing.BelowFloor {
		result.BelowFloor = true
		log.Debug().
			Float64("top_bid", clearing.Winner.Bid.Price).
			Float64("clearing_price", clearing.Price).
			Float64("floor", clearing.Floor).
			Msg("Auction cleared below floor")
		return noBid(result, NoBidTechnicalError)
	}

	result.Success = true
	result.Winner = &Winner{
		AdapterID:     clearing.Winner.AdapterID,
		Seat:          clearing.Winner.Seat,
		Bid:           clearing.Winner.Bid,
		ClearingPrice: clearing.Price,
		Floor:         clearing.Floor,
	}
	result.Response = e.buildResponse(req, result)

	log.Debug().
		Str("winner", result.Winner.AdapterID).
		Float64("clearing_price", clearing.Price).
		Int("bids", result.Metrics.TotalBids).
		Msg("Auction cleared")

	return result
}

func noBid(result *Result, reason NoBidReason) *Result {
	result.Success = false
	result.NoBidReason = reason
	return result
}

// EligibleAdapters returns the adapters that may bid on req: enabled, with a
// breaker allowing requests and, when req.WSeat is set, named by it. With an
// allowlist the result follows allowlist order, otherwise registry priority.
func (e *Engine) EligibleAdapters(req *openrtb2.BidRequest) []adapters.Descriptor {
	return e.eligible(req.WSeat)
}

func (e *Engine) eligible(allowlist []string) []adapters.Descriptor {
	enabled := e.adapters.ListEnabled()

	candidates := enabled
	if len(allowlist) > 0 {
		candidates = make([]adapters.Descriptor, 0, len(allowlist))
		seen := make(map[string]bool, len(allowlist))
		for _, entry := range allowlist {
			for _, d := range enabled {
				if !seen[d.ID] && d.AnswersTo(entry) {
					seen[d.ID] = true
					candidates = append(candidates, d)
				}
			}
		}
	}

	eligible := make([]adapters.Descriptor, 0, len(candidates))
	for _, d := range candidates {
		if e.breakers.GetBreaker(d.ID, nil).IsAllowingRequests() {
			eligible = append(eligible, d)
		}
	}
	return eligible
}

// call is the outcome of one adapter invocation
type call struct {
	outcome AdapterOutcome
	bids    []AdapterBid
}

// fanOut calls every adapter in parallel and waits for all of them
func (e *Engine) fanOut(ctx context.Context, req *openrtb2.BidRequest, eligible []adapters.Descriptor) []call {
	if e.config.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.config.OverallTimeout, errRoundTimeout)
		defer cancel()
	}

	calls := make([]call, len(eligible))
	var wg sync.WaitGroup
	for i, d := range eligible {
		wg.Add(1)
		go func(i int, d adapters.Descriptor) {
			defer wg.Done()
			calls[i] = e.callAdapter(ctx, req, d)
		}(i, d)
	}
	wg.Wait()
	return calls
}

// callAdapter invokes one adapter through its breaker, bounded by the
// adapter's own timeout. Calls cut short by the caller going away are not
// charged to the breaker.
func (e *Engine) callAdapter(ctx context.Context, req *openrtb2.BidRequest, d adapters.Descriptor) call {
	breaker := e.breakers.GetBreaker(d.ID, nil)
	log := logger.Adapter(d.ID)

	callCtx, cancel := context.WithTimeoutCause(ctx, d.EffectiveTimeout(), errAdapterTimeout)
	defer cancel()

	start := time.Now()
	var (
		resp      *openrtb2.BidResponse
		hedged    bool
		cancelled bool
	)
	err := breaker.ExecuteExcluding(func() error {
		var callErr error
		resp, hedged, callErr = e.invoke(callCtx, d, req)
		return callErr
	}, func(error) bool {
		cancelled = callerGone(callCtx)
		return cancelled
	})
	latency := time.Since(start)

	c := call{outcome: AdapterOutcome{AdapterID: d.ID, Latency: latency, Hedged: hedged}}

	switch {
	case err == nil:
		c.outcome.Status = StatusResponded
		c.bids = collectBids(d.ID, resp, log)
		c.outcome.Bids = len(c.bids)
		e.recorder.RecordAdapterRequest(d.ID, latency, false, false)
		for _, b := range c.bids {
			e.recorder.RecordBid(d.ID, b.Bid.Price)
		}
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		c.outcome.Status = StatusRejected
		c.outcome.Error = err.Error()
		e.recorder.RecordAdapterRejected(d.ID)
	case cancelled:
		c.outcome.Status = StatusCancelled
		c.outcome.Error = err.Error()
		log.Debug().Err(err).Dur("latency", latency).Msg("Adapter call abandoned by caller")
	case errors.Is(err, context.DeadlineExceeded):
		c.outcome.Status = StatusTimeout
		c.outcome.Error = err.Error()
		e.recorder.RecordAdapterRequest(d.ID, latency, true, true)
		log.Debug().Dur("latency", latency).Bool("hedged", hedged).Msg("Adapter timed out")
	default:
		c.outcome.Status = StatusError
		c.outcome.Error = err.Error()
		e.recorder.RecordAdapterRequest(d.ID, latency, true, false)
		log.Debug().Err(err).Dur("latency", latency).Msg("Adapter call failed")
	}
	return c
}

// callerGone reports whether ctx ended for a reason other than the adapter
// or round deadline
func callerGone(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return !errors.Is(cause, errAdapterTimeout) && !errors.Is(cause, errRoundTimeout)
}

// invoke runs the caller in its own goroutine so a caller that ignores ctx
// cannot hold the round past the deadline. With hedging on, one backup call
// starts if the first is still pending after the hedge delay, and the first
// successful reply wins. The second return reports whether a backup was sent.
func (e *Engine) invoke(ctx context.Context, d adapters.Descriptor, req *openrtb2.BidRequest) (*openrtb2.BidResponse, bool, error) {
	type reply struct {
		resp *openrtb2.BidResponse
		err  error
	}
	done := make(chan reply, 2)

	launch := func() {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- reply{err: fmt.Errorf("adapter %s panicked: %v", d.ID, r)}
				}
			}()
			resp, err := e.caller.Call(ctx, d, req)
			done <- reply{resp: resp, err: err}
		}()
	}

	launch()
	pending, hedged := 1, false

	var hedge <-chan time.Time
	if delay := e.hedgeDelay(ctx); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		hedge = timer.C
	}

	for {
		select {
		case r := <-done:
			pending--
			if r.err == nil || pending == 0 {
				return r.resp, hedged, r.err
			}
		case <-hedge:
			hedge = nil
			hedged = true
			pending++
			launch()
		case <-ctx.Done():
			return nil, hedged, ctx.Err()
		}
	}
}

// hedgeDelay returns the wait before a backup call, or 0 for none. The
// backup always gets at least half of the time left on ctx.
func (e *Engine) hedgeDelay(ctx context.Context) time.Duration {
	delay := e.config.HedgeDelay
	if delay <= 0 {
		return 0
	}
	if deadline, ok := ctx.Deadline(); ok {
		if half := time.Until(deadline) / 2; delay > half {
			delay = half
		}
	}
	if delay <= 0 {
		return 0
	}
	return delay
}

// collectBids flattens a response into adapter-tagged bids, dropping bids
// without a positive price
func collectBids(adapterID string, resp *openrtb2.BidResponse, log zerolog.Logger) []AdapterBid {
	if resp == nil {
		return nil
	}
	var bids []AdapterBid
	for _, sb := range resp.SeatBid {
		seat := sb.Seat
		if seat == "" {
			seat = adapterID
		}
		for _, b := range sb.Bid {
			if b.Price <= 0 {
				log.Debug().Str("bid_id", b.ID).Float64("price", b.Price).Msg("Dropping bid without a positive price")
				continue
			}
			bids = append(bids, AdapterBid{AdapterID: adapterID, Seat: seat, Bid: b})
		}
	}
	return bids
}

// buildResponse creates the OpenRTB response for the winning bid, priced at
// the clearing price
func (e *Engine) buildResponse(req *openrtb2.BidRequest, result *Result) *openrtb2.BidResponse {
	bid := result.Winner.Bid
	bid.Price = result.Winner.ClearingPrice

	return &openrtb2.BidResponse{
		ID:    req.ID,
		BidID: result.AuctionID,
		Cur:   e.config.Currency,
		SeatBid: []openrtb2.SeatBid{{
			Seat: result.Winner.Seat,
			Bid:  []openrtb2.Bid{bid},
		}},
	}
}
