// Package landscape records completed auction results for bid-landscape and
// transparency analysis
package landscape

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/auction"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// Config holds sink configuration
type Config struct {
	Key        string        `mapstructure:"key"`
	MaxEntries int64         `mapstructure:"max_entries"`
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Key:        "mediation:landscape",
		MaxEntries: 100000,
		BufferSize: 1000,
		Timeout:    time.Second,
	}
}

// Record is the stored form of an auction result
type Record struct {
	AuctionID     string                   `json:"auction_id"`
	RequestID     string                   `json:"request_id"`
	Success       bool                     `json:"success"`
	NoBidReason   string                   `json:"no_bid_reason,omitempty"`
	BelowFloor    bool                     `json:"below_floor,omitempty"`
	Winner        string                   `json:"winner,omitempty"`
	ClearingPrice float64                  `json:"clearing_price,omitempty"`
	Floor         float64                  `json:"floor,omitempty"`
	DurationMs    float64                  `json:"duration_ms"`
	Bids          []Bid                    `json:"bids"`
	Adapters      []auction.AdapterOutcome `json:"adapters,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// Bid is one landscape entry
type Bid struct {
	AdapterID string   `json:"adapter_id"`
	BidID     string   `json:"bid_id"`
	ImpID     string   `json:"imp_id"`
	Price     float64  `json:"price"`
	CrID      string   `json:"crid,omitempty"`
	CID       string   `json:"cid,omitempty"`
	ADomain   []string `json:"adomain,omitempty"`
}

// NewRecord converts an auction result
func NewRecord(r *auction.Result) Record {
	rec := Record{
		AuctionID:   r.AuctionID,
		RequestID:   r.RequestID,
		Success:     r.Success,
		NoBidReason: string(r.NoBidReason),
		BelowFloor:  r.BelowFloor,
		DurationMs:  float64(r.Metrics.Duration.Microseconds()) / 1000,
		Bids:        make([]Bid, len(r.Bids)),
		Adapters:    r.Adapters,
		Timestamp:   r.Timestamp,
	}
	if r.Winner != nil {
		rec.Winner = r.Winner.AdapterID
		rec.ClearingPrice = r.Winner.ClearingPrice
		rec.Floor = r.Winner.Floor
	}
	for i, b := range r.Bids {
		rec.Bids[i] = Bid{
			AdapterID: b.AdapterID,
			BidID:     b.Bid.ID,
			ImpID:     b.Bid.ImpID,
			Price:     b.Bid.Price,
			CrID:      b.Bid.CrID,
			CID:       b.Bid.CID,
			ADomain:   b.Bid.ADomain,
		}
	}
	return rec
}

// NopSink discards results
type NopSink struct{}

// Record implements the sink
func (NopSink) Record(*auction.Result) {}

// Close implements the sink
func (NopSink) Close() error { return nil }

// RedisSink appends results to a capped Redis list from a background
// goroutine. Record never blocks; when the buffer is full the result is
// dropped and counted.
type RedisSink struct {
	client  goredis.Cmdable
	config  Config
	queue   chan *auction.Result
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	written atomic.Int64
}

// NewRedisSink creates a sink and starts its writer
func NewRedisSink(client goredis.Cmdable, config Config) *RedisSink {
	d := DefaultConfig()
	if config.Key == "" {
		config.Key = d.Key
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = d.MaxEntries
	}
	if config.BufferSize <= 0 {
		config.BufferSize = d.BufferSize
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}

	s := &RedisSink{
		client: client,
		config: config,
		queue:  make(chan *auction.Result, config.BufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues a result for writing
func (s *RedisSink) Record(result *auction.Result) {
	if result == nil {
		return
	}
	defer func() {
		// Record after Close
		if recover() != nil {
			s.dropped.Add(1)
		}
	}()

	select {
	case s.queue <- result:
	default:
		if s.dropped.Add(1)%100 == 1 {
			l := logger.Component("landscape")
			l.Warn().
				Int64("dropped", s.dropped.Load()).
				Msg("Landscape buffer full, dropping results")
		}
	}
}

// Close stops accepting results and waits for queued ones to be written
func (s *RedisSink) Close() error {
	s.once.Do(func() {
		close(s.queue)
	})
	<-s.done
	return nil
}

// Dropped returns the number of results discarded
func (s *RedisSink) Dropped() int64 {
	return s.dropped.Load()
}

// Written returns the number of results stored
func (s *RedisSink) Written() int64 {
	return s.written.Load()
}

func (s *RedisSink) run() {
	defer close(s.done)
	for result := range s.queue {
		if err := s.write(result); err != nil {
			l := logger.Component("landscape")
			l.Warn().
				Err(err).
				Str("auction_id", result.AuctionID).
				Msg("Failed to record auction result")
			continue
		}
		s.written.Add(1)
	}
}

func (s *RedisSink) write(result *auction.Result) error {
	data, err := json.Marshal(NewRecord(result))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, s.config.Key, data)
		pipe.LTrim(ctx, s.config.Key, -s.config.MaxEntries, -1)
		return nil
	})
	return err
}
