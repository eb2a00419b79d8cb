// Package performance supplies adapter success rates for the smart waterfall
package performance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// DefaultKey is the Redis hash holding adapter id -> success rate
const DefaultKey = "mediation:adapter_performance"

// Source provides the current adapter success-rate table
type Source interface {
	Snapshot() map[string]float64
}

// StaticSource is a fixed success-rate table
type StaticSource map[string]float64

// Snapshot implements Source
func (s StaticSource) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store keeps a copy of the Redis success-rate hash, refreshed periodically.
// The last good table is kept when a refresh fails.
type Store struct {
	mu            sync.RWMutex
	rates         map[string]float64
	client        goredis.Cmdable
	key           string
	refreshPeriod time.Duration
	lastRefresh   time.Time
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewStore creates a store
func NewStore(client goredis.Cmdable, key string, refreshPeriod time.Duration) *Store {
	if key == "" {
		key = DefaultKey
	}
	if refreshPeriod <= 0 {
		refreshPeriod = 30 * time.Second
	}
	return &Store{
		rates:         make(map[string]float64),
		client:        client,
		key:           key,
		refreshPeriod: refreshPeriod,
		stopChan:      make(chan struct{}),
	}
}

// Start loads the table and refreshes it in the background until Stop or
// ctx cancellation. A failed initial load is returned but the refresh loop
// still runs.
func (s *Store) Start(ctx context.Context) error {
	err := s.Refresh(ctx)
	go s.refreshLoop(ctx)
	if err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}
	return nil
}

// Stop ends the background refresh
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

func (s *Store) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				l := logger.Component("performance")
				l.Warn().Err(err).Msg("Failed to refresh adapter performance")
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Refresh reloads the table from Redis. Entries that are not numbers in
// [0, 1] are skipped.
func (s *Store) Refresh(ctx context.Context) error {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("failed to get adapter performance from Redis: %w", err)
	}

	rates := make(map[string]float64, len(raw))
	for adapterID, value := range raw {
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil || rate < 0 || rate > 1 {
			l := logger.Component("performance")
			l.Warn().
				Str("adapter", adapterID).
				Str("value", value).
				Msg("Ignoring invalid success rate")
			continue
		}
		rates[adapterID] = rate
	}

	s.mu.Lock()
	s.rates = rates
	s.lastRefresh = time.Now()
	s.mu.Unlock()
	return nil
}

// Snapshot implements Source
func (s *Store) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.rates))
	for k, v := range s.rates {
		out[k] = v
	}
	return out
}

// LastRefresh returns when the table was last loaded
func (s *Store) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}
