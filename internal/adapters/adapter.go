// Package adapters provides the demand adapter framework
package adapters

import (
	"context"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
)

// Descriptor is the static configuration of one demand adapter
type Descriptor struct {
	ID       string        `mapstructure:"id" json:"id"`
	Name     string        `mapstructure:"name" json:"name"`
	Endpoint string        `mapstructure:"endpoint" json:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
	Seats    []string      `mapstructure:"seats" json:"seats,omitempty"`
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Priority int           `mapstructure:"priority" json:"priority"` // lower = preferred
}

// DefaultTimeout applies to descriptors configured without a timeout
const DefaultTimeout = 500 * time.Millisecond

// EffectiveTimeout returns the per-call timeout for this adapter
func (d Descriptor) EffectiveTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// AnswersTo reports whether the adapter is named by an allowlist entry,
// either by its identifier or by one of its seat names.
func (d Descriptor) AnswersTo(entry string) bool {
	if entry == d.ID {
		return true
	}
	for _, seat := range d.Seats {
		if seat == entry {
			return true
		}
	}
	return false
}

// Caller invokes a single adapter. Implementations must honour ctx
// cancellation; the engine bounds every call with the adapter's timeout.
type Caller interface {
	Call(ctx context.Context, adapter Descriptor, request *openrtb2.BidRequest) (*openrtb2.BidResponse, error)
}

// CallerFunc adapts a function to the Caller interface
type CallerFunc func(ctx context.Context, adapter Descriptor, request *openrtb2.BidRequest) (*openrtb2.BidResponse, error)

// Call implements Caller
func (f CallerFunc) Call(ctx context.Context, adapter Descriptor, request *openrtb2.BidRequest) (*openrtb2.BidResponse, error) {
	return f(ctx, adapter, request)
}
