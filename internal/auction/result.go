package auction

import (
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/openrtb/v20/openrtb3"
)

// NoBidReason explains why a round produced no usable bid. The values are
// part of the consumer contract and must not change.
type NoBidReason string

const (
	NoBidInvalidRequest   NoBidReason = "InvalidRequest"
	NoBidBlockedPublisher NoBidReason = "BlockedPublisher"
	NoBidUnmatchedUser    NoBidReason = "UnmatchedUser"
	NoBidTechnicalError   NoBidReason = "TechnicalError"
)

// Code maps the reason onto the OpenRTB no-bid reason list
func (r NoBidReason) Code() openrtb3.NoBidReason {
	switch r {
	case NoBidInvalidRequest:
		return openrtb3.NoBidInvalidRequest
	case NoBidBlockedPublisher:
		return openrtb3.NoBidBlockedPublisher
	case NoBidUnmatchedUser:
		return openrtb3.NoBidReason(8)
	default:
		return openrtb3.NoBidTechnicalError
	}
}

// AdapterStatus is the outcome of one adapter call
type AdapterStatus string

const (
	StatusResponded AdapterStatus = "responded"
	StatusError     AdapterStatus = "error"
	StatusTimeout   AdapterStatus = "timeout"
	StatusRejected  AdapterStatus = "rejected"
	// StatusCancelled means the round's caller went away before the adapter
	// answered. The adapter's breaker is not charged.
	StatusCancelled AdapterStatus = "cancelled"
)

// AdapterOutcome records what happened to one adapter during a round
type AdapterOutcome struct {
	AdapterID string        `json:"adapter_id"`
	Status    AdapterStatus `json:"status"`
	Latency   time.Duration `json:"latency"`
	Bids      int           `json:"bids"`
	Error     string        `json:"error,omitempty"`
	Hedged    bool          `json:"hedged,omitempty"`
}

// AdapterBid is a bid tagged with the adapter that returned it
type AdapterBid struct {
	AdapterID string       `json:"adapter_id"`
	Seat      string       `json:"seat"`
	Bid       openrtb2.Bid `json:"bid"`
}

// Metrics is the per-round counter snapshot
type Metrics struct {
	Duration  time.Duration `json:"duration"`
	TotalBids int           `json:"total_bids"`
	Responses int           `json:"responses"`
	Timeouts  int           `json:"timeouts"`
	Errors    int           `json:"errors"`
}

// Winner is the cleared bid
type Winner struct {
	AdapterID     string       `json:"adapter_id"`
	Seat          string       `json:"seat"`
	Bid           openrtb2.Bid `json:"bid"`
	ClearingPrice float64      `json:"clearing_price"`
	Floor         float64      `json:"floor"`
}

// Result is the outcome of one auction round. It is not modified after
// ExecuteAuction returns.
type Result struct {
	AuctionID   string                `json:"auction_id"`
	RequestID   string                `json:"request_id"`
	Success     bool                  `json:"success"`
	Winner      *Winner               `json:"winner,omitempty"`
	Response    *openrtb2.BidResponse `json:"response,omitempty"`
	NoBidReason NoBidReason           `json:"no_bid_reason,omitempty"`
	// BelowFloor is set when bids were received but none cleared the floor.
	// NoBidReason stays TechnicalError in that case.
	BelowFloor bool             `json:"below_floor,omitempty"`
	Metrics    Metrics          `json:"metrics"`
	Bids       []AdapterBid     `json:"bids"`
	Adapters   []AdapterOutcome `json:"adapters,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NoBidResponse builds the empty OpenRTB response for a failed round
func NoBidResponse(requestID string, reason NoBidReason) *openrtb2.BidResponse {
	return &openrtb2.BidResponse{
		ID:  requestID,
		NBR: reason.Code().Ptr(),
	}
}
