package auction

import (
	"sort"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"
)

// Clearing is the outcome of price clearing
type Clearing struct {
	Winner     AdapterBid
	Price      float64
	Floor      float64
	BelowFloor bool
}

// Clear sorts bids by price, highest first, keeping arrival order among equal
// prices, and prices the top bid.
//
// With two or more bids the winner pays the second price plus the configured
// increment, capped at its own bid. A lone bid clears at the larger of its
// price and the floor. The floor is the winning impression's bidfloor, or the
// global floor when the impression has none. The round is below floor when
// either the top bid or the clearing price is under it.
func (e *Engine) Clear(req *openrtb2.BidRequest, bids []AdapterBid) Clearing {
	if len(bids) == 0 {
		return Clearing{}
	}

	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Bid.Price > bids[j].Bid.Price
	})

	winner := bids[0]
	floorValue := e.effectiveFloor(req, winner.Bid.ImpID)

	top := decimal.NewFromFloat(winner.Bid.Price)
	floor := decimal.NewFromFloat(floorValue)

	var price decimal.Decimal
	if len(bids) > 1 {
		second := decimal.NewFromFloat(bids[1].Bid.Price)
		price = decimal.Min(second.Add(e.increment), top)
	} else {
		price = decimal.Max(top, floor)
	}

	return Clearing{
		Winner:     winner,
		Price:      price.InexactFloat64(),
		Floor:      floorValue,
		BelowFloor: top.LessThan(floor) || price.LessThan(floor),
	}
}

// effectiveFloor returns the impression floor, falling back to the global floor
func (e *Engine) effectiveFloor(req *openrtb2.BidRequest, impID string) float64 {
	if req != nil {
		for i := range req.Imp {
			if req.Imp[i].ID == impID && req.Imp[i].BidFloor > 0 {
				return req.Imp[i].BidFloor
			}
		}
	}
	return e.config.GlobalFloor
}
