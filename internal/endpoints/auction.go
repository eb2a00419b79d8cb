// Package endpoints provides HTTP endpoint handlers
package endpoints

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/StreetsDigital/thenexusengine/mediation/internal/auction"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/performance"
	"github.com/StreetsDigital/thenexusengine/mediation/internal/waterfall"
	"github.com/StreetsDigital/thenexusengine/mediation/pkg/logger"
)

// AuctionHandler handles /openrtb2/auction requests
type AuctionHandler struct {
	waterfall   *waterfall.Orchestrator
	performance performance.Source // may be nil
}

// NewAuctionHandler creates a new auction handler. perf feeds smart
// waterfall ordering and may be nil.
func NewAuctionHandler(wf *waterfall.Orchestrator, perf performance.Source) *AuctionHandler {
	return &AuctionHandler{waterfall: wf, performance: perf}
}

// ServeHTTP handles the auction request
func (h *AuctionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var bidRequest openrtb2.BidRequest
	if err := json.Unmarshal(body, &bidRequest); err != nil {
		l := logger.HTTP()
		l.Warn().Err(err).Msg("Invalid JSON in bid request")
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}

	ctx := logger.WithRequestID(r.Context(), bidRequest.ID)

	var opts waterfall.Options
	if h.waterfall.Config().Smart && h.performance != nil {
		opts.Performance = h.performance.Snapshot()
	}

	result := h.waterfall.ExecuteWithWaterfall(ctx, &bidRequest, opts)
	final := result.FinalResult

	var response *openrtb2.BidResponse
	if final.Success {
		// copy so debug ext never touches the recorded result
		resp := *final.Response
		response = &resp
	} else {
		response = auction.NoBidResponse(bidRequest.ID, final.NoBidReason)
	}
	if r.URL.Query().Get("debug") == "1" {
		if ext, err := json.Marshal(buildDebugExt(result)); err == nil {
			response.Ext = ext
		}
	}

	status := http.StatusOK
	if final.NoBidReason == auction.NoBidInvalidRequest {
		status = http.StatusBadRequest
	}

	l := logger.FromContext(ctx)
	l.Debug().
		Bool("success", result.Success).
		Int("attempts", len(result.Attempts)).
		Str("no_bid_reason", string(final.NoBidReason)).
		Dur("duration", result.Duration).
		Msg("Auction request complete")

	writeJSON(w, status, response)
}

// DebugExt is the response extension returned with ?debug=1
type DebugExt struct {
	AuctionID    string                   `json:"auction_id"`
	Attempts     int                      `json:"attempts"`
	FallbackUsed bool                     `json:"fallback_used"`
	BelowFloor   bool                     `json:"below_floor,omitempty"`
	NoBidReason  auction.NoBidReason      `json:"no_bid_reason,omitempty"`
	DurationMS   int64                    `json:"duration_ms"`
	Adapters     []auction.AdapterOutcome `json:"adapters,omitempty"`
}

func buildDebugExt(result *waterfall.Result) DebugExt {
	final := result.FinalResult
	return DebugExt{
		AuctionID:    final.AuctionID,
		Attempts:     len(result.Attempts),
		FallbackUsed: result.FallbackUsed,
		BelowFloor:   final.BelowFloor,
		NoBidReason:  final.NoBidReason,
		DurationMS:   result.Duration.Milliseconds(),
		Adapters:     final.Adapters,
	}
}

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// StatusHandler handles /status requests
type StatusHandler struct{}

// NewStatusHandler creates a new status handler
func NewStatusHandler() *StatusHandler {
	return &StatusHandler{}
}

// ServeHTTP handles status requests
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
