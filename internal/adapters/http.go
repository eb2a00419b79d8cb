package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/prebid/openrtb/v20/openrtb2"
)

// maxResponseSize limits adapter response size to prevent OOM attacks
const maxResponseSize = 1024 * 1024 // 1MB

// StatusError is returned for non-2xx adapter responses
type StatusError struct {
	Adapter    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("adapter %s returned status %d", e.Adapter, e.StatusCode)
}

// HTTPCaller POSTs OpenRTB requests to each adapter's endpoint
type HTTPCaller struct {
	client   *http.Client
	currency string
}

// NewHTTPCaller creates an HTTP caller. Timeouts come from the call context,
// so the client itself carries none.
func NewHTTPCaller(client *http.Client, currency string) *HTTPCaller {
	if client == nil {
		client = &http.Client{}
	}
	if currency == "" {
		currency = "USD"
	}
	return &HTTPCaller{client: client, currency: currency}
}

// Call implements Caller
func (c *HTTPCaller) Call(ctx context.Context, adapter Descriptor, request *openrtb2.BidRequest) (*openrtb2.BidResponse, error) {
	if adapter.Endpoint == "" {
		return nil, fmt.Errorf("adapter %s has no endpoint", adapter.ID)
	}

	body, err := json.Marshal(c.outgoing(adapter, request))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, adapter.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Openrtb-Version", "2.6")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call adapter %s: %w", adapter.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &openrtb2.BidResponse{ID: request.ID}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Adapter: adapter.ID, StatusCode: resp.StatusCode}
	}

	// Read one byte past the limit so oversized bodies are detected rather than truncated
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("response too large: exceeded %d bytes", maxResponseSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &openrtb2.BidResponse{ID: request.ID}, nil
	}

	var bidResp openrtb2.BidResponse
	if err := json.Unmarshal(data, &bidResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &bidResp, nil
}

// outgoing copies the request for one adapter. Adapters are asked to bid in
// the exchange currency; floors keep the currency they were set in. Only
// allowlist entries naming one of the adapter's buyer seats are forwarded,
// since the rest identify adapters rather than seats.
func (c *HTTPCaller) outgoing(adapter Descriptor, request *openrtb2.BidRequest) *openrtb2.BidRequest {
	clone := *request
	clone.Cur = []string{c.currency}
	clone.WSeat = buyerSeats(adapter, request.WSeat)

	if len(request.Imp) > 0 {
		clone.Imp = make([]openrtb2.Imp, len(request.Imp))
		copy(clone.Imp, request.Imp)
		for i := range clone.Imp {
			if clone.Imp[i].BidFloorCur == "" {
				clone.Imp[i].BidFloorCur = c.currency
			}
		}
	}
	return &clone
}

func buyerSeats(adapter Descriptor, wseat []string) []string {
	var seats []string
	for _, entry := range wseat {
		for _, seat := range adapter.Seats {
			if entry == seat {
				seats = append(seats, entry)
				break
			}
		}
	}
	return seats
}
