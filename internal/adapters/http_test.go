package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *openrtb2.BidRequest {
	return &openrtb2.BidRequest{
		ID: "req-1",
		Imp: []openrtb2.Imp{
			{ID: "imp-1", Banner: &openrtb2.Banner{}, BidFloor: 0.5, BidFloorCur: "EUR"},
			{ID: "imp-2", Banner: &openrtb2.Banner{}},
		},
		App: &openrtb2.App{ID: "app-1"},
	}
}

func TestHTTPCaller_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req openrtb2.BidRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"USD"}, req.Cur)
		assert.Equal(t, "EUR", req.Imp[0].BidFloorCur, "floor currency is never relabelled")
		assert.Equal(t, 0.5, req.Imp[0].BidFloor)
		assert.Equal(t, "USD", req.Imp[1].BidFloorCur)

		json.NewEncoder(w).Encode(openrtb2.BidResponse{
			ID: req.ID,
			SeatBid: []openrtb2.SeatBid{{
				Seat: "admob",
				Bid:  []openrtb2.Bid{{ID: "b1", ImpID: "imp-1", Price: 1.25}},
			}},
		})
	}))
	defer server.Close()

	caller := NewHTTPCaller(server.Client(), "USD")
	req := testRequest()

	resp, err := caller.Call(context.Background(), Descriptor{ID: "admob", Endpoint: server.URL}, req)
	require.NoError(t, err)

	require.Len(t, resp.SeatBid, 1)
	require.Len(t, resp.SeatBid[0].Bid, 1)
	assert.Equal(t, 1.25, resp.SeatBid[0].Bid[0].Price)
	assert.Empty(t, req.Imp[1].BidFloorCur, "caller must not mutate the shared request")
}

func TestHTTPCaller_ForwardsOnlyBuyerSeats(t *testing.T) {
	seen := make(chan []string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openrtb2.BidRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen <- req.WSeat
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	caller := NewHTTPCaller(server.Client(), "USD")
	adapter := Descriptor{ID: "admob", Endpoint: server.URL, Seats: []string{"seat-1", "seat-2"}}

	req := testRequest()
	req.WSeat = []string{"admob", "unity", "seat-2"}
	_, err := caller.Call(context.Background(), adapter, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"seat-2"}, <-seen)
	assert.Equal(t, []string{"admob", "unity", "seat-2"}, req.WSeat)

	req.WSeat = []string{"admob"}
	_, err = caller.Call(context.Background(), adapter, req)
	require.NoError(t, err)
	assert.Empty(t, <-seen, "adapter ids never reach the bidder")
}

func TestHTTPCaller_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	resp, err := NewHTTPCaller(nil, "").Call(context.Background(), Descriptor{ID: "admob", Endpoint: server.URL}, testRequest())
	require.NoError(t, err)
	assert.Empty(t, resp.SeatBid)
}

func TestHTTPCaller_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPCaller(nil, "USD").Call(context.Background(), Descriptor{ID: "admob", Endpoint: server.URL}, testRequest())

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestHTTPCaller_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer server.Close()

	_, err := NewHTTPCaller(nil, "USD").Call(context.Background(), Descriptor{ID: "admob", Endpoint: server.URL}, testRequest())
	assert.ErrorContains(t, err, "decode")
}

func TestHTTPCaller_ResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat(" ", maxResponseSize+10)))
	}))
	defer server.Close()

	_, err := NewHTTPCaller(nil, "USD").Call(context.Background(), Descriptor{ID: "admob", Endpoint: server.URL}, testRequest())
	assert.ErrorContains(t, err, "too large")
}

func TestHTTPCaller_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPCaller(nil, "USD").Call(ctx, Descriptor{ID: "admob", Endpoint: server.URL}, testRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPCaller_MissingEndpoint(t *testing.T) {
	_, err := NewHTTPCaller(nil, "USD").Call(context.Background(), Descriptor{ID: "admob"}, testRequest())
	assert.Error(t, err)
}

func TestCallerFunc(t *testing.T) {
	var c Caller = CallerFunc(func(ctx context.Context, a Descriptor, r *openrtb2.BidRequest) (*openrtb2.BidResponse, error) {
		return &openrtb2.BidResponse{ID: a.ID}, nil
	})

	resp, err := c.Call(context.Background(), Descriptor{ID: "x"}, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "x", resp.ID)
}
