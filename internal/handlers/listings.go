package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marketday/api/internal/platform/httpx"
	"github.com/marketday/api/internal/services"
)

type marketAvailabilityResponse struct {
	MarketID     string  `json:"marketId"`
	MarketName   string  `json:"marketName"`
	MarketType   string  `json:"marketType"`
	Address      string  `json:"address,omitempty"`
	City         string  `json:"city,omitempty"`
	State        string  `json:"state,omitempty"`
	IsAccepting  bool    `json:"isAccepting"`
	NextPickupAt *string `json:"nextPickupAt,omitempty"`
	CutoffAt     *string `json:"cutoffAt,omitempty"`
	StartTime    string  `json:"startTime,omitempty"`
	EndTime      string  `json:"endTime,omitempty"`
	CutoffHours  float64 `json:"cutoffHours"`
}

type listingAvailabilityResponse struct {
	ListingID         string                       `json:"listingId"`
	IsAcceptingOrders bool                         `json:"isAcceptingOrders"`
	Markets           []marketAvailabilityResponse `json:"markets"`
}

// ListingHandlers serves public listing endpoints.
type ListingHandlers struct {
	availability services.AvailabilityService
}

// NewListingHandlers constructs ListingHandlers.
func NewListingHandlers(availability services.AvailabilityService) *ListingHandlers {
	return &ListingHandlers{availability: availability}
}

// Routes registers the /listings endpoints. They are public.
func (h *ListingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{listingID}/availability", h.getAvailability)
}

func (h *ListingHandlers) getAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.availability == nil {
		httpx.WriteError(ctx, w, httpx.NewError("availability_unavailable", "availability service unavailable", http.StatusServiceUnavailable))
		return
	}

	listingID := strings.TrimSpace(chi.URLParam(r, "listingID"))
	result, err := h.availability.ListingAvailability(ctx, listingID)
	if err != nil {
		writeAvailabilityError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newListingAvailabilityResponse(result))
}

func newListingAvailabilityResponse(result services.ListingAvailability) listingAvailabilityResponse {
	markets := make([]marketAvailabilityResponse, 0, len(result.Markets))
	for _, m := range result.Markets {
		markets = append(markets, marketAvailabilityResponse{
			MarketID:     m.MarketID,
			MarketName:   m.MarketName,
			MarketType:   string(m.MarketType),
			Address:      m.Address,
			City:         m.City,
			State:        m.State,
			IsAccepting:  m.IsAccepting,
			NextPickupAt: formatOptionalTime(m.NextPickupAt),
			CutoffAt:     formatOptionalTime(m.CutoffAt),
			StartTime:    m.StartTime,
			EndTime:      m.EndTime,
			CutoffHours:  m.CutoffHours,
		})
	}
	return listingAvailabilityResponse{
		ListingID:         result.ListingID,
		IsAcceptingOrders: result.IsAcceptingOrders,
		Markets:           markets,
	}
}

func writeAvailabilityError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrAvailabilityInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAvailabilityNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("listing_not_found", "listing not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAvailabilityUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("availability_unavailable", "availability temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("availability_error", "failed to compute availability", http.StatusInternalServerError))
	}
}
