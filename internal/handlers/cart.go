package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/marketday/api/internal/platform/auth"
	"github.com/marketday/api/internal/platform/httpx"
	"github.com/marketday/api/internal/services"
)

const (
	maxCartListings         = 50
	cartValidateConcurrency = 8
)

type cartValidateRequest struct {
	ListingIDs []string `json:"listingIds"`
}

type cartListingResult struct {
	ListingID         string `json:"listingId"`
	IsAcceptingOrders bool   `json:"isAcceptingOrders"`
	Reason            string `json:"reason,omitempty"`
}

type cartValidateResponse struct {
	Valid    bool                `json:"valid"`
	Listings []cartListingResult `json:"listings"`
}

// CartHandlers gates checkout on listing availability.
type CartHandlers struct {
	authn        *auth.Authenticator
	availability services.AvailabilityService
}

// NewCartHandlers constructs CartHandlers.
func NewCartHandlers(authn *auth.Authenticator, availability services.AvailabilityService) *CartHandlers {
	return &CartHandlers{authn: authn, availability: availability}
}

// Routes registers POST /cart:validate against the API root.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/cart:validate", h.validate)
}

func (h *CartHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.availability == nil {
		httpx.WriteError(ctx, w, httpx.NewError("availability_unavailable", "availability service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cartValidateRequest
	if err := httpx.DecodeJSON(r, httpx.DefaultMaxBodyBytes, &req); err != nil {
		httpx.WriteDecodeError(w, r, err)
		return
	}
	ids := dedupeListingIDs(req.ListingIDs)
	if len(ids) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "listingIds is required", http.StatusBadRequest))
		return
	}
	if len(ids) > maxCartListings {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many listings", http.StatusBadRequest))
		return
	}

	results := make([]cartListingResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cartValidateConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, err := h.availability.EnsureOrderable(gctx, id)
			switch {
			case err == nil:
				results[i] = cartListingResult{ListingID: id, IsAcceptingOrders: true}
			case errors.Is(err, services.ErrAvailabilityClosed):
				results[i] = cartListingResult{ListingID: id, Reason: "not_accepting_orders"}
			case errors.Is(err, services.ErrAvailabilityNotFound):
				results[i] = cartListingResult{ListingID: id, Reason: "listing_not_found"}
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeAvailabilityError(ctx, w, err)
		return
	}

	resp := cartValidateResponse{Valid: true, Listings: results}
	for _, res := range results {
		if !res.IsAcceptingOrders {
			resp.Valid = false
			break
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func dedupeListingIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
