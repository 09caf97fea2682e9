package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	domain "github.com/marketday/api/internal/domain"
	"github.com/marketday/api/internal/repositories"
)

const (
	// DefaultTraditionalCutoffHours gives vendors a market day's notice.
	DefaultTraditionalCutoffHours = 18.0
	// DefaultPrivatePickupCutoffHours is the shorter lead time for vendor-owned pickup points.
	DefaultPrivatePickupCutoffHours = 10.0

	daysPerWeek = 7
)

var (
	// ErrAvailabilityInvalidInput signals a malformed availability request.
	ErrAvailabilityInvalidInput = errors.New("availability: invalid input")
	// ErrAvailabilityNotFound indicates the listing is unknown.
	ErrAvailabilityNotFound = errors.New("availability: listing not found")
	// ErrAvailabilityClosed indicates no market for the listing is accepting orders.
	ErrAvailabilityClosed = errors.New("availability: listing is not accepting orders")
	// ErrAvailabilityUnavailable indicates the market store could not be reached.
	ErrAvailabilityUnavailable = errors.New("availability: repository unavailable")
)

// CutoffPolicy holds the per-type cutoff defaults used when a market does not set its own.
type CutoffPolicy struct {
	TraditionalHours   float64
	PrivatePickupHours float64
}

// DefaultCutoffPolicy returns the standard cutoff defaults.
func DefaultCutoffPolicy() CutoffPolicy {
	return CutoffPolicy{
		TraditionalHours:   DefaultTraditionalCutoffHours,
		PrivatePickupHours: DefaultPrivatePickupCutoffHours,
	}
}

// CutoffHoursFor resolves the cutoff for a market: its own value when set, otherwise the type default.
func (p CutoffPolicy) CutoffHoursFor(market domain.Market) float64 {
	if market.CutoffHours != nil && *market.CutoffHours >= 0 {
		return *market.CutoffHours
	}
	if market.Type == domain.MarketTypePrivatePickup {
		if p.PrivatePickupHours > 0 {
			return p.PrivatePickupHours
		}
		return DefaultPrivatePickupCutoffHours
	}
	if p.TraditionalHours > 0 {
		return p.TraditionalHours
	}
	return DefaultTraditionalCutoffHours
}

type scheduleOccurrence struct {
	schedule domain.MarketSchedule
	start    time.Time
	cutoff   time.Time
}

// ComputeAvailability evaluates a market's weekly schedule against now. It returns nil when the market is
// inactive or has no usable active schedule.
func ComputeAvailability(market domain.Market, now time.Time, policy CutoffPolicy) *domain.ProcessedMarketAvailability {
	if !market.Active {
		return nil
	}

	loc := marketLocation(market.Timezone)
	cutoffHours := policy.CutoffHoursFor(market)
	lead := time.Duration(cutoffHours * float64(time.Hour))

	var (
		earliest       *scheduleOccurrence
		earliestAccept *scheduleOccurrence
	)
	for _, schedule := range market.Schedules {
		if !schedule.Active {
			continue
		}
		start, ok := nextOccurrence(schedule, now, loc)
		if !ok {
			continue
		}
		occ := &scheduleOccurrence{schedule: schedule, start: start, cutoff: start.Add(-lead)}
		if earliest == nil || occ.start.Before(earliest.start) {
			earliest = occ
		}
		if now.Before(occ.cutoff) && (earliestAccept == nil || occ.start.Before(earliestAccept.start)) {
			earliestAccept = occ
		}
	}
	if earliest == nil {
		return nil
	}

	chosen := earliest
	if earliestAccept != nil {
		chosen = earliestAccept
	}
	nextPickup := chosen.start.UTC()
	cutoff := chosen.cutoff.UTC()

	return &domain.ProcessedMarketAvailability{
		MarketID:     market.ID,
		MarketName:   market.Name,
		MarketType:   market.Type,
		Address:      market.Address,
		City:         market.City,
		State:        market.State,
		IsAccepting:  earliestAccept != nil,
		NextPickupAt: &nextPickup,
		CutoffAt:     &cutoff,
		StartTime:    chosen.schedule.StartTime,
		EndTime:      chosen.schedule.EndTime,
		CutoffHours:  cutoffHours,
	}
}

// AggregateAvailability combines per-market availability for a listing. Accepting markets sort first, then
// closed ones, each group by market name.
func AggregateAvailability(listingID string, markets []domain.Market, now time.Time, policy CutoffPolicy) domain.ListingAvailability {
	result := domain.ListingAvailability{
		ListingID: listingID,
		Markets:   make([]domain.ProcessedMarketAvailability, 0, len(markets)),
	}
	for _, market := range markets {
		processed := ComputeAvailability(market, now, policy)
		if processed == nil {
			continue
		}
		if processed.IsAccepting {
			result.IsAcceptingOrders = true
		}
		result.Markets = append(result.Markets, *processed)
	}

	slices.SortStableFunc(result.Markets, func(a, b domain.ProcessedMarketAvailability) int {
		if a.IsAccepting != b.IsAccepting {
			if a.IsAccepting {
				return -1
			}
			return 1
		}
		if c := strings.Compare(strings.ToLower(a.MarketName), strings.ToLower(b.MarketName)); c != 0 {
			return c
		}
		return strings.Compare(a.MarketID, b.MarketID)
	})
	return result
}

// nextOccurrence finds the next start of the weekly slot at or after now, building the instant from the
// target date's wall clock so the zone's offset on that date applies.
func nextOccurrence(schedule domain.MarketSchedule, now time.Time, loc *time.Location) (time.Time, bool) {
	if schedule.DayOfWeek < time.Sunday || schedule.DayOfWeek > time.Saturday {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(schedule.StartTime)
	if !ok {
		return time.Time{}, false
	}

	local := now.In(loc)
	days := (int(schedule.DayOfWeek) - int(local.Weekday()) + daysPerWeek) % daysPerWeek
	candidate := time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, loc)
	if days == 0 && !now.Before(candidate) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+daysPerWeek, hour, minute, 0, 0, loc)
	}
	return candidate, true
}

// parseClock accepts HH:MM and HH:MM:SS; seconds are ignored since schedules are whole minutes.
func parseClock(value string) (int, int, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func marketLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		name = domain.DefaultMarketTimezone
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(domain.DefaultMarketTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// AvailabilityServiceDeps bundles collaborators required to construct the availability service.
type AvailabilityServiceDeps struct {
	Markets repositories.MarketRepository
	Policy  CutoffPolicy
	Clock   func() time.Time
	Metrics AvailabilityMetrics
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type availabilityService struct {
	markets repositories.MarketRepository
	policy  CutoffPolicy
	clock   func() time.Time
	metrics AvailabilityMetrics
	logger  func(context.Context, string, map[string]any)
}

var _ AvailabilityService = (*availabilityService)(nil)

// NewAvailabilityService wires the market repository into an AvailabilityService.
func NewAvailabilityService(deps AvailabilityServiceDeps) (AvailabilityService, error) {
	if deps.Markets == nil {
		return nil, errors.New("availability service: market repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := deps.Policy
	if policy.TraditionalHours <= 0 && policy.PrivatePickupHours <= 0 {
		policy = DefaultCutoffPolicy()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopAvailabilityMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &availabilityService{
		markets: deps.Markets,
		policy:  policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (s *availabilityService) ListingAvailability(ctx context.Context, listingID string) (domain.ListingAvailability, error) {
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return domain.ListingAvailability{}, fmt.Errorf("%w: listing id is required", ErrAvailabilityInvalidInput)
	}

	markets, err := s.markets.ListForListing(ctx, listingID)
	if err != nil {
		return domain.ListingAvailability{}, s.mapRepositoryError(err)
	}

	result := AggregateAvailability(listingID, markets, s.clock(), s.policy)
	s.metrics.AvailabilityChecked(result.IsAcceptingOrders)
	return result, nil
}

func (s *availabilityService) EnsureOrderable(ctx context.Context, listingID string) (domain.ListingAvailability, error) {
	result, err := s.ListingAvailability(ctx, listingID)
	if err != nil {
		return domain.ListingAvailability{}, err
	}
	if !result.IsAcceptingOrders {
		s.logger(ctx, "availability.closed", map[string]any{
			"listingId": result.ListingID,
			"markets":   len(result.Markets),
		})
		return result, fmt.Errorf("%w: %s", ErrAvailabilityClosed, result.ListingID)
	}
	return result, nil
}

func (s *availabilityService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrAvailabilityNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrAvailabilityUnavailable, err)
		}
	}
	return err
}

type noopAvailabilityMetrics struct{}

func (noopAvailabilityMetrics) AvailabilityChecked(bool) {}
