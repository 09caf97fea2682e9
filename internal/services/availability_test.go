package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/marketday/api/internal/domain"
)

type stubMarketRepo struct {
	listFn func(context.Context, string) ([]domain.Market, error)
}

func (s *stubMarketRepo) ListForListing(ctx context.Context, listingID string) ([]domain.Market, error) {
	if s.listFn != nil {
		return s.listFn(ctx, listingID)
	}
	return nil, nil
}

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

func hours(v float64) *float64 { return &v }

func chicagoMarket(name string, schedules ...domain.MarketSchedule) domain.Market {
	return domain.Market{
		ID:        "mkt_" + name,
		Name:      name,
		Type:      domain.MarketTypeTraditional,
		Timezone:  "America/Chicago",
		Active:    true,
		Schedules: schedules,
	}
}

func slot(day time.Weekday, start, end string) domain.MarketSchedule {
	return domain.MarketSchedule{DayOfWeek: day, StartTime: start, EndTime: end, Active: true}
}

func TestComputeAvailabilityAcrossFallBack(t *testing.T) {
	market := chicagoMarket("Downtown", slot(time.Friday, "17:00", "20:00"))
	// Friday 2025-10-31 18:00 CDT, after this week's start; next slot falls after the November change to CST.
	now := time.Date(2025, time.October, 31, 23, 0, 0, 0, time.UTC)

	got := ComputeAvailability(market, now, DefaultCutoffPolicy())
	if got == nil {
		t.Fatalf("expected availability")
	}
	wantPickup := time.Date(2025, time.November, 7, 23, 0, 0, 0, time.UTC)
	if !got.NextPickupAt.Equal(wantPickup) {
		t.Fatalf("expected next pickup %s, got %s", wantPickup, got.NextPickupAt)
	}
	wantCutoff := time.Date(2025, time.November, 7, 5, 0, 0, 0, time.UTC)
	if !got.CutoffAt.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %s, got %s", wantCutoff, got.CutoffAt)
	}
	if !got.IsAccepting {
		t.Fatalf("expected market to accept orders")
	}
	if got.CutoffHours != DefaultTraditionalCutoffHours {
		t.Fatalf("expected default cutoff hours, got %v", got.CutoffHours)
	}
}

func TestComputeAvailabilityCutoffShiftsByDSTDelta(t *testing.T) {
	market := chicagoMarket("Downtown", slot(time.Friday, "17:00", "20:00"))
	before := ComputeAvailability(market, time.Date(2025, time.October, 27, 12, 0, 0, 0, time.UTC), DefaultCutoffPolicy())
	after := ComputeAvailability(market, time.Date(2025, time.November, 3, 12, 0, 0, 0, time.UTC), DefaultCutoffPolicy())
	if before == nil || after == nil {
		t.Fatalf("expected availability for both weeks")
	}
	if delta := after.CutoffAt.Sub(*before.CutoffAt); delta != 7*24*time.Hour+time.Hour {
		t.Fatalf("expected cutoff to move by a week plus the DST hour, got %s", delta)
	}
}

func TestComputeAvailabilityAcrossSpringForward(t *testing.T) {
	market := chicagoMarket("Downtown", slot(time.Friday, "17:00", "20:00"))
	// Friday 2025-03-07 17:30 CST; the following Friday is in CDT.
	now := time.Date(2025, time.March, 7, 23, 30, 0, 0, time.UTC)

	got := ComputeAvailability(market, now, DefaultCutoffPolicy())
	want := time.Date(2025, time.March, 14, 22, 0, 0, 0, time.UTC)
	if got == nil || !got.NextPickupAt.Equal(want) {
		t.Fatalf("expected next pickup %s, got %+v", want, got)
	}
}

func TestComputeAvailabilitySameDayRollover(t *testing.T) {
	market := chicagoMarket("Midweek", slot(time.Wednesday, "09:00", "13:00"))
	// Wednesday 2025-06-04 10:00 CDT
	now := time.Date(2025, time.June, 4, 15, 0, 0, 0, time.UTC)

	got := ComputeAvailability(market, now, DefaultCutoffPolicy())
	want := time.Date(2025, time.June, 11, 14, 0, 0, 0, time.UTC)
	if got == nil || !got.NextPickupAt.Equal(want) {
		t.Fatalf("expected next pickup a week out at %s, got %+v", want, got)
	}
}

func TestComputeAvailabilityEarliestAcceptingWins(t *testing.T) {
	market := chicagoMarket("Twice Weekly",
		slot(time.Wednesday, "09:00", "13:00"),
		slot(time.Saturday, "08:00", "12:00"),
	)
	// Wednesday 08:00 CDT: today's slot is upcoming but its cutoff already passed.
	now := time.Date(2025, time.June, 4, 13, 0, 0, 0, time.UTC)

	got := ComputeAvailability(market, now, DefaultCutoffPolicy())
	if got == nil || !got.IsAccepting {
		t.Fatalf("expected accepting availability, got %+v", got)
	}
	want := time.Date(2025, time.June, 7, 13, 0, 0, 0, time.UTC)
	if !got.NextPickupAt.Equal(want) {
		t.Fatalf("expected saturday pickup %s, got %s", want, got.NextPickupAt)
	}
	if got.StartTime != "08:00" || got.EndTime != "12:00" {
		t.Fatalf("expected saturday slot times, got %s-%s", got.StartTime, got.EndTime)
	}
}

func TestComputeAvailabilityClosedReportsEarliest(t *testing.T) {
	market := chicagoMarket("Wednesday Only", slot(time.Wednesday, "09:00", "13:00"))
	now := time.Date(2025, time.June, 4, 13, 0, 0, 0, time.UTC)

	got := ComputeAvailability(market, now, DefaultCutoffPolicy())
	if got == nil {
		t.Fatalf("expected availability")
	}
	if got.IsAccepting {
		t.Fatalf("expected market to be closed past cutoff")
	}
	want := time.Date(2025, time.June, 4, 14, 0, 0, 0, time.UTC)
	if !got.NextPickupAt.Equal(want) {
		t.Fatalf("expected today's pickup %s, got %s", want, got.NextPickupAt)
	}
}

func TestComputeAvailabilityCutoffDefaults(t *testing.T) {
	// Wednesday 2025-06-04 12:00 CDT; slot Thursday 06:00 CDT is 18h away.
	now := time.Date(2025, time.June, 4, 17, 0, 0, 0, time.UTC)

	traditional := chicagoMarket("Shared", slot(time.Thursday, "06:00", "10:00"))
	if got := ComputeAvailability(traditional, now, DefaultCutoffPolicy()); got == nil || got.IsAccepting {
		t.Fatalf("expected traditional market closed at the 18h boundary, got %+v", got)
	}

	private := traditional
	private.Type = domain.MarketTypePrivatePickup
	got := ComputeAvailability(private, now, DefaultCutoffPolicy())
	if got == nil || !got.IsAccepting || got.CutoffHours != DefaultPrivatePickupCutoffHours {
		t.Fatalf("expected private pickup accepting with 10h cutoff, got %+v", got)
	}

	custom := traditional
	custom.CutoffHours = hours(2)
	got = ComputeAvailability(custom, now, DefaultCutoffPolicy())
	if got == nil || !got.IsAccepting || got.CutoffHours != 2 {
		t.Fatalf("expected market override to apply, got %+v", got)
	}
}

func TestComputeAvailabilityInactive(t *testing.T) {
	now := time.Date(2025, time.June, 4, 17, 0, 0, 0, time.UTC)

	inactive := chicagoMarket("Closed", slot(time.Friday, "17:00", "20:00"))
	inactive.Active = false
	if got := ComputeAvailability(inactive, now, DefaultCutoffPolicy()); got != nil {
		t.Fatalf("expected nil for inactive market, got %+v", got)
	}

	off := slot(time.Friday, "17:00", "20:00")
	off.Active = false
	if got := ComputeAvailability(chicagoMarket("Dormant", off), now, DefaultCutoffPolicy()); got != nil {
		t.Fatalf("expected nil without active schedules, got %+v", got)
	}

	if got := ComputeAvailability(chicagoMarket("Empty"), now, DefaultCutoffPolicy()); got != nil {
		t.Fatalf("expected nil without schedules, got %+v", got)
	}
}

func TestComputeAvailabilityDefaultsTimezone(t *testing.T) {
	market := chicagoMarket("No Zone", slot(time.Friday, "17:00", "20:00"))
	market.Timezone = ""
	now := time.Date(2025, time.October, 31, 23, 0, 0, 0, time.UTC)
	got := ComputeAvailability(market, now, DefaultCutoffPolicy())
	want := time.Date(2025, time.November, 7, 23, 0, 0, 0, time.UTC)
	if got == nil || !got.NextPickupAt.Equal(want) {
		t.Fatalf("expected Chicago default, got %+v", got)
	}
}

func TestAggregateAvailabilityOneClosedOneOpen(t *testing.T) {
	// Wednesday 2025-06-04 08:00 CDT
	now := time.Date(2025, time.June, 4, 13, 0, 0, 0, time.UTC)
	closed := chicagoMarket("Alpha Market", slot(time.Wednesday, "09:00", "13:00"))
	open := chicagoMarket("Blue Market", slot(time.Saturday, "08:00", "12:00"))

	got := AggregateAvailability("lst_1", []domain.Market{closed, open}, now, DefaultCutoffPolicy())
	if !got.IsAcceptingOrders {
		t.Fatalf("expected listing to accept orders")
	}
	if len(got.Markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(got.Markets))
	}
	if got.Markets[0].MarketName != "Blue Market" || got.Markets[1].MarketName != "Alpha Market" {
		t.Fatalf("expected open market first, got %s then %s", got.Markets[0].MarketName, got.Markets[1].MarketName)
	}
}

func TestAggregateAvailabilitySortsByName(t *testing.T) {
	now := time.Date(2025, time.June, 4, 13, 0, 0, 0, time.UTC)
	inactive := chicagoMarket("Zed", slot(time.Saturday, "08:00", "12:00"))
	inactive.Active = false
	markets := []domain.Market{
		chicagoMarket("river", slot(time.Saturday, "08:00", "12:00")),
		chicagoMarket("Orchard", slot(time.Wednesday, "09:00", "13:00")),
		chicagoMarket("Farm Lane", slot(time.Saturday, "08:00", "12:00")),
		chicagoMarket("Harbor", slot(time.Wednesday, "09:00", "13:00")),
		inactive,
	}

	got := AggregateAvailability("lst_1", markets, now, DefaultCutoffPolicy())
	want := []string{"Farm Lane", "river", "Harbor", "Orchard"}
	if len(got.Markets) != len(want) {
		t.Fatalf("expected %d markets, got %d", len(want), len(got.Markets))
	}
	for i, name := range want {
		if got.Markets[i].MarketName != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, got.Markets[i].MarketName)
		}
	}
}

func TestAggregateAvailabilityNothingAccepting(t *testing.T) {
	now := time.Date(2025, time.June, 4, 13, 0, 0, 0, time.UTC)
	got := AggregateAvailability("lst_1", []domain.Market{
		chicagoMarket("Orchard", slot(time.Wednesday, "09:00", "13:00")),
	}, now, DefaultCutoffPolicy())
	if got.IsAcceptingOrders {
		t.Fatalf("expected listing closed")
	}
	if got := AggregateAvailability("lst_2", nil, now, DefaultCutoffPolicy()); got.IsAcceptingOrders || len(got.Markets) != 0 {
		t.Fatalf("expected empty closed result, got %+v", got)
	}
}

func TestAvailabilityServiceEnsureOrderable(t *testing.T) {
	now := time.Date(2025, time.June, 4, 13, 0, 0, 0, time.UTC)
	repo := &stubMarketRepo{
		listFn: func(_ context.Context, listingID string) ([]domain.Market, error) {
			switch listingID {
			case "lst_open":
				return []domain.Market{chicagoMarket("Blue", slot(time.Saturday, "08:00", "12:00"))}, nil
			case "lst_closed":
				return []domain.Market{chicagoMarket("Alpha", slot(time.Wednesday, "09:00", "13:00"))}, nil
			default:
				return nil, stubRepoError{notFound: true}
			}
		},
	}
	svc, err := NewAvailabilityService(AvailabilityServiceDeps{
		Markets: repo,
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewAvailabilityService: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.EnsureOrderable(ctx, "lst_open"); err != nil {
		t.Fatalf("expected open listing to be orderable: %v", err)
	}
	if _, err := svc.EnsureOrderable(ctx, "lst_closed"); !errors.Is(err, ErrAvailabilityClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := svc.ListingAvailability(ctx, "lst_missing"); !errors.Is(err, ErrAvailabilityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.ListingAvailability(ctx, "  "); !errors.Is(err, ErrAvailabilityInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestNewAvailabilityServiceRequiresRepository(t *testing.T) {
	if _, err := NewAvailabilityService(AvailabilityServiceDeps{}); err == nil {
		t.Fatalf("expected error without market repository")
	}
}
