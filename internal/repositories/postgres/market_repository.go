package postgres

import (
	"context"
	"errors"
	"time"

	domain "github.com/marketday/api/internal/domain"
	pg "github.com/marketday/api/internal/platform/postgres"
	"github.com/marketday/api/internal/repositories"
)

const selectListingMarkets = `
SELECT m.id, m.name, m.market_type, m.address, m.city, m.state, m.timezone, m.cutoff_hours, m.active
FROM markets m
JOIN listing_markets lm ON lm.market_id = m.id
WHERE lm.listing_id = $1
ORDER BY m.name, m.id`

const selectMarketSchedules = `
SELECT id, market_id, day_of_week, start_time, end_time, active
FROM market_schedules
WHERE market_id = ANY($1)
ORDER BY market_id, day_of_week, start_time`

// MarketRepository reads markets and schedules for availability checks.
type MarketRepository struct {
	uow *pg.UnitOfWork
}

var _ repositories.MarketRepository = (*MarketRepository)(nil)

func NewMarketRepository(uow *pg.UnitOfWork) *MarketRepository {
	return &MarketRepository{uow: uow}
}

func (r *MarketRepository) ListForListing(ctx context.Context, listingID string) ([]domain.Market, error) {
	if listingID == "" {
		return nil, errors.New("markets: listing id is required")
	}
	q := r.uow.Querier(ctx)

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, listingID).Scan(&exists); err != nil {
		return nil, pg.WrapError("markets.listing", err)
	}
	if !exists {
		return nil, pg.NotFound("markets.listing", "listing %s not found", listingID)
	}

	rows, err := q.Query(ctx, selectListingMarkets, listingID)
	if err != nil {
		return nil, pg.WrapError("markets.list", err)
	}
	var (
		markets []domain.Market
		ids     []string
		index   = make(map[string]int)
	)
	for rows.Next() {
		var (
			market     domain.Market
			marketType string
		)
		if err := rows.Scan(&market.ID, &market.Name, &marketType, &market.Address, &market.City, &market.State,
			&market.Timezone, &market.CutoffHours, &market.Active); err != nil {
			rows.Close()
			return nil, pg.WrapError("markets.scan", err)
		}
		market.Type = domain.MarketType(marketType)
		index[market.ID] = len(markets)
		ids = append(ids, market.ID)
		markets = append(markets, market)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError("markets.list", err)
	}
	if len(markets) == 0 {
		return markets, nil
	}

	rows, err = q.Query(ctx, selectMarketSchedules, ids)
	if err != nil {
		return nil, pg.WrapError("markets.schedules", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			schedule domain.MarketSchedule
			marketID string
			day      int16
		)
		if err := rows.Scan(&schedule.ID, &marketID, &day, &schedule.StartTime, &schedule.EndTime, &schedule.Active); err != nil {
			return nil, pg.WrapError("markets.scan_schedule", err)
		}
		schedule.DayOfWeek = time.Weekday(day)
		if i, ok := index[marketID]; ok {
			markets[i].Schedules = append(markets[i].Schedules, schedule)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, pg.WrapError("markets.schedules", err)
	}
	return markets, nil
}
