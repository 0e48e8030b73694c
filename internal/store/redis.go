package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for instrument quote state and user positions — the two read paths
// the trading surface hits hardest. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, in); err != nil {
		return err
	}
	s.cacheInstrument(ctx, in)
	return nil
}

func (s *CachedStore) UpdateInstrumentQuotes(ctx context.Context, id string, currentPrice decimal.Decimal, bestBid, bestAsk *decimal.Decimal) error {
	if err := s.primary.UpdateInstrumentQuotes(ctx, id, currentPrice, bestBid, bestAsk); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the fresh quotes.
	s.rdb.Del(ctx, instrumentKey(id))
	return nil
}

// ApplyFill delegates to the primary store's atomic unit, then invalidates
// every cache entry the fill touched.
func (s *CachedStore) ApplyFill(ctx context.Context, fill *model.Fill) error {
	if err := s.primary.ApplyFill(ctx, fill); err != nil {
		return err
	}
	s.rdb.Del(ctx,
		instrumentKey(fill.Trade.InstrumentID),
		positionsKey(fill.Trade.BuyerID),
		positionsKey(fill.Trade.SellerID),
	)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var in model.Instrument
		if json.Unmarshal(data, &in) == nil {
			return &in, nil
		}
	}

	// Cache miss: read from primary.
	in, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheInstrument(ctx, in)
	return in, nil
}

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	// Try cache via symbol→instrumentID mapping.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	// Cache miss.
	in, err := s.primary.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Cache both the instrument and the symbol→ID mapping.
	s.cacheInstrument(ctx, in)
	s.rdb.Set(ctx, symbolKey(symbol), in.ID, s.ttl)
	return in, nil
}

func (s *CachedStore) GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.GetPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetOrdersByInstrumentAndSide(ctx context.Context, instrumentID string, side model.Side) ([]model.Order, error) {
	return s.primary.GetOrdersByInstrumentAndSide(ctx, instrumentID, side)
}

func (s *CachedStore) GetOrdersByState(ctx context.Context, state model.OrderState) ([]model.Order, error) {
	return s.primary.GetOrdersByState(ctx, state)
}

func (s *CachedStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.GetOrdersByUser(ctx, userID)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) GetTradesByInstrument(ctx context.Context, instrumentID string) ([]model.Trade, error) {
	return s.primary.GetTradesByInstrument(ctx, instrumentID)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

func (s *CachedStore) LatestTrade(ctx context.Context, instrumentID string) (*model.Trade, error) {
	return s.primary.LatestTrade(ctx, instrumentID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, instrumentID)
}

func (s *CachedStore) GetPositionsByInstrument(ctx context.Context, instrumentID string) ([]model.Position, error) {
	return s.primary.GetPositionsByInstrument(ctx, instrumentID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.UserID))
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetAccountByUserAndType(ctx context.Context, userID string, typ model.AccountType) (*model.Account, error) {
	return s.primary.GetAccountByUserAndType(ctx, userID, typ)
}

func (s *CachedStore) GetAccountsByUser(ctx context.Context, userID string) ([]model.Account, error) {
	return s.primary.GetAccountsByUser(ctx, userID)
}

func (s *CachedStore) UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	return s.primary.UpdateAccountBalance(ctx, accountID, balance)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, in *model.Instrument) {
	if data, err := json.Marshal(in); err == nil {
		s.rdb.Set(ctx, instrumentKey(in.ID), data, s.ttl)
	}
}

func instrumentKey(id string) string     { return fmt.Sprintf("instrument:%s", id) }
func symbolKey(symbol string) string     { return fmt.Sprintf("symbol:%s", symbol) }
func positionsKey(userID string) string  { return fmt.Sprintf("positions:%s", userID) }
