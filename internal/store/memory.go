package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	orders      map[string]*model.Order
	trades      []model.Trade
	positions   map[string]*model.Position // keyed by userID+"/"+instrumentID
	accounts    map[string]*model.Account
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		orders:      make(map[string]*model.Order),
		positions:   make(map[string]*model.Position),
		accounts:    make(map[string]*model.Account),
	}
}

func positionMapKey(userID, instrumentID string) string {
	return userID + "/" + instrumentID
}

// --- Instruments ---

func (s *MemoryStore) CreateInstrument(_ context.Context, in *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instruments {
		if existing.Symbol == in.Symbol {
			return ErrDuplicateSymbol
		}
	}

	// Store a copy to avoid external mutation.
	cp := *in
	s.instruments[in.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[id]
	if !ok {
		return nil, ErrInstrumentNotFound
	}
	cp := *in
	return &cp, nil
}

func (s *MemoryStore) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, in := range s.instruments {
		if in.Symbol == symbol {
			cp := *in
			return &cp, nil
		}
	}
	return nil, ErrInstrumentNotFound
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		instruments = append(instruments, *in)
	}
	sort.Slice(instruments, func(i, j int) bool {
		return instruments[i].Symbol < instruments[j].Symbol
	})
	return instruments, nil
}

func (s *MemoryStore) UpdateInstrumentQuotes(_ context.Context, id string, currentPrice decimal.Decimal, bestBid, bestAsk *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instruments[id]
	if !ok {
		return ErrInstrumentNotFound
	}
	in.CurrentPrice = currentPrice
	in.BestBid = copyPrice(bestBid)
	in.BestAsk = copyPrice(bestAsk)
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetOrdersByInstrumentAndSide(_ context.Context, instrumentID string, side model.Side) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.InstrumentID == instrumentID && o.Side == side {
			result = append(result, *o)
		}
	}
	sortOrdersByCreation(result)
	return result, nil
}

func (s *MemoryStore) GetOrdersByState(_ context.Context, state model.OrderState) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.State == state {
			result = append(result, *o)
		}
	}
	sortOrdersByCreation(result)
	return result, nil
}

func (s *MemoryStore) GetOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sortOrdersByCreation(result)
	return result, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOrderLocked(o)
}

func (s *MemoryStore) updateOrderLocked(o *model.Order) error {
	if _, ok := s.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

// --- Trades ---

func (s *MemoryStore) GetTradesByInstrument(_ context.Context, instrumentID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.InstrumentID == instrumentID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) LatestTrade(_ context.Context, instrumentID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Trade
	for i := range s.trades {
		t := &s.trades[i]
		if t.InstrumentID != instrumentID || !t.Price.IsPositive() {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrTradeNotFound
	}
	cp := *latest
	return &cp, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionMapKey(userID, instrumentID)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].InstrumentID < result[j].InstrumentID
	})
	return result, nil
}

func (s *MemoryStore) GetPositionsByInstrument(_ context.Context, instrumentID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.InstrumentID == instrumentID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[positionMapKey(p.UserID, p.InstrumentID)] = &cp
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.UserID == a.UserID && existing.Type == a.Type {
			return ErrDuplicateAccount
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAccountByUserAndType(_ context.Context, userID string, typ model.AccountType) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.UserID == userID && a.Type == typ {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *MemoryStore) GetAccountsByUser(_ context.Context, userID string) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Account
	for _, a := range s.accounts {
		if a.UserID == userID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Type < result[j].Type
	})
	return result, nil
}

func (s *MemoryStore) UpdateAccountBalance(_ context.Context, accountID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.Balance = balance
	return nil
}

// --- Atomic match unit ---

// ApplyFill applies the whole fill under a single lock acquisition, which
// makes it atomic with respect to every other MemoryStore operation.
func (s *MemoryStore) ApplyFill(_ context.Context, fill *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the referenced rows up front so nothing is applied on error.
	if _, ok := s.orders[fill.BuyOrder.ID]; !ok {
		return ErrOrderNotFound
	}
	if _, ok := s.orders[fill.SellOrder.ID]; !ok {
		return ErrOrderNotFound
	}
	for _, bc := range fill.Accounts {
		if _, ok := s.accounts[bc.AccountID]; !ok {
			return ErrAccountNotFound
		}
	}

	s.trades = append(s.trades, fill.Trade)

	buy := fill.BuyOrder
	s.orders[buy.ID] = &buy
	sell := fill.SellOrder
	s.orders[sell.ID] = &sell

	for _, pc := range fill.Positions {
		key := positionMapKey(pc.Position.UserID, pc.Position.InstrumentID)
		if pc.Delete {
			delete(s.positions, key)
			continue
		}
		cp := pc.Position
		s.positions[key] = &cp
	}

	for _, bc := range fill.Accounts {
		s.accounts[bc.AccountID].Balance = bc.Balance
	}

	return nil
}

// --- Helpers ---

func copyPrice(p *decimal.Decimal) *decimal.Decimal {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func sortOrdersByCreation(orders []model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
