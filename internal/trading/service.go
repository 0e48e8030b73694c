// Package trading provides the HTTP handlers and business logic for
// instrument administration, order entry, and portfolio/market-data queries.
// Order acceptance (risk checks) happens here; matching itself lives in the
// engine package.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trading

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/engine"
	"github.com/lumibank/matching-engine/internal/model"
	"github.com/lumibank/matching-engine/internal/risk"
	"github.com/lumibank/matching-engine/internal/store"
)

// Service handles the trading API. Per-instrument serialization of matching
// is enforced inside the engine; the service itself holds no locks.
type Service struct {
	store     store.Store
	engine    *engine.Engine
	validator *risk.Validator
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trading service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, eng *engine.Engine, validator *risk.Validator, hub *WSHub) *Service {
	return &Service{
		store:     st,
		engine:    eng,
		validator: validator,
		wsHub:     hub,
	}
}

// --- Request/Response types ---

// CreateInstrumentRequest is the JSON body for instrument creation.
type CreateInstrumentRequest struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"` // seed for current_price
}

// OpenAccountRequest is the JSON body for opening a cash account.
type OpenAccountRequest struct {
	UserID         string          `json:"user_id"`
	Type           string          `json:"type"` // CURRENT or SAVINGS; empty → CURRENT
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// DepositRequest is the JSON body for a cash deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// QuoteResponse is the derived quote state of one instrument.
type QuoteResponse struct {
	InstrumentID string           `json:"instrument_id"`
	Symbol       string           `json:"symbol"`
	LastPrice    decimal.Decimal  `json:"last_price"`
	BestBid      *decimal.Decimal `json:"best_bid"`
	BestAsk      *decimal.Decimal `json:"best_ask"`
}

// PositionView is a position enriched with mark-to-market valuation.
type PositionView struct {
	InstrumentID    string          `json:"instrument_id"`
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
	TotalInvested   decimal.Decimal `json:"total_invested"`
	MarketValue     decimal.Decimal `json:"market_value"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
}

// BookLevel is one aggregated price level of the order book.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBookResponse is a depth snapshot: resting LIMIT orders aggregated per
// price level. Bids are sorted best (highest) first, asks best (lowest) first.
type OrderBookResponse struct {
	InstrumentID string      `json:"instrument_id"`
	Symbol       string      `json:"symbol"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
}

// PortfolioResponse aggregates a user's positions and cash.
type PortfolioResponse struct {
	UserID        string          `json:"user_id"`
	Positions     []PositionView  `json:"positions"`
	Accounts      []model.Account `json:"accounts"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}

// symbolPattern bounds instrument symbols to short uppercase tickers.
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}$`)

// --- Instrument handlers ---

// CreateInstrument handles POST /api/v1/instruments
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !symbolPattern.MatchString(req.Symbol) {
		writeError(w, "symbol must be 1-6 uppercase alphanumerics starting with a letter", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	instrument := &model.Instrument{
		ID:           uuid.New().String(),
		Symbol:       req.Symbol,
		Name:         req.Name,
		CurrentPrice: req.Price,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateInstrument(r.Context(), instrument); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("instrument created",
		"id", instrument.ID,
		"symbol", instrument.Symbol,
		"price", instrument.CurrentPrice.String(),
	)

	writeJSON(w, http.StatusCreated, instrument)
}

// ListInstruments handles GET /api/v1/instruments
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	instrument, err := s.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, instrument)
}

// GetQuote handles GET /api/v1/instruments/{instrumentID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	instrument, err := s.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, QuoteResponse{
		InstrumentID: instrument.ID,
		Symbol:       instrument.Symbol,
		LastPrice:    instrument.CurrentPrice,
		BestBid:      instrument.BestBid,
		BestAsk:      instrument.BestAsk,
	})
}

// GetInstrumentTrades handles GET /api/v1/instruments/{instrumentID}/trades
func (s *Service) GetInstrumentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, "failed to get trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetOrderBook handles GET /api/v1/instruments/{instrumentID}/book
//
// Only open LIMIT orders with remaining quantity contribute depth; MARKET
// orders never rest and untriggered STOP orders are not on the live book.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instrument, err := s.store.GetInstrument(ctx, chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}

	bids, err := s.store.GetOrdersByInstrumentAndSide(ctx, instrument.ID, model.Bid)
	if err != nil {
		writeError(w, "failed to load book", http.StatusInternalServerError)
		return
	}
	asks, err := s.store.GetOrdersByInstrumentAndSide(ctx, instrument.ID, model.Ask)
	if err != nil {
		writeError(w, "failed to load book", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, OrderBookResponse{
		InstrumentID: instrument.ID,
		Symbol:       instrument.Symbol,
		Bids:         aggregateLevels(bids, true),
		Asks:         aggregateLevels(asks, false),
	})
}

// aggregateLevels folds resting LIMIT orders into per-price levels, best
// level first.
func aggregateLevels(orders []model.Order, descending bool) []BookLevel {
	byPrice := make(map[string]*BookLevel)
	for i := range orders {
		o := &orders[i]
		if o.Type != model.Limit || !o.Open() || !o.Remaining.IsPositive() {
			continue
		}
		key := o.LimitPrice.String()
		level, ok := byPrice[key]
		if !ok {
			level = &BookLevel{Price: *o.LimitPrice}
			byPrice[key] = level
		}
		level.Quantity = level.Quantity.Add(o.Remaining)
		level.Orders++
	}

	levels := make([]BookLevel, 0, len(byPrice))
	for _, level := range byPrice {
		levels = append(levels, *level)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// --- Account handlers ---

// OpenAccount handles POST /api/v1/accounts
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.OpeningBalance.IsNegative() {
		writeError(w, "opening_balance must not be negative", http.StatusBadRequest)
		return
	}

	typ := model.AccountType(req.Type)
	if typ == "" {
		typ = model.Current
	}
	if typ != model.Current && typ != model.Savings {
		writeError(w, "type must be CURRENT or SAVINGS", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	account := &model.Account{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Type:      typ,
		Balance:   req.OpeningBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("account opened",
		"id", account.ID,
		"user", account.UserID,
		"type", account.Type,
		"balance", account.Balance.String(),
	)

	writeJSON(w, http.StatusCreated, account)
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	account, err := s.store.GetAccount(ctx, chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	newBalance := account.Balance.Add(req.Amount)
	if err := s.store.UpdateAccountBalance(ctx, account.ID, newBalance); err != nil {
		writeError(w, "failed to update balance", http.StatusInternalServerError)
		return
	}

	account.Balance = newBalance
	slog.Info("deposit applied", "account", account.ID, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, account)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Returns positions marked to the instruments' last traded prices plus cash.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	positions, err := s.store.GetPositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	accounts, err := s.store.GetAccountsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load accounts", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}

	views := make([]PositionView, 0, len(positions))
	totalInvested := decimal.Zero
	totalValue := decimal.Zero

	for _, p := range positions {
		symbol := ""
		price := decimal.Zero
		if instrument, err := s.store.GetInstrument(ctx, p.InstrumentID); err == nil {
			symbol = instrument.Symbol
			price = instrument.CurrentPrice
		}

		value := price.Mul(p.Quantity)
		views = append(views, PositionView{
			InstrumentID:    p.InstrumentID,
			Symbol:          symbol,
			Quantity:        p.Quantity,
			AverageBuyPrice: p.AverageBuyPrice,
			TotalInvested:   p.TotalInvested,
			MarketValue:     value,
			UnrealizedPnL:   value.Sub(p.TotalInvested),
		})
		totalInvested = totalInvested.Add(p.TotalInvested)
		totalValue = totalValue.Add(value)
	}

	writeJSON(w, http.StatusOK, PortfolioResponse{
		UserID:        userID,
		Positions:     views,
		Accounts:      accounts,
		TotalInvested: totalInvested,
		TotalValue:    totalValue,
		TotalPnL:      totalValue.Sub(totalInvested),
	})
}

// --- Shared helpers ---

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
