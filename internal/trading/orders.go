package trading

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/engine"
	"github.com/lumibank/matching-engine/internal/metrics"
	"github.com/lumibank/matching-engine/internal/model"
	"github.com/lumibank/matching-engine/internal/risk"
	"github.com/lumibank/matching-engine/internal/store"
)

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	UserID     string           `json:"user_id"`
	Symbol     string           `json:"symbol"`
	Side       model.Side       `json:"side"`  // BID or ASK
	Type       model.OrderType  `json:"type"`  // MARKET, LIMIT, or STOP
	Quantity   decimal.Decimal  `json:"quantity"`
	LimitPrice *decimal.Decimal `json:"limit_price"` // required unless MARKET
	StopPrice  *decimal.Decimal `json:"stop_price"`  // required for STOP
}

// PlaceOrderResponse is returned from POST /api/v1/orders: the accepted
// order after the matching pass it triggered, plus the trades that pass
// executed (for any pair of orders, not only this one).
type PlaceOrderResponse struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// PlaceOrder handles POST /api/v1/orders
//
// Validates the order, runs acceptance-time risk checks, persists it, and
// invokes the matching engine for the instrument. Orders failing risk checks
// are persisted in state REJECTED so the audit trail stays complete.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := validatePlaceOrder(&req); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	instrument, err := s.store.GetInstrumentBySymbol(ctx, req.Symbol)
	if err != nil {
		writeError(w, "instrument not found: "+req.Symbol, http.StatusNotFound)
		return
	}
	if !instrument.IsActive {
		writeError(w, "instrument is not active for trading", http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:           uuid.New().String(),
		InstrumentID: instrument.ID,
		UserID:       req.UserID,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Remaining:    req.Quantity,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		State:        model.Pending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.acceptOrder(ctx, order, instrument); err != nil {
		// Persist the rejection for audit, then report it.
		order.State = model.Rejected
		if createErr := s.store.CreateOrder(ctx, order); createErr != nil {
			writeError(w, "failed to record order", http.StatusInternalServerError)
			return
		}
		metrics.OrdersRejected.WithLabelValues(rejectionReason(err)).Inc()
		slog.Info("order rejected",
			"order_id", order.ID, "user", req.UserID, "reason", err.Error())
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		writeError(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	slog.Info("order accepted",
		"order_id", order.ID,
		"instrument", instrument.Symbol,
		"user", req.UserID,
		"side", order.Side,
		"type", order.Type,
		"qty", order.Quantity.String(),
	)

	trades, err := s.engine.MatchOrders(ctx, instrument.ID)
	if err != nil {
		writeError(w, "matching failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Re-read the order: the pass may have filled or cancelled it.
	updated, err := s.store.GetOrder(ctx, order.ID)
	if err != nil {
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}

	s.broadcastPass(ctx, instrument, trades)

	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusCreated, PlaceOrderResponse{Order: *updated, Trades: trades})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=...
//
// Cancellation is legal only from PENDING/PARTIAL and is serialized against
// matching passes by the engine's per-instrument lock; the engine follows it
// with a pass that refreshes the quotes.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := s.engine.CancelOrder(ctx, orderID, userID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, engine.ErrNotOrderOwner):
		// Not revealing whether a foreign order exists.
		writeError(w, "order not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrNotCancellable):
		writeError(w, "order is not in a cancellable state", http.StatusConflict)
		return
	default:
		writeError(w, "cancel failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}

	if instrument, err := s.store.GetInstrument(ctx, order.InstrumentID); err == nil {
		s.broadcastPass(ctx, instrument, nil)
	}

	writeJSON(w, http.StatusOK, order)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetUserOrders handles GET /api/v1/users/{userID}/orders
func (s *Service) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.GetOrdersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to get orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetUserTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetTradesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to get trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// acceptOrder gathers the user's cash, holding, and open orders for the
// instrument and runs the risk validator over them.
func (s *Service) acceptOrder(ctx context.Context, order *model.Order, instrument *model.Instrument) error {
	account, err := s.store.GetAccountByUserAndType(ctx, order.UserID, model.Current)
	if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return err
	}

	position, err := s.store.GetPosition(ctx, order.UserID, instrument.ID)
	if err != nil && !errors.Is(err, store.ErrPositionNotFound) {
		return err
	}

	all, err := s.store.GetOrdersByUser(ctx, order.UserID)
	if err != nil {
		return err
	}
	var userOrders []model.Order
	for _, o := range all {
		if o.InstrumentID == instrument.ID {
			userOrders = append(userOrders, o)
		}
	}

	return s.validator.CheckOrder(order, instrument, account, position, userOrders)
}

// broadcastPass pushes the pass's trades and the refreshed quote over the
// WebSocket hub.
func (s *Service) broadcastPass(ctx context.Context, instrument *model.Instrument, trades []model.Trade) {
	if s.wsHub == nil {
		return
	}

	for _, t := range trades {
		s.wsHub.Broadcast(WSMessage{
			Type:         "trade_executed",
			InstrumentID: t.InstrumentID,
			Symbol:       instrument.Symbol,
			Price:        t.Price.String(),
			Quantity:     t.Quantity.String(),
		})
	}

	// Re-read for the post-pass quote state.
	fresh, err := s.store.GetInstrument(ctx, instrument.ID)
	if err != nil {
		return
	}
	msg := WSMessage{
		Type:         "quote_update",
		InstrumentID: fresh.ID,
		Symbol:       fresh.Symbol,
		Price:        fresh.CurrentPrice.String(),
	}
	if fresh.BestBid != nil {
		msg.BestBid = fresh.BestBid.String()
	}
	if fresh.BestAsk != nil {
		msg.BestAsk = fresh.BestAsk.String()
	}
	s.wsHub.Broadcast(msg)
}

// validatePlaceOrder checks the request's shape; returns an error message or "".
func validatePlaceOrder(req *PlaceOrderRequest) string {
	if req.UserID == "" {
		return "user_id is required"
	}
	if req.Symbol == "" {
		return "symbol is required"
	}
	if req.Side != model.Bid && req.Side != model.Ask {
		return "side must be BID or ASK"
	}
	switch req.Type {
	case model.Market, model.Limit, model.Stop:
	default:
		return "type must be MARKET, LIMIT, or STOP"
	}
	if !req.Quantity.IsPositive() {
		return "quantity must be positive"
	}
	if req.Type == model.Market && req.LimitPrice != nil {
		return "market orders must not carry a limit_price"
	}
	if req.Type != model.Market {
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return "limit_price must be positive for non-market orders"
		}
	}
	if req.Type == model.Stop {
		if req.StopPrice == nil || !req.StopPrice.IsPositive() {
			return "stop_price must be positive for stop orders"
		}
	}
	return ""
}

// rejectionReason maps validator errors onto bounded metric labels.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, risk.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, risk.ErrOpenOrderLimit):
		return "open_order_limit"
	case errors.Is(err, risk.ErrNoReferencePrice):
		return "no_reference_price"
	default:
		return "other"
	}
}
