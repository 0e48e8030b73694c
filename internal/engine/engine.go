// Package engine implements the continuous double-auction matching engine.
//
// A matching pass re-reads the full order sets for an instrument, applies
// price-time priority, and executes crossing pairs one at a time, applying
// each fill to the store as an atomic unit. Passes for the same instrument
// are serialized by a per-instrument lock; different instruments match in
// parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/metrics"
	"github.com/lumibank/matching-engine/internal/model"
	"github.com/lumibank/matching-engine/internal/store"
)

// Errors surfaced to callers of CancelOrder.
var (
	ErrNotOrderOwner  = errors.New("engine: order does not belong to user")
	ErrNotCancellable = errors.New("engine: order is not in a cancellable state")
)

// DefaultFee is the flat transaction fee charged to each side of a trade,
// in currency units.
var DefaultFee = decimal.NewFromInt(1)

// Engine executes matching passes against a Store. It must be invoked after
// every order insertion and cancellation for the affected instrument.
type Engine struct {
	store store.Store
	fee   decimal.Decimal
	locks *instrumentLocks
}

// New creates an engine charging the given per-side transaction fee.
// Pass DefaultFee unless the deployment overrides it.
func New(st store.Store, fee decimal.Decimal) *Engine {
	return &Engine{
		store: st,
		fee:   fee,
		locks: newInstrumentLocks(),
	}
}

// MatchOrders performs one full matching pass over all active orders of the
// instrument, then recomputes its derived quote state. Calling it again with
// no new orders performs no fills and leaves the quotes unchanged.
//
// Returns the trades executed by this pass.
func (e *Engine) MatchOrders(ctx context.Context, instrumentID string) ([]model.Trade, error) {
	lock := e.locks.get(instrumentID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	trades, err := e.matchLocked(ctx, instrumentID)
	metrics.MatchPassLatency.Observe(time.Since(start).Seconds())
	return trades, err
}

// CancelOrder transitions an order to CANCELLED. Legal only from PENDING or
// PARTIAL. The cancellation runs under the instrument's lock so it cannot
// race a matching pass, and is followed by a pass to refresh the quotes.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) error {
	// Unlocked read to learn which instrument to lock.
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.UserID != userID {
		return ErrNotOrderOwner
	}

	lock := e.locks.get(o.InstrumentID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent pass may have filled it.
	o, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Open() {
		return ErrNotCancellable
	}

	o.State = model.Cancelled
	o.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		return err
	}

	slog.Info("order cancelled", "order_id", o.ID, "instrument_id", o.InstrumentID, "user", userID)

	_, err = e.matchLocked(ctx, o.InstrumentID)
	return err
}

// matchLocked is the matching pass body. The caller holds the instrument lock.
func (e *Engine) matchLocked(ctx context.Context, instrumentID string) ([]model.Trade, error) {
	instrument, err := e.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	allBids, err := e.store.GetOrdersByInstrumentAndSide(ctx, instrumentID, model.Bid)
	if err != nil {
		return nil, err
	}
	allAsks, err := e.store.GetOrdersByInstrumentAndSide(ctx, instrumentID, model.Ask)
	if err != nil {
		return nil, err
	}

	bids := matchable(allBids)
	asks := matchable(allAsks)
	sortBids(bids)
	sortAsks(asks)

	var executed []model.Trade
	for _, bid := range bids {
		for _, ask := range asks {
			if !bid.Remaining.IsPositive() {
				break
			}
			if !ask.Remaining.IsPositive() {
				continue
			}
			if !crosses(bid, ask) {
				// Asks are sorted by ascending effective price; once one
				// fails to cross, none after it will.
				break
			}
			trade, err := e.executeFill(ctx, instrument, bid, ask)
			if err != nil {
				return executed, err
			}
			executed = append(executed, *trade)
		}
	}

	if err := e.cancelUnfilledMarkets(ctx, bids, asks); err != nil {
		return executed, err
	}

	// Stop eligibility is evaluated against the price as of the start of
	// the pass; the quote update below happens afterwards.
	e.scanStopTriggers(instrument, allBids)
	e.scanStopTriggers(instrument, allAsks)

	if len(executed) > 0 {
		last, err := e.store.LatestTrade(ctx, instrumentID)
		switch {
		case err == nil:
			instrument.CurrentPrice = last.Price
		case errors.Is(err, store.ErrTradeNotFound):
			// Every trade this pass printed at price zero; keep the price.
		default:
			return executed, err
		}
	}

	bestBid := bestQuote(bids, model.Bid)
	bestAsk := bestQuote(asks, model.Ask)
	if err := e.store.UpdateInstrumentQuotes(ctx, instrumentID, instrument.CurrentPrice, bestBid, bestAsk); err != nil {
		return executed, err
	}

	return executed, nil
}

// executeFill executes a single bid/ask match and applies it atomically:
// trade insert, both order updates, position updates, cash movements.
func (e *Engine) executeFill(ctx context.Context, instrument *model.Instrument, bid, ask *model.Order) (*model.Trade, error) {
	quantity := decimal.Min(bid.Remaining, ask.Remaining)
	price := executionPrice(bid, ask)
	notional := price.Mul(quantity)
	now := time.Now().UTC()

	trade := model.Trade{
		ID:           uuid.New().String(),
		InstrumentID: instrument.ID,
		BuyerID:      bid.UserID,
		SellerID:     ask.UserID,
		BuyOrderID:   bid.ID,
		SellOrderID:  ask.ID,
		Quantity:     quantity,
		Price:        price,
		BuyerFee:     e.fee,
		SellerFee:    e.fee,
		CreatedAt:    now,
	}

	applyFillToOrder(bid, quantity, now)
	applyFillToOrder(ask, quantity, now)

	positions, err := e.positionChanges(ctx, instrument.ID, bid.UserID, ask.UserID, quantity, notional, now)
	if err != nil {
		return nil, err
	}

	accounts, err := e.balanceChanges(ctx, bid.UserID, ask.UserID, notional)
	if err != nil {
		return nil, err
	}

	fill := &model.Fill{
		Trade:     trade,
		BuyOrder:  *bid,
		SellOrder: *ask,
		Positions: positions,
		Accounts:  accounts,
	}
	if err := e.store.ApplyFill(ctx, fill); err != nil {
		return nil, fmt.Errorf("apply fill %s: %w", trade.ID, err)
	}

	metrics.TradesTotal.Inc()
	metrics.TradeVolume.WithLabelValues(instrument.ID).Add(toFloat(quantity))

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"instrument", instrument.Symbol,
		"buyer", trade.BuyerID,
		"seller", trade.SellerID,
		"qty", quantity.String(),
		"price", price.String(),
	)

	return &trade, nil
}

// positionChanges computes the buyer's and seller's post-fill positions.
//
// Buyer: quantity and invested capital grow, average buy price is the
// weighted average. Seller: quantity shrinks, average buy price is held and
// invested capital shrinks proportionally; a position reaching exactly zero
// is deleted rather than kept.
//
// A self-trade (buyer == seller) runs both legs against one working copy so
// the single (user, instrument) row stays coherent.
func (e *Engine) positionChanges(ctx context.Context, instrumentID, buyerID, sellerID string, quantity, notional decimal.Decimal, now time.Time) ([]model.PositionChange, error) {
	buyerPos, err := e.store.GetPosition(ctx, buyerID, instrumentID)
	switch {
	case errors.Is(err, store.ErrPositionNotFound):
		buyerPos = &model.Position{
			ID:           uuid.New().String(),
			UserID:       buyerID,
			InstrumentID: instrumentID,
			CreatedAt:    now,
		}
	case err != nil:
		return nil, err
	}

	buyerPos.Quantity = buyerPos.Quantity.Add(quantity)
	buyerPos.TotalInvested = buyerPos.TotalInvested.Add(notional)
	buyerPos.AverageBuyPrice = buyerPos.TotalInvested.Div(buyerPos.Quantity)
	buyerPos.UpdatedAt = now

	sellerPos := buyerPos
	if sellerID != buyerID {
		sellerPos, err = e.store.GetPosition(ctx, sellerID, instrumentID)
		if err != nil {
			// The order-acceptance path guarantees the seller holds shares;
			// a missing position here indicates a bug, not user error.
			return nil, fmt.Errorf("seller %s position in %s: %w", sellerID, instrumentID, err)
		}
	}

	newQty := sellerPos.Quantity.Sub(quantity)
	if newQty.IsNegative() {
		return nil, fmt.Errorf("fill of %s exceeds seller %s holding %s in %s",
			quantity, sellerID, sellerPos.Quantity, instrumentID)
	}

	if sellerID == buyerID {
		if newQty.IsZero() {
			return []model.PositionChange{{Position: *sellerPos, Delete: true}}, nil
		}
		sellerPos.Quantity = newQty
		sellerPos.TotalInvested = sellerPos.AverageBuyPrice.Mul(newQty)
		return []model.PositionChange{{Position: *sellerPos}}, nil
	}

	changes := []model.PositionChange{{Position: *buyerPos}}
	if newQty.IsZero() {
		changes = append(changes, model.PositionChange{Position: *sellerPos, Delete: true})
	} else {
		sellerPos.Quantity = newQty
		sellerPos.TotalInvested = sellerPos.AverageBuyPrice.Mul(newQty)
		sellerPos.UpdatedAt = now
		changes = append(changes, model.PositionChange{Position: *sellerPos})
	}
	return changes, nil
}

// balanceChanges computes the cash movements: the buyer's CURRENT account is
// debited notional+fee, the seller's credited notional−fee. A self-trade
// nets to a single 2×fee debit against one account.
func (e *Engine) balanceChanges(ctx context.Context, buyerID, sellerID string, notional decimal.Decimal) ([]model.BalanceChange, error) {
	buyerAcct, err := e.store.GetAccountByUserAndType(ctx, buyerID, model.Current)
	if err != nil {
		return nil, fmt.Errorf("buyer %s current account: %w", buyerID, err)
	}

	if sellerID == buyerID {
		return []model.BalanceChange{{
			AccountID: buyerAcct.ID,
			UserID:    buyerID,
			Balance:   buyerAcct.Balance.Sub(e.fee).Sub(e.fee),
		}}, nil
	}

	sellerAcct, err := e.store.GetAccountByUserAndType(ctx, sellerID, model.Current)
	if err != nil {
		return nil, fmt.Errorf("seller %s current account: %w", sellerID, err)
	}

	return []model.BalanceChange{
		{
			AccountID: buyerAcct.ID,
			UserID:    buyerID,
			Balance:   buyerAcct.Balance.Sub(notional).Sub(e.fee),
		},
		{
			AccountID: sellerAcct.ID,
			UserID:    sellerID,
			Balance:   sellerAcct.Balance.Add(notional).Sub(e.fee),
		},
	}, nil
}

// cancelUnfilledMarkets force-cancels any MARKET order still open with
// remaining quantity after the pass: market orders never rest on the book.
// Partial fills already executed are retained.
func (e *Engine) cancelUnfilledMarkets(ctx context.Context, bids, asks []*model.Order) error {
	now := time.Now().UTC()
	for _, side := range [][]*model.Order{bids, asks} {
		for _, o := range side {
			if o.Type != model.Market || !o.Open() || !o.Remaining.IsPositive() {
				continue
			}
			o.State = model.Cancelled
			o.UpdatedAt = now
			if err := e.store.UpdateOrder(ctx, o); err != nil {
				return fmt.Errorf("cancel unfilled market order %s: %w", o.ID, err)
			}
			metrics.MarketOrdersCancelled.Inc()
			slog.Info("unfilled market order cancelled",
				"order_id", o.ID, "remaining", o.Remaining.String())
		}
	}
	return nil
}

// scanStopTriggers detects STOP orders whose threshold the current price has
// crossed. Detection only: a triggered stop is logged and counted but not
// converted to a live order.
// TODO: convert trigger-eligible stops into MARKET orders once the product
// decides the conversion semantics.
func (e *Engine) scanStopTriggers(instrument *model.Instrument, orders []model.Order) {
	for i := range orders {
		o := &orders[i]
		if o.Type != model.Stop || !o.Open() || o.StopPrice == nil {
			continue
		}
		triggered := (o.Side == model.Bid && instrument.CurrentPrice.GreaterThanOrEqual(*o.StopPrice)) ||
			(o.Side == model.Ask && instrument.CurrentPrice.LessThanOrEqual(*o.StopPrice))
		if triggered {
			metrics.StopTriggersDetected.Inc()
			slog.Info("stop order trigger eligible",
				"order_id", o.ID,
				"side", o.Side,
				"stop_price", o.StopPrice.String(),
				"current_price", instrument.CurrentPrice.String(),
			)
		}
	}
}

// --- Pure helpers ---

// matchable keeps the orders eligible for matching: open (PENDING/PARTIAL)
// and not STOP. Returns pointers into the input slice so fills propagate to
// the cleanup and quote steps.
func matchable(orders []model.Order) []*model.Order {
	var result []*model.Order
	for i := range orders {
		o := &orders[i]
		if o.Open() && o.Type != model.Stop {
			result = append(result, o)
		}
	}
	return result
}

// sortBids orders bids by descending effective price (MARKET highest), with
// earlier creation winning ties — price-time priority.
func sortBids(bids []*model.Order) {
	sort.SliceStable(bids, func(i, j int) bool {
		bi, bj := bids[i], bids[j]
		if bi.Type == model.Market || bj.Type == model.Market {
			return bi.Type == model.Market && bj.Type != model.Market
		}
		if !bi.LimitPrice.Equal(*bj.LimitPrice) {
			return bi.LimitPrice.GreaterThan(*bj.LimitPrice)
		}
		return bi.CreatedAt.Before(bj.CreatedAt)
	})
}

// sortAsks orders asks by ascending effective price (MARKET lowest), with
// earlier creation winning ties.
func sortAsks(asks []*model.Order) {
	sort.SliceStable(asks, func(i, j int) bool {
		ai, aj := asks[i], asks[j]
		if ai.Type == model.Market || aj.Type == model.Market {
			return ai.Type == model.Market && aj.Type != model.Market
		}
		if !ai.LimitPrice.Equal(*aj.LimitPrice) {
			return ai.LimitPrice.LessThan(*aj.LimitPrice)
		}
		return ai.CreatedAt.Before(aj.CreatedAt)
	})
}

// crosses reports whether the pair is matchable: bid effective price
// (limit, or +∞ for MARKET) at or above ask effective price (limit, or 0
// for MARKET).
func crosses(bid, ask *model.Order) bool {
	if bid.Type == model.Market || ask.Type == model.Market {
		return true
	}
	return bid.LimitPrice.GreaterThanOrEqual(*ask.LimitPrice)
}

// executionPrice picks the resting order's limit price. With one side
// MARKET the other side's limit governs; with both sides LIMIT the
// earlier-created order was resting on the book and its price stands, so
// the incoming aggressor gets its own price or better. Both sides MARKET
// prints at zero.
func executionPrice(bid, ask *model.Order) decimal.Decimal {
	switch {
	case bid.Type == model.Market && ask.Type == model.Market:
		return decimal.Zero
	case bid.Type == model.Market:
		return *ask.LimitPrice
	case ask.Type == model.Market:
		return *bid.LimitPrice
	case bid.CreatedAt.Before(ask.CreatedAt):
		return *bid.LimitPrice
	default:
		return *ask.LimitPrice
	}
}

func applyFillToOrder(o *model.Order, quantity decimal.Decimal, now time.Time) {
	o.Remaining = o.Remaining.Sub(quantity)
	if o.Remaining.IsZero() {
		o.State = model.Filled
	} else {
		o.State = model.Partial
	}
	o.UpdatedAt = now
}

// bestQuote derives the best bid (highest limit) or best ask (lowest limit)
// from the resting LIMIT orders with remaining quantity. MARKET orders carry
// no limit price and untriggered STOP orders are not on the live book, so
// neither contributes. Returns nil when no order qualifies.
func bestQuote(orders []*model.Order, side model.Side) *decimal.Decimal {
	var best *decimal.Decimal
	for _, o := range orders {
		if o.Type != model.Limit || !o.Open() || !o.Remaining.IsPositive() {
			continue
		}
		p := *o.LimitPrice
		if best == nil ||
			(side == model.Bid && p.GreaterThan(*best)) ||
			(side == model.Ask && p.LessThan(*best)) {
			best = &p
		}
	}
	return best
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
