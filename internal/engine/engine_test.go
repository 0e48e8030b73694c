package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/engine"
	"github.com/lumibank/matching-engine/internal/model"
	"github.com/lumibank/matching-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

const instrumentID = "inst-acme"

// testEnv wraps an in-memory store and an engine with a deterministic clock
// for order creation times, so price-time priority is reproducible.
type testEnv struct {
	t     *testing.T
	ms    *store.MemoryStore
	eng   *engine.Engine
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	env := &testEnv{
		t:     t,
		ms:    ms,
		eng:   engine.New(ms, engine.DefaultFee),
		clock: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	}

	in := &model.Instrument{
		ID:           instrumentID,
		Symbol:       "ACME",
		Name:         "Acme Industries",
		CurrentPrice: d(100),
		IsActive:     true,
		CreatedAt:    env.clock,
		UpdatedAt:    env.clock,
	}
	if err := ms.CreateInstrument(context.Background(), in); err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
	return env
}

func (e *testEnv) tick() time.Time {
	e.clock = e.clock.Add(time.Millisecond)
	return e.clock
}

func (e *testEnv) seedAccount(userID string, balance float64) {
	e.t.Helper()
	now := e.tick()
	err := e.ms.CreateAccount(context.Background(), &model.Account{
		ID:        "acct-" + userID,
		UserID:    userID,
		Type:      model.Current,
		Balance:   d(balance),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		e.t.Fatalf("failed to seed account for %s: %v", userID, err)
	}
}

func (e *testEnv) seedPosition(userID string, qty, avgPrice float64) {
	e.t.Helper()
	now := e.tick()
	err := e.ms.UpsertPosition(context.Background(), &model.Position{
		ID:              "pos-" + userID,
		UserID:          userID,
		InstrumentID:    instrumentID,
		Quantity:        d(qty),
		AverageBuyPrice: d(avgPrice),
		TotalInvested:   d(qty * avgPrice),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		e.t.Fatalf("failed to seed position for %s: %v", userID, err)
	}
}

// addOrder inserts an order directly in the store without matching. Creation
// times strictly increase in insertion order.
func (e *testEnv) addOrder(id, userID string, side model.Side, typ model.OrderType, qty float64, limit, stop *decimal.Decimal) {
	e.t.Helper()
	now := e.tick()
	err := e.ms.CreateOrder(context.Background(), &model.Order{
		ID:           id,
		InstrumentID: instrumentID,
		UserID:       userID,
		Side:         side,
		Type:         typ,
		Quantity:     d(qty),
		Remaining:    d(qty),
		LimitPrice:   limit,
		StopPrice:    stop,
		State:        model.Pending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		e.t.Fatalf("failed to add order %s: %v", id, err)
	}
}

func (e *testEnv) match() []model.Trade {
	e.t.Helper()
	trades, err := e.eng.MatchOrders(context.Background(), instrumentID)
	if err != nil {
		e.t.Fatalf("matching pass failed: %v", err)
	}
	return trades
}

func (e *testEnv) order(id string) *model.Order {
	e.t.Helper()
	o, err := e.ms.GetOrder(context.Background(), id)
	if err != nil {
		e.t.Fatalf("failed to get order %s: %v", id, err)
	}
	return o
}

func (e *testEnv) instrument() *model.Instrument {
	e.t.Helper()
	in, err := e.ms.GetInstrument(context.Background(), instrumentID)
	if err != nil {
		e.t.Fatalf("failed to get instrument: %v", err)
	}
	return in
}

func (e *testEnv) balance(userID string) decimal.Decimal {
	e.t.Helper()
	a, err := e.ms.GetAccountByUserAndType(context.Background(), userID, model.Current)
	if err != nil {
		e.t.Fatalf("failed to get account for %s: %v", userID, err)
	}
	return a.Balance
}

// --- Basic crossing ---

func TestMatch_LimitOrdersCross(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 95)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(102), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 10, dp(102), nil)

	trades := env.match()

	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if !tr.Quantity.Equal(d(10)) {
		t.Errorf("expected quantity 10, got %s", tr.Quantity)
	}
	if !tr.Price.Equal(d(102)) {
		t.Errorf("expected price 102, got %s", tr.Price)
	}
	if !tr.BuyerFee.Equal(d(1)) || !tr.SellerFee.Equal(d(1)) {
		t.Errorf("expected flat fee 1 per side, got buyer=%s seller=%s", tr.BuyerFee, tr.SellerFee)
	}

	if s := env.order("bid-1").State; s != model.Filled {
		t.Errorf("expected bid FILLED, got %s", s)
	}
	if s := env.order("ask-1").State; s != model.Filled {
		t.Errorf("expected ask FILLED, got %s", s)
	}

	// Buyer pays notional+fee, seller receives notional-fee.
	if b := env.balance("buyer"); !b.Equal(d(10000 - 1020 - 1)) {
		t.Errorf("expected buyer balance 8979, got %s", b)
	}
	if b := env.balance("seller"); !b.Equal(d(10000 + 1020 - 1)) {
		t.Errorf("expected seller balance 11019, got %s", b)
	}

	in := env.instrument()
	if !in.CurrentPrice.Equal(d(102)) {
		t.Errorf("expected current price 102, got %s", in.CurrentPrice)
	}
	if in.BestBid != nil || in.BestAsk != nil {
		t.Errorf("expected empty book quotes, got bid=%v ask=%v", in.BestBid, in.BestAsk)
	}
}

func TestMatch_ExecutesAtRestingAskLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 5, 90)

	// An incoming bid at 105 lifting a resting ask at 101 prints at the
	// resting ask's limit.
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 5, dp(101), nil)
	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 5, dp(105), nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(d(101)) {
		t.Errorf("expected execution at 101, got %s", trades[0].Price)
	}
}

func TestMatch_ExecutesAtRestingBidLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 5, 90)

	// An incoming ask at 99 hitting a resting bid at 105 prints at the
	// resting bid's limit; the seller gets price improvement.
	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 5, dp(105), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 5, dp(99), nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Price.Equal(d(105)) {
		t.Errorf("expected execution at 105, got %s", trades[0].Price)
	}
}

func TestMatch_NoCrossNoTrade(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 95)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(99), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 10, dp(101), nil)

	trades := env.match()
	if len(trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(trades))
	}

	in := env.instrument()
	if in.BestBid == nil || !in.BestBid.Equal(d(99)) {
		t.Errorf("expected best bid 99, got %v", in.BestBid)
	}
	if in.BestAsk == nil || !in.BestAsk.Equal(d(101)) {
		t.Errorf("expected best ask 101, got %v", in.BestAsk)
	}
	if !in.CurrentPrice.Equal(d(100)) {
		t.Errorf("current price should be untouched, got %s", in.CurrentPrice)
	}
}

// --- Price-time priority ---

func TestMatch_HigherBidFillsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("b1", 10000)
	env.seedAccount("b2", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 5, 90)

	env.addOrder("bid-low", "b1", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("bid-high", "b2", model.Bid, model.Limit, 10, dp(101), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 5, dp(99), nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].BuyOrderID != "bid-high" {
		t.Errorf("expected the 101 bid to fill, got %s", trades[0].BuyOrderID)
	}
	if !trades[0].Price.Equal(d(101)) {
		t.Errorf("expected execution at the resting bid's 101, got %s", trades[0].Price)
	}

	if s := env.order("bid-high").State; s != model.Partial {
		t.Errorf("expected high bid PARTIAL, got %s", s)
	}
	if o := env.order("bid-low"); o.State != model.Pending || !o.Remaining.Equal(d(10)) {
		t.Errorf("low bid should be untouched, got state=%s remaining=%s", o.State, o.Remaining)
	}

	in := env.instrument()
	if in.BestBid == nil || !in.BestBid.Equal(d(101)) {
		t.Errorf("expected best bid 101, got %v", in.BestBid)
	}
}

func TestMatch_EarlierOrderWinsAtSamePrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("b1", 10000)
	env.seedAccount("b2", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 5, 90)

	env.addOrder("bid-first", "b1", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("bid-second", "b2", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 5, dp(100), nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].BuyOrderID != "bid-first" {
		t.Errorf("time priority violated: expected bid-first, got %s", trades[0].BuyOrderID)
	}
}

// --- Market orders ---

func TestMatch_MarketBidSweepsBook(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("s1", 10000)
	env.seedAccount("s2", 10000)
	env.seedPosition("s1", 5, 40)
	env.seedPosition("s2", 10, 40)

	env.addOrder("ask-cheap", "s1", model.Ask, model.Limit, 5, dp(50), nil)
	env.addOrder("ask-dear", "s2", model.Ask, model.Limit, 10, dp(51), nil)
	env.addOrder("bid-mkt", "buyer", model.Bid, model.Market, 10, nil, nil)

	trades := env.match()
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if !trades[0].Price.Equal(d(50)) || !trades[0].Quantity.Equal(d(5)) {
		t.Errorf("first fill should be 5@50, got %s@%s", trades[0].Quantity, trades[0].Price)
	}
	if !trades[1].Price.Equal(d(51)) || !trades[1].Quantity.Equal(d(5)) {
		t.Errorf("second fill should be 5@51, got %s@%s", trades[1].Quantity, trades[1].Price)
	}

	if s := env.order("bid-mkt").State; s != model.Filled {
		t.Errorf("expected market bid FILLED, got %s", s)
	}
	if o := env.order("ask-dear"); o.State != model.Partial || !o.Remaining.Equal(d(5)) {
		t.Errorf("expected ask-dear PARTIAL remaining 5, got state=%s remaining=%s", o.State, o.Remaining)
	}

	in := env.instrument()
	if !in.CurrentPrice.Equal(d(51)) {
		t.Errorf("expected current price 51 (last fill), got %s", in.CurrentPrice)
	}
	if in.BestAsk == nil || !in.BestAsk.Equal(d(51)) {
		t.Errorf("expected best ask 51, got %v", in.BestAsk)
	}
	if in.BestBid != nil {
		t.Errorf("expected no best bid, got %v", in.BestBid)
	}
}

func TestMatch_UnfilledMarketOrderCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 100, 30)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 30, dp(40), nil)
	env.addOrder("ask-mkt", "seller", model.Ask, model.Market, 100, nil, nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Quantity.Equal(d(30)) || !trades[0].Price.Equal(d(40)) {
		t.Errorf("expected fill 30@40, got %s@%s", trades[0].Quantity, trades[0].Price)
	}

	// Market orders never rest: the remainder is force-cancelled.
	o := env.order("ask-mkt")
	if o.State != model.Cancelled {
		t.Errorf("expected CANCELLED, got %s", o.State)
	}
	if !o.Remaining.Equal(d(70)) {
		t.Errorf("expected remaining 70 retained for audit, got %s", o.Remaining)
	}

	// The partial fill stands: seller keeps the unsold 70 shares.
	pos, err := env.ms.GetPosition(context.Background(), "seller", instrumentID)
	if err != nil {
		t.Fatalf("failed to get seller position: %v", err)
	}
	if !pos.Quantity.Equal(d(70)) {
		t.Errorf("expected seller holding 70, got %s", pos.Quantity)
	}
}

func TestMatch_TwoMarketOrdersPrintAtZero(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 95)

	env.addOrder("bid-mkt", "buyer", model.Bid, model.Market, 10, nil, nil)
	env.addOrder("ask-mkt", "seller", model.Ask, model.Market, 10, nil, nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if !trades[0].Price.IsZero() {
		t.Errorf("expected price 0 with no limit on either side, got %s", trades[0].Price)
	}

	// A zero-price print must not move the instrument price.
	if p := env.instrument().CurrentPrice; !p.Equal(d(100)) {
		t.Errorf("expected current price unchanged at 100, got %s", p)
	}

	// Shares move for free; each side still pays its fee.
	if b := env.balance("buyer"); !b.Equal(d(9999)) {
		t.Errorf("expected buyer balance 9999, got %s", b)
	}
	if b := env.balance("seller"); !b.Equal(d(9999)) {
		t.Errorf("expected seller balance 9999, got %s", b)
	}
}

// --- Position accounting ---

func TestMatch_BuyerWeightedAverage(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 100000)
	env.seedAccount("s1", 10000)
	env.seedAccount("s2", 10000)
	env.seedPosition("s1", 10, 90)
	env.seedPosition("s2", 10, 90)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("ask-1", "s1", model.Ask, model.Limit, 10, dp(100), nil)
	env.match()

	env.addOrder("bid-2", "buyer", model.Bid, model.Limit, 10, dp(110), nil)
	env.addOrder("ask-2", "s2", model.Ask, model.Limit, 10, dp(110), nil)
	env.match()

	pos, err := env.ms.GetPosition(context.Background(), "buyer", instrumentID)
	if err != nil {
		t.Fatalf("failed to get buyer position: %v", err)
	}
	if !pos.Quantity.Equal(d(20)) {
		t.Errorf("expected quantity 20, got %s", pos.Quantity)
	}
	if !pos.TotalInvested.Equal(d(2100)) {
		t.Errorf("expected total invested 2100, got %s", pos.TotalInvested)
	}
	if !pos.AverageBuyPrice.Equal(d(105)) {
		t.Errorf("expected average buy price 105, got %s", pos.AverageBuyPrice)
	}
}

func TestMatch_SellerBasisShrinksProportionally(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 20)

	// Selling at 30 must not disturb the 20 average basis.
	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 4, dp(30), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 4, dp(30), nil)
	env.match()

	pos, err := env.ms.GetPosition(context.Background(), "seller", instrumentID)
	if err != nil {
		t.Fatalf("failed to get seller position: %v", err)
	}
	if !pos.Quantity.Equal(d(6)) {
		t.Errorf("expected quantity 6, got %s", pos.Quantity)
	}
	if !pos.AverageBuyPrice.Equal(d(20)) {
		t.Errorf("average buy price should hold at 20, got %s", pos.AverageBuyPrice)
	}
	if !pos.TotalInvested.Equal(d(120)) {
		t.Errorf("expected total invested 120, got %s", pos.TotalInvested)
	}
}

func TestMatch_PositionDeletedAtZero(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 95)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 10, dp(100), nil)
	env.match()

	_, err := env.ms.GetPosition(context.Background(), "seller", instrumentID)
	if !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("expected position deleted after full close-out, got %v", err)
	}
}

// --- Conservation ---

func TestMatch_SharesAndCashConserved(t *testing.T) {
	env := newTestEnv(t)
	users := []string{"buyer", "s1", "s2"}
	env.seedAccount("buyer", 10000)
	env.seedAccount("s1", 10000)
	env.seedAccount("s2", 10000)
	env.seedPosition("s1", 5, 40)
	env.seedPosition("s2", 10, 40)

	env.addOrder("ask-1", "s1", model.Ask, model.Limit, 5, dp(50), nil)
	env.addOrder("ask-2", "s2", model.Ask, model.Limit, 10, dp(51), nil)
	env.addOrder("bid-1", "buyer", model.Bid, model.Market, 10, nil, nil)

	trades := env.match()
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}

	totalShares := decimal.Zero
	totalCash := decimal.Zero
	for _, u := range users {
		pos, err := env.ms.GetPosition(context.Background(), u, instrumentID)
		if err == nil {
			totalShares = totalShares.Add(pos.Quantity)
		} else if !errors.Is(err, store.ErrPositionNotFound) {
			t.Fatalf("failed to get position for %s: %v", u, err)
		}
		totalCash = totalCash.Add(env.balance(u))
	}

	if !totalShares.Equal(d(15)) {
		t.Errorf("shares not conserved: expected 15, got %s", totalShares)
	}
	// Each trade burns exactly buyer fee + seller fee, nothing else.
	expectedCash := d(30000).Sub(d(2).Mul(decimal.NewFromInt(int64(len(trades)))))
	if !totalCash.Equal(expectedCash) {
		t.Errorf("cash not conserved: expected %s, got %s", expectedCash, totalCash)
	}
}

// --- Self-trading ---

func TestMatch_SelfTradeKeepsSingleRowCoherent(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("u1", 1000)
	env.seedPosition("u1", 10, 100)

	env.addOrder("bid-1", "u1", model.Bid, model.Limit, 5, dp(100), nil)
	env.addOrder("ask-1", "u1", model.Ask, model.Limit, 5, dp(100), nil)

	trades := env.match()
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}

	pos, err := env.ms.GetPosition(context.Background(), "u1", instrumentID)
	if err != nil {
		t.Fatalf("failed to get position: %v", err)
	}
	if !pos.Quantity.Equal(d(10)) {
		t.Errorf("self-trade should leave quantity at 10, got %s", pos.Quantity)
	}
	if !pos.AverageBuyPrice.Equal(d(100)) {
		t.Errorf("expected average 100, got %s", pos.AverageBuyPrice)
	}

	// Notional nets out; the user pays both fees.
	if b := env.balance("u1"); !b.Equal(d(998)) {
		t.Errorf("expected balance 998, got %s", b)
	}
}

// --- Stop orders ---

func TestMatch_StopOrdersNeverMatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 90)

	// The stop bid would cross the ask if it were live. It must not.
	env.addOrder("stop-bid", "buyer", model.Bid, model.Stop, 10, nil, dp(95)) // current 100 >= 95, trigger eligible
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 10, dp(98), nil)

	trades := env.match()
	if len(trades) != 0 {
		t.Fatalf("stop order matched: got %d trades", len(trades))
	}

	if s := env.order("stop-bid").State; s != model.Pending {
		t.Errorf("stop order should stay PENDING after trigger detection, got %s", s)
	}

	// Stops contribute no quote either.
	in := env.instrument()
	if in.BestBid != nil {
		t.Errorf("expected no best bid from a stop order, got %v", in.BestBid)
	}
	if in.BestAsk == nil || !in.BestAsk.Equal(d(98)) {
		t.Errorf("expected best ask 98, got %v", in.BestAsk)
	}
}

// --- Pass idempotence ---

func TestMatch_SecondPassIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 90)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 4, dp(100), nil)
	env.match()

	before := env.instrument()

	trades := env.match()
	if len(trades) != 0 {
		t.Fatalf("second pass executed %d trades", len(trades))
	}

	after := env.instrument()
	if !after.CurrentPrice.Equal(before.CurrentPrice) {
		t.Errorf("current price moved on no-op pass: %s -> %s", before.CurrentPrice, after.CurrentPrice)
	}
	if (before.BestBid == nil) != (after.BestBid == nil) ||
		(before.BestBid != nil && !after.BestBid.Equal(*before.BestBid)) {
		t.Errorf("best bid moved on no-op pass: %v -> %v", before.BestBid, after.BestBid)
	}
}

func TestMatch_UnknownInstrument(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.MatchOrders(context.Background(), "no-such-instrument")
	if !errors.Is(err, store.ErrInstrumentNotFound) {
		t.Errorf("expected ErrInstrumentNotFound, got %v", err)
	}
}

// --- Cancellation ---

func TestCancelOrder_RestingOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(99), nil)
	env.match()

	if bb := env.instrument().BestBid; bb == nil || !bb.Equal(d(99)) {
		t.Fatalf("expected best bid 99 before cancel, got %v", bb)
	}

	if err := env.eng.CancelOrder(context.Background(), "bid-1", "buyer"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if s := env.order("bid-1").State; s != model.Cancelled {
		t.Errorf("expected CANCELLED, got %s", s)
	}
	// Cancellation refreshes the quotes.
	if bb := env.instrument().BestBid; bb != nil {
		t.Errorf("expected best bid cleared after cancel, got %v", bb)
	}
}

func TestCancelOrder_WrongUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(99), nil)

	err := env.eng.CancelOrder(context.Background(), "bid-1", "intruder")
	if !errors.Is(err, engine.ErrNotOrderOwner) {
		t.Errorf("expected ErrNotOrderOwner, got %v", err)
	}
	if s := env.order("bid-1").State; s != model.Pending {
		t.Errorf("order state should be untouched, got %s", s)
	}
}

func TestCancelOrder_FilledOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount("buyer", 10000)
	env.seedAccount("seller", 10000)
	env.seedPosition("seller", 10, 90)

	env.addOrder("bid-1", "buyer", model.Bid, model.Limit, 10, dp(100), nil)
	env.addOrder("ask-1", "seller", model.Ask, model.Limit, 10, dp(100), nil)
	env.match()

	err := env.eng.CancelOrder(context.Background(), "bid-1", "buyer")
	if !errors.Is(err, engine.ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable for filled order, got %v", err)
	}
}

func TestCancelOrder_Unknown(t *testing.T) {
	env := newTestEnv(t)
	err := env.eng.CancelOrder(context.Background(), "no-such-order", "buyer")
	if !errors.Is(err, store.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}
