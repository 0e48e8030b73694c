package risk_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/model"
	"github.com/lumibank/matching-engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

func newValidator() *risk.Validator {
	return risk.NewValidator(3, d(1))
}

func instrument() *model.Instrument {
	return &model.Instrument{
		ID:           "i1",
		Symbol:       "ACME",
		CurrentPrice: d(100),
		IsActive:     true,
	}
}

func bidOrder(typ model.OrderType, qty float64, limit, stop *decimal.Decimal) *model.Order {
	return &model.Order{
		ID: "o1", InstrumentID: "i1", UserID: "u1",
		Side: model.Bid, Type: typ,
		Quantity: d(qty), Remaining: d(qty),
		LimitPrice: limit, StopPrice: stop,
		State: model.Pending,
	}
}

func askOrder(qty float64, limit *decimal.Decimal) *model.Order {
	o := bidOrder(model.Limit, qty, limit, nil)
	o.Side = model.Ask
	return o
}

func TestCheckOrder_LimitBuyWithinBalance(t *testing.T) {
	v := newValidator()
	acct := &model.Account{ID: "a1", UserID: "u1", Type: model.Current, Balance: d(1001)}

	// 10 * 100 + 1 fee = 1001, exactly affordable.
	err := v.CheckOrder(bidOrder(model.Limit, 10, dp(100), nil), instrument(), acct, nil, nil)
	if err != nil {
		t.Errorf("expected order accepted, got %v", err)
	}
}

func TestCheckOrder_LimitBuyInsufficientFunds(t *testing.T) {
	v := newValidator()
	acct := &model.Account{ID: "a1", UserID: "u1", Type: model.Current, Balance: d(1000)}

	err := v.CheckOrder(bidOrder(model.Limit, 10, dp(100), nil), instrument(), acct, nil, nil)
	if !errors.Is(err, risk.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCheckOrder_BuyWithoutAccount(t *testing.T) {
	v := newValidator()
	err := v.CheckOrder(bidOrder(model.Limit, 1, dp(10), nil), instrument(), nil, nil, nil)
	if !errors.Is(err, risk.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds with no account, got %v", err)
	}
}

func TestCheckOrder_MarketBuyCostedAtBestAsk(t *testing.T) {
	v := newValidator()
	in := instrument()
	in.BestAsk = dp(50)
	acct := &model.Account{Balance: d(501)}

	// 10 * 50 + 1 = 501.
	if err := v.CheckOrder(bidOrder(model.Market, 10, nil, nil), in, acct, nil, nil); err != nil {
		t.Errorf("expected accepted at best ask, got %v", err)
	}

	acct.Balance = d(500)
	err := v.CheckOrder(bidOrder(model.Market, 10, nil, nil), in, acct, nil, nil)
	if !errors.Is(err, risk.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCheckOrder_MarketBuyFallsBackToLastPrice(t *testing.T) {
	v := newValidator()
	in := instrument() // no best ask, current price 100
	acct := &model.Account{Balance: d(1001)}

	if err := v.CheckOrder(bidOrder(model.Market, 10, nil, nil), in, acct, nil, nil); err != nil {
		t.Errorf("expected accepted at last price, got %v", err)
	}
}

func TestCheckOrder_MarketBuyNoReferencePrice(t *testing.T) {
	v := newValidator()
	in := instrument()
	in.CurrentPrice = decimal.Zero
	acct := &model.Account{Balance: d(1000000)}

	err := v.CheckOrder(bidOrder(model.Market, 10, nil, nil), in, acct, nil, nil)
	if !errors.Is(err, risk.ErrNoReferencePrice) {
		t.Errorf("expected ErrNoReferencePrice, got %v", err)
	}
}

func TestCheckOrder_StopBuyCostedAtStopPrice(t *testing.T) {
	v := newValidator()
	acct := &model.Account{Balance: d(1201)}

	// 10 * 120 + 1 = 1201.
	if err := v.CheckOrder(bidOrder(model.Stop, 10, nil, dp(120)), instrument(), acct, nil, nil); err != nil {
		t.Errorf("expected accepted at stop price, got %v", err)
	}

	acct.Balance = d(1200)
	err := v.CheckOrder(bidOrder(model.Stop, 10, nil, dp(120)), instrument(), acct, nil, nil)
	if !errors.Is(err, risk.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCheckOrder_SellWithinHolding(t *testing.T) {
	v := newValidator()
	pos := &model.Position{UserID: "u1", InstrumentID: "i1", Quantity: d(10)}

	if err := v.CheckOrder(askOrder(10, dp(100)), instrument(), nil, pos, nil); err != nil {
		t.Errorf("expected accepted, got %v", err)
	}
}

func TestCheckOrder_SellWithoutPosition(t *testing.T) {
	v := newValidator()
	err := v.CheckOrder(askOrder(1, dp(100)), instrument(), nil, nil, nil)
	if !errors.Is(err, risk.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestCheckOrder_SellNetOfCommittedShares(t *testing.T) {
	v := newValidator()
	pos := &model.Position{UserID: "u1", InstrumentID: "i1", Quantity: d(10)}

	// 6 of the 10 shares are already committed to an open ask.
	existing := []model.Order{{
		ID: "prev", Side: model.Ask, Type: model.Limit,
		Quantity: d(6), Remaining: d(6), State: model.Pending,
	}}

	if err := v.CheckOrder(askOrder(4, dp(100)), instrument(), nil, pos, existing); err != nil {
		t.Errorf("expected 4 uncommitted shares to cover, got %v", err)
	}

	err := v.CheckOrder(askOrder(5, dp(100)), instrument(), nil, pos, existing)
	if !errors.Is(err, risk.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestCheckOrder_CancelledOrdersDoNotCommitShares(t *testing.T) {
	v := newValidator()
	pos := &model.Position{UserID: "u1", InstrumentID: "i1", Quantity: d(10)}

	existing := []model.Order{{
		ID: "prev", Side: model.Ask, Type: model.Limit,
		Quantity: d(10), Remaining: d(10), State: model.Cancelled,
	}}

	if err := v.CheckOrder(askOrder(10, dp(100)), instrument(), nil, pos, existing); err != nil {
		t.Errorf("cancelled order should release its shares, got %v", err)
	}
}

func TestCheckOrder_OpenOrderLimit(t *testing.T) {
	v := newValidator() // cap 3
	acct := &model.Account{Balance: d(1000000)}

	open := func(id string) model.Order {
		return model.Order{ID: id, Side: model.Bid, Type: model.Limit, State: model.Pending}
	}
	existing := []model.Order{open("a"), open("b"), open("c")}

	err := v.CheckOrder(bidOrder(model.Limit, 1, dp(10), nil), instrument(), acct, nil, existing)
	if !errors.Is(err, risk.ErrOpenOrderLimit) {
		t.Errorf("expected ErrOpenOrderLimit, got %v", err)
	}

	// Terminal orders do not count toward the cap.
	existing[2].State = model.Filled
	if err := v.CheckOrder(bidOrder(model.Limit, 1, dp(10), nil), instrument(), acct, nil, existing); err != nil {
		t.Errorf("expected accepted under the cap, got %v", err)
	}
}

func TestCheckOrder_ZeroCapDisablesLimit(t *testing.T) {
	v := risk.NewValidator(0, d(1))
	acct := &model.Account{Balance: d(1000000)}

	var existing []model.Order
	for i := 0; i < 50; i++ {
		existing = append(existing, model.Order{Side: model.Bid, Type: model.Limit, State: model.Pending})
	}

	if err := v.CheckOrder(bidOrder(model.Limit, 1, dp(10), nil), instrument(), acct, nil, existing); err != nil {
		t.Errorf("zero cap should disable the limit, got %v", err)
	}
}
