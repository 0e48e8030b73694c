// Package risk implements order-acceptance validation. The matching engine
// assumes it only ever sees admissible orders: sufficient cash for buys,
// sufficient uncommitted holdings for sells. Those checks live here, at the
// order-entry boundary, not inside the engine.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when the buyer's CURRENT account
	// cannot cover the order's estimated notional plus fee.
	ErrInsufficientFunds = errors.New("risk: insufficient funds for order")

	// ErrInsufficientShares is returned when the seller's uncommitted
	// holding cannot cover the order quantity.
	ErrInsufficientShares = errors.New("risk: insufficient holdings for order")

	// ErrOpenOrderLimit is returned when the user already has the maximum
	// number of open orders on the instrument.
	ErrOpenOrderLimit = errors.New("risk: open order limit reached for instrument")

	// ErrNoReferencePrice is returned when a MARKET buy cannot be costed
	// because the instrument has neither a best ask nor a positive last price.
	ErrNoReferencePrice = errors.New("risk: no reference price for market order")
)

// Validator checks whether an order is admissible before it is persisted
// and handed to the matching engine.
type Validator struct {
	// MaxOpenOrders caps a user's simultaneously open orders per
	// instrument. Zero disables the cap.
	MaxOpenOrders int

	// Fee is the per-side transaction fee included in the cash requirement.
	Fee decimal.Decimal
}

// NewValidator creates a validator with the given open-order cap and fee.
func NewValidator(maxOpenOrders int, fee decimal.Decimal) *Validator {
	return &Validator{MaxOpenOrders: maxOpenOrders, Fee: fee}
}

// CheckOrder validates an order against the user's cash, holdings, and open
// orders on the same instrument. account may be nil only when no CURRENT
// account exists (always a rejection for buys); position may be nil when the
// user holds nothing; userOrders is the user's existing orders on the
// instrument, any state.
func (v *Validator) CheckOrder(o *model.Order, instrument *model.Instrument, account *model.Account, position *model.Position, userOrders []model.Order) error {
	if v.MaxOpenOrders > 0 && countOpen(userOrders) >= v.MaxOpenOrders {
		return ErrOpenOrderLimit
	}

	if o.Side == model.Bid {
		return v.checkFunds(o, instrument, account)
	}
	return v.checkShares(o, position, userOrders)
}

// checkFunds requires the CURRENT balance to cover estimated notional plus
// the fee. A limit (or stop) price bounds the notional; a MARKET buy is
// costed at the best ask, falling back to the last traded price.
func (v *Validator) checkFunds(o *model.Order, instrument *model.Instrument, account *model.Account) error {
	if account == nil {
		return ErrInsufficientFunds
	}

	price, err := referencePrice(o, instrument)
	if err != nil {
		return err
	}

	required := price.Mul(o.Quantity).Add(v.Fee)
	if account.Balance.LessThan(required) {
		return ErrInsufficientFunds
	}
	return nil
}

// checkShares requires the holding, net of shares already committed to the
// user's other open sell orders, to cover the order quantity.
func (v *Validator) checkShares(o *model.Order, position *model.Position, userOrders []model.Order) error {
	held := decimal.Zero
	if position != nil {
		held = position.Quantity
	}

	committed := decimal.Zero
	for i := range userOrders {
		existing := &userOrders[i]
		if existing.Side == model.Ask && existing.Open() {
			committed = committed.Add(existing.Remaining)
		}
	}

	if held.Sub(committed).LessThan(o.Quantity) {
		return ErrInsufficientShares
	}
	return nil
}

// referencePrice picks the price an order is costed at: its own limit price,
// its stop price for stop orders without one, or the market's best ask /
// last price for MARKET buys.
func referencePrice(o *model.Order, instrument *model.Instrument) (decimal.Decimal, error) {
	if o.LimitPrice != nil {
		return *o.LimitPrice, nil
	}
	if o.Type == model.Stop && o.StopPrice != nil {
		return *o.StopPrice, nil
	}
	if instrument.BestAsk != nil {
		return *instrument.BestAsk, nil
	}
	if instrument.CurrentPrice.IsPositive() {
		return instrument.CurrentPrice, nil
	}
	return decimal.Zero, ErrNoReferencePrice
}

func countOpen(orders []model.Order) int {
	n := 0
	for i := range orders {
		if orders[i].Open() {
			n++
		}
	}
	return n
}
