// Package model defines the core domain types shared across the matching
// engine. All monetary values and quantities use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of the book an order rests on.
type Side string

const (
	Bid Side = "BID" // buy
	Ask Side = "ASK" // sell
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// OrderType distinguishes how an order prices itself.
type OrderType string

const (
	Market OrderType = "MARKET" // immediate at best available, never rests
	Limit  OrderType = "LIMIT"  // price-bounded
	Stop   OrderType = "STOP"   // conditionally triggered, never matched directly
)

// OrderState is the lifecycle state of an order. FILLED, CANCELLED and
// REJECTED are terminal; PENDING and PARTIAL may alternate with each partial
// fill but never reopen from a terminal state.
type OrderState string

const (
	Pending   OrderState = "PENDING"
	Partial   OrderState = "PARTIAL"
	Filled    OrderState = "FILLED"
	Cancelled OrderState = "CANCELLED"
	Rejected  OrderState = "REJECTED"
)

// Terminal reports whether the state permits no further transitions.
func (s OrderState) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// AccountType classifies cash accounts. Only CURRENT accounts are debited
// and credited by trading.
type AccountType string

const (
	Current AccountType = "CURRENT"
	Savings AccountType = "SAVINGS"
)

// Instrument is a tradable security. CurrentPrice is the last traded price,
// seeded at creation and only moved by a real fill. BestBid/BestAsk are
// derived from the resting LIMIT orders and recomputed after every matching
// pass; MARKET orders carry no limit price and contribute no quote.
type Instrument struct {
	ID           string           `json:"id" db:"id"`
	Symbol       string           `json:"symbol" db:"symbol"`
	Name         string           `json:"name" db:"name"`
	CurrentPrice decimal.Decimal  `json:"current_price" db:"current_price"`
	BestBid      *decimal.Decimal `json:"best_bid" db:"best_bid"`
	BestAsk      *decimal.Decimal `json:"best_ask" db:"best_ask"`
	IsActive     bool             `json:"is_active" db:"is_active"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// Order is a resting order-book entry. Orders are created with
// Remaining == Quantity and state PENDING, mutated in place by the engine
// (fills) or by cancellation, and never destroyed — they are retained for
// audit. LimitPrice is nil iff Type == MARKET; StopPrice is set for STOP
// orders only.
type Order struct {
	ID           string           `json:"id" db:"id"`
	InstrumentID string           `json:"instrument_id" db:"instrument_id"`
	UserID       string           `json:"user_id" db:"user_id"`
	Side         Side             `json:"side" db:"side"`
	Type         OrderType        `json:"type" db:"order_type"`
	Quantity     decimal.Decimal  `json:"quantity" db:"quantity"`
	Remaining    decimal.Decimal  `json:"remaining" db:"remaining"`
	LimitPrice   *decimal.Decimal `json:"limit_price" db:"limit_price"`
	StopPrice    *decimal.Decimal `json:"stop_price" db:"stop_price"`
	State        OrderState       `json:"state" db:"state"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

// Open reports whether the order can still participate in matching.
func (o *Order) Open() bool {
	return o.State == Pending || o.State == Partial
}

// Trade is an immutable record of one executed match. Quantity*Price is the
// gross notional; the buyer pays notional+BuyerFee, the seller receives
// notional−SellerFee.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	BuyerID      string          `json:"buyer_id" db:"buyer_id"`
	SellerID     string          `json:"seller_id" db:"seller_id"`
	BuyOrderID   string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id" db:"sell_order_id"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	BuyerFee     decimal.Decimal `json:"buyer_fee" db:"buyer_fee"`
	SellerFee    decimal.Decimal `json:"seller_fee" db:"seller_fee"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's net holding in one instrument. Unique per
// (UserID, InstrumentID) while Quantity > 0; deleted when the quantity
// reaches exactly zero. AverageBuyPrice = TotalInvested / Quantity is
// recomputed on every buy-side fill; sell-side fills hold it constant and
// shrink TotalInvested proportionally.
type Position struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	InstrumentID    string          `json:"instrument_id" db:"instrument_id"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
	TotalInvested   decimal.Decimal `json:"total_invested" db:"total_invested"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Account is a cash account. Balance must never go negative as a direct
// result of a match; this is enforced at order acceptance, which the engine
// assumes has already happened.
type Account struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      AccountType     `json:"type" db:"account_type"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionChange is one position mutation inside a Fill: an upsert of
// Position, or a delete of the (UserID, InstrumentID) row when Delete is
// set (the close-out-to-zero rule).
type PositionChange struct {
	Position Position
	Delete   bool
}

// BalanceChange sets an account's balance to a new absolute value.
type BalanceChange struct {
	AccountID string
	UserID    string
	Balance   decimal.Decimal
}

// Fill is the atomic unit of one executed match: the trade record, the two
// mutated orders, and the resulting position and cash states. A store must
// apply all of it or none of it — a crash mid-fill must not leave shares
// credited without cash debited.
//
// When the same user is on both sides of the match (self-trading is
// permitted), Positions and Accounts each contain a single combined entry.
type Fill struct {
	Trade     Trade
	BuyOrder  Order
	SellOrder Order
	Positions []PositionChange
	Accounts  []BalanceChange
}
