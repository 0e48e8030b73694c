// Package store defines the persistence interface for the matching engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/model"
)

// Sentinel errors shared by all implementations.
var (
	ErrInstrumentNotFound = errors.New("store: instrument not found")
	ErrOrderNotFound      = errors.New("store: order not found")
	ErrPositionNotFound   = errors.New("store: position not found")
	ErrAccountNotFound    = errors.New("store: account not found")
	ErrTradeNotFound      = errors.New("store: trade not found")
	ErrDuplicateSymbol    = errors.New("store: instrument symbol already exists")
	ErrDuplicateAccount   = errors.New("store: account of this type already exists for user")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// ApplyFill is the one compound operation: every implementation must apply
// the whole fill atomically, since a match mutates seven rows (trade, two
// orders, up to two positions, up to two accounts) that must stay
// consistent.
type Store interface {
	// --- Instruments ---

	// CreateInstrument persists a new tradable instrument.
	CreateInstrument(ctx context.Context, in *model.Instrument) error

	// GetInstrument retrieves an instrument by its ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// GetInstrumentBySymbol retrieves an instrument by its ticker symbol.
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns all instruments.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentQuotes writes the derived quote state after a
	// matching pass. bestBid/bestAsk are nil when no qualifying resting
	// order exists on that side.
	UpdateInstrumentQuotes(ctx context.Context, id string, currentPrice decimal.Decimal, bestBid, bestAsk *decimal.Decimal) error

	// --- Order book ---

	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// GetOrdersByInstrumentAndSide returns all orders (any state) for one
	// side of an instrument's book, ordered by creation time ascending.
	GetOrdersByInstrumentAndSide(ctx context.Context, instrumentID string, side model.Side) ([]model.Order, error)

	// GetOrdersByState returns all orders in the given state.
	GetOrdersByState(ctx context.Context, state model.OrderState) ([]model.Order, error)

	// GetOrdersByUser returns all orders placed by a user.
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// UpdateOrder replaces an order row (remaining, state, updatedAt).
	UpdateOrder(ctx context.Context, o *model.Order) error

	// --- Trade log (append-only) ---

	// GetTradesByInstrument returns all trades for an instrument, oldest first.
	GetTradesByInstrument(ctx context.Context, instrumentID string) ([]model.Trade, error)

	// GetTradesByUser returns all trades where the user was buyer or seller.
	GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// LatestTrade returns the most recent trade for an instrument with a
	// price greater than zero, or ErrTradeNotFound.
	LatestTrade(ctx context.Context, instrumentID string) (*model.Trade, error)

	// --- Positions ---

	// GetPosition retrieves a user's position in one instrument.
	GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)

	// GetPositionsByUser returns all of a user's open positions.
	GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// GetPositionsByInstrument returns all open positions in an instrument.
	GetPositionsByInstrument(ctx context.Context, instrumentID string) ([]model.Position, error)

	// UpsertPosition creates or replaces a position row. Fills go through
	// ApplyFill; this exists for administrative backfill and seeding.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// --- Cash accounts ---

	// CreateAccount persists a new cash account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves a cash account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByUserAndType retrieves a user's account of the given type.
	GetAccountByUserAndType(ctx context.Context, userID string, typ model.AccountType) (*model.Account, error)

	// GetAccountsByUser returns all of a user's accounts.
	GetAccountsByUser(ctx context.Context, userID string) ([]model.Account, error)

	// UpdateAccountBalance sets an account's balance to an absolute value.
	UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error

	// --- Atomic match unit ---

	// ApplyFill applies one executed match — trade insert, both order
	// updates, position upserts/deletes, and balance updates — as a single
	// atomic unit.
	ApplyFill(ctx context.Context, fill *model.Fill) error
}
