package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lumibank/matching-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Instruments ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, current_price, best_bid, best_ask, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		in.ID, in.Symbol, in.Name,
		in.CurrentPrice.String(), priceString(in.BestBid), priceString(in.BestAsk),
		in.IsActive, in.CreatedAt, in.UpdatedAt,
	)
	return err
}

const instrumentColumns = `id, symbol, name,
	current_price::TEXT, best_bid::TEXT, best_ask::TEXT,
	is_active, created_at, updated_at`

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id)
	in, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstrumentNotFound
		}
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return in, nil
}

func (s *PostgresStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE symbol = $1`, symbol)
	in, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstrumentNotFound
		}
		return nil, fmt.Errorf("get instrument by symbol %s: %w", symbol, err)
	}
	return in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, *in)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentQuotes(ctx context.Context, id string, currentPrice decimal.Decimal, bestBid, bestAsk *decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET current_price = $2::NUMERIC, best_bid = $3::NUMERIC, best_ask = $4::NUMERIC, updated_at = NOW()
		 WHERE id = $1`,
		id, currentPrice.String(), priceString(bestBid), priceString(bestAsk),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInstrumentNotFound
	}
	return nil
}

// --- Orders ---

const orderColumns = `id, instrument_id, user_id, side, order_type,
	quantity::TEXT, remaining::TEXT, limit_price::TEXT, stop_price::TEXT,
	state, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, instrument_id, user_id, side, order_type, quantity, remaining, limit_price, stop_price, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		o.ID, o.InstrumentID, o.UserID, o.Side, o.Type,
		o.Quantity.String(), o.Remaining.String(),
		priceString(o.LimitPrice), priceString(o.StopPrice),
		o.State, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrdersByInstrumentAndSide(ctx context.Context, instrumentID string, side model.Side) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE instrument_id = $1 AND side = $2 ORDER BY created_at`, instrumentID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) GetOrdersByState(ctx context.Context, state model.OrderState) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE state = $1 ORDER BY created_at`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.pool.Exec(ctx, updateOrderSQL,
		o.ID, o.Remaining.String(), o.State, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

const updateOrderSQL = `UPDATE orders
	SET remaining = $2::NUMERIC, state = $3, updated_at = $4
	WHERE id = $1`

// --- Trades ---

const tradeColumns = `id, instrument_id, buyer_id, seller_id, buy_order_id, sell_order_id,
	quantity::TEXT, price::TEXT, buyer_fee::TEXT, seller_fee::TEXT, created_at`

func (s *PostgresStore) GetTradesByInstrument(ctx context.Context, instrumentID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE instrument_id = $1 ORDER BY created_at`, instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) LatestTrade(ctx context.Context, instrumentID string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE instrument_id = $1 AND price > 0
		 ORDER BY created_at DESC LIMIT 1`, instrumentID)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, fmt.Errorf("latest trade for %s: %w", instrumentID, err)
	}
	return t, nil
}

// --- Positions ---

const positionColumns = `id, user_id, instrument_id,
	quantity::TEXT, average_buy_price::TEXT, total_invested::TEXT,
	created_at, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND instrument_id = $2`, userID, instrumentID)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("get position %s/%s: %w", userID, instrumentID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) GetPositionsByInstrument(ctx context.Context, instrumentID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE instrument_id = $1 ORDER BY user_id`, instrumentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, instrument_id, quantity, average_buy_price, total_invested, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id, instrument_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_buy_price = EXCLUDED.average_buy_price,
		     total_invested = EXCLUDED.total_invested,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.InstrumentID,
		p.Quantity.String(), p.AverageBuyPrice.String(), p.TotalInvested.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// --- Accounts ---

const accountColumns = `id, user_id, account_type, balance::TEXT, created_at, updated_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, account_type, balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		a.ID, a.UserID, a.Type, a.Balance.String(), a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountByUserAndType(ctx context.Context, userID string, typ model.AccountType) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 AND account_type = $2`, userID, typ)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account %s/%s: %w", userID, typ, err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountsByUser(ctx context.Context, userID string) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY account_type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) UpdateAccountBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, updateBalanceSQL, accountID, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

const updateBalanceSQL = `UPDATE accounts
	SET balance = $2::NUMERIC, updated_at = NOW()
	WHERE id = $1`

// --- Atomic match unit ---

// ApplyFill applies the whole fill inside a single serializable transaction
// so a crash mid-match cannot leave shares credited without cash debited.
func (s *PostgresStore) ApplyFill(ctx context.Context, fill *model.Fill) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t := fill.Trade
	if _, err := tx.Exec(ctx,
		`INSERT INTO trades (id, instrument_id, buyer_id, seller_id, buy_order_id, sell_order_id, quantity, price, buyer_fee, seller_fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		t.ID, t.InstrumentID, t.BuyerID, t.SellerID, t.BuyOrderID, t.SellOrderID,
		t.Quantity.String(), t.Price.String(), t.BuyerFee.String(), t.SellerFee.String(),
		t.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	for _, o := range []model.Order{fill.BuyOrder, fill.SellOrder} {
		tag, err := tx.Exec(ctx, updateOrderSQL,
			o.ID, o.Remaining.String(), o.State, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update order %s: %w", o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
	}

	for _, pc := range fill.Positions {
		p := pc.Position
		if pc.Delete {
			if _, err := tx.Exec(ctx,
				`DELETE FROM positions WHERE user_id = $1 AND instrument_id = $2`,
				p.UserID, p.InstrumentID); err != nil {
				return fmt.Errorf("delete position %s/%s: %w", p.UserID, p.InstrumentID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (id, user_id, instrument_id, quantity, average_buy_price, total_invested, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
			 ON CONFLICT (user_id, instrument_id) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_buy_price = EXCLUDED.average_buy_price,
			     total_invested = EXCLUDED.total_invested,
			     updated_at = EXCLUDED.updated_at`,
			p.ID, p.UserID, p.InstrumentID,
			p.Quantity.String(), p.AverageBuyPrice.String(), p.TotalInvested.String(),
			p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert position %s/%s: %w", p.UserID, p.InstrumentID, err)
		}
	}

	for _, bc := range fill.Accounts {
		tag, err := tx.Exec(ctx, updateBalanceSQL, bc.AccountID, bc.Balance.String())
		if err != nil {
			return fmt.Errorf("update balance %s: %w", bc.AccountID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAccountNotFound
		}
	}

	return tx.Commit(ctx)
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanInstrument(row pgxRow) (*model.Instrument, error) {
	var in model.Instrument
	var currentPrice string
	var bestBid, bestAsk *string

	if err := row.Scan(&in.ID, &in.Symbol, &in.Name,
		&currentPrice, &bestBid, &bestAsk,
		&in.IsActive, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}

	in.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	in.BestBid = parsePrice(bestBid)
	in.BestAsk = parsePrice(bestAsk)
	return &in, nil
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var quantity, remaining string
	var limitPrice, stopPrice *string

	if err := row.Scan(&o.ID, &o.InstrumentID, &o.UserID, &o.Side, &o.Type,
		&quantity, &remaining, &limitPrice, &stopPrice,
		&o.State, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}

	o.Quantity, _ = decimal.NewFromString(quantity)
	o.Remaining, _ = decimal.NewFromString(remaining)
	o.LimitPrice = parsePrice(limitPrice)
	o.StopPrice = parsePrice(stopPrice)
	return &o, nil
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanTrade(row pgxRow) (*model.Trade, error) {
	var t model.Trade
	var quantity, price, buyerFee, sellerFee string

	if err := row.Scan(&t.ID, &t.InstrumentID, &t.BuyerID, &t.SellerID,
		&t.BuyOrderID, &t.SellOrderID,
		&quantity, &price, &buyerFee, &sellerFee, &t.CreatedAt); err != nil {
		return nil, err
	}

	t.Quantity, _ = decimal.NewFromString(quantity)
	t.Price, _ = decimal.NewFromString(price)
	t.BuyerFee, _ = decimal.NewFromString(buyerFee)
	t.SellerFee, _ = decimal.NewFromString(sellerFee)
	return &t, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var quantity, avgPrice, invested string

	if err := row.Scan(&p.ID, &p.UserID, &p.InstrumentID,
		&quantity, &avgPrice, &invested,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Quantity, _ = decimal.NewFromString(quantity)
	p.AverageBuyPrice, _ = decimal.NewFromString(avgPrice)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanAccount(row pgxRow) (*model.Account, error) {
	var a model.Account
	var balance string

	if err := row.Scan(&a.ID, &a.UserID, &a.Type, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func priceString(p *decimal.Decimal) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}

func parsePrice(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
