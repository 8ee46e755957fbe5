package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-indexer/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: s.pool, q: tx, inTx: true})
	})
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// dec parses a NUMERIC read back as TEXT.
func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Protocol ---

func (s *PostgresStore) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	var p model.Protocol
	var closeFactor, incentive string

	err := s.q.QueryRow(ctx,
		`SELECT id, price_oracle, close_factor::TEXT, liquidation_incentive::TEXT, max_assets
		 FROM protocols WHERE id = $1`, model.ProtocolID).
		Scan(&p.ID, &p.PriceOracle, &closeFactor, &incentive, &p.MaxAssets)
	if err != nil {
		return nil, notFound(err, "protocol")
	}
	p.CloseFactor = dec(closeFactor)
	p.LiquidationIncentive = dec(incentive)
	return &p, nil
}

func (s *PostgresStore) SaveProtocol(ctx context.Context, p *model.Protocol) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO protocols (id, price_oracle, close_factor, liquidation_incentive, max_assets)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     price_oracle = EXCLUDED.price_oracle,
		     close_factor = EXCLUDED.close_factor,
		     liquidation_incentive = EXCLUDED.liquidation_incentive,
		     max_assets = EXCLUDED.max_assets`,
		p.ID, p.PriceOracle, p.CloseFactor.String(), p.LiquidationIncentive.String(), p.MaxAssets,
	)
	if err != nil {
		return fmt.Errorf("save protocol: %w", err)
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, name, symbol, underlying_address, underlying_decimals,
	underlying_name, underlying_symbol, interest_rate_model_address,
	accrual_block_number, block_timestamp,
	exchange_rate::TEXT, borrow_index::TEXT, reserves::TEXT, total_borrows::TEXT,
	total_supply::TEXT, cash::TEXT, borrow_rate::TEXT, supply_rate::TEXT,
	collateral_factor::TEXT, reserve_factor::TEXT,
	underlying_price::TEXT, underlying_price_usd::TEXT`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var accrual, ts int64
	var n [12]string

	if err := row.Scan(&m.ID, &m.Name, &m.Symbol, &m.UnderlyingAddress, &m.UnderlyingDecimals,
		&m.UnderlyingName, &m.UnderlyingSymbol, &m.InterestRateModelAddress,
		&accrual, &ts,
		&n[0], &n[1], &n[2], &n[3], &n[4], &n[5], &n[6], &n[7], &n[8], &n[9], &n[10], &n[11]); err != nil {
		return nil, err
	}
	m.AccrualBlockNumber = uint64(accrual)
	m.BlockTimestamp = uint64(ts)
	m.ExchangeRate = dec(n[0])
	m.BorrowIndex = dec(n[1])
	m.Reserves = dec(n[2])
	m.TotalBorrows = dec(n[3])
	m.TotalSupply = dec(n[4])
	m.Cash = dec(n[5])
	m.BorrowRate = dec(n[6])
	m.SupplyRate = dec(n[7])
	m.CollateralFactor = dec(n[8])
	m.ReserveFactor = dec(n[9])
	m.UnderlyingPrice = dec(n[10])
	m.UnderlyingPriceUSD = dec(n[11])
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "market "+id)
	}
	return m, nil
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO markets (id, name, symbol, underlying_address, underlying_decimals,
		     underlying_name, underlying_symbol, interest_rate_model_address,
		     accrual_block_number, block_timestamp,
		     exchange_rate, borrow_index, reserves, total_borrows, total_supply, cash,
		     borrow_rate, supply_rate, collateral_factor, reserve_factor,
		     underlying_price, underlying_price_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		     $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
		     $17::NUMERIC, $18::NUMERIC, $19::NUMERIC, $20::NUMERIC, $21::NUMERIC, $22::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     symbol = EXCLUDED.symbol,
		     underlying_address = EXCLUDED.underlying_address,
		     underlying_decimals = EXCLUDED.underlying_decimals,
		     underlying_name = EXCLUDED.underlying_name,
		     underlying_symbol = EXCLUDED.underlying_symbol,
		     interest_rate_model_address = EXCLUDED.interest_rate_model_address,
		     accrual_block_number = EXCLUDED.accrual_block_number,
		     block_timestamp = EXCLUDED.block_timestamp,
		     exchange_rate = EXCLUDED.exchange_rate,
		     borrow_index = EXCLUDED.borrow_index,
		     reserves = EXCLUDED.reserves,
		     total_borrows = EXCLUDED.total_borrows,
		     total_supply = EXCLUDED.total_supply,
		     cash = EXCLUDED.cash,
		     borrow_rate = EXCLUDED.borrow_rate,
		     supply_rate = EXCLUDED.supply_rate,
		     collateral_factor = EXCLUDED.collateral_factor,
		     reserve_factor = EXCLUDED.reserve_factor,
		     underlying_price = EXCLUDED.underlying_price,
		     underlying_price_usd = EXCLUDED.underlying_price_usd`,
		m.ID, m.Name, m.Symbol, m.UnderlyingAddress, m.UnderlyingDecimals,
		m.UnderlyingName, m.UnderlyingSymbol, m.InterestRateModelAddress,
		int64(m.AccrualBlockNumber), int64(m.BlockTimestamp),
		m.ExchangeRate.String(), m.BorrowIndex.String(), m.Reserves.String(),
		m.TotalBorrows.String(), m.TotalSupply.String(), m.Cash.String(),
		m.BorrowRate.String(), m.SupplyRate.String(),
		m.CollateralFactor.String(), m.ReserveFactor.String(),
		m.UnderlyingPrice.String(), m.UnderlyingPriceUSD.String(),
	)
	if err != nil {
		return fmt.Errorf("save market %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.q.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.q.QueryRow(ctx,
		`SELECT id, count_liquidated, count_liquidator, has_borrowed
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.CountLiquidated, &a.CountLiquidator, &a.HasBorrowed)
	if err != nil {
		return nil, notFound(err, "account "+id)
	}
	return &a, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO accounts (id, count_liquidated, count_liquidator, has_borrowed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		     count_liquidated = EXCLUDED.count_liquidated,
		     count_liquidator = EXCLUDED.count_liquidator,
		     has_borrowed = EXCLUDED.has_borrowed`,
		a.ID, a.CountLiquidated, a.CountLiquidator, a.HasBorrowed,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.AccountPosition, error) {
	var p model.AccountPosition
	var accrual int64
	var n [7]string

	err := s.q.QueryRow(ctx,
		`SELECT id, market_id, account_id, symbol,
		        position_balance::TEXT, total_underlying_supplied::TEXT,
		        total_underlying_redeemed::TEXT, total_underlying_borrowed::TEXT,
		        total_underlying_repaid::TEXT, stored_borrow_balance::TEXT,
		        account_borrow_index::TEXT, entered_market, accrual_block_number
		 FROM account_positions WHERE id = $1`, id).
		Scan(&p.ID, &p.MarketID, &p.AccountID, &p.Symbol,
			&n[0], &n[1], &n[2], &n[3], &n[4], &n[5], &n[6],
			&p.EnteredMarket, &accrual)
	if err != nil {
		return nil, notFound(err, "position "+id)
	}
	p.PositionBalance = dec(n[0])
	p.TotalUnderlyingSupplied = dec(n[1])
	p.TotalUnderlyingRedeemed = dec(n[2])
	p.TotalUnderlyingBorrowed = dec(n[3])
	p.TotalUnderlyingRepaid = dec(n[4])
	p.StoredBorrowBalance = dec(n[5])
	p.AccountBorrowIndex = dec(n[6])
	p.AccrualBlockNumber = uint64(accrual)
	return &p, nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.AccountPosition) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO account_positions (id, market_id, account_id, symbol,
		     position_balance, total_underlying_supplied, total_underlying_redeemed,
		     total_underlying_borrowed, total_underlying_repaid, stored_borrow_balance,
		     account_borrow_index, entered_market, accrual_block_number)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		     $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		     symbol = EXCLUDED.symbol,
		     position_balance = EXCLUDED.position_balance,
		     total_underlying_supplied = EXCLUDED.total_underlying_supplied,
		     total_underlying_redeemed = EXCLUDED.total_underlying_redeemed,
		     total_underlying_borrowed = EXCLUDED.total_underlying_borrowed,
		     total_underlying_repaid = EXCLUDED.total_underlying_repaid,
		     stored_borrow_balance = EXCLUDED.stored_borrow_balance,
		     account_borrow_index = EXCLUDED.account_borrow_index,
		     entered_market = EXCLUDED.entered_market,
		     accrual_block_number = EXCLUDED.accrual_block_number`,
		p.ID, p.MarketID, p.AccountID, p.Symbol,
		p.PositionBalance.String(), p.TotalUnderlyingSupplied.String(),
		p.TotalUnderlyingRedeemed.String(), p.TotalUnderlyingBorrowed.String(),
		p.TotalUnderlyingRepaid.String(), p.StoredBorrowBalance.String(),
		p.AccountBorrowIndex.String(), p.EnteredMarket, int64(p.AccrualBlockNumber),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

// --- Markers ---

func (s *PostgresStore) CreateAccountTransaction(ctx context.Context, t *model.AccountTransaction) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO account_transactions (id, position_id, tx_hash, timestamp, block_number, log_index)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.PositionID, t.TxHash, int64(t.Timestamp), int64(t.BlockNumber), int64(t.LogIndex),
	)
	if err != nil {
		return false, fmt.Errorf("create account transaction %s: %w", t.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetAccountTransaction(ctx context.Context, id string) (*model.AccountTransaction, error) {
	var t model.AccountTransaction
	var ts, block, logIndex int64
	err := s.q.QueryRow(ctx,
		`SELECT id, position_id, tx_hash, timestamp, block_number, log_index
		 FROM account_transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.PositionID, &t.TxHash, &ts, &block, &logIndex)
	if err != nil {
		return nil, notFound(err, "account transaction "+id)
	}
	t.Timestamp = uint64(ts)
	t.BlockNumber = uint64(block)
	t.LogIndex = uint64(logIndex)
	return &t, nil
}

// --- History ---

func (s *PostgresStore) InsertHistory(ctx context.Context, rec model.HistoryRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode %s record %s: %w", rec.RecordKind(), rec.RecordID(), err)
	}
	tag, err := s.q.Exec(ctx,
		`INSERT INTO history_records (kind, id, block_number, payload)
		 VALUES ($1, $2, $3, $4::JSONB)
		 ON CONFLICT (kind, id) DO NOTHING`,
		string(rec.RecordKind()), rec.RecordID(), int64(rec.Block()), string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("insert %s record %s: %w", rec.RecordKind(), rec.RecordID(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, kind model.RecordKind, id string) (model.HistoryRecord, error) {
	var payload string
	err := s.q.QueryRow(ctx,
		`SELECT payload::TEXT FROM history_records WHERE kind = $1 AND id = $2`,
		string(kind), id).Scan(&payload)
	if err != nil {
		return nil, notFound(err, string(kind)+" record "+id)
	}
	return model.DecodeRecord(kind, []byte(payload))
}

func (s *PostgresStore) ListHistory(ctx context.Context, kind model.RecordKind) ([]model.HistoryRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT payload::TEXT FROM history_records WHERE kind = $1 ORDER BY seq`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := model.DecodeRecord(kind, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
