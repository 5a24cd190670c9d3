package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// upsertTradeSQL records a trade or its latest settlement state. The WHERE
// clause makes settled and failed rows final.
const upsertTradeSQL = `
	INSERT INTO trades (
		id, maker_order_id, taker_order_id, market_id, outcome,
		price, size, maker_account, taker_account, taker_side, executed_at,
		settlement_status, kind, attempt_count, deferrals, last_error,
		next_attempt_at, settled_at, tx_hash, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16,
		$17, $18, $19, NOW()
	)
	ON CONFLICT (id) DO UPDATE SET
		settlement_status = EXCLUDED.settlement_status,
		kind              = EXCLUDED.kind,
		attempt_count     = EXCLUDED.attempt_count,
		deferrals         = EXCLUDED.deferrals,
		last_error        = EXCLUDED.last_error,
		next_attempt_at   = EXCLUDED.next_attempt_at,
		settled_at        = EXCLUDED.settled_at,
		tx_hash           = EXCLUDED.tx_hash,
		updated_at        = NOW()
	WHERE trades.settlement_status NOT IN ('settled', 'failed')`

func tradeArgs(t domain.Trade) []any {
	return []any{
		t.ID, t.MakerOrderID, t.TakerOrderID, t.MarketID, int16(t.Outcome),
		t.Price, t.Size, t.MakerAccount, t.TakerAccount, string(t.TakerSide), t.ExecutedAt,
		string(t.SettlementStatus), string(t.Kind), t.AttemptCount, t.Deferrals, t.LastError,
		t.NextAttemptAt, t.SettledAt, t.TxHash,
	}
}

// Save upserts a single trade.
func (s *TradeStore) Save(ctx context.Context, t domain.Trade) error {
	if _, err := s.pool.Exec(ctx, upsertTradeSQL, tradeArgs(t)...); err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", t.ID, err)
	}
	return nil
}

// SaveBatch upserts trades efficiently using pgx Batch.
func (s *TradeStore) SaveBatch(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(upsertTradeSQL, tradeArgs(t)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, t := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save trade batch (%s): %w", t.ID, err)
		}
	}
	return nil
}

const tradeSelectCols = `id, maker_order_id, taker_order_id, market_id, outcome,
	price, size, maker_account, taker_account, taker_side, executed_at,
	settlement_status, kind, attempt_count, deferrals, last_error,
	next_attempt_at, settled_at, tx_hash`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t                  domain.Trade
		outcome            int16
		side, status, kind string
	)
	err := row.Scan(
		&t.ID, &t.MakerOrderID, &t.TakerOrderID, &t.MarketID, &outcome,
		&t.Price, &t.Size, &t.MakerAccount, &t.TakerAccount, &side, &t.ExecutedAt,
		&status, &kind, &t.AttemptCount, &t.Deferrals, &t.LastError,
		&t.NextAttemptAt, &t.SettledAt, &t.TxHash,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Outcome = domain.Outcome(outcome)
	t.TakerSide = domain.OrderSide(side)
	t.SettlementStatus = domain.SettlementStatus(status)
	t.Kind = domain.SettlementKind(kind)
	return t, nil
}

func (s *TradeStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", what, err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", what, err)
	}
	return trades, nil
}

// Get retrieves a single trade by ID.
func (s *TradeStore) Get(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListUnsettled returns pending and batched trades in execution order.
func (s *TradeStore) ListUnsettled(ctx context.Context) ([]domain.Trade, error) {
	return s.query(ctx, "list unsettled trades",
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE settlement_status IN ('pending', 'batched')
		 ORDER BY executed_at, id`)
}

// ListByStatus returns trades in one settlement state, newest first.
func (s *TradeStore) ListByStatus(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := paginate(
		`SELECT `+tradeSelectCols+` FROM trades WHERE settlement_status = $1 ORDER BY executed_at DESC, id`,
		[]any{string(status)}, opts)
	return s.query(ctx, "list trades by status", query, args...)
}

// ListSettledBefore returns up to limit settled trades whose settlement
// completed before the cutoff, oldest first.
func (s *TradeStore) ListSettledBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	query, args := paginate(
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE settlement_status = 'settled' AND settled_at < $1
		 ORDER BY settled_at, id`,
		[]any{before}, domain.ListOpts{Limit: limit})
	return s.query(ctx, "list settled trades", query, args...)
}

// DeleteSettledBefore removes settled trades older than the cutoff and
// returns the number of rows deleted.
func (s *TradeStore) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE settlement_status = 'settled' AND settled_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settled trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
