package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// upsertOrderSQL inserts an order or advances its fill state. Rows that are
// already terminal are left alone so a late write cannot resurrect them. An
// open save with a lower fill than the row is stale and skipped; a terminal
// one keeps the higher fill.
const upsertOrderSQL = `
	INSERT INTO orders (
		id, external_id, market_id, outcome, side, order_type,
		price, size, filled_amount, status, sequence, owner,
		created_at, expires_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11, $12,
		$13, $14, $15
	)
	ON CONFLICT (id) DO UPDATE SET
		filled_amount = GREATEST(orders.filled_amount, EXCLUDED.filled_amount),
		status        = EXCLUDED.status,
		updated_at    = EXCLUDED.updated_at
	WHERE orders.status NOT IN ('filled', 'cancelled', 'expired')
	  AND (orders.filled_amount <= EXCLUDED.filled_amount
	       OR EXCLUDED.status IN ('filled', 'cancelled', 'expired'))`

func orderArgs(o domain.Order) []any {
	return []any{
		o.ID, o.ExternalID, o.MarketID, int16(o.Outcome), string(o.Side), string(o.Type),
		o.Price, o.Size, o.FilledAmount, string(o.Status), int64(o.Sequence), o.Owner,
		o.CreatedAt, o.ExpiresAt, o.UpdatedAt,
	}
}

// Save upserts a single order.
func (s *OrderStore) Save(ctx context.Context, o domain.Order) error {
	if _, err := s.pool.Exec(ctx, upsertOrderSQL, orderArgs(o)...); err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.ID, err)
	}
	return nil
}

// SaveBatch upserts orders in one round trip.
func (s *OrderStore) SaveBatch(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, o := range orders {
		batch.Queue(upsertOrderSQL, orderArgs(o)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, o := range orders {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save order batch (%s): %w", o.ID, err)
		}
	}
	return nil
}

const orderSelectCols = `id, external_id, market_id, outcome, side, order_type,
	price, size, filled_amount, status, sequence, owner,
	created_at, expires_at, updated_at`

func scanOrder(scanner pgx.Row) (domain.Order, error) {
	var (
		o                       domain.Order
		outcome                 int16
		side, orderType, status string
		seq                     int64
	)
	err := scanner.Scan(
		&o.ID, &o.ExternalID, &o.MarketID, &outcome, &side, &orderType,
		&o.Price, &o.Size, &o.FilledAmount, &status, &seq, &o.Owner,
		&o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Outcome = domain.Outcome(outcome)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.Sequence = uint64(seq)
	return o, nil
}

// Get retrieves a single order by ID.
func (s *OrderStore) Get(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListOpen returns every resting order in arrival order.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('pending', 'partially_filled')
		 ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open orders rows: %w", err)
	}
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
