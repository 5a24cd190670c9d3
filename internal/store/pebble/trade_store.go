package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	d *DB
}

func NewTradeStore(d *DB) *TradeStore {
	return &TradeStore{d: d}
}

func tradeKey(id string) []byte { return []byte(prefixTrade + id) }

func statePrefix(status domain.SettlementStatus) []byte {
	return []byte(prefixTradeState + string(status) + "/")
}

func stateKey(t domain.Trade) []byte {
	return key(statePrefix(t.SettlementStatus), i64(t.ExecutedAt.UnixNano()), []byte("/"+t.ID))
}

func settledKey(t domain.Trade) []byte {
	return key([]byte(prefixSettledAt), i64(t.SettledAt.UnixNano()), []byte("/"+t.ID))
}

// indexKeys lists every secondary key that points at t.
func indexKeys(t domain.Trade) [][]byte {
	keys := [][]byte{stateKey(t)}
	if t.SettlementStatus == domain.SettlementSettled && t.SettledAt != nil {
		keys = append(keys, settledKey(t))
	}
	return keys
}

// Save writes a trade unless the stored copy is already Settled or Failed.
func (s *TradeStore) Save(ctx context.Context, t domain.Trade) error {
	return s.SaveBatch(ctx, []domain.Trade{t})
}

func (s *TradeStore) SaveBatch(_ context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	b := s.d.db.NewBatch()
	defer b.Close()
	staged := make(map[string]domain.Trade, len(trades))

	for _, t := range trades {
		prev, found := staged[t.ID]
		if !found {
			var err error
			found, err = s.d.getJSON(tradeKey(t.ID), &prev)
			if err != nil {
				return fmt.Errorf("pebble: load trade %s: %w", t.ID, err)
			}
		}
		if found {
			if prev.SettlementStatus.Terminal() {
				continue
			}
			for _, k := range indexKeys(prev) {
				if err := b.Delete(k, nil); err != nil {
					return fmt.Errorf("pebble: unindex trade %s: %w", t.ID, err)
				}
			}
		}

		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("pebble: encode trade %s: %w", t.ID, err)
		}
		if err := b.Set(tradeKey(t.ID), data, nil); err != nil {
			return fmt.Errorf("pebble: save trade %s: %w", t.ID, err)
		}
		for _, k := range indexKeys(t) {
			if err := b.Set(k, nil, nil); err != nil {
				return fmt.Errorf("pebble: index trade %s: %w", t.ID, err)
			}
		}
		staged[t.ID] = t
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: commit trades: %w", err)
	}
	return nil
}

func (s *TradeStore) Get(_ context.Context, id string) (domain.Trade, error) {
	var t domain.Trade
	found, err := s.d.getJSON(tradeKey(id), &t)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("pebble: get trade %s: %w", id, err)
	}
	if !found {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *TradeStore) load(ctx context.Context, ids []string) ([]domain.Trade, error) {
	trades := make([]domain.Trade, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// idsByStatus walks one status index, skipping offset entries and stopping
// after limit (0 means all).
func (s *TradeStore) idsByStatus(status domain.SettlementStatus, reverse bool, opts domain.ListOpts) ([]string, error) {
	prefix := statePrefix(status)
	prefixLen := len(prefix) + 8 + 1
	var (
		ids     []string
		skipped int
	)
	err := s.d.scan(prefix, reverse, func(k, _ []byte) bool {
		if skipped < opts.Offset {
			skipped++
			return true
		}
		ids = append(ids, lastSegment(k, prefixLen))
		return opts.Limit <= 0 || len(ids) < opts.Limit
	})
	return ids, err
}

// ListUnsettled returns Pending then Batched trades, each in execution order.
func (s *TradeStore) ListUnsettled(ctx context.Context) ([]domain.Trade, error) {
	var ids []string
	for _, st := range []domain.SettlementStatus{domain.SettlementPending, domain.SettlementBatched} {
		part, err := s.idsByStatus(st, false, domain.ListOpts{})
		if err != nil {
			return nil, fmt.Errorf("pebble: list unsettled trades: %w", err)
		}
		ids = append(ids, part...)
	}
	return s.load(ctx, ids)
}

// ListByStatus returns trades in one state, newest first.
func (s *TradeStore) ListByStatus(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Trade, error) {
	ids, err := s.idsByStatus(status, true, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: list trades by status: %w", err)
	}
	return s.load(ctx, ids)
}

// settledBefore collects ids from the settled-at index older than before.
func (s *TradeStore) settledBefore(before time.Time, limit int) ([]string, error) {
	cutoff := i64(before.UnixNano())
	prefixLen := len(prefixSettledAt) + 8 + 1
	var ids []string
	err := s.d.scan([]byte(prefixSettledAt), false, func(k, _ []byte) bool {
		ts := k[len(prefixSettledAt) : len(prefixSettledAt)+8]
		if binary.BigEndian.Uint64(ts) >= binary.BigEndian.Uint64(cutoff) {
			return false
		}
		ids = append(ids, lastSegment(k, prefixLen))
		return limit <= 0 || len(ids) < limit
	})
	return ids, err
}

func (s *TradeStore) ListSettledBefore(ctx context.Context, before time.Time, limit int) ([]domain.Trade, error) {
	ids, err := s.settledBefore(before, limit)
	if err != nil {
		return nil, fmt.Errorf("pebble: list settled trades: %w", err)
	}
	return s.load(ctx, ids)
}

// DeleteSettledBefore removes settled trades and their index keys.
func (s *TradeStore) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	ids, err := s.settledBefore(before, 0)
	if err != nil {
		return 0, fmt.Errorf("pebble: delete settled trades: %w", err)
	}
	trades, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}

	b := s.d.db.NewBatch()
	defer b.Close()
	for _, t := range trades {
		for _, k := range append(indexKeys(t), tradeKey(t.ID)) {
			if err := b.Delete(k, nil); err != nil {
				return 0, fmt.Errorf("pebble: delete trade %s: %w", t.ID, err)
			}
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble: commit delete: %w", err)
	}
	return int64(len(trades)), nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
