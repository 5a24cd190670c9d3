package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// AuditStore implements domain.AuditStore as an append-only keyspace.
type AuditStore struct {
	d    *DB
	next atomic.Int64
	now  func() time.Time
}

// NewAuditStore resumes id assignment after the last stored entry.
func NewAuditStore(d *DB) (*AuditStore, error) {
	s := &AuditStore{d: d, now: time.Now}
	var last int64
	err := d.scan([]byte(prefixAudit), true, func(k, _ []byte) bool {
		last = int64(binary.BigEndian.Uint64(k[len(prefixAudit):]))
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: open audit log: %w", err)
	}
	s.next.Store(last)
	return s, nil
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	e := domain.AuditEntry{
		ID:        s.next.Add(1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pebble: marshal audit detail: %w", err)
	}
	k := key([]byte(prefixAudit), u64(uint64(e.ID)))
	if err := s.d.db.Set(k, data, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		entries []domain.AuditEntry
		skipped int
		decErr  error
	)
	err := s.d.scan([]byte(prefixAudit), true, func(_, v []byte) bool {
		if skipped < opts.Offset {
			skipped++
			return true
		}
		var e domain.AuditEntry
		if decErr = json.Unmarshal(v, &e); decErr != nil {
			return false
		}
		entries = append(entries, e)
		return opts.Limit <= 0 || len(entries) < opts.Limit
	})
	if err == nil {
		err = decErr
	}
	if err != nil {
		return nil, fmt.Errorf("pebble: list audit entries: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
