// Package pebble implements the domain store interfaces on an embedded
// Pebble key-value store for single-node deployments without PostgreSQL.
package pebble

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Key prefixes. Index keys carry no value; the record lives under its
// primary key.
const (
	prefixOrder      = "o/"
	prefixOpenOrder  = "oo/" // oo/<seq>/<id>
	prefixTrade      = "t/"
	prefixTradeState = "ts/" // ts/<status>/<executed_at>/<id>
	prefixSettledAt  = "tz/" // tz/<settled_at>/<id>
	prefixAudit      = "a/"  // a/<id>
)

// DB owns the Pebble handle shared by the stores.
type DB struct {
	db *pebble.DB
	// mu serialises read-modify-write cycles that maintain indexes.
	mu sync.Mutex
}

// Open opens (or creates) a store at path.
func Open(path string) (*DB, error) {
	return open(path, &pebble.Options{
		Cache: pebble.NewCache(64 << 20),
	})
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*DB, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*DB, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %q: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Close flushes and closes the store.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// scan visits every key under prefix, in reverse order when reverse is set,
// until fn returns false.
func (d *DB) scan(prefix []byte, reverse bool, fn func(key, value []byte) bool) error {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	if reverse {
		for valid := iter.Last(); valid; valid = iter.Prev() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	} else {
		for valid := iter.First(); valid; valid = iter.Next() {
			if !fn(iter.Key(), iter.Value()) {
				break
			}
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return err
	}
	return iter.Close()
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func key(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// i64 encodes a signed value so byte order matches numeric order.
func i64(v int64) []byte {
	return u64(uint64(v) ^ (1 << 63))
}

// lastSegment returns the id that ends an index key.
func lastSegment(k []byte, prefixLen int) string {
	return string(k[prefixLen:])
}
