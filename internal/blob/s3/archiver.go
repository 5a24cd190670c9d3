package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 16 << 20

// ObjectChecker reports whether an archive object is already present.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// TradeArchiver implements domain.Archiver. It copies settled trades older
// than the cutoff to JSONL objects, then deletes them from the primary
// store. Rows are only deleted after every chunk is uploaded, so a failed run
// can simply be repeated.
type TradeArchiver struct {
	writer    domain.BlobWriter
	checker   ObjectChecker
	trades    domain.TradeStore
	audit     domain.AuditStore
	prefix    string
	chunkSize int
}

// NewTradeArchiver builds an archiver writing under prefix. checker and
// audit may be nil.
func NewTradeArchiver(writer domain.BlobWriter, checker ObjectChecker, trades domain.TradeStore, audit domain.AuditStore, prefix string) *TradeArchiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &TradeArchiver{
		writer:    writer,
		checker:   checker,
		trades:    trades,
		audit:     audit,
		prefix:    prefix,
		chunkSize: 10_000,
	}
}

// ArchiveTrades uploads and purges settled trades older than before. It
// returns the number of trades removed from the store.
func (a *TradeArchiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListSettledBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	var paths []string
	for start := 0; start < len(trades); start += a.chunkSize {
		end := min(start+a.chunkSize, len(trades))
		path, err := a.upload(ctx, trades[start:end])
		if err != nil {
			return 0, err
		}
		paths = append(paths, path)
	}

	deleted, err := a.trades.DeleteSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades purge: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.trades", map[string]any{
			"paths":  paths,
			"count":  deleted,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return deleted, fmt.Errorf("s3blob: archive trades audit log: %w", err)
		}
	}
	return deleted, nil
}

// upload writes one chunk unless an identical object key already exists.
func (a *TradeArchiver) upload(ctx context.Context, chunk []domain.Trade) (string, error) {
	path := archivePath(a.prefix, chunk)
	if a.checker != nil {
		ok, err := a.checker.Exists(ctx, path)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	}

	buf, err := marshalJSONL(chunk)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}
	var r io.Reader = bytes.NewReader(buf)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, r, s3MinPart)
	} else {
		err = a.writer.Put(ctx, path, r, "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	return path, nil
}

// archivePath partitions by the settlement day of the chunk's first trade
// and names the object after its first and last trade ids:
//
//	archive/trades/2026-01-31/<first>_<last>.jsonl
func archivePath(prefix string, chunk []domain.Trade) string {
	first, last := chunk[0], chunk[len(chunk)-1]
	day := first.ExecutedAt
	if first.SettledAt != nil {
		day = *first.SettledAt
	}
	return fmt.Sprintf("%s/trades/%s/%s_%s.jsonl", prefix, day.UTC().Format("2006-01-02"), first.ID, last.ID)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*TradeArchiver)(nil)
