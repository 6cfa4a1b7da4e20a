package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/roach88/lifeflow/internal/engine"
	"github.com/roach88/lifeflow/internal/ir"
)

// ErrInvalidRetention is returned for a non-positive retention window.
var ErrInvalidRetention = errors.New("retention must be positive")

// BucketWriter is the part of *blob.Bucket the pruner writes through.
type BucketWriter interface {
	WriteAll(ctx context.Context, key string, p []byte, opts *blob.WriterOptions) error
}

// OpenArchive opens the archive bucket at url (mem://, file:///...).
func OpenArchive(ctx context.Context, url string) (*blob.Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket %q: %w", url, err)
	}
	return b, nil
}

// PruneResult reports one Prune run.
type PruneResult struct {
	Archived    int      `json:"archived"`
	Deleted     int      `json:"deleted"`
	ArchiveKeys []string `json:"archive_keys,omitempty"`
}

// Pruner deletes receipts older than the retention window once they can
// no longer guard anything. With an archive bucket set, each batch is
// written there as a JSON object before it is deleted.
type Pruner struct {
	store     ReceiptStore
	archive   BucketWriter
	prefix    string
	retention time.Duration
	batchSize int
	clock     engine.Clock
	logger    *slog.Logger
}

// PrunerOption configures a Pruner.
type PrunerOption func(*Pruner)

// WithArchive archives pruned receipts to bucket under prefix.
func WithArchive(bucket BucketWriter, prefix string) PrunerOption {
	return func(p *Pruner) {
		p.archive = bucket
		p.prefix = prefix
	}
}

// WithPruneClock sets the clock the retention cutoff is computed from.
func WithPruneClock(c engine.Clock) PrunerOption {
	return func(p *Pruner) { p.clock = c }
}

// WithPruneBatchSize caps receipts handled per batch. Default: 500.
func WithPruneBatchSize(n int) PrunerOption {
	return func(p *Pruner) { p.batchSize = n }
}

// WithPruneLogger sets the logger.
func WithPruneLogger(l *slog.Logger) PrunerOption {
	return func(p *Pruner) { p.logger = l }
}

// NewPruner creates a pruner over store.
func NewPruner(store ReceiptStore, retention time.Duration, opts ...PrunerOption) (*Pruner, error) {
	if retention <= 0 {
		return nil, ErrInvalidRetention
	}
	p := &Pruner{
		store:     store,
		retention: retention,
		batchSize: 500,
		clock:     engine.SystemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("worker", "pruner")
	return p, nil
}

type archiveObject struct {
	PrunedAt time.Time    `json:"pruned_at"`
	Cutoff   time.Time    `json:"cutoff"`
	Receipts []ir.Receipt `json:"receipts"`
}

// Prune runs batches until no prunable receipt older than the cutoff is
// left. A batch that fails to archive is not deleted.
func (p *Pruner) Prune(ctx context.Context) (PruneResult, error) {
	now := p.clock.Now()
	cutoff := now.Add(-p.retention)

	var res PruneResult
	for batch := 0; ; batch++ {
		receipts, err := p.store.PrunableReceipts(ctx, cutoff, p.batchSize)
		if err != nil {
			return res, err
		}
		if len(receipts) == 0 {
			break
		}

		if p.archive != nil {
			key := p.archiveKey(now, batch)
			data, err := json.Marshal(archiveObject{PrunedAt: now, Cutoff: cutoff, Receipts: receipts})
			if err != nil {
				return res, fmt.Errorf("encode archive: %w", err)
			}
			if err := p.archive.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
				return res, fmt.Errorf("write archive %s: %w", key, err)
			}
			res.Archived += len(receipts)
			res.ArchiveKeys = append(res.ArchiveKeys, key)
		}

		keys := make([]string, len(receipts))
		for i, r := range receipts {
			keys[i] = r.Key
		}
		n, err := p.store.DeleteReceipts(ctx, keys)
		if err != nil {
			return res, err
		}
		res.Deleted += n

		if n == 0 || len(receipts) < p.batchSize {
			break
		}
	}

	if res.Deleted > 0 {
		p.logger.Info("receipts pruned",
			"deleted", res.Deleted, "archived", res.Archived, "cutoff", cutoff)
	}
	return res, nil
}

// Poll adapts Prune to Run.
func (p *Pruner) Poll(ctx context.Context) (int, error) {
	res, err := p.Prune(ctx)
	return res.Deleted, err
}

func (p *Pruner) archiveKey(now time.Time, batch int) string {
	name := fmt.Sprintf("receipts-%s-%04d.json", now.UTC().Format("20060102T150405Z"), batch)
	if p.prefix == "" {
		return name
	}
	if !strings.HasSuffix(p.prefix, "/") {
		return p.prefix + "/" + name
	}
	return p.prefix + name
}
