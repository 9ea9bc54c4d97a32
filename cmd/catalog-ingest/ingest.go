package main

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/oolio-offers/internal/domain/productrange"
	"github.com/xenking/oolio-offers/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
)

// recordWriter persists stock records.
type recordWriter interface {
	Write(ctx context.Context, records []postgres.StockRecord) error
}

// ingester loads stock record exports into the database. Each export is a
// gzip-compressed file of "catalog_id,product_id,course_id,certificate_type"
// lines.
//
// Records are deduplicated across all files in two passes. Pass 1 builds a
// bloom filter per file and notes in-file repeats. Pass 2 re-streams every
// file; a record whose key might also occur elsewhere is written only by the
// first goroutine to claim it.
type ingester struct {
	writer    recordWriter
	expected  uint
	batchSize int

	mu      sync.Mutex
	claimed map[string]struct{}
}

type stats struct {
	Written int
	Skipped int
	Invalid int
}

func newIngester(w recordWriter, expected uint, batchSize int) *ingester {
	return &ingester{
		writer:    w,
		expected:  expected,
		batchSize: batchSize,
		claimed:   make(map[string]struct{}),
	}
}

// parseRecord parses one export line. Blank lines and "#" comments yield
// ok=false with no error.
func parseRecord(line string) (rec postgres.StockRecord, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rec, false, nil
	}
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return rec, false, errors.Errorf("expected 4 fields, got %d", len(fields))
	}
	catalogID, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return rec, false, errors.Wrap(err, "catalog_id")
	}
	productID, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return rec, false, errors.Wrap(err, "product_id")
	}
	courseID := strings.TrimSpace(fields[2])
	if courseID == "" {
		return rec, false, errors.New("empty course_id")
	}
	return postgres.StockRecord{
		CatalogID: catalogID,
		Product: productrange.Product{
			ID:              productID,
			CourseID:        courseID,
			CertificateType: strings.ToLower(strings.TrimSpace(fields[3])),
		},
	}, true, nil
}

func recordKey(r postgres.StockRecord) string {
	return strconv.FormatInt(r.CatalogID, 10) + ":" + strconv.FormatInt(r.Product.ID, 10)
}

func (in *ingester) Run(ctx context.Context, files []string) (stats, error) {
	filters, repeats, err := in.buildFilters(ctx, files)
	if err != nil {
		return stats{}, errors.Wrap(err, "build bloom filters")
	}

	results := make([]stats, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			s, err := in.writeFile(gctx, i, path, filters, repeats[i])
			if err != nil {
				return errors.Wrapf(err, "write %s", path)
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats{}, err
	}

	var total stats
	for _, s := range results {
		total.Written += s.Written
		total.Skipped += s.Skipped
		total.Invalid += s.Invalid
	}
	return total, nil
}

// buildFilters is pass 1. It returns one filter per file and, per file, the
// keys the filter had probably seen before.
func (in *ingester) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, []map[string]struct{}, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	repeats := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(in.expected, bloomFPR)
			seen := make(map[string]struct{})
			err := streamRecords(ctx, path, func(rec postgres.StockRecord) error {
				if key := recordKey(rec); filter.TestAndAddString(key) {
					seen[key] = struct{}{}
				}
				return nil
			}, nil)
			if err != nil {
				return errors.Wrapf(err, "scan %s", path)
			}
			zctx.From(ctx).Info("Pass 1 complete",
				zap.String("file", path),
				zap.Int("possible_repeats", len(seen)),
			)
			filters[i], repeats[i] = filter, seen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return filters, repeats, nil
}

// claim reports whether the caller is the first to write key.
func (in *ingester) claim(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.claimed[key]; ok {
		return false
	}
	in.claimed[key] = struct{}{}
	return true
}

func (in *ingester) suspect(idx int, key string, filters []*bloom.BloomFilter, repeats map[string]struct{}) bool {
	if _, ok := repeats[key]; ok {
		return true
	}
	for j, f := range filters {
		if j != idx && f.TestString(key) {
			return true
		}
	}
	return false
}

// writeFile is pass 2 for a single file.
func (in *ingester) writeFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	repeats map[string]struct{},
) (stats, error) {
	lg := zctx.From(ctx).With(zap.String("file", path))

	var (
		s     stats
		batch = make([]postgres.StockRecord, 0, in.batchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.writer.Write(ctx, batch); err != nil {
			return err
		}
		s.Written += len(batch)
		if s.Written/progressEvery != (s.Written-len(batch))/progressEvery {
			lg.Info("Pass 2 progress", zap.Int("written", s.Written))
		}
		batch = batch[:0]
		return nil
	}

	err := streamRecords(ctx, path, func(rec postgres.StockRecord) error {
		if key := recordKey(rec); in.suspect(idx, key, filters, repeats) && !in.claim(key) {
			s.Skipped++
			return nil
		}
		batch = append(batch, rec)
		if len(batch) >= in.batchSize {
			return flush()
		}
		return nil
	}, func(line int, err error) {
		s.Invalid++
		lg.Warn("Skipping invalid line", zap.Int("line", line), zap.Error(err))
	})
	if err != nil {
		return s, err
	}
	if err := flush(); err != nil {
		return s, err
	}

	lg.Info("Pass 2 complete",
		zap.Int("written", s.Written),
		zap.Int("skipped", s.Skipped),
		zap.Int("invalid", s.Invalid),
	)
	return s, nil
}

// streamRecords opens a gzip-compressed export and calls fn for each valid
// record. Invalid lines are reported to onInvalid when it is set.
func streamRecords(ctx context.Context, path string, fn func(postgres.StockRecord) error, onInvalid func(line int, err error)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		rec, ok, err := parseRecord(scanner.Text())
		if err != nil {
			if onInvalid != nil {
				onInvalid(line, err)
			}
			continue
		}
		if !ok {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
