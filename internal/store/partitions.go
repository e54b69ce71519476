package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/aggregator"
	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
	"github.com/bighogz/insider-feed/internal/tracing"
)

const (
	IndexFile = "index.json"
	YearsDir  = "years"
)

// ErrNotFound is returned when a requested feed document does not exist.
var ErrNotFound = errors.New("feed document not found")

// PartitionReadError reports a partition file that exists but cannot be
// read back. It never aborts a rebuild.
type PartitionReadError struct {
	Path string
	Err  error
}

func (e *PartitionReadError) Error() string {
	return fmt.Sprintf("read partition %s: %v", e.Path, e.Err)
}

func (e *PartitionReadError) Unwrap() error { return e.Err }

// PartitionStore keeps one document per transaction year under Dir/years and
// a manifest at Dir/index.json.
type PartitionStore struct {
	Dir string
	Now func() time.Time
}

func NewPartitionStore(dir string) *PartitionStore {
	return &PartitionStore{Dir: dir, Now: time.Now}
}

func (s *PartitionStore) yearPath(year string) string {
	return filepath.Join(s.Dir, YearsDir, year+".json")
}

func (s *PartitionStore) generatedAt() string {
	return s.Now().UTC().Format(time.RFC3339)
}

// Persist merges fresh into the partitions of the years it touches and
// rebuilds the manifest from every partition on disk. With yearFilter set,
// only records of that year are written and every other partition is left
// as it was.
func (s *PartitionStore) Persist(ctx context.Context, fresh []models.TransactionRecord, meta models.RunMeta, yearFilter string) (*models.IndexDocument, error) {
	_, span := tracing.Tracer().Start(ctx, "store.persist")
	defer span.End()

	meta.GeneratedAt = s.generatedAt()
	byYear := aggregator.Partition(fresh)
	years := aggregator.Years(fresh)
	if yearFilter != "" {
		years = lo.Filter(years, func(y string, _ int) bool { return y == yearFilter })
	}

	for _, year := range years {
		path := s.yearPath(year)
		var existing models.YearPartition
		if err := readJSON(path, &existing); err != nil && !errors.Is(err, os.ErrNotExist) {
			// an unreadable partition is rewritten from the fresh records alone
			logger.Warn("replacing unreadable partition", zap.Error(&PartitionReadError{Path: path, Err: err}))
			existing = models.YearPartition{}
		}

		records := aggregator.Merge(existing.Transactions, byYear[year])
		aggregator.SortNewestFirst(records)
		part := models.YearPartition{
			RunMeta:      meta,
			Year:         year,
			Summary:      aggregator.Summarize(records),
			Transactions: records,
		}
		if err := writeJSON(path, part); err != nil {
			return nil, fmt.Errorf("write partition %s: %w", year, err)
		}
		logger.Debug("wrote partition", zap.String("year", year), zap.Int("records", len(records)))
	}
	span.SetAttributes(attribute.StringSlice("store.years", years))

	return s.RebuildIndex(meta)
}

// RebuildIndex recomputes the manifest from every partition file on disk.
// Unreadable partitions are logged and left out.
func (s *PartitionStore) RebuildIndex(meta models.RunMeta) (*models.IndexDocument, error) {
	if meta.GeneratedAt == "" {
		meta.GeneratedAt = s.generatedAt()
	}
	parts, err := s.readAll()
	if err != nil {
		return nil, err
	}

	all := make([]models.TransactionRecord, 0)
	entries := make([]models.YearEntry, 0, len(parts))
	for _, p := range parts {
		all = append(all, p.Transactions...)
		sum := aggregator.Summarize(p.Transactions)
		entries = append(entries, models.YearEntry{
			Year:                  p.Year,
			TotalTransactions:     sum.TotalTransactions,
			LatestTransactionDate: sum.LatestTransactionDate,
			File:                  YearsDir + "/" + p.Year + ".json",
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return aggregator.YearNewer(entries[i].Year, entries[j].Year) })

	idx := &models.IndexDocument{
		RunMeta: meta,
		Summary: aggregator.Summarize(all),
		Years:   entries,
	}
	if e, ok := lo.Find(entries, func(e models.YearEntry) bool { return aggregator.IsYear(e.Year) }); ok {
		latest := e.Year
		idx.LatestYear = &latest
	}
	if err := writeJSON(filepath.Join(s.Dir, IndexFile), idx); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}
	logger.Info("rebuilt feed index",
		zap.String("dir", s.Dir),
		zap.Int("years", len(entries)),
		zap.Int("transactions", idx.Summary.TotalTransactions),
	)
	return idx, nil
}

// readAll loads every readable partition. The year comes from the file name.
func (s *PartitionStore) readAll() ([]models.YearPartition, error) {
	dir := filepath.Join(s.Dir, YearsDir)
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	parts := make([]models.YearPartition, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(dir, name)
		var p models.YearPartition
		if err := readJSON(path, &p); err != nil {
			logger.Warn("skipping partition", zap.Error(&PartitionReadError{Path: path, Err: err}))
			continue
		}
		p.Year = strings.TrimSuffix(name, ".json")
		parts = append(parts, p)
	}
	return parts, nil
}

// Records returns every persisted transaction, newest first.
func (s *PartitionStore) Records() ([]models.TransactionRecord, error) {
	parts, err := s.readAll()
	if err != nil {
		return nil, err
	}
	all := lo.FlatMap(parts, func(p models.YearPartition, _ int) []models.TransactionRecord { return p.Transactions })
	aggregator.SortNewestFirst(all)
	return all, nil
}

func (s *PartitionStore) ReadIndex() (*models.IndexDocument, error) {
	var idx models.IndexDocument
	if err := readJSON(filepath.Join(s.Dir, IndexFile), &idx); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	return &idx, nil
}

func (s *PartitionStore) ReadPartition(year string) (*models.YearPartition, error) {
	var p models.YearPartition
	if err := readJSON(s.yearPath(year), &p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &PartitionReadError{Path: s.yearPath(year), Err: err}
	}
	return &p, nil
}
