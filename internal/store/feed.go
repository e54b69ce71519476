package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/aggregator"
	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
)

// WriteFeedFile merges fresh into the single-document feed at path and
// rewrites it. A missing or unparseable existing file is treated as empty.
func WriteFeedFile(path string, fresh []models.TransactionRecord, meta models.RunMeta, lookbackDays *int, now time.Time) (*models.FeedDocument, error) {
	var existing models.FeedDocument
	if err := readJSON(path, &existing); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("ignoring unreadable feed file", zap.String("path", path), zap.Error(err))
		}
		existing = models.FeedDocument{}
	}

	records := aggregator.Merge(existing.Transactions, fresh)
	aggregator.SortNewestFirst(records)

	meta.GeneratedAt = now.UTC().Format(time.RFC3339)
	doc := &models.FeedDocument{
		RunMeta:      meta,
		LookbackDays: lookbackDays,
		Summary:      aggregator.Summarize(records),
		Transactions: records,
	}
	if err := writeJSON(path, doc); err != nil {
		return nil, fmt.Errorf("write feed: %w", err)
	}
	logger.Info("wrote feed file", zap.String("path", path), zap.Int("transactions", len(records)))
	return doc, nil
}
