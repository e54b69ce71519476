// Package pipeline runs one feed refresh: resolve a company's Form 4
// filings, parse each one and persist the merged result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/aggregator"
	"github.com/bighogz/insider-feed/internal/edgar"
	"github.com/bighogz/insider-feed/internal/form4"
	"github.com/bighogz/insider-feed/internal/httpclient"
	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
	"github.com/bighogz/insider-feed/internal/store"
	"github.com/bighogz/insider-feed/internal/tracing"
)

var (
	// ErrNoOutput means neither an output directory nor an output file was
	// configured.
	ErrNoOutput = errors.New("no output location configured")

	ErrInvalidWindow = errors.New("start date is after end date")
)

// ConfigError describes a configuration that cannot run. It wraps one of
// the sentinel errors above when one applies.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration (%s): %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type Config struct {
	Company string
	CIK     string

	// Start and End bound filing dates, inclusive. A zero bound is open.
	Start time.Time
	End   time.Time
	// Year, when set, restricts the filing window to that year and only
	// rewrites its partition.
	Year string
	// LookbackDays is reported in single-file output when the window came
	// from a day count.
	LookbackDays int

	Delay     time.Duration
	UserAgent string

	OutputDir  string
	OutputFile string
	SQLitePath string

	// Endpoint overrides and transport options, used by tests.
	SubmissionsURL string
	ArchivesURL    string
	HTTPOptions    []httpclient.Option

	Now func() time.Time
}

func (c Config) Validate() error {
	if c.OutputDir == "" && c.OutputFile == "" {
		return &ConfigError{Field: "output", Err: ErrNoOutput}
	}
	if c.CIK == "" {
		return &ConfigError{Field: "cik", Err: errors.New("company identifier is required")}
	}
	if c.UserAgent == "" {
		return &ConfigError{Field: "user_agent", Err: errors.New("access identity is required")}
	}
	if c.Delay < 0 {
		return &ConfigError{Field: "delay", Err: errors.New("delay must not be negative")}
	}
	if c.Year != "" {
		if _, err := yearWindow(c.Year); err != nil {
			return &ConfigError{Field: "year", Err: err}
		}
	}
	if !c.Start.IsZero() && !c.End.IsZero() && c.Start.After(c.End) {
		return &ConfigError{Field: "window", Err: ErrInvalidWindow}
	}
	return nil
}

// yearWindow covers filings for transactions in year. It runs through the
// end of January so late filings of December trades are still found.
func yearWindow(year string) (edgar.Window, error) {
	y, err := strconv.Atoi(year)
	if err != nil || len(year) != 4 || strings.Trim(year, "0123456789") != "" {
		return edgar.Window{}, fmt.Errorf("year %q is not a four-digit year", year)
	}
	return edgar.Window{
		Start: time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(y+1, time.January, 31, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (c Config) window() edgar.Window {
	if c.Year != "" {
		w, _ := yearWindow(c.Year)
		return w
	}
	return edgar.Window{Start: c.Start, End: c.End}
}

type Result struct {
	RunID          string
	Records        []models.TransactionRecord
	FilingsScanned int
	RecordsWritten int
	Target         string

	Index *models.IndexDocument
	Feed  *models.FeedDocument
}

// Run executes one refresh. Only a failure to load the primary submissions
// document, a cancelled context, or a failure to write output ends it with
// an error; every per-filing problem degrades to zero records for that
// filing.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	runID := uuid.NewString()
	log := logger.With(zap.String("run_id", runID))

	ctx, span := tracing.Tracer().Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.String("run.cik", cfg.CIK))

	fetcher := httpclient.New(cfg.UserAgent, cfg.Delay, cfg.HTTPOptions...)
	resolver := edgar.NewResolver(fetcher)
	parser := form4.NewParser(fetcher)
	if cfg.SubmissionsURL != "" {
		resolver.SubmissionsURL = cfg.SubmissionsURL
	}
	if cfg.ArchivesURL != "" {
		resolver.ArchivesURL = cfg.ArchivesURL
		parser.ArchivesURL = cfg.ArchivesURL
	}

	w := cfg.window()
	log.Info("starting run",
		zap.String("company", cfg.Company),
		zap.String("cik", cfg.CIK),
		zap.String("from", dateOrEmpty(w.Start)),
		zap.String("to", dateOrEmpty(w.End)),
		zap.String("year", cfg.Year),
	)

	filings, err := resolver.Resolve(ctx, cfg.CIK, w)
	if err != nil {
		return nil, fmt.Errorf("resolve filings: %w", err)
	}

	records := make([]models.TransactionRecord, 0)
	for i, filing := range filings {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run interrupted after %d of %d filings: %w", i, len(filings), err)
		}
		recs := parser.Parse(ctx, filing)
		log.Debug("parsed filing",
			zap.Int("n", i+1),
			zap.Int("of", len(filings)),
			zap.String("accession", filing.AccessionNumber),
			zap.Int("records", len(recs)),
		)
		records = append(records, recs...)
	}
	aggregator.SortNewestFirst(records)

	to := w.End
	if to.IsZero() {
		to = now()
	}
	meta := models.RunMeta{
		Company:        cfg.Company,
		CIK:            cfg.CIK,
		DateFrom:       dateOrEmpty(w.Start),
		DateTo:         to.Format(edgar.DateLayout),
		FilingsScanned: len(filings),
	}
	res := &Result{RunID: runID, Records: records, FilingsScanned: len(filings)}

	// a year run only owns that year's rows, even when the window reaches
	// into January of the next year
	inScope := records
	if cfg.Year != "" {
		inScope = lo.Filter(records, func(r models.TransactionRecord, _ int) bool {
			return aggregator.YearOf(r) == cfg.Year
		})
	}

	var mirror []models.TransactionRecord
	if cfg.OutputDir != "" {
		ps := store.NewPartitionStore(cfg.OutputDir)
		ps.Now = now
		idx, err := ps.Persist(ctx, records, meta, cfg.Year)
		if err != nil {
			return nil, fmt.Errorf("persist partitions: %w", err)
		}
		res.Index = idx
		res.Target = cfg.OutputDir
		res.RecordsWritten = len(inScope)
		meta = idx.RunMeta
		if cfg.SQLitePath != "" {
			if mirror, err = ps.Records(); err != nil {
				log.Warn("could not read partitions for mirror", zap.Error(err))
			}
		}
	}
	if cfg.OutputFile != "" {
		var lookback *int
		if cfg.LookbackDays > 0 && cfg.Year == "" {
			lookback = &cfg.LookbackDays
		}
		doc, err := store.WriteFeedFile(cfg.OutputFile, inScope, meta, lookback, now())
		if err != nil {
			return nil, err
		}
		res.Feed = doc
		if res.Target == "" {
			res.Target = cfg.OutputFile
			res.RecordsWritten = len(inScope)
			mirror = doc.Transactions
		}
		meta = doc.RunMeta
	}

	if cfg.SQLitePath != "" && mirror != nil {
		mirrorFeed(ctx, cfg.SQLitePath, runID, meta, mirror, log)
	}

	span.SetAttributes(
		attribute.Int("run.filings", res.FilingsScanned),
		attribute.Int("run.records", res.RecordsWritten),
	)
	log.Info("run complete",
		zap.Int("filings", res.FilingsScanned),
		zap.Int("records", len(records)),
		zap.Int("written", res.RecordsWritten),
		zap.String("target", res.Target),
	)
	return res, nil
}

// mirrorFeed copies the persisted feed into SQLite. The files stay the
// source of truth, so a mirror failure is only logged.
func mirrorFeed(ctx context.Context, path, runID string, meta models.RunMeta, records []models.TransactionRecord, log *zap.Logger) {
	db, err := store.OpenFeedDB(path)
	if err != nil {
		log.Error("open feed database", zap.Error(err))
		return
	}
	defer db.Close()
	if err := db.ReplaceAll(ctx, runID, meta, records); err != nil {
		log.Error("mirror feed", zap.Error(err))
	}
}

func dateOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(edgar.DateLayout)
}
