package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/config"
	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/pipeline"
	"github.com/bighogz/insider-feed/internal/tracing"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 0 on success, 1 when the run fails and
// 2 for unusable arguments or configuration. Returning instead of exiting
// lets the deferred trace flush and log sync happen.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	company := fs.String("company", config.Company, "Company label written to the feed")
	cik := fs.String("cik", config.CIK, "SEC company identifier (CIK)")
	days := fs.Int("days", config.LookbackDays, "Look back N days of filings (ignored with --start or --year)")
	startStr := fs.String("start", "", "First filing date YYYY-MM-DD")
	endStr := fs.String("end", "", "Last filing date YYYY-MM-DD")
	year := fs.String("year", "", "Only refresh the partition for this transaction year")
	sleep := fs.Duration("sleep", config.RequestDelay, "Pause between SEC requests")
	userAgent := fs.String("user-agent", config.UserAgent, "SEC-compatible User-Agent with contact info")
	output := fs.String("output", config.OutputFile, "Write a single feed document to this path")
	outputDir := fs.String("output-dir", config.OutputDir, "Write year partitions and index.json under this directory")
	sqlitePath := fs.String("sqlite", config.SQLitePath, "Mirror the feed into this SQLite database")
	trace := fs.Bool("trace", config.TraceEnabled, "Print trace spans to stderr")
	logLevel := fs.String("log-level", config.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := logger.Init(*logLevel, config.LogFormat, ""); err != nil {
		fmt.Fprintf(stderr, "Invalid log settings: %v\n", err)
		return 2
	}
	defer logger.Sync()

	if *trace {
		shutdown, err := tracing.Init(stderr)
		if err != nil {
			fmt.Fprintf(stderr, "Could not start tracing: %v\n", err)
			return 1
		}
		defer shutdown(context.Background())
	}

	if !config.UserAgentLooksValid(*userAgent) {
		logger.Warn("SEC_USER_AGENT should include contact info to comply with SEC guidance",
			zap.String("user_agent", *userAgent))
	}

	cfg := pipeline.Config{
		Company:    *company,
		CIK:        *cik,
		Year:       *year,
		Delay:      *sleep,
		UserAgent:  *userAgent,
		OutputDir:  *outputDir,
		OutputFile: *output,
		SQLitePath: *sqlitePath,
	}
	var err error
	if cfg.Start, err = parseDate(*startStr); err != nil {
		fmt.Fprintf(stderr, "Invalid --start date: %v\n", err)
		return 2
	}
	if cfg.End, err = parseDate(*endStr); err != nil {
		fmt.Fprintf(stderr, "Invalid --end date: %v\n", err)
		return 2
	}
	if cfg.Start.IsZero() && cfg.Year == "" && *days > 0 {
		cfg.Start = time.Now().UTC().AddDate(0, 0, -*days)
		cfg.LookbackDays = *days
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, cfg)
	if err != nil {
		var ce *pipeline.ConfigError
		if errors.As(err, &ce) {
			fmt.Fprintf(stderr, "%v\n", err)
			if errors.Is(err, pipeline.ErrNoOutput) {
				fmt.Fprintln(stderr, "Set --output or --output-dir (or FORM4_OUTPUT_FILE / FORM4_OUTPUT_DIR).")
			}
			return 2
		}
		logger.Error("run failed", zap.Error(err))
		fmt.Fprintf(stderr, "Run failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Saved %d transactions from %d filings -> %s\n", res.RecordsWritten, res.FilingsScanned, res.Target)
	return 0
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}
