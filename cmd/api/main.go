package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/config"
	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/pipeline"
	"github.com/bighogz/insider-feed/internal/store"
)

const defaultFeedDir = "data"

var (
	feed       = store.NewPartitionStore(defaultFeedDir)
	sqlitePath = config.SQLitePath

	yearPattern = regexp.MustCompile(`^(\d{4}|unknown)$`)
)

func main() {
	if err := logger.Init(config.LogLevel, config.LogFormat, ""); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if config.OutputDir != "" {
		feed = store.NewPartitionStore(config.OutputDir)
	}

	go startupRefresh()

	port := "8000"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	logger.Info("serving insider feed", zap.String("port", port), zap.String("dir", feed.Dir))
	if err := http.ListenAndServe(":"+port, routes()); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/insider/index", securityHeaders(handleIndex))
	mux.HandleFunc("GET /api/insider/years/{year}", securityHeaders(handleYear))
	mux.HandleFunc("GET /api/insider/plan-sales", securityHeaders(handlePlanSales))
	mux.HandleFunc("GET /api/insider/meta", securityHeaders(handleMeta))
	mux.HandleFunc("POST /api/insider/refresh", securityHeaders(adminOrRateLimit(rateLimitRefresh(handleRefresh))))
	mux.HandleFunc("GET /api/health", securityHeaders(handleHealth))
	return mux
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	idx, err := feed.ReadIndex()
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusServiceUnavailable, "Feed has not been generated yet. Check back in a few minutes.")
		return
	}
	if err != nil {
		logger.Error("read index", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "index unavailable")
		return
	}
	jsonResponse(w, idx)
}

func handleYear(w http.ResponseWriter, r *http.Request) {
	year := r.PathValue("year")
	if !yearPattern.MatchString(year) {
		jsonError(w, http.StatusBadRequest, "year must be YYYY")
		return
	}
	part, err := feed.ReadPartition(year)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "no partition for "+year)
		return
	}
	if err != nil {
		logger.Error("read partition", zap.String("year", year), zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "partition unreadable")
		return
	}
	jsonResponse(w, part)
}

func handlePlanSales(w http.ResponseWriter, r *http.Request) {
	if sqlitePath == "" {
		jsonError(w, http.StatusNotFound, "database mirror not configured")
		return
	}
	db, err := store.OpenFeedDB(sqlitePath)
	if err != nil {
		logger.Error("open feed database", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	defer db.Close()

	cik := r.URL.Query().Get("cik")
	if cik == "" {
		cik = config.CIK
	}
	sales, err := db.PlanSales(r.Context(), cik)
	if err != nil {
		logger.Error("query plan sales", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "query failed")
		return
	}
	jsonResponse(w, map[string]interface{}{"cik": cik, "count": len(sales), "transactions": sales})
}

// handleMeta reports when the feed was last written and, when the SQLite
// mirror is configured, how many mirrored rows carry each transaction code.
func handleMeta(w http.ResponseWriter, r *http.Request) {
	var updated *string
	if idx, err := feed.ReadIndex(); err == nil && idx.GeneratedAt != "" {
		updated = &idx.GeneratedAt
	}
	body := map[string]interface{}{"last_updated": updated, "cik": config.CIK}
	if sqlitePath != "" {
		if codes, err := mirroredCodes(r.Context(), config.CIK); err != nil {
			logger.Warn("read mirrored code counts", zap.Error(err))
		} else {
			body["codes"] = codes
		}
	}
	jsonResponse(w, body)
}

func mirroredCodes(ctx context.Context, cik string) (map[string]int, error) {
	db, err := store.OpenFeedDB(sqlitePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.CodeCounts(ctx, cik)
}

var refreshMu sync.Mutex
var lastRefreshAt time.Time

const refreshDebounce = 5 * time.Minute

// runPipeline is swapped in tests.
var runPipeline = pipeline.Run

func refreshFeed() {
	refreshMu.Lock()
	defer refreshMu.Unlock()
	if !lastRefreshAt.IsZero() && time.Since(lastRefreshAt) < refreshDebounce {
		return
	}
	lastRefreshAt = time.Now()

	cfg := pipeline.Config{
		Company:      config.Company,
		CIK:          config.CIK,
		Start:        time.Now().UTC().AddDate(0, 0, -config.LookbackDays),
		LookbackDays: config.LookbackDays,
		Delay:        config.RequestDelay,
		UserAgent:    config.UserAgent,
		OutputDir:    feed.Dir,
		SQLitePath:   sqlitePath,
	}
	res, err := runPipeline(context.Background(), cfg)
	if err != nil {
		logger.Error("feed refresh failed", zap.Error(err))
		return
	}
	logger.Info("feed refreshed",
		zap.Int("filings", res.FilingsScanned),
		zap.Int("transactions", res.RecordsWritten),
	)
}

func startupRefresh() {
	if _, err := feed.ReadIndex(); err != nil {
		refreshFeed()
	}
}

func handleRefresh(w http.ResponseWriter, r *http.Request) {
	go refreshFeed()
	jsonStatus(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

func jsonResponse(w http.ResponseWriter, v interface{}) {
	jsonStatus(w, http.StatusOK, v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	jsonStatus(w, status, map[string]string{"error": msg})
}

func jsonStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
