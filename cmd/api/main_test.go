package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bighogz/insider-feed/internal/config"
	"github.com/bighogz/insider-feed/internal/models"
	"github.com/bighogz/insider-feed/internal/pipeline"
	"github.com/bighogz/insider-feed/internal/store"
)

func seedFeed(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	feed = store.NewPartitionStore(dir)
	meta := models.RunMeta{Company: "AMD", CIK: "0000002488", FilingsScanned: 1}
	hint := "Rule 10b5-1 trading plan"
	records := []models.TransactionRecord{
		{AccessionNumber: "A", FilingDate: "2021-03-02", TransactionDate: "2021-03-01", InsiderName: "X", Code: "S", Relationship: []string{}, Is10b51: true, FootnoteHint: &hint},
		{AccessionNumber: "B", FilingDate: "2020-03-02", TransactionDate: "2020-03-01", InsiderName: "Y", Code: "P", Relationship: []string{}},
	}
	if _, err := feed.Persist(context.Background(), records, meta, ""); err != nil {
		t.Fatal(err)
	}

	sqlitePath = filepath.Join(dir, "feed.db")
	db, err := store.OpenFeedDB(sqlitePath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.ReplaceAll(context.Background(), "run-1", meta, records); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleIndex(t *testing.T) {
	seedFeed(t)
	rec := get(t, "/api/insider/index")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var idx models.IndexDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &idx); err != nil {
		t.Fatal(err)
	}
	if len(idx.Years) != 2 || idx.Summary.TotalTransactions != 2 {
		t.Errorf("unexpected index: %+v", idx)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestHandleYear(t *testing.T) {
	seedFeed(t)

	rec := get(t, "/api/insider/years/2021")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var part models.YearPartition
	if err := json.Unmarshal(rec.Body.Bytes(), &part); err != nil {
		t.Fatal(err)
	}
	if part.Year != "2021" || len(part.Transactions) != 1 {
		t.Errorf("unexpected partition: %+v", part)
	}

	if rec := get(t, "/api/insider/years/1999"); rec.Code != http.StatusNotFound {
		t.Errorf("missing year status = %d", rec.Code)
	}
	if rec := get(t, "/api/insider/years/20x1"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad year status = %d", rec.Code)
	}
}

func TestHandlePlanSales(t *testing.T) {
	seedFeed(t)
	rec := get(t, "/api/insider/plan-sales")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Count        int                        `json:"count"`
		Transactions []models.TransactionRecord `json:"transactions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Transactions[0].AccessionNumber != "A" {
		t.Errorf("unexpected plan sales: %+v", body)
	}
}

func TestHandleRefresh_AdminKeyAndDebounce(t *testing.T) {
	seedFeed(t)
	calls := make(chan pipeline.Config, 4)
	runPipeline = func(ctx context.Context, cfg pipeline.Config) (*pipeline.Result, error) {
		calls <- cfg
		return &pipeline.Result{}, nil
	}
	prevKey := config.AdminAPIKey
	config.AdminAPIKey = "secret"
	t.Cleanup(func() {
		runPipeline = pipeline.Run
		config.AdminAPIKey = prevKey
		lastRefreshAt = time.Time{}
	})
	lastRefreshAt = time.Time{}

	post := func(key, ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/insider/refresh", nil)
		req.RemoteAddr = ip
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		routes().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("", "10.0.0.1:1"); code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", code)
	}
	if code := post("secret", "10.0.0.2:1"); code != http.StatusAccepted {
		t.Fatalf("refresh status = %d", code)
	}
	select {
	case cfg := <-calls:
		if cfg.OutputDir != feed.Dir || cfg.SQLitePath != sqlitePath {
			t.Errorf("refresh used wrong outputs: %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not run")
	}

	// same client again inside the limiter window
	if code := post("secret", "10.0.0.2:1"); code != http.StatusTooManyRequests {
		t.Errorf("repeat refresh status = %d", code)
	}

	// another client passes the limiter but the debounce skips the run
	if code := post("secret", "10.0.0.3:1"); code != http.StatusAccepted {
		t.Errorf("second client status = %d", code)
	}
	select {
	case <-calls:
		t.Error("debounced refresh ran the pipeline again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || rl.allow("a") {
		t.Fatal("second request inside the interval should be refused")
	}
	if !rl.allow("b") {
		t.Error("keys are limited independently")
	}
	now = now.Add(time.Minute)
	if !rl.allow("a") {
		t.Error("request after the interval should pass")
	}
}

func TestHealth(t *testing.T) {
	if rec := get(t, "/api/health"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	rec := httptest.NewRecorder()
	routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST health status = %d", rec.Code)
	}
}

func TestHandleIndex_MissingFeedDoesNotRefresh(t *testing.T) {
	feed = store.NewPartitionStore(t.TempDir())
	ran := make(chan struct{}, 1)
	runPipeline = func(ctx context.Context, cfg pipeline.Config) (*pipeline.Result, error) {
		ran <- struct{}{}
		return &pipeline.Result{}, nil
	}
	t.Cleanup(func() {
		runPipeline = pipeline.Run
		lastRefreshAt = time.Time{}
	})
	lastRefreshAt = time.Time{}

	if rec := get(t, "/api/insider/index"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	select {
	case <-ran:
		t.Error("an anonymous index read started a refresh")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleMeta_CodeCounts(t *testing.T) {
	seedFeed(t)
	prevCIK := config.CIK
	config.CIK = "0000002488"
	t.Cleanup(func() { config.CIK = prevCIK })

	rec := get(t, "/api/insider/meta")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		LastUpdated *string        `json:"last_updated"`
		Codes       map[string]int `json:"codes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.LastUpdated == nil {
		t.Error("last_updated missing")
	}
	if body.Codes["S"] != 1 || body.Codes["P"] != 1 {
		t.Errorf("codes = %v", body.Codes)
	}

	sqlitePath = ""
	rec = get(t, "/api/insider/meta")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), `"codes"`) {
		t.Errorf("meta without a mirror = %d %s", rec.Code, rec.Body)
	}
}
