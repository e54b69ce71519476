package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
)

// FeedDB mirrors the persisted feed into SQLite so the dashboard can query
// it without reading the partition files.
type FeedDB struct {
	db *sql.DB
}

func OpenFeedDB(path string) (*FeedDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	f := &FeedDB{db: db}
	if err := f.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("feed database opened", zap.String("path", path))
	return f, nil
}

func (f *FeedDB) Close() error {
	return f.db.Close()
}

func (f *FeedDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cik TEXT NOT NULL,
		accession_number TEXT NOT NULL,
		filing_date TEXT NOT NULL,
		accepted_datetime TEXT,
		filing_url TEXT NOT NULL,
		insider_name TEXT NOT NULL,
		insider_title TEXT,
		relationship TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		security_title TEXT NOT NULL,
		code TEXT NOT NULL,
		shares REAL,
		price REAL,
		acquired_disposed TEXT,
		shares_owned_after REAL,
		ownership_nature TEXT,
		is_10b5_1 INTEGER NOT NULL DEFAULT 0,
		footnote_hint TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_cik_date ON transactions(cik, transaction_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_accession ON transactions(accession_number);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		company TEXT NOT NULL,
		cik TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		date_from TEXT,
		date_to TEXT,
		filings_scanned INTEGER NOT NULL,
		transactions INTEGER NOT NULL
	);
	`
	if _, err := f.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ReplaceAll swaps the company's mirrored rows for records in one
// transaction and records the run.
func (f *FeedDB) ReplaceAll(ctx context.Context, runID string, meta models.RunMeta, records []models.TransactionRecord) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE cik = ?`, meta.CIK); err != nil {
		return fmt.Errorf("clear transactions: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions (
		cik, accession_number, filing_date, accepted_datetime, filing_url,
		insider_name, insider_title, relationship, transaction_date, security_title,
		code, shares, price, acquired_disposed, shares_owned_after,
		ownership_nature, is_10b5_1, footnote_hint
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		rel, err := json.Marshal(r.Relationship)
		if err != nil {
			return fmt.Errorf("encode relationship: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			meta.CIK, r.AccessionNumber, r.FilingDate, r.AcceptedDateTime, r.FilingURL,
			r.InsiderName, r.InsiderTitle, string(rel), r.TransactionDate, r.SecurityTitle,
			r.Code, r.Shares, r.Price, r.AcquiredDisposed, r.SharesOwnedAfter,
			r.OwnershipNature, r.Is10b51, r.FootnoteHint,
		); err != nil {
			return fmt.Errorf("insert %s: %w", r.AccessionNumber, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, company, cik, generated_at, date_from, date_to, filings_scanned, transactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, meta.Company, meta.CIK, meta.GeneratedAt, meta.DateFrom, meta.DateTo,
		meta.FilingsScanned, len(records),
	); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logger.Info("mirrored feed to database",
		zap.String("run_id", runID),
		zap.Int("transactions", len(records)),
	)
	return nil
}

// CodeCounts returns how many mirrored rows carry each transaction code.
func (f *FeedDB) CodeCounts(ctx context.Context, cik string) (map[string]int, error) {
	rows, err := f.db.QueryContext(ctx,
		`SELECT code, COUNT(*) FROM transactions WHERE cik = ? GROUP BY code`, cik)
	if err != nil {
		return nil, fmt.Errorf("query codes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan codes: %w", err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

// PlanSales lists the mirrored rows flagged as trading-plan transactions,
// newest first.
func (f *FeedDB) PlanSales(ctx context.Context, cik string) ([]models.TransactionRecord, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT
		accession_number, filing_date, accepted_datetime, filing_url, insider_name,
		insider_title, relationship, transaction_date, security_title, code,
		shares, price, acquired_disposed, shares_owned_after, ownership_nature,
		is_10b5_1, footnote_hint
		FROM transactions WHERE cik = ? AND is_10b5_1 = 1
		ORDER BY transaction_date DESC, filing_date DESC, accession_number DESC`, cik)
	if err != nil {
		return nil, fmt.Errorf("query plan sales: %w", err)
	}
	defer rows.Close()

	out := make([]models.TransactionRecord, 0)
	for rows.Next() {
		var r models.TransactionRecord
		var accepted, title, acqDisp, nature, hint sql.NullString
		var shares, price, after sql.NullFloat64
		var rel string
		if err := rows.Scan(
			&r.AccessionNumber, &r.FilingDate, &accepted, &r.FilingURL, &r.InsiderName,
			&title, &rel, &r.TransactionDate, &r.SecurityTitle, &r.Code,
			&shares, &price, &acqDisp, &after, &nature,
			&r.Is10b51, &hint,
		); err != nil {
			return nil, fmt.Errorf("scan plan sale: %w", err)
		}
		if err := json.Unmarshal([]byte(rel), &r.Relationship); err != nil {
			return nil, fmt.Errorf("decode relationship: %w", err)
		}
		r.AcceptedDateTime = nullString(accepted)
		r.InsiderTitle = nullString(title)
		r.AcquiredDisposed = nullString(acqDisp)
		r.OwnershipNature = nullString(nature)
		r.FootnoteHint = nullString(hint)
		r.Shares = nullFloat(shares)
		r.Price = nullFloat(price)
		r.SharesOwnedAfter = nullFloat(after)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
