package aggregator

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/bighogz/insider-feed/internal/models"
)

// UnknownYear keys records whose dates are both unusable.
const UnknownYear = "unknown"

// Merge unions previously persisted records with a fresh batch. A filing is
// replaced wholesale: every old record whose accession appears in fresh is
// dropped, so re-parsing the same filings never duplicates rows.
func Merge(old, fresh []models.TransactionRecord) []models.TransactionRecord {
	replaced := make(map[string]bool, len(fresh))
	for _, r := range fresh {
		replaced[r.AccessionNumber] = true
	}
	all := make([]models.TransactionRecord, 0, len(old)+len(fresh))
	for _, r := range old {
		if !replaced[r.AccessionNumber] {
			all = append(all, r)
		}
	}
	return append(all, fresh...)
}

// YearOf is the partition key of r: the year of its transaction date, or of
// its filing date when the transaction date does not parse.
func YearOf(r models.TransactionRecord) string {
	if y, ok := yearPrefix(r.TransactionDate); ok {
		return y
	}
	if y, ok := yearPrefix(r.FilingDate); ok {
		return y
	}
	return UnknownYear
}

func yearPrefix(date string) (string, bool) {
	if len(date) < 4 {
		return "", false
	}
	if _, err := time.Parse("2006", date[:4]); err != nil {
		return "", false
	}
	return date[:4], true
}

func Partition(records []models.TransactionRecord) map[string][]models.TransactionRecord {
	return lo.GroupBy(records, YearOf)
}

// SortNewestFirst orders by transaction date, then filing date, then
// accession, all descending. Dates share one ISO layout so string order is
// chronological.
func SortNewestFirst(records []models.TransactionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.TransactionDate != b.TransactionDate {
			return a.TransactionDate > b.TransactionDate
		}
		if a.FilingDate != b.FilingDate {
			return a.FilingDate > b.FilingDate
		}
		return a.AccessionNumber > b.AccessionNumber
	})
}

func Summarize(records []models.TransactionRecord) models.Summary {
	s := models.Summary{
		TotalTransactions: len(records),
		Codes:             make(map[string]int),
		Insiders:          make(map[string]int),
	}
	latest := ""
	for _, r := range records {
		s.Codes[r.Code]++
		s.Insiders[r.InsiderName]++
		if r.TransactionDate > latest {
			latest = r.TransactionDate
		}
	}
	if latest != "" {
		s.LatestTransactionDate = &latest
	}
	return s
}

// Years returns the partition keys of records, newest first.
func Years(records []models.TransactionRecord) []string {
	years := lo.Uniq(lo.Map(records, func(r models.TransactionRecord, _ int) string { return YearOf(r) }))
	sort.SliceStable(years, func(i, j int) bool { return YearNewer(years[i], years[j]) })
	return years
}

// IsYear reports whether key is a calendar year rather than UnknownYear
// or a stray file name.
func IsYear(key string) bool {
	_, ok := yearPrefix(key)
	return ok && len(key) == 4
}

// YearNewer orders partition keys newest year first, with anything that is
// not a year after every real year.
func YearNewer(a, b string) bool {
	ya, yb := IsYear(a), IsYear(b)
	if ya != yb {
		return ya
	}
	return a > b
}
