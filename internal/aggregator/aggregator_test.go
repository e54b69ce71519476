package aggregator

import (
	"reflect"
	"testing"

	"github.com/bighogz/insider-feed/internal/models"
)

func rec(acc, txDate, filingDate, code, name string) models.TransactionRecord {
	return models.TransactionRecord{
		AccessionNumber: acc,
		TransactionDate: txDate,
		FilingDate:      filingDate,
		Code:            code,
		InsiderName:     name,
		Relationship:    []string{},
	}
}

func accessions(records []models.TransactionRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.AccessionNumber + "@" + r.TransactionDate
	}
	return out
}

func TestMerge_ReplacesByAccession(t *testing.T) {
	old := []models.TransactionRecord{
		rec("A", "2024-01-02", "2024-01-03", "S", "X"),
		rec("A", "2024-01-01", "2024-01-03", "S", "X"),
		rec("B", "2024-02-01", "2024-02-02", "P", "Y"),
	}
	fresh := []models.TransactionRecord{
		rec("A", "2024-01-02", "2024-01-03", "S", "X"),
	}

	got := accessions(Merge(old, fresh))
	want := []string{"B@2024-02-01", "A@2024-01-02"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge = %v, want %v", got, want)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	fresh := []models.TransactionRecord{
		rec("A", "2024-01-02", "2024-01-03", "S", "X"),
		rec("C", "2024-03-01", "2024-03-02", "M", "Z"),
	}
	once := Merge(nil, fresh)
	twice := Merge(once, fresh)
	SortNewestFirst(once)
	SortNewestFirst(twice)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second merge changed the set:\n%v\n%v", accessions(once), accessions(twice))
	}
}

func TestYearOf(t *testing.T) {
	tests := []struct {
		name string
		r    models.TransactionRecord
		want string
	}{
		{"transaction date", rec("A", "2021-06-30", "2021-07-01", "", ""), "2021"},
		{"unparseable falls back to filing date", rec("A", "n/a", "2020-01-05", "", ""), "2020"},
		{"short date falls back", rec("A", "21", "2019-12-31", "", ""), "2019"},
		{"nothing usable", rec("A", "", "", "", ""), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := YearOf(tt.r); got != tt.want {
				t.Errorf("YearOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPartitionAndYears(t *testing.T) {
	records := []models.TransactionRecord{
		rec("A", "2021-06-30", "2021-07-01", "S", "X"),
		rec("B", "2020-03-01", "2020-03-02", "S", "X"),
		rec("C", "2021-01-01", "2021-01-02", "P", "Y"),
	}
	parts := Partition(records)
	if len(parts) != 2 || len(parts["2021"]) != 2 || len(parts["2020"]) != 1 {
		t.Fatalf("unexpected partitions: %v", parts)
	}
	if got := Years(records); !reflect.DeepEqual(got, []string{"2021", "2020"}) {
		t.Errorf("Years = %v", got)
	}
}

func TestSortNewestFirst(t *testing.T) {
	records := []models.TransactionRecord{
		rec("A", "2024-01-01", "2024-01-05", "", ""),
		rec("B", "2024-01-03", "2024-01-04", "", ""),
		rec("C", "2024-01-01", "2024-01-06", "", ""),
		rec("E", "2024-01-01", "2024-01-05", "", ""),
	}
	SortNewestFirst(records)
	got := []string{}
	for _, r := range records {
		got = append(got, r.AccessionNumber)
	}
	if want := []string{"B", "C", "E", "A"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]models.TransactionRecord{
		rec("A", "2024-01-01", "2024-01-05", "S", "X"),
		rec("B", "2024-03-01", "2024-03-02", "S", "Y"),
		rec("C", "2023-12-01", "2023-12-02", "", "X"),
	})
	if s.TotalTransactions != 3 {
		t.Errorf("total = %d", s.TotalTransactions)
	}
	if !reflect.DeepEqual(s.Codes, map[string]int{"S": 2, "": 1}) {
		t.Errorf("codes = %v", s.Codes)
	}
	if !reflect.DeepEqual(s.Insiders, map[string]int{"X": 2, "Y": 1}) {
		t.Errorf("insiders = %v", s.Insiders)
	}
	if s.LatestTransactionDate == nil || *s.LatestTransactionDate != "2024-03-01" {
		t.Errorf("latest = %v", s.LatestTransactionDate)
	}

	empty := Summarize(nil)
	if empty.TotalTransactions != 0 || empty.LatestTransactionDate != nil || empty.Codes == nil {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestYears_UnknownSortsLast(t *testing.T) {
	records := []models.TransactionRecord{
		rec("A", "", "", "S", "X"),
		rec("B", "2019-05-01", "2019-05-02", "S", "X"),
		rec("C", "2024-01-01", "2024-01-02", "S", "X"),
	}
	if got := Years(records); !reflect.DeepEqual(got, []string{"2024", "2019", "unknown"}) {
		t.Errorf("Years = %v", got)
	}
	if !IsYear("2024") || IsYear(UnknownYear) || IsYear("20245") {
		t.Error("IsYear misclassified a key")
	}
}
