package edgar

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mapFetcher serves canned bodies by URL; unknown URLs fail.
type mapFetcher struct {
	bodies map[string]string
	calls  []string
}

func (m *mapFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	m.calls = append(m.calls, url)
	body, ok := m.bodies[url]
	if !ok {
		return nil, errors.New("HTTP 404")
	}
	return []byte(body), nil
}

const primaryDoc = `{
  "cik": "2488",
  "name": "ADVANCED MICRO DEVICES INC",
  "filings": {
    "recent": {
      "accessionNumber": ["0000002488-24-000010", "0000002488-24-000009", "0000002488-24-000008", "0000002488-24-000007", "0000002488-24-000006"],
      "filingDate":      ["2024-03-31", "2024-03-15", "2024-03-01", "2024-02-28", "not-a-date"],
      "acceptanceDateTime": ["2024-03-31T16:05:00.000Z", "", "2024-03-01T18:00:00.000Z", "2024-02-28T18:00:00.000Z", ""],
      "form":            ["4", "8-K", "4/A", "4", "4"],
      "primaryDocument": ["xslF345X05/wf-form4_1.xml", "d8k.htm", "form4a.xml", "form4.xml", "x.xml"]
    },
    "files": [
      {"name": "CIK0000002488-submissions-001.json", "filingCount": 3, "filingFrom": "2023-01-01", "filingTo": "2024-03-01"},
      {"name": "CIK0000002488-submissions-002.json", "filingCount": 1, "filingFrom": "2020-01-01", "filingTo": "2022-12-31"}
    ]
  }
}`

const olderPage = `{
  "accessionNumber": ["0000002488-24-000008", "0000002488-24-000005", "0000002488-23-000001"],
  "filingDate":      ["2024-03-01", "2024-03-01", "2023-12-31"],
  "acceptanceDateTime": ["2024-03-01T18:00:00.000Z", "2024-03-01T19:00:00.000Z", "2023-12-31T10:00:00.000Z"],
  "form":            ["4/A", "4", "4"],
  "primaryDocument": ["dup.xml", "form4.xml", "old.xml"]
}`

func newTestResolver() (*Resolver, *mapFetcher) {
	f := &mapFetcher{bodies: map[string]string{
		"https://sub.test/CIK0000002488.json":                 primaryDoc,
		"https://sub.test/CIK0000002488-submissions-001.json": olderPage,
	}}
	r := NewResolver(f)
	r.SubmissionsURL = "https://sub.test"
	r.ArchivesURL = "https://arch.test/data"
	return r, f
}

func mustDate(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestResolve_FiltersDedupesAndSorts(t *testing.T) {
	r, f := newTestResolver()
	w := Window{Start: mustDate("2024-03-01"), End: mustDate("2024-03-31")}

	got, err := r.Resolve(context.Background(), "0000002488", w)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := []string{"0000002488-24-000010", "0000002488-24-000008", "0000002488-24-000005"}
	if len(got) != len(want) {
		t.Fatalf("expected %d filings, got %d: %+v", len(want), len(got), got)
	}
	for i, acc := range want {
		if got[i].AccessionNumber != acc {
			t.Errorf("filing %d: expected %s, got %s", i, acc, got[i].AccessionNumber)
		}
	}

	// first occurrence (recent block) wins over the linked page duplicate
	if !strings.HasSuffix(got[1].FilingURL, "/form4a.xml") {
		t.Errorf("duplicate accession kept the wrong entry: %s", got[1].FilingURL)
	}
	if got[0].FilingURL != "https://arch.test/data/2488/000000248824000010/xslF345X05/wf-form4_1.xml" {
		t.Errorf("unexpected URL %s", got[0].FilingURL)
	}
	if got[0].AcceptedDateTime == nil || *got[0].AcceptedDateTime != "2024-03-31T16:05:00.000Z" {
		t.Errorf("accepted time not carried: %v", got[0].AcceptedDateTime)
	}

	// the failing second linked page was attempted but did not abort the run
	if len(f.calls) != 3 {
		t.Errorf("expected 3 fetches, got %v", f.calls)
	}
}

func TestResolve_WindowIsInclusive(t *testing.T) {
	r, _ := newTestResolver()
	w := Window{Start: mustDate("2023-12-31"), End: mustDate("2024-02-28")}

	got, err := r.Resolve(context.Background(), "2488", w)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both boundary filings, got %+v", got)
	}
	if got[0].FilingDate != "2024-02-28" || got[1].FilingDate != "2023-12-31" {
		t.Errorf("unexpected order: %s, %s", got[0].FilingDate, got[1].FilingDate)
	}
}

func TestResolve_PrimaryFailureIsFatal(t *testing.T) {
	r := NewResolver(&mapFetcher{bodies: map[string]string{}})
	if _, err := r.Resolve(context.Background(), "2488", Window{}); err == nil {
		t.Fatal("expected error when the primary submissions document is unavailable")
	}
}

func TestCIKHelpers(t *testing.T) {
	if got := PadCIK("2488"); got != "0000002488" {
		t.Errorf("PadCIK = %s", got)
	}
	if got := ArchiveCIK("0000002488"); got != "2488" {
		t.Errorf("ArchiveCIK = %s", got)
	}
	if got := FilingDir("https://x/data/", "0000002488", "0000002488-24-000010"); got != "https://x/data/2488/000000248824000010" {
		t.Errorf("FilingDir = %s", got)
	}
}
