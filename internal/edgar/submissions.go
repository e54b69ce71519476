// Package edgar resolves a company's Form 4 filings from the SEC EDGAR
// submissions index.
package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
	"github.com/bighogz/insider-feed/internal/tracing"
)

const (
	DefaultSubmissionsURL = "https://data.sec.gov/submissions"
	DefaultArchivesURL    = "https://www.sec.gov/Archives/edgar/data"

	DateLayout = "2006-01-02"
)

// Form4Types is the form family collected: the original and its amendment.
var Form4Types = []string{"4", "4/A"}

// Fetcher is the transport the resolver reads through.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Window is an inclusive range of calendar dates. A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(d time.Time) bool {
	d = day(d)
	if !w.Start.IsZero() && d.Before(day(w.Start)) {
		return false
	}
	if !w.End.IsZero() && d.After(day(w.End)) {
		return false
	}
	return true
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// filingPage holds the parallel arrays of one submissions block.
type filingPage struct {
	AccessionNumber    []string `json:"accessionNumber"`
	FilingDate         []string `json:"filingDate"`
	AcceptanceDateTime []string `json:"acceptanceDateTime"`
	Form               []string `json:"form"`
	PrimaryDocument    []string `json:"primaryDocument"`
}

type submissions struct {
	CIK     string `json:"cik"`
	Name    string `json:"name"`
	Filings struct {
		Recent filingPage `json:"recent"`
		Files  []struct {
			Name        string `json:"name"`
			FilingCount int    `json:"filingCount"`
			FilingFrom  string `json:"filingFrom"`
			FilingTo    string `json:"filingTo"`
		} `json:"files"`
	} `json:"filings"`
}

type Resolver struct {
	fetcher        Fetcher
	SubmissionsURL string
	ArchivesURL    string
}

func NewResolver(f Fetcher) *Resolver {
	return &Resolver{
		fetcher:        f,
		SubmissionsURL: DefaultSubmissionsURL,
		ArchivesURL:    DefaultArchivesURL,
	}
}

// PadCIK zero-pads a CIK to the 10 digits the submissions endpoint expects.
func PadCIK(cik string) string {
	s := ArchiveCIK(cik)
	if len(s) >= 10 {
		return s
	}
	return strings.Repeat("0", 10-len(s)) + s
}

// ArchiveCIK is the CIK as it appears in archive paths, without padding.
func ArchiveCIK(cik string) string {
	s := strings.TrimLeft(strings.TrimSpace(cik), "0")
	if s == "" {
		return "0"
	}
	return s
}

// FilingDir is the archive folder holding every document of one filing.
func FilingDir(archivesURL, cik, accession string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(archivesURL, "/"), ArchiveCIK(cik),
		strings.ReplaceAll(accession, "-", ""))
}

// Resolve walks the primary submissions document and every linked older
// page, returning Form 4 filings inside w, newest filing date first. Only a
// failure on the primary document is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, cik string, w Window) ([]models.FilingDescriptor, error) {
	ctx, span := tracing.Tracer().Start(ctx, "edgar.resolve")
	defer span.End()

	primaryURL := fmt.Sprintf("%s/CIK%s.json", strings.TrimRight(r.SubmissionsURL, "/"), PadCIK(cik))
	raw, err := r.fetcher.Fetch(ctx, primaryURL)
	if err != nil {
		return nil, fmt.Errorf("load submissions for CIK %s: %w", cik, err)
	}
	var subs submissions
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("parse submissions for CIK %s: %w", cik, err)
	}

	pages := []filingPage{subs.Filings.Recent}
	for _, f := range subs.Filings.Files {
		if f.Name == "" {
			continue
		}
		pageURL := strings.TrimRight(r.SubmissionsURL, "/") + "/" + f.Name
		body, err := r.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			logger.Warn("skipping submissions page", zap.String("page", f.Name), zap.Error(err))
			continue
		}
		var page filingPage
		if err := json.Unmarshal(body, &page); err != nil {
			logger.Warn("skipping unparseable submissions page", zap.String("page", f.Name), zap.Error(err))
			continue
		}
		pages = append(pages, page)
	}

	seen := make(map[string]bool)
	out := make([]models.FilingDescriptor, 0)
	for _, p := range pages {
		for _, fd := range r.descriptors(cik, p, w) {
			if seen[fd.AccessionNumber] {
				continue
			}
			seen[fd.AccessionNumber] = true
			out = append(out, fd)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FilingDate > out[j].FilingDate })

	span.SetAttributes(attribute.Int("edgar.pages", len(pages)), attribute.Int("edgar.filings", len(out)))
	logger.Info("resolved Form 4 filings",
		zap.String("cik", cik),
		zap.Int("pages", len(pages)),
		zap.Int("filings", len(out)),
	)
	return out, nil
}

func (r *Resolver) descriptors(cik string, p filingPage, w Window) []models.FilingDescriptor {
	n := min(len(p.Form), len(p.AccessionNumber), len(p.FilingDate))
	out := make([]models.FilingDescriptor, 0)
	for i := 0; i < n; i++ {
		form := p.Form[i]
		if !lo.Contains(Form4Types, form) {
			continue
		}
		fdate, err := time.Parse(DateLayout, p.FilingDate[i])
		if err != nil || !w.Contains(fdate) {
			continue
		}
		accession := p.AccessionNumber[i]
		primaryDoc := ""
		if i < len(p.PrimaryDocument) {
			primaryDoc = p.PrimaryDocument[i]
		}
		var accepted *string
		if i < len(p.AcceptanceDateTime) && p.AcceptanceDateTime[i] != "" {
			a := p.AcceptanceDateTime[i]
			accepted = &a
		}
		out = append(out, models.FilingDescriptor{
			CIK:              cik,
			Form:             form,
			AccessionNumber:  accession,
			FilingDate:       p.FilingDate[i],
			AcceptedDateTime: accepted,
			FilingURL:        FilingDir(r.ArchivesURL, cik, accession) + "/" + primaryDoc,
		})
	}
	return out
}
