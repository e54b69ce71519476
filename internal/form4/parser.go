package form4

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/edgar"
	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
	"github.com/bighogz/insider-feed/internal/tracing"
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Parser fetches a filing's documents and extracts its transactions.
type Parser struct {
	fetcher     Fetcher
	ArchivesURL string
}

func NewParser(f Fetcher) *Parser {
	return &Parser{fetcher: f, ArchivesURL: edgar.DefaultArchivesURL}
}

type directoryItem struct {
	Name string `json:"name"`
}

type directoryListing struct {
	Directory struct {
		Item []directoryItem `json:"item"`
	} `json:"directory"`
}

// Parse returns the transactions of one filing. Every failure degrades to
// an empty result: a filing that cannot be read contributes nothing.
func (p *Parser) Parse(ctx context.Context, filing models.FilingDescriptor) []models.TransactionRecord {
	ctx, span := tracing.Tracer().Start(ctx, "form4.parse",
		trace.WithAttributes(attribute.String("form4.accession", filing.AccessionNumber)))
	defer span.End()

	raw, err := p.fetcher.Fetch(ctx, filing.FilingURL)
	if err != nil {
		logger.Warn("primary document unavailable",
			zap.String("accession", filing.AccessionNumber),
			zap.Error(err),
		)
		return nil
	}
	if records := ParseDocument(raw, filing); len(records) > 0 {
		span.SetAttributes(attribute.Int("form4.records", len(records)))
		return records
	}

	span.SetAttributes(attribute.Bool("form4.fallback", true))
	records := p.fromDirectory(ctx, filing)
	span.SetAttributes(attribute.Int("form4.records", len(records)))
	return records
}

// fromDirectory lists the filing folder and tries each XML document in
// listing order until one holds transactions.
func (p *Parser) fromDirectory(ctx context.Context, filing models.FilingDescriptor) []models.TransactionRecord {
	dir := edgar.FilingDir(p.ArchivesURL, filing.CIK, filing.AccessionNumber)
	raw, err := p.fetcher.Fetch(ctx, dir+"/index.json")
	if err != nil {
		logger.Warn("filing directory unavailable",
			zap.String("accession", filing.AccessionNumber),
			zap.Error(err),
		)
		return nil
	}
	var listing directoryListing
	if err := json.Unmarshal(raw, &listing); err != nil {
		logger.Warn("filing directory unparseable",
			zap.String("accession", filing.AccessionNumber),
			zap.Error(err),
		)
		return nil
	}

	candidates := lo.FilterMap(listing.Directory.Item, func(it directoryItem, _ int) (string, bool) {
		return it.Name, strings.HasSuffix(strings.ToLower(it.Name), ".xml")
	})
	for _, name := range candidates {
		body, err := p.fetcher.Fetch(ctx, dir+"/"+name)
		if err != nil {
			logger.Debug("candidate document unavailable", zap.String("name", name), zap.Error(err))
			continue
		}
		if records := ParseDocument(body, filing); len(records) > 0 {
			logger.Debug("parsed candidate document",
				zap.String("accession", filing.AccessionNumber),
				zap.String("name", name),
				zap.Int("records", len(records)),
			)
			return records
		}
	}
	logger.Info("no transactions in filing", zap.String("accession", filing.AccessionNumber))
	return nil
}
