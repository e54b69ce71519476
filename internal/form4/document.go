// Package form4 extracts non-derivative insider transactions from Form 4
// ownership documents.
package form4

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/bighogz/insider-feed/internal/logger"
	"github.com/bighogz/insider-feed/internal/models"
)

const (
	// PlanToken marks footnotes describing a Rule 10b5-1 trading plan.
	PlanToken = "10b5"

	footnoteSeparator  = " | "
	defaultSecurity    = "Common Stock"
	unknownInsiderName = "Unknown"
)

// Full-text submissions wrap the ownership XML in an <XML> block.
var embeddedXML = regexp.MustCompile(`(?is)<XML>(.*?)</XML>`)

// ParseDocument extracts every non-derivative transaction in raw. Content
// that is not an ownership document yields nil, never an error.
func ParseDocument(raw []byte, filing models.FilingDescriptor) []models.TransactionRecord {
	root := ownershipRoot(raw)
	if root == nil {
		return nil
	}
	return transactions(root, filing)
}

func ownershipRoot(raw []byte) *xmlquery.Node {
	content := raw
	if m := embeddedXML.FindSubmatch(raw); m != nil {
		content = m[1]
	}
	doc, err := xmlquery.Parse(bytes.NewReader(bytes.TrimSpace(content)))
	if err != nil {
		logger.Debug("not an XML document", zap.Error(err))
		return nil
	}
	if root := xmlquery.FindOne(doc, "/ownershipDocument"); root != nil {
		return root
	}
	return xmlquery.FindOne(doc, "//ownershipDocument")
}

func transactions(root *xmlquery.Node, filing models.FilingDescriptor) []models.TransactionRecord {
	name, title, relationship := reportingOwner(root)
	notes := footnotes(root)

	rows := xmlquery.Find(root, "nonDerivativeTable/nonDerivativeTransaction")
	records := make([]models.TransactionRecord, 0, len(rows))
	for _, tx := range rows {
		hint := footnoteHint(tx, notes)
		txDate := lo.FromPtrOr(text(tx, "transactionDate/value"), filing.FilingDate)

		records = append(records, models.TransactionRecord{
			FilingDate:       filing.FilingDate,
			AcceptedDateTime: filing.AcceptedDateTime,
			AccessionNumber:  filing.AccessionNumber,
			FilingURL:        filing.FilingURL,
			InsiderName:      name,
			InsiderTitle:     title,
			Relationship:     relationship,
			TransactionDate:  txDate,
			SecurityTitle:    lo.FromPtrOr(text(tx, "securityTitle/value"), defaultSecurity),
			Code:             lo.FromPtrOr(text(tx, "transactionCoding/transactionCode"), ""),
			Shares:           number(text(tx, "transactionAmounts/transactionShares/value")),
			Price:            number(text(tx, "transactionAmounts/transactionPricePerShare/value")),
			AcquiredDisposed: text(tx, "transactionAmounts/transactionAcquiredDisposedCode/value"),
			SharesOwnedAfter: number(text(tx, "postTransactionAmounts/sharesOwnedFollowingTransaction/value")),
			OwnershipNature:  text(tx, "ownershipNature/directOrIndirectOwnership/value"),
			Is10b51:          strings.Contains(strings.ToLower(lo.FromPtr(hint)), PlanToken),
			FootnoteHint:     hint,
		})
	}
	return records
}

func reportingOwner(root *xmlquery.Node) (string, *string, []string) {
	relationship := make([]string, 0, 4)
	owner := xmlquery.FindOne(root, "reportingOwner")
	if owner == nil {
		return unknownInsiderName, nil, relationship
	}
	name := lo.FromPtrOr(text(owner, "reportingOwnerId/rptOwnerName"), unknownInsiderName)

	rel := xmlquery.FindOne(owner, "reportingOwnerRelationship")
	if rel == nil {
		return name, nil, relationship
	}
	flags := []struct {
		path string
		role string
	}{
		{"isDirector", models.RoleDirector},
		{"isOfficer", models.RoleOfficer},
		{"isTenPercentOwner", models.RoleTenPercentOwner},
		{"isOther", models.RoleOther},
	}
	for _, f := range flags {
		if truthy(text(rel, f.path)) {
			relationship = append(relationship, f.role)
		}
	}
	return name, text(rel, "officerTitle"), relationship
}

func footnotes(root *xmlquery.Node) map[string]string {
	notes := make(map[string]string)
	for _, fn := range xmlquery.Find(root, "footnotes/footnote") {
		id := fn.SelectAttr("id")
		txt := strings.TrimSpace(fn.InnerText())
		if id != "" && txt != "" {
			notes[id] = txt
		}
	}
	return notes
}

// footnoteHint joins the text of every footnote the row references, in
// first-reference order. A footnote referenced from several fields of the
// row contributes its text once, so the hint is not a per-reference list.
func footnoteHint(tx *xmlquery.Node, notes map[string]string) *string {
	ids := lo.Uniq(lo.FilterMap(xmlquery.Find(tx, ".//footnoteId"), func(n *xmlquery.Node, _ int) (string, bool) {
		id := n.SelectAttr("id")
		return id, id != ""
	}))
	texts := lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		t, ok := notes[id]
		return t, ok
	})
	if len(texts) == 0 {
		return nil
	}
	hint := strings.Join(texts, footnoteSeparator)
	return &hint
}

// text returns the trimmed text at path below n, or nil when the element is
// missing or empty.
func text(n *xmlquery.Node, path string) *string {
	node := xmlquery.FindOne(n, path)
	if node == nil {
		return nil
	}
	s := strings.TrimSpace(node.InnerText())
	if s == "" {
		return nil
	}
	return &s
}

// number parses a share count or price. Anything unparseable is absent,
// never zero.
func number(s *string) *float64 {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(strings.ReplaceAll(*s, ",", ""))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func truthy(s *string) bool {
	if s == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
