package models

// FilingDescriptor is one Form 4 filing discovered in the submissions index.
type FilingDescriptor struct {
	CIK              string  `json:"cik"`
	Form             string  `json:"form"`
	AccessionNumber  string  `json:"accession_number"`
	FilingDate       string  `json:"filing_date"`
	AcceptedDateTime *string `json:"accepted_datetime"`
	FilingURL        string  `json:"filing_url"`
}

// Relationship roles reported on a Form 4.
const (
	RoleDirector        = "Director"
	RoleOfficer         = "Officer"
	RoleTenPercentOwner = "10% Owner"
	RoleOther           = "Other"
)

// TransactionRecord is one non-derivative transaction row. Optional values
// are nil when the filing does not carry them; Code is "" when absent.
type TransactionRecord struct {
	FilingDate       string   `json:"filing_date"`
	AcceptedDateTime *string  `json:"accepted_datetime"`
	AccessionNumber  string   `json:"accession_number"`
	FilingURL        string   `json:"filing_url"`
	InsiderName      string   `json:"insider_name"`
	InsiderTitle     *string  `json:"insider_title"`
	Relationship     []string `json:"relationship"`
	TransactionDate  string   `json:"transaction_date"`
	SecurityTitle    string   `json:"security_title"`
	Code             string   `json:"code"`
	Shares           *float64 `json:"shares"`
	Price            *float64 `json:"price"`
	AcquiredDisposed *string  `json:"acquired_disposed"`
	SharesOwnedAfter *float64 `json:"shares_owned_after"`
	OwnershipNature  *string  `json:"ownership_nature"`
	Is10b51          bool     `json:"is_10b5_1"`
	FootnoteHint     *string  `json:"footnote_hint"`
}

type Summary struct {
	TotalTransactions     int            `json:"total_transactions"`
	Codes                 map[string]int `json:"codes"`
	Insiders              map[string]int `json:"insiders"`
	LatestTransactionDate *string        `json:"latest_transaction_date"`
}

// RunMeta is the generation metadata stamped on every output document.
type RunMeta struct {
	Company        string `json:"company"`
	CIK            string `json:"cik"`
	GeneratedAt    string `json:"generated_at"`
	DateFrom       string `json:"date_from"`
	DateTo         string `json:"date_to"`
	FilingsScanned int    `json:"filings_scanned"`
}

// YearPartition holds every record whose transaction year equals Year.
type YearPartition struct {
	RunMeta
	Year         string              `json:"year"`
	Summary      Summary             `json:"summary"`
	Transactions []TransactionRecord `json:"transactions"`
}

type YearEntry struct {
	Year                  string  `json:"year"`
	TotalTransactions     int     `json:"total_transactions"`
	LatestTransactionDate *string `json:"latest_transaction_date"`
	File                  string  `json:"file"`
}

// IndexDocument is the manifest over all persisted year partitions.
type IndexDocument struct {
	RunMeta
	Summary    Summary     `json:"summary"`
	LatestYear *string     `json:"latest_year"`
	Years      []YearEntry `json:"years"`
}

// FeedDocument is the single-file output shape.
type FeedDocument struct {
	RunMeta
	LookbackDays *int                `json:"lookback_days,omitempty"`
	Summary      Summary             `json:"summary"`
	Transactions []TransactionRecord `json:"transactions"`
}
