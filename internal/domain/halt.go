package domain

import "time"

// CanonicalHalt is one normalized trading-halt record from the exchange halt
// feed. ReasonCodes is a comma-joined string because the upstream cell nests
// one anchor per code and the display layer renders them as a single line.
type CanonicalHalt struct {
	Symbol              string `json:"symbol"`
	HaltDate            string `json:"haltDate"`
	HaltTime            string `json:"haltTime"`
	IssueName           string `json:"issueName"`
	Market              string `json:"market"`
	ReasonCodes         string `json:"reasonCodes"`
	PauseThresholdPrice string `json:"pauseThresholdPrice"`
	ResumptionDate      string `json:"resumptionDate"`
	ResumptionQuoteTime string `json:"resumptionQuoteTime"`
}

// HaltSnapshot is the halt collection for one fetch cycle. An empty Halts
// slice is the expected steady state on most days, not a failure.
type HaltSnapshot struct {
	Halts     []CanonicalHalt `json:"halts"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// TodayString formats t as the exact zero-padded MM/DD/YYYY string the halt
// feed uses in its "Halt Date" column. Filtering is an exact string match
// against this value, never a parsed date-range comparison.
func TodayString(t time.Time) string {
	return t.Format("01/02/2006")
}
