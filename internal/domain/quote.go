// Package domain holds the canonical record types and the error taxonomy shared
// by every acquisition component. It has no infrastructure dependencies.
package domain

import "time"

// Quote provenance values. Downstream consumers use these to decide how much
// to trust a record: vendor-structured JSON is authoritative, the HTML table
// fallback is best-effort, and diagnostic records carry no market data at all.
const (
	SourceVendorJSON   = "vendor-json"
	SourceEmbeddedJSON = "embedded-json"
	SourceHTMLTable    = "html-table-fallback"
	SourceDiagnostic   = "diagnostic"
)

// CanonicalQuote is the flat normalized quote record returned to the display
// layer. Symbol is the only required field; every numeric field defaults to
// zero when the upstream payload omits it, and optional descriptive fields are
// nil rather than empty strings so "absent" stays distinguishable from "empty".
//
// A quote collection is created fresh per fetch cycle and replaces the prior
// snapshot wholesale. Records are never mutated after creation.
type CanonicalQuote struct {
	Symbol        string   `json:"symbol"`
	CompanyName   *string  `json:"companyName,omitempty"`
	Price         float64  `json:"price"`
	Change        float64  `json:"change"`
	ChangePercent float64  `json:"changePercent"`
	Open          float64  `json:"open"`
	High          float64  `json:"high"`
	Low           float64  `json:"low"`
	PreviousClose float64  `json:"previousClose"`
	Bid           float64  `json:"bid"`
	Ask           float64  `json:"ask"`
	BidSize       float64  `json:"bidSize"`
	AskSize       float64  `json:"askSize"`
	Volume        float64  `json:"volume"`
	VWAP          float64  `json:"vwap"`
	MarketCap     float64  `json:"marketCap"`
	PE            *float64 `json:"pe,omitempty"`
	Exchange      *string  `json:"exchange,omitempty"`
	Currency      *string  `json:"currency,omitempty"`

	// Source records which normalizer strategy produced this record.
	Source string `json:"source"`

	// Debug is set only on diagnostic placeholder records, together with
	// RawLength, so callers can tell "zero real quotes" apart from a
	// normalizer that could not interpret the payload at all.
	Debug     *string `json:"debug,omitempty"`
	RawLength int     `json:"rawLength,omitempty"`
}

// QuoteSnapshot pairs a quote collection with the metadata callers need for
// observability: when it was taken and which endpoint actually produced it
// (upstream vendors silently move URLs over time).
type QuoteSnapshot struct {
	Quotes    []CanonicalQuote `json:"quotes"`
	Endpoint  string           `json:"endpoint,omitempty"`
	FetchedAt time.Time        `json:"fetchedAt"`
}
