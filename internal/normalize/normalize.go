// Package normalize converts raw vendor payloads into canonical quote records.
// The vendors in this tier answer with structured JSON on good days, JSON-ish
// literals embedded in script tags on bad days, and bare HTML tables on worse
// ones; the normalizer tries each strategy in order and never fails outright.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/domain"
)

// Normalizer turns raw responses into []domain.CanonicalQuote.
type Normalizer struct {
	log zerolog.Logger
}

// New creates a normalizer.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log.With().Str("component", "quote_normalizer").Logger()}
}

// Normalize applies the strategy chain: vendor JSON arrays, embedded JS
// literals, then the positional HTML table fallback. Malformed input never
// raises; the worst case is a single diagnostic placeholder record so callers
// can tell "zero real quotes" from "normalizer could not interpret the body".
func (n *Normalizer) Normalize(raw []byte) []domain.CanonicalQuote {
	if quotes, ok := n.fromJSON(raw, domain.SourceVendorJSON); ok {
		return quotes
	}

	if quotes, ok := n.fromEmbeddedLiterals(raw); ok {
		return quotes
	}

	if quotes, ok := n.fromHTMLTable(raw); ok {
		return quotes
	}

	n.log.Warn().Int("raw_len", len(raw)).Msg("No normalizer strategy matched, emitting diagnostic record")
	debug := "no normalizer strategy could interpret the payload"
	return []domain.CanonicalQuote{{
		Symbol:    "<unparsed>",
		Source:    domain.SourceDiagnostic,
		Debug:     &debug,
		RawLength: len(raw),
	}}
}

// fromJSON handles strategy 1: a JSON document carrying a quote array at
// results.quote, quotes, or data.
func (n *Normalizer) fromJSON(raw []byte, source string) ([]domain.CanonicalQuote, bool) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	return n.fromDecoded(doc, source)
}

// fromDecoded maps an already-decoded JSON value.
func (n *Normalizer) fromDecoded(doc interface{}, source string) ([]domain.CanonicalQuote, bool) {
	arr, ok := locateQuoteArray(doc)
	if !ok {
		return nil, false
	}

	quotes := make([]domain.CanonicalQuote, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		q, ok := mapQuoteObject(obj, source)
		if !ok {
			continue
		}
		quotes = append(quotes, q)
	}

	// An empty-but-located array is a valid "zero quotes today" success.
	return quotes, true
}

// locateQuoteArray finds the object array inside the known vendor envelopes.
func locateQuoteArray(doc interface{}) ([]interface{}, bool) {
	switch v := doc.(type) {
	case []interface{}:
		if allObjects(v) {
			return v, true
		}
		return nil, false
	case map[string]interface{}:
		if results, ok := v["results"].(map[string]interface{}); ok {
			if arr, ok := results["quote"].([]interface{}); ok && allObjects(arr) {
				return arr, true
			}
			// Single-quote responses arrive as an object, not a one-element array.
			if obj, ok := results["quote"].(map[string]interface{}); ok {
				return []interface{}{obj}, true
			}
		}
		for _, key := range []string{"quotes", "data"} {
			if arr, ok := v[key].([]interface{}); ok && allObjects(arr) {
				return arr, true
			}
		}
	}
	return nil, false
}

func allObjects(arr []interface{}) bool {
	if len(arr) == 0 {
		return true
	}
	for _, item := range arr {
		if _, ok := item.(map[string]interface{}); !ok {
			return false
		}
	}
	return true
}

// fromEmbeddedLiterals handles strategy 2: object/array literals assigned in
// script text, e.g. `var data = {...};`.
func (n *Normalizer) fromEmbeddedLiterals(raw []byte) ([]domain.CanonicalQuote, bool) {
	for _, literal := range extractJSLiterals(string(raw)) {
		var doc interface{}
		if err := json.Unmarshal([]byte(literal), &doc); err != nil {
			continue
		}
		if quotes, ok := n.fromDecoded(doc, domain.SourceEmbeddedJSON); ok && len(quotes) > 0 {
			return quotes, true
		}
	}
	return nil, false
}

// extractJSLiterals scans for `= {...}` / `= [...]` assignments and returns
// each balanced literal. Depth counting respects string contents so braces
// inside quoted values do not end a literal early.
func extractJSLiterals(s string) []string {
	var literals []string
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			continue
		}
		j := i + 1
		for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
			j++
		}
		if j >= len(s) || (s[j] != '{' && s[j] != '[') {
			continue
		}
		if literal, end, ok := scanBalanced(s, j); ok {
			literals = append(literals, literal)
			i = end
		}
	}
	return literals
}

func scanBalanced(s string, start int) (string, int, bool) {
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], i, true
			}
		}
	}
	return "", 0, false
}

// fromHTMLTable handles strategy 3: iterate table rows and map cells
// positionally to symbol, price, change. Inherently best-effort; every record
// is tagged with the html-table-fallback provenance so downstream consumers
// can weigh it accordingly.
func (n *Normalizer) fromHTMLTable(raw []byte) ([]domain.CanonicalQuote, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		return nil, false
	}

	var quotes []domain.CanonicalQuote
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		symbol := strings.TrimSpace(cells.Eq(0).Text())
		if symbol == "" {
			return
		}
		q := domain.CanonicalQuote{
			Symbol: symbol,
			Price:  toFloat(cells.Eq(1).Text()),
			Source: domain.SourceHTMLTable,
		}
		if cells.Length() > 2 {
			q.Change = toFloat(cells.Eq(2).Text())
		}
		quotes = append(quotes, q)
	})

	if len(quotes) == 0 {
		return nil, false
	}
	n.log.Debug().Int("rows", len(quotes)).Msg("Quotes scraped via HTML table fallback")
	return quotes, true
}

// quoteAliases is the declarative field-name alias table. Each canonical field
// lists the vendor paths it may arrive under, in priority order; adding a new
// vendor variant is a table edit, not new code. Dotted paths descend into
// nested objects.
var quoteAliases = []struct {
	canonical string
	paths     []string
}{
	{"symbol", []string{"key.symbol", "symbol", "ticker"}},
	{"companyName", []string{"equityinfo.longname", "equityinfo.shortname", "companyname", "name"}},
	{"price", []string{"pricedata.last", "price", "last", "lastprice"}},
	{"change", []string{"pricedata.change", "change", "netchange"}},
	{"changePercent", []string{"pricedata.changepercent", "changepercent", "pctchange", "percentchange"}},
	{"open", []string{"pricedata.open", "open"}},
	{"high", []string{"pricedata.high", "high"}},
	{"low", []string{"pricedata.low", "low"}},
	{"previousClose", []string{"pricedata.prevclose", "previousclose", "prevclose"}},
	{"bid", []string{"pricedata.bid", "bid"}},
	{"ask", []string{"pricedata.ask", "ask"}},
	{"bidSize", []string{"pricedata.bidsize", "bidsize"}},
	{"askSize", []string{"pricedata.asksize", "asksize"}},
	{"volume", []string{"pricedata.sharevolume", "pricedata.tradevolume", "volume", "sharevolume"}},
	{"vwap", []string{"pricedata.vwap", "vwap"}},
	{"marketCap", []string{"fundamental.marketcap", "marketcap"}},
	{"pe", []string{"fundamental.peratio", "peratio", "pe"}},
	{"exchange", []string{"key.exchange", "exchange"}},
	{"currency", []string{"key.currency", "currency"}},
}

// mapQuoteObject maps one vendor object through the alias table. Records
// without a symbol are dropped; every missing numeric defaults to zero and
// missing optional fields stay nil.
func mapQuoteObject(obj map[string]interface{}, source string) (domain.CanonicalQuote, bool) {
	q := domain.CanonicalQuote{Source: source}

	for _, alias := range quoteAliases {
		value, ok := lookupFirst(obj, alias.paths)
		if !ok {
			continue
		}
		switch alias.canonical {
		case "symbol":
			q.Symbol = strings.TrimSpace(toString(value))
		case "companyName":
			if s := strings.TrimSpace(toString(value)); s != "" {
				q.CompanyName = &s
			}
		case "exchange":
			if s := strings.TrimSpace(toString(value)); s != "" {
				q.Exchange = &s
			}
		case "currency":
			if s := strings.TrimSpace(toString(value)); s != "" {
				q.Currency = &s
			}
		case "pe":
			f := toFloat(value)
			q.PE = &f
		case "price":
			q.Price = toFloat(value)
		case "change":
			q.Change = toFloat(value)
		case "changePercent":
			q.ChangePercent = toFloat(value)
		case "open":
			q.Open = toFloat(value)
		case "high":
			q.High = toFloat(value)
		case "low":
			q.Low = toFloat(value)
		case "previousClose":
			q.PreviousClose = toFloat(value)
		case "bid":
			q.Bid = toFloat(value)
		case "ask":
			q.Ask = toFloat(value)
		case "bidSize":
			q.BidSize = toFloat(value)
		case "askSize":
			q.AskSize = toFloat(value)
		case "volume":
			q.Volume = toFloat(value)
		case "vwap":
			q.VWAP = toFloat(value)
		case "marketCap":
			q.MarketCap = toFloat(value)
		}
	}

	if q.Symbol == "" {
		return domain.CanonicalQuote{}, false
	}
	return q, true
}

// lookupFirst returns the first present value among the alias paths.
func lookupFirst(obj map[string]interface{}, paths []string) (interface{}, bool) {
	for _, path := range paths {
		if v, ok := lookupPath(obj, path); ok {
			return v, true
		}
	}
	return nil, false
}

// lookupPath descends dotted segments through nested objects.
func lookupPath(obj map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	current := interface{}(obj)
	for _, segment := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// toFloat applies the defaulting coercion: anything that does not parse as a
// number becomes zero rather than an error.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		s := strings.TrimSpace(n)
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimPrefix(s, "$")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
