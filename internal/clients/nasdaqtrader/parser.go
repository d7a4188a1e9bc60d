// Package nasdaqtrader provides the client and parser for the exchange-operated
// trading-halt feed. The feed answers a JSON-RPC-style call with a JSON
// envelope whose result field is an HTML table fragment, so most of the work
// here is tolerant HTML extraction.
package nasdaqtrader

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/wombatsyoks/mariom/internal/domain"
)

// Parser extracts canonical halt records from the wrapped-HTML feed payload.
type Parser struct {
	now func() time.Time
	log zerolog.Logger
}

// NewParser creates a halt feed parser. now may be nil (wall clock); inject it
// to pin "today" in tests.
func NewParser(now func() time.Time, log zerolog.Logger) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{
		now: now,
		log: log.With().Str("component", "halt_feed_parser").Logger(),
	}
}

// Parse takes the raw feed response (the JSON envelope) and returns the halt
// records dated today. No table and zero matching rows are both valid steady
// states that yield an empty list; most days have few or no halts.
func (p *Parser) Parse(raw []byte) ([]domain.CanonicalHalt, error) {
	var envelope struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, domain.NewParseError(fmt.Errorf("halt feed envelope: %w", err))
	}
	if strings.TrimSpace(envelope.Result) == "" {
		return []domain.CanonicalHalt{}, nil
	}

	return p.parseFragment(envelope.Result)
}

// parseFragment parses the HTML fragment itself. The fragment is not valid
// standalone XML: bare ampersands in issue names must be escaped before
// DOM-style parsing or strict parsers abort.
func (p *Parser) parseFragment(fragment string) ([]domain.CanonicalHalt, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(escapeBareAmpersands(fragment)))
	if err != nil {
		return nil, domain.NewParseError(fmt.Errorf("halt feed fragment: %w", err))
	}

	// The table is usually nested inside wrapper divs; Find descends
	// recursively so wrappers do not matter.
	table := doc.Find("table").First()
	if table.Length() == 0 {
		p.log.Debug().Msg("Halt feed carried no table")
		return []domain.CanonicalHalt{}, nil
	}

	headers := headerNames(table)
	if len(headers) == 0 {
		p.log.Debug().Msg("Halt feed table carried no header row")
		return []domain.CanonicalHalt{}, nil
	}

	today := domain.TodayString(p.now())
	halts := make([]domain.CanonicalHalt, 0)

	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return // header row
		}

		halt := domain.CanonicalHalt{}
		cells.Each(func(i int, cell *goquery.Selection) {
			if i >= len(headers) {
				return
			}
			assignColumn(&halt, headers[i], cell)
		})

		if halt.Symbol == "" {
			return
		}
		if halt.HaltDate != today {
			return
		}
		halts = append(halts, halt)
	})

	p.log.Debug().Int("count", len(halts)).Str("today", today).Msg("Halt feed parsed")
	return halts, nil
}

// headerNames reads the ordered th cells that drive positional column mapping.
func headerNames(table *goquery.Selection) []string {
	var names []string
	table.Find("th").Each(func(_ int, th *goquery.Selection) {
		names = append(names, normalizeHeader(th.Text()))
	})
	return names
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// assignColumn maps one cell onto the halt record by header name.
func assignColumn(halt *domain.CanonicalHalt, header string, cell *goquery.Selection) {
	text := strings.TrimSpace(cell.Text())
	switch header {
	case "issue symbol", "symbol":
		halt.Symbol = text
	case "halt date":
		halt.HaltDate = text
	case "halt time":
		halt.HaltTime = text
	case "issue name":
		halt.IssueName = text
	case "market":
		halt.Market = text
	case "reason codes", "reason code":
		halt.ReasonCodes = reasonCodes(cell)
	case "pause threshold price":
		halt.PauseThresholdPrice = text
	case "resumption date":
		halt.ResumptionDate = text
	case "resumption quote time":
		halt.ResumptionQuoteTime = text
	}
}

// reasonCodes extracts the anchor text of each nested <div><a> element and
// comma-joins them. Cells without anchors fall back to their raw text.
func reasonCodes(cell *goquery.Selection) string {
	var codes []string
	cell.Find("a").Each(func(_ int, a *goquery.Selection) {
		if code := strings.TrimSpace(a.Text()); code != "" {
			codes = append(codes, code)
		}
	})
	if len(codes) == 0 {
		return strings.TrimSpace(cell.Text())
	}
	return strings.Join(codes, ", ")
}

// escapeBareAmpersands rewrites `&` to `&amp;` unless it already begins an
// entity reference.
func escapeBareAmpersands(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			b.WriteByte(s[i])
			continue
		}
		if isEntityStart(s[i+1:]) {
			b.WriteByte('&')
			continue
		}
		b.WriteString("&amp;")
	}
	return b.String()
}

// isEntityStart reports whether rest begins like an entity body: a short run
// of letters (or #digits) terminated by a semicolon.
func isEntityStart(rest string) bool {
	const maxEntityLen = 10
	if rest == "" {
		return false
	}
	i := 0
	if rest[0] == '#' {
		i = 1
		for i < len(rest) && i <= maxEntityLen && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		return i > 1 && i < len(rest) && rest[i] == ';'
	}
	for i < len(rest) && i <= maxEntityLen && isAlpha(rest[i]) {
		i++
	}
	return i > 0 && i < len(rest) && rest[i] == ';'
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
