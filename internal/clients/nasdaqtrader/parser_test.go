package nasdaqtrader

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wombatsyoks/mariom/internal/domain"
)

func nopLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// fixedNow pins "today" to 03/02/2026 for exact-match date filtering.
func fixedNow() time.Time {
	return time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
}

const haltTableHeader = `<tr>
	<th>Halt Date</th><th>Halt Time</th><th>Issue Symbol</th><th>Issue Name</th>
	<th>Market</th><th>Reason Codes</th><th>Pause Threshold Price</th>
	<th>Resumption Date</th><th>Resumption Quote Time</th>
</tr>`

func haltRow(date, timeStr, symbol, name, market, reasonCell string) string {
	return fmt.Sprintf(`<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td></td><td>%s</td><td></td></tr>`,
		date, timeStr, symbol, name, market, reasonCell, date)
}

func envelope(t *testing.T, html string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"result": html})
	require.NoError(t, err)
	return raw
}

func TestParse_OnlyTodayRowsRetained(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	html := `<div><div><table>` + haltTableHeader +
		haltRow("03/02/2026", "09:31:05", "XYZ", "XYZ Corp", "NASDAQ", "<div><a>LUDP</a></div>") +
		haltRow("03/01/2026", "15:10:00", "OLD", "Old Co", "NASDAQ", "<div><a>T1</a></div>") +
		`</table></div></div>`

	halts, err := p.Parse(envelope(t, html))

	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "XYZ", halts[0].Symbol)
	assert.Equal(t, "03/02/2026", halts[0].HaltDate)
	assert.Equal(t, "09:31:05", halts[0].HaltTime)
	assert.Equal(t, "NASDAQ", halts[0].Market)
}

func TestParse_ReasonCodeAnchorsCommaJoined(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	html := `<table>` + haltTableHeader +
		haltRow("03/02/2026", "10:00:00", "ABC", "ABC Inc", "NASDAQ",
			`<div><a>Regulatory Concern</a></div><div><a>Other</a></div>`) +
		`</table>`

	halts, err := p.Parse(envelope(t, html))

	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "Regulatory Concern, Other", halts[0].ReasonCodes)
}

func TestParse_ReasonCellWithoutAnchorsFallsBackToText(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	html := `<table>` + haltTableHeader +
		haltRow("03/02/2026", "10:00:00", "DEF", "DEF Ltd", "NASDAQ", "LUDP") +
		`</table>`

	halts, err := p.Parse(envelope(t, html))

	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "LUDP", halts[0].ReasonCodes)
}

func TestParse_BareAmpersandInIssueName(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	html := `<table>` + haltTableHeader +
		haltRow("03/02/2026", "11:00:00", "JJ", "Johnson & Johnson", "NYSE", "<div><a>M</a></div>") +
		`</table>`

	halts, err := p.Parse(envelope(t, html))

	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "Johnson & Johnson", halts[0].IssueName)
}

func TestParse_RowsWithoutSymbolDiscarded(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	html := `<table>` + haltTableHeader +
		haltRow("03/02/2026", "10:00:00", "", "Nameless", "NASDAQ", "X") +
		haltRow("03/02/2026", "10:01:00", "KEEP", "Keeper", "NASDAQ", "X") +
		`</table>`

	halts, err := p.Parse(envelope(t, html))

	require.NoError(t, err)
	require.Len(t, halts, 1)
	assert.Equal(t, "KEEP", halts[0].Symbol)
}

func TestParse_NoTableIsEmptyNotError(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	halts, err := p.Parse(envelope(t, "<div>No trade halts at this time.</div>"))

	require.NoError(t, err)
	assert.Empty(t, halts)
}

func TestParse_EmptyResultFieldIsEmptyNotError(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	halts, err := p.Parse([]byte(`{"result":""}`))

	require.NoError(t, err)
	assert.Empty(t, halts)
}

func TestParse_MalformedEnvelopeIsParseFailure(t *testing.T) {
	p := NewParser(fixedNow, nopLog())

	_, err := p.Parse([]byte("not json at all"))

	require.Error(t, err)
	assert.Equal(t, domain.ClassParse, domain.ClassOf(err))
}

func TestEscapeBareAmpersands(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"A & B", "A &amp; B"},
		{"A &amp; B", "A &amp; B"},
		{"x &lt; y", "x &lt; y"},
		{"&#169; 2026", "&#169; 2026"},
		{"trailing &", "trailing &amp;"},
		{"AT&T", "AT&amp;T"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeBareAmpersands(tt.in), tt.in)
	}
}

func TestTodayString_ZeroPadded(t *testing.T) {
	assert.Equal(t, "03/02/2026", domain.TodayString(fixedNow()))
	assert.Equal(t, "11/28/2025", domain.TodayString(time.Date(2025, 11, 28, 0, 0, 0, 0, time.UTC)))
}
