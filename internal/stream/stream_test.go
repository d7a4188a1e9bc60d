package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/wombatsyoks/mariom/internal/events"
	"github.com/wombatsyoks/mariom/internal/normalize"
)

// streamFake is a WebSocket server that records the subscription frame and
// pushes quote frames to the client.
type streamFake struct {
	server    *httptest.Server
	subscribe chan []byte
	send      chan []byte
	sid       chan string
}

func newStreamFake(t *testing.T) *streamFake {
	t.Helper()
	f := &streamFake{
		subscribe: make(chan []byte, 1),
		send:      make(chan []byte, 8),
		sid:       make(chan string, 1),
	}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case f.sid <- r.URL.Query().Get("sid"):
		default:
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f.subscribe <- msg

		for frame := range f.send {
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *streamFake) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func newTestClient(t *testing.T, fake *streamFake) *Client {
	t.Helper()
	c := NewClient(
		fake.wsURL(),
		[]string{"AAPL", "MSFT"},
		func(context.Context) (string, error) { return "sess-xyz", nil },
		normalize.New(zerolog.Nop()),
		events.NewBus(zerolog.Nop()),
		zerolog.Nop(),
	)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestStartSubscribesWithSymbolsAndSID(t *testing.T) {
	fake := newStreamFake(t)
	c := newTestClient(t, fake)

	require.NoError(t, c.Start())
	assert.True(t, c.IsConnected())

	assert.Equal(t, "sess-xyz", <-fake.sid)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(<-fake.subscribe, &frame))
	require.Len(t, frame, 2)

	var channel string
	require.NoError(t, json.Unmarshal(frame[0], &channel))
	assert.Equal(t, "quotes", channel)

	var symbols []string
	require.NoError(t, json.Unmarshal(frame[1], &symbols))
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestQuoteFrameUpdatesCache(t *testing.T) {
	fake := newStreamFake(t)
	c := newTestClient(t, fake)
	require.NoError(t, c.Start())

	fake.send <- []byte(`{"results":{"quote":[{"symbol":"AAPL","pricedata":{"last":258.06}}]}}`)

	require.Eventually(t, func() bool {
		_, ok := c.LatestQuote("aapl")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	q, ok := c.LatestQuote("AAPL")
	require.True(t, ok)
	assert.Equal(t, 258.06, q.Price)
	assert.False(t, c.IsStale())
}

func TestUnparsableFrameIsDroppedNotFatal(t *testing.T) {
	fake := newStreamFake(t)
	c := newTestClient(t, fake)
	require.NoError(t, c.Start())

	fake.send <- []byte(`%%% garbage %%%`)
	fake.send <- []byte(`{"results":{"quote":[{"symbol":"MSFT","pricedata":{"last":512.30}}]}}`)

	require.Eventually(t, func() bool {
		_, ok := c.LatestQuote("MSFT")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	// The garbage frame never landed in the cache.
	assert.Len(t, c.LatestQuotes(), 1)
}

func TestStaleWithNoTicks(t *testing.T) {
	fake := newStreamFake(t)
	c := newTestClient(t, fake)
	assert.True(t, c.IsStale())
}

func TestStopIsIdempotent(t *testing.T) {
	fake := newStreamFake(t)
	c := newTestClient(t, fake)
	require.NoError(t, c.Start())

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.False(t, c.IsConnected())
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, calculateBackoff(1))
	assert.Equal(t, 10*time.Second, calculateBackoff(2))
	assert.Equal(t, 40*time.Second, calculateBackoff(4))
	assert.Equal(t, 5*time.Minute, calculateBackoff(20))
}
