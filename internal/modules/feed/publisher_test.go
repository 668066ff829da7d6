package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dhaneshraok/optionflow/internal/events"
	testingpkg "github.com/dhaneshraok/optionflow/internal/testing"
)

type fakeGateway struct {
	published []string
	failAfter int // fail every publish once this many have succeeded
}

func (g *fakeGateway) Publish(_ context.Context, eventName string, _ any) error {
	if g.failAfter >= 0 && len(g.published) >= g.failAfter {
		return errors.New("gateway unavailable")
	}
	g.published = append(g.published, eventName)
	return nil
}

func newPublisherFixture(t *testing.T, gateway *fakeGateway) (*Publisher, *OutboxRepository, *events.Bus, func()) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "copytrade")
	log := zerolog.Nop()

	outbox := NewOutboxRepository(db.Conn(), log)
	var p *Publisher
	if gateway != nil {
		p = NewPublisher(outbox, gateway, log)
	} else {
		p = NewPublisher(outbox, nil, log)
	}

	bus := events.NewBus()
	p.Start(bus)
	return p, outbox, bus, cleanup
}

func TestPublisher_CapturesBusEvents(t *testing.T) {
	_, outbox, bus, cleanup := newPublisherFixture(t, nil)
	defer cleanup()

	manager := events.NewManager(bus, zerolog.Nop())
	manager.EmitTyped(events.TradeClosed, "ledger", &events.TradeClosedData{
		PositionID: "pos-1",
		UserID:     "user-1",
		Symbol:     "AAPL261016C00190000",
		PnL:        1000,
		PnLPercent: 40,
	})

	pending, err := outbox.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, string(events.TradeClosed), pending[0].EventName)

	var env envelope
	require.NoError(t, msgpack.Unmarshal(pending[0].Payload, &env))
	assert.Equal(t, string(events.TradeClosed), env.Event)
	assert.InDelta(t, 1000, env.Data["pnl"], 1e-9)
}

func TestPublisher_FlushDeliversInOrder(t *testing.T) {
	gateway := &fakeGateway{failAfter: -1}
	p, outbox, bus, cleanup := newPublisherFixture(t, gateway)
	defer cleanup()
	gateway.failAfter = 100

	manager := events.NewManager(bus, zerolog.Nop())
	manager.EmitTyped(events.TradeOpened, "ledger", &events.TradeOpenedData{PositionID: "pos-1"})
	manager.EmitTyped(events.TradeClosed, "ledger", &events.TradeClosedData{PositionID: "pos-1"})

	delivered, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{string(events.TradeOpened), string(events.TradeClosed)}, gateway.published)

	pending, err := outbox.ListPending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPublisher_FlushStopsAtFirstFailure(t *testing.T) {
	gateway := &fakeGateway{failAfter: 1}
	p, outbox, bus, cleanup := newPublisherFixture(t, gateway)
	defer cleanup()

	manager := events.NewManager(bus, zerolog.Nop())
	manager.EmitTyped(events.TradeOpened, "ledger", &events.TradeOpenedData{PositionID: "pos-1"})
	manager.EmitTyped(events.TradeClosed, "ledger", &events.TradeClosedData{PositionID: "pos-1"})

	delivered, err := p.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, delivered)

	// The failed entry stays queued with an attempt recorded.
	pending, err := outbox.ListPending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, string(events.TradeClosed), pending[0].EventName)
	assert.Equal(t, 1, pending[0].Attempts)

	// Recovery resumes where delivery stalled.
	gateway.failAfter = 100
	delivered, err = p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestHTTPGateway_Publish(t *testing.T) {
	var gotPath, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	gateway := NewHTTPGateway(server.URL)
	err := gateway.Publish(context.Background(), "trade.closed", []byte{0x81})
	require.NoError(t, err)
	assert.Equal(t, "/events/trade.closed", gotPath)
	assert.Equal(t, "application/msgpack", gotContentType)
}

func TestHTTPGateway_PublishServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	gateway := NewHTTPGateway(server.URL)
	err := gateway.Publish(context.Background(), "trade.closed", []byte{0x81})
	assert.Error(t, err)
}
