package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/events"
)

// feedEventTypes are the bus events forwarded to the feed gateway
var feedEventTypes = []events.EventType{
	events.TradeOpened,
	events.TradeClosed,
	events.CopySuggested,
	events.CopyExecuted,
	events.CopyFailed,
}

// envelope is the wire shape of one feed notification
type envelope struct {
	Event     string                 `msgpack:"event"`
	Timestamp time.Time              `msgpack:"timestamp"`
	Data      map[string]interface{} `msgpack:"data"`
}

// Publisher captures bus events into the outbox and flushes them to
// the gateway. Capture and delivery are decoupled: a gateway outage
// never loses a notification, the outbox just grows until the next
// successful flush.
type Publisher struct {
	outbox  *OutboxRepository
	gateway domain.FeedGateway
	log     zerolog.Logger
}

// NewPublisher creates a new feed publisher. gateway may be nil, in
// which case events accumulate in the outbox until one is configured.
func NewPublisher(outbox *OutboxRepository, gateway domain.FeedGateway, log zerolog.Logger) *Publisher {
	return &Publisher{
		outbox:  outbox,
		gateway: gateway,
		log:     log.With().Str("service", "feed").Logger(),
	}
}

// Start subscribes the publisher to all feed-worthy bus events
func (p *Publisher) Start(bus *events.Bus) {
	for _, eventType := range feedEventTypes {
		eventType := eventType
		bus.Subscribe(eventType, func(e *events.Event) {
			p.capture(string(eventType), e)
		})
	}
}

func (p *Publisher) capture(eventName string, e *events.Event) {
	payload, err := msgpack.Marshal(envelope{
		Event:     eventName,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if err != nil {
		p.log.Error().Err(err).Str("event", eventName).Msg("Failed to encode feed event")
		return
	}

	if err := p.outbox.Enqueue(eventName, payload); err != nil {
		p.log.Error().Err(err).Str("event", eventName).Msg("Failed to enqueue feed event")
	}
}

// Flush delivers pending outbox entries in order. Delivery stops at the
// first failure so ordering is preserved for the next run.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	if p.gateway == nil {
		return 0, nil
	}

	pending, err := p.outbox.ListPending(100)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range pending {
		if err := p.gateway.Publish(ctx, entry.EventName, entry.Payload); err != nil {
			if markErr := p.outbox.MarkAttempted(entry.ID); markErr != nil {
				p.log.Error().Err(markErr).Int64("id", entry.ID).Msg("Failed to record delivery attempt")
			}
			return delivered, fmt.Errorf("feed delivery stalled at entry %d: %w", entry.ID, err)
		}
		if err := p.outbox.MarkDelivered(entry.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	if delivered > 0 {
		p.log.Debug().Int("delivered", delivered).Msg("Feed outbox flushed")
	}
	return delivered, nil
}

// HTTPGateway delivers notifications to the feed gateway over HTTP
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

var _ domain.FeedGateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway client for the given base URL
func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish posts one msgpack-encoded notification
func (g *HTTPGateway) Publish(ctx context.Context, eventName string, payload any) error {
	body, ok := payload.([]byte)
	if !ok {
		encoded, err := msgpack.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode feed payload: %w", err)
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/events/"+eventName, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/msgpack")

	resp, err := g.client.Do(req)
	if err != nil {
		return &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feed gateway returned status %d", resp.StatusCode)
	}
	return nil
}
