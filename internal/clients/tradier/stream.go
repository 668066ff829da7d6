package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// EventHandler consumes one order event from the push stream
type EventHandler func(domain.BrokerOrderEvent) error

// OrderStream maintains a WebSocket session against the broker's
// account event stream and forwards order updates to the handler.
// Delivery is at-least-once; the consumer is idempotent, so replayed
// events after a reconnect are harmless.
type OrderStream struct {
	url      string
	token    string
	accounts []string
	handler  EventHandler
	log      zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool

	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// NewOrderStream creates a new order stream client
func NewOrderStream(url, token string, accounts []string, handler EventHandler, log zerolog.Logger) *OrderStream {
	return &OrderStream{
		url:      url,
		token:    token,
		accounts: accounts,
		handler:  handler,
		log:      log.With().Str("component", "order_stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start initializes the WebSocket connection and starts the read loop
func (s *OrderStream) Start() error {
	s.log.Info().Msg("Starting order stream client")

	if err := s.Connect(); err != nil {
		s.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readMessages(ctx)

	s.log.Info().Msg("Order stream client started successfully")
	return nil
}

// Stop gracefully shuts down the stream
func (s *OrderStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info().Msg("Stopping order stream client")
	close(s.stopChan)
	return s.Disconnect()
}

// Connect establishes the WebSocket session and subscribes to account events
func (s *OrderStream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info().Str("url", s.url).Msg("Connecting to broker order stream")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	if err := s.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		s.conn = nil
		s.connCtx = nil
		s.cancelFunc = nil
		s.connected = false
		return fmt.Errorf("failed to subscribe to account events: %w", err)
	}

	s.log.Info().Int("accounts", len(s.accounts)).Msg("Successfully connected to order stream")
	return nil
}

// Disconnect closes the WebSocket connection
func (s *OrderStream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}

	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.connected = false

	if err != nil {
		return fmt.Errorf("error closing WebSocket: %w", err)
	}
	return nil
}

// subscribe sends the session request for account order events
func (s *OrderStream) subscribe(ctx context.Context) error {
	request := map[string]interface{}{
		"events":     []string{"order"},
		"sessionid":  s.token,
		"account-id": strings.Join(s.accounts, ","),
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription request: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription request: %w", err)
	}
	return nil
}

// readMessages continuously reads messages from the stream
func (s *OrderStream) readMessages(ctx context.Context) {
	defer func() {
		s.log.Info().Msg("Read loop stopped")
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			s.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			s.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("WebSocket closed normally")
			} else if ctx.Err() != nil {
				s.log.Debug().Msg("Read cancelled by context")
			} else {
				s.log.Error().Err(err).Msg("Unexpected WebSocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			s.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		if err := s.handleMessage(message); err != nil {
			s.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle stream message")
			// Continue reading despite handler errors
		}
	}
}

// streamMessage is the broker's push frame for order updates
type streamMessage struct {
	Event        string  `json:"event"`
	ID           string  `json:"id"`
	AccountID    string  `json:"account"`
	Status       string  `json:"status"`
	ExecQuantity float64 `json:"exec_quantity"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	Reason       string  `json:"reason_description"`
}

// handleMessage parses one frame and forwards order updates
func (s *OrderStream) handleMessage(message []byte) error {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to parse stream message: %w", err)
	}

	if msg.Event != "order" {
		s.log.Debug().Str("event", msg.Event).Msg("Ignoring non-order message")
		return nil
	}

	eventType, ok := streamEventType(msg.Status)
	if !ok {
		// Intermediate statuses (open, pending) carry no fill data
		return nil
	}

	return s.handler(domain.BrokerOrderEvent{
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		BrokerOrderID: msg.ID,
		AccountID:     msg.AccountID,
		FilledQty:     int(msg.ExecQuantity),
		AvgPrice:      msg.AvgFillPrice,
		Reason:        msg.Reason,
	})
}

// streamEventType maps a pushed order status to an event type
func streamEventType(status string) (domain.BrokerEventType, bool) {
	switch strings.ToLower(status) {
	case "filled":
		return domain.BrokerEventOrderFilled, true
	case "partially_filled":
		return domain.BrokerEventOrderPartial, true
	case "canceled", "cancelled", "expired":
		return domain.BrokerEventOrderCancelled, true
	case "rejected", "error":
		return domain.BrokerEventOrderRejected, true
	default:
		return "", false
	}
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (s *OrderStream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			s.log.Info().Msg("Reconnection loop stopped")
			return
		default:
		}

		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			s.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting to reconnect to order stream")
		} else {
			s.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.Connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		s.log.Info().Int("attempt", attempt).Msg("Successfully reconnected to order stream")

		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(ctx)
		return
	}
}

// calculateBackoff calculates exponential backoff delay
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// IsConnected returns current connection status
func (s *OrderStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
