package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tradecore/internal/core"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Publisher is what the stream publishes decoded events through; both the bus
// and the coalescing proxy satisfy it.
type Publisher interface {
	Publish(ev *core.Event) bool
}

// quoteMessage is the wire format of one tick frame.
type quoteMessage struct {
	Symbol   string          `json:"symbol"`
	Last     decimal.Decimal `json:"last"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Volume   decimal.Decimal `json:"volume"`
	Turnover decimal.Decimal `json:"turnover"`
	Ts       int64           `json:"ts"` // epoch milliseconds
}

// QuoteStream is a resilient websocket market data client. It reconnects with
// capped exponential backoff, resubscribes the active symbol set after every
// reconnect, and publishes each frame as a market.tick event.
type QuoteStream struct {
	url     string
	pub     Publisher
	tracker *StateTracker
	logger  core.ILogger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQuoteStream creates a stopped stream.
func NewQuoteStream(url string, pub Publisher, tracker *StateTracker, logger core.ILogger) *QuoteStream {
	return &QuoteStream{
		url:     url,
		pub:     pub,
		tracker: tracker,
		logger:  logger.WithField("component", "quote_stream"),
		symbols: make(map[string]struct{}),
	}
}

// Start launches the connect/read loop.
func (s *QuoteStream) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.runLoop()
}

// Stop closes the connection and waits for the loop to exit.
func (s *QuoteStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.wg.Wait()
	s.tracker.Set(core.ConnDisconnected)
}

// Subscribe adds symbols to the active set and, when connected, sends the
// subscription frame immediately.
func (s *QuoteStream) Subscribe(symbols []string) error {
	s.mu.Lock()
	for _, sym := range symbols {
		s.symbols[sym] = struct{}{}
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil // sent on next reconnect
	}
	return s.sendSubscribe(conn, symbols, true)
}

// Unsubscribe removes symbols from the active set.
func (s *QuoteStream) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.symbols, sym)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.sendSubscribe(conn, symbols, false)
}

func (s *QuoteStream) runLoop() {
	defer s.wg.Done()

	backoff := newReconnectBackoff(time.Second, 30*time.Second)
	first := true

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if first {
			s.tracker.Set(core.ConnConnecting)
			first = false
		} else {
			s.tracker.Set(core.ConnReconnecting)
		}

		if err := s.connect(); err != nil {
			s.logger.Error("Quote stream connect failed", "url", s.url, "error", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff.delay()):
			}
			continue
		}

		s.tracker.Set(core.ConnConnected)
		started := time.Now()
		s.readLoop()

		// A connection that held for a while resets the backoff ladder.
		if time.Since(started) > time.Minute {
			backoff.reset()
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff.delay()):
		}
	}
}

func (s *QuoteStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	resub := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		resub = append(resub, sym)
	}
	s.mu.Unlock()

	if len(resub) > 0 {
		if err := s.sendSubscribe(conn, resub, true); err != nil {
			s.logger.Error("Resubscribe after reconnect failed", "error", err)
		}
	}
	return nil
}

func (s *QuoteStream) sendSubscribe(conn *websocket.Conn, symbols []string, subscribe bool) error {
	op := "subscribe"
	if !subscribe {
		op = "unsubscribe"
	}
	frame := map[string]interface{}{"op": op, "symbols": symbols}
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteJSON(frame)
}

func (s *QuoteStream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *QuoteStream) readLoop() {
	defer s.closeConn()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.logger.Warn("Quote stream read failed", "error", err)
			return
		}
		s.handleFrame(message)
	}
}

func (s *QuoteStream) handleFrame(message []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn("Discarding malformed quote frame", "error", err)
		return
	}
	if msg.Symbol == "" {
		return
	}

	ev := &core.Event{
		Type:      core.EventMarketTick,
		Source:    "quote_stream",
		Priority:  core.PriorityDefault,
		Timestamp: time.UnixMilli(msg.Ts),
		TraceID:   "md-" + msg.Symbol,
		Payload: map[string]interface{}{
			"symbol":   msg.Symbol,
			"price":    msg.Last.InexactFloat64(),
			"bid":      msg.Bid.InexactFloat64(),
			"ask":      msg.Ask.InexactFloat64(),
			"volume":   msg.Volume.InexactFloat64(),
			"turnover": msg.Turnover.InexactFloat64(),
			"tick": &core.Tick{
				Symbol:   msg.Symbol,
				Last:     msg.Last,
				Bid:      msg.Bid,
				Ask:      msg.Ask,
				Volume:   msg.Volume,
				Turnover: msg.Turnover,
				Time:     time.UnixMilli(msg.Ts),
			},
		},
	}
	if !s.pub.Publish(ev) {
		s.logger.Debug("Tick dropped by bus", "symbol", msg.Symbol)
	}
}
