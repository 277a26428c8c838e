package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

const defaultActivityWSURL = "wss://ws-live-data.polymarket.com"

// ActivityHandler is called with the wallet of a followed trader whenever
// the live feed shows a trade by them
type ActivityHandler func(wallet string)

// ActivityStream watches the live trades feed and nudges the trade monitor
// when a followed wallet trades. It never produces trades itself; the Data
// API stays the source of truth.
type ActivityStream struct {
	url     string
	onTrade ActivityHandler

	connMu sync.Mutex
	conn   *websocket.Conn

	followed map[string]bool

	statsMu sync.RWMutex
	seen    int64
	matched int64
}

// NewActivityStream creates a stream for the given wallets
func NewActivityStream(url string, wallets []string, onTrade ActivityHandler) *ActivityStream {
	if url == "" {
		url = defaultActivityWSURL
	}
	followed := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		followed[strings.ToLower(w)] = true
	}
	return &ActivityStream{
		url:      url,
		onTrade:  onTrade,
		followed: followed,
	}
}

type activityEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type activityPayload struct {
	ProxyWallet string `json:"proxyWallet"`
	Asset       string `json:"asset"`
	Side        string `json:"side"`
}

// Run connects and reads until ctx is cancelled, reconnecting on errors
func (s *ActivityStream) Run(ctx context.Context) {
	for {
		if err := s.connect(ctx); err != nil {
			logs.Errorf("[ActivityWS] connect failed: %v", err)
		} else {
			s.readLoop(ctx)
		}

		select {
		case <-ctx.Done():
			s.close()
			logs.Info("[ActivityWS] Stopped")
			return
		case <-time.After(2 * time.Second):
			logs.Info("[ActivityWS] Reconnecting...")
		}
	}
}

func (s *ActivityStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	sub := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "activity", "type": "trades"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	logs.Infof("[ActivityWS] Connected, watching %d wallets", len(s.followed))
	return nil
}

func (s *ActivityStream) readLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-done:
		}
	}()

	for {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Errorf("[ActivityWS] Read error: %v", err)
			}
			s.close()
			return
		}
		s.handleMessage(msg)
	}
}

func (s *ActivityStream) handleMessage(msg []byte) {
	var env activityEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Topic != "activity" {
		return
	}

	var p activityPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	s.statsMu.Lock()
	s.seen++
	wallet := strings.ToLower(p.ProxyWallet)
	hit := s.followed[wallet]
	if hit {
		s.matched++
	}
	s.statsMu.Unlock()

	if hit && s.onTrade != nil {
		s.onTrade(wallet)
	}
}

func (s *ActivityStream) close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Stats returns the number of feed trades seen and matched
func (s *ActivityStream) Stats() (seen, matched int64) {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.seen, s.matched
}
