package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"polymarket-copytrader/models"
)

// Ensure the mock implements Exchange
var _ Exchange = (*MockExchange)(nil)

// SubmitCall records a call to SubmitFillOrKill
type SubmitCall struct {
	Side    models.Side
	AssetID string
	Amount  float64
	Price   float64
}

// MockExchange is an in-memory Exchange for testing
type MockExchange struct {
	mu sync.RWMutex

	// Books holds a sequence of books per asset. Each GetOrderBook call
	// consumes one entry; the last entry is repeated.
	Books map[string][]*OrderBook

	// SubmitResults is consumed in order by SubmitFillOrKill; a nil entry
	// (or an exhausted queue) means the order filled.
	SubmitResults []error

	Balance   float64
	Positions map[string][]models.Position

	// Call tracking
	Calls       map[string]int
	SubmitCalls []SubmitCall

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockExchange creates a new mock exchange
func NewMockExchange() *MockExchange {
	return &MockExchange{
		Books:       make(map[string][]*OrderBook),
		Positions:   make(map[string][]models.Position),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockExchange) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// SetBooks replaces the book sequence for an asset
func (m *MockExchange) SetBooks(assetID string, books ...*OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Books[assetID] = books
}

// SetPositions replaces the positions reported for an account
func (m *MockExchange) SetPositions(account string, positions ...models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions[strings.ToLower(account)] = positions
}

// GetOrderBook implements Exchange
func (m *MockExchange) GetOrderBook(ctx context.Context, assetID string) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	seq := m.Books[assetID]
	if len(seq) == 0 {
		return nil, fmt.Errorf("404 no orderbook exists for token %s", assetID)
	}
	book := seq[0]
	if len(seq) > 1 {
		m.Books[assetID] = seq[1:]
	}
	return book, nil
}

// SubmitFillOrKill implements Exchange
func (m *MockExchange) SubmitFillOrKill(ctx context.Context, side models.Side, assetID string, amount, price float64) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SubmitCalls = append(m.SubmitCalls, SubmitCall{Side: side, AssetID: assetID, Amount: amount, Price: price})
	if err := m.trackCall("SubmitFillOrKill"); err != nil {
		return nil, err
	}

	if len(m.SubmitResults) > 0 {
		err := m.SubmitResults[0]
		m.SubmitResults = m.SubmitResults[1:]
		if err != nil {
			return &OrderResponse{Success: false, ErrorMsg: err.Error()}, err
		}
	}

	return &OrderResponse{
		Success: true,
		OrderID: fmt.Sprintf("mock-order-%d", len(m.SubmitCalls)),
		Status:  "matched",
	}, nil
}

// GetAccountBalance implements Exchange
func (m *MockExchange) GetAccountBalance(ctx context.Context, account string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackCall("GetAccountBalance"); err != nil {
		return 0, err
	}
	return m.Balance, nil
}

// GetAccountPositions implements Exchange
func (m *MockExchange) GetAccountPositions(ctx context.Context, account string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trackCall("GetAccountPositions"); err != nil {
		return nil, err
	}
	positions := m.Positions[strings.ToLower(account)]
	out := make([]models.Position, len(positions))
	copy(out, positions)
	return out, nil
}

// SubmitCount returns the number of orders submitted
func (m *MockExchange) SubmitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SubmitCalls)
}
