package api

import (
	"context"
	"strconv"

	"polymarket-copytrader/models"
)

// Exchange is everything the copy engine needs from the exchange
type Exchange interface {
	GetOrderBook(ctx context.Context, assetID string) (*OrderBook, error)
	// SubmitFillOrKill places a FOK order. amount is USD for BUY and tokens
	// for SELL. Rejections are returned as *ExchangeError.
	SubmitFillOrKill(ctx context.Context, side models.Side, assetID string, amount, price float64) (*OrderResponse, error)
	GetAccountBalance(ctx context.Context, account string) (float64, error)
	GetAccountPositions(ctx context.Context, account string) ([]models.Position, error)
}

// OrderBook represents the order book for a token
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Level is a parsed price level
type Level struct {
	Price float64
	Size  float64
}

// BestAsk returns the lowest ask. Levels are not assumed to be sorted.
func (b *OrderBook) BestAsk() (Level, bool) {
	return bestLevel(b.Asks, func(candidate, best float64) bool { return candidate < best })
}

// BestBid returns the highest bid
func (b *OrderBook) BestBid() (Level, bool) {
	return bestLevel(b.Bids, func(candidate, best float64) bool { return candidate > best })
}

func bestLevel(levels []OrderBookLevel, better func(candidate, best float64) bool) (Level, bool) {
	var best Level
	found := false
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || size <= 0 {
			continue
		}
		if !found || better(price, best.Price) {
			best = Level{Price: price, Size: size}
			found = true
		}
	}
	return best, found
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled
)

// APICreds holds API credentials for CLOB
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	SideInt       int    `json:"-"` // EIP-712 encoding of Side
}

// OrderRequest is the payload for placing an order
type OrderRequest struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the response from placing an order
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"` // matched, live, delayed, unmatched
}

// BalanceAllowance is the /balance-allowance payload. Amounts are 6-decimal
// base units.
type BalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}
