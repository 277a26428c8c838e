package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/models"
)

// DataClient reads positions and activity from the public Data API
type DataClient struct {
	client *resty.Client
}

// NewDataClient creates a Data API client
func NewDataClient(baseURL string, timeout time.Duration) *DataClient {
	if baseURL == "" {
		baseURL = "https://data-api.polymarket.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(250 * time.Millisecond)
	client.SetHeader("Accept", "application/json")

	return &DataClient{client: client}
}

// Activity is one row of the /activity endpoint
type Activity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"`
	ConditionID     string  `json:"conditionId"`
	Type            string  `json:"type"`
	Size            float64 `json:"size"`
	UsdcSize        float64 `json:"usdcSize"`
	TransactionHash string  `json:"transactionHash"`
	Price           float64 `json:"price"`
	Asset           string  `json:"asset"`
	Side            string  `json:"side"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	Outcome         string  `json:"outcome"`
}

// TradeID identifies an activity row. A transaction can touch several
// assets, so the hash alone is not unique.
func (a Activity) TradeID() string {
	return strings.ToLower(a.TransactionHash) + ":" + a.Asset + ":" + strings.ToUpper(a.Side)
}

// ToSourceTrade converts the row into the engine's trade model
func (a Activity) ToSourceTrade(observedAt time.Time) models.SourceTrade {
	return models.SourceTrade{
		ID:              a.TradeID(),
		SourceAccount:   strings.ToLower(a.ProxyWallet),
		ConditionID:     a.ConditionID,
		AssetID:         a.Asset,
		Type:            models.TradeType(strings.ToUpper(a.Type)),
		Side:            models.ParseSide(a.Side),
		UsdSize:         a.UsdcSize,
		Price:           a.Price,
		TokenSize:       a.Size,
		Outcome:         a.Outcome,
		Title:           a.Title,
		TransactionHash: a.TransactionHash,
		Timestamp:       time.Unix(a.Timestamp, 0).UTC(),
		ObservedAt:      observedAt,
	}
}

// GetPositions returns the open positions of user
func (d *DataClient) GetPositions(ctx context.Context, user string) ([]models.Position, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":          user,
			"sizeThreshold": "0",
		}).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions for %s: %w", user, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("positions API error %d: %s", resp.StatusCode(), resp.String())
	}

	var positions []models.Position
	if err := json.Unmarshal(resp.Body(), &positions); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}
	return positions, nil
}

// GetActivity returns the most recent activity rows of user, newest first
func (d *DataClient) GetActivity(ctx context.Context, user string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":  user,
			"limit": strconv.Itoa(limit),
		}).
		Get("/activity")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch activity for %s: %w", user, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("activity API error %d: %s", resp.StatusCode(), resp.String())
	}

	var rows []Activity
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	return rows, nil
}

// Client joins the CLOB trading client and the Data API into an Exchange
type Client struct {
	Clob *ClobClient
	Data *DataClient
}

var _ Exchange = (*Client)(nil)

// GetOrderBook implements Exchange
func (c *Client) GetOrderBook(ctx context.Context, assetID string) (*OrderBook, error) {
	return c.Clob.GetOrderBook(ctx, assetID)
}

// SubmitFillOrKill implements Exchange
func (c *Client) SubmitFillOrKill(ctx context.Context, side models.Side, assetID string, amount, price float64) (*OrderResponse, error) {
	return c.Clob.SubmitFillOrKill(ctx, side, assetID, amount, price)
}

// GetAccountBalance returns the USDC balance of the trading funder. The
// CLOB only reports balances for the authenticated wallet.
func (c *Client) GetAccountBalance(ctx context.Context, account string) (float64, error) {
	if account != "" && !strings.EqualFold(account, c.Clob.Funder().Hex()) {
		return 0, fmt.Errorf("balance is only available for the funder %s, not %s", c.Clob.Funder().Hex(), account)
	}
	return c.Clob.GetUSDCBalance(ctx)
}

// GetAccountPositions implements Exchange
func (c *Client) GetAccountPositions(ctx context.Context, account string) ([]models.Position, error) {
	return c.Data.GetPositions(ctx, account)
}
