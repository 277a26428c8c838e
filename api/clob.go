package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"polymarket-copytrader/models"
)

const (
	ctfExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
	tickSize           = 0.01
)

// ClobClient handles CLOB API interactions for trading
type ClobClient struct {
	http          *resty.Client
	auth          *Auth
	chainID       int64
	funder        common.Address
	signatureType int // 0=EOA, 1=Magic/Email, 2=Browser proxy

	credsMu  sync.Mutex
	apiCreds *APICreds

	negRiskMu sync.Mutex
	negRisk   map[string]bool
}

// NewClobClient creates a new CLOB API client
func NewClobClient(baseURL string, auth *Auth, timeout time.Duration) *ClobClient {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")

	c := &ClobClient{
		http:    client,
		auth:    auth,
		chainID: 137,
		negRisk: make(map[string]bool),
	}
	if auth != nil {
		c.chainID = auth.chainID
		c.funder = auth.GetAddress()
	}
	return c
}

// SetFunder sets the funder address for proxy wallets.
// The funder is the profile address where USDC is held.
func (c *ClobClient) SetFunder(funderAddress string) {
	c.funder = common.HexToAddress(funderAddress)
}

// SetSignatureType sets the signature type (0=EOA, 1=Magic/Email, 2=Browser proxy)
func (c *ClobClient) SetSignatureType(sigType int) {
	c.signatureType = sigType
}

// Funder returns the address orders are made from
func (c *ClobClient) Funder() common.Address {
	return c.funder
}

// DeriveAPICreds creates new API credentials, falling back to deriving the
// existing ones.
func (c *ClobClient) DeriveAPICreds(ctx context.Context) (*APICreds, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()

	creds, err := c.requestCreds(ctx, "POST", "/auth/api-key")
	if err == nil {
		c.apiCreds = creds
		logs.Info("[CLOB] Created new API credentials")
		return creds, nil
	}

	logs.Infof("[CLOB] Creating creds failed (%v), trying to derive existing", err)
	creds, err = c.requestCreds(ctx, "GET", "/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("failed to derive API creds: %w", err)
	}
	c.apiCreds = creds
	return creds, nil
}

func (c *ClobClient) requestCreds(ctx context.Context, method, path string) (*APICreds, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no signing key configured")
	}
	headers, err := c.auth.SignRequest()
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%s %s failed: %d %s", method, path, resp.StatusCode(), resp.String())
	}

	var creds APICreds
	if err := json.Unmarshal(resp.Body(), &creds); err != nil {
		return nil, fmt.Errorf("failed to decode API creds: %w", err)
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%s %s returned empty credentials", method, path)
	}
	return &creds, nil
}

func (c *ClobClient) ensureCreds(ctx context.Context) (*APICreds, error) {
	c.credsMu.Lock()
	creds := c.apiCreds
	c.credsMu.Unlock()
	if creds != nil {
		return creds, nil
	}
	return c.DeriveAPICreds(ctx)
}

// GetOrderBook fetches the order book for a token
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		Get("/book")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("get order book failed: %d %s", resp.StatusCode(), resp.String())
	}

	var book OrderBook
	if err := json.Unmarshal(resp.Body(), &book); err != nil {
		return nil, fmt.Errorf("failed to decode order book: %w", err)
	}
	return &book, nil
}

// IsNegRisk reports whether a token trades on the neg-risk exchange.
// Results are cached per token.
func (c *ClobClient) IsNegRisk(ctx context.Context, tokenID string) (bool, error) {
	c.negRiskMu.Lock()
	v, ok := c.negRisk[tokenID]
	c.negRiskMu.Unlock()
	if ok {
		return v, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		Get("/neg-risk")
	if err != nil {
		return false, err
	}
	if resp.StatusCode() != 200 {
		return false, fmt.Errorf("get neg risk failed: %d %s", resp.StatusCode(), resp.String())
	}

	var out struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return false, fmt.Errorf("failed to decode neg risk: %w", err)
	}

	c.negRiskMu.Lock()
	c.negRisk[tokenID] = out.NegRisk
	c.negRiskMu.Unlock()
	return out.NegRisk, nil
}

// SubmitFillOrKill signs and posts a FOK order at price. amount is USD for
// BUY and tokens for SELL.
func (c *ClobClient) SubmitFillOrKill(ctx context.Context, side models.Side, tokenID string, amount, price float64) (*OrderResponse, error) {
	if _, err := c.ensureCreds(ctx); err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	negRisk, err := c.IsNegRisk(ctx, tokenID)
	if err != nil {
		logs.Errorf("[CLOB] neg risk lookup for %s failed, assuming standard exchange: %v", tokenID, err)
	}

	order, err := c.createSignedOrder(tokenID, side, amount, price, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed order: %w", err)
	}

	resp, err := c.postOrder(ctx, order, OrderTypeFOK)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, ClassifyRejection(resp.ErrorMsg)
	}

	logs.Infof("[CLOB] FOK %s filled: order=%s status=%s amount=%.4f price=%.4f",
		side, resp.OrderID, resp.Status, amount, price)
	return resp, nil
}

// GetBalanceAllowance returns the collateral balance and allowance of the funder
func (c *ClobClient) GetBalanceAllowance(ctx context.Context) (*BalanceAllowance, error) {
	creds, err := c.ensureCreds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	const path = "/balance-allowance"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.l2Headers(creds, "GET", path, "")).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(c.signatureType),
		}).
		Get(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("get balance allowance failed: %d %s", resp.StatusCode(), resp.String())
	}

	var result BalanceAllowance
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to decode balance allowance: %w", err)
	}
	return &result, nil
}

// GetUSDCBalance returns the funder's USDC balance in dollars
func (c *ClobClient) GetUSDCBalance(ctx context.Context) (float64, error) {
	ba, err := c.GetBalanceAllowance(ctx)
	if err != nil {
		return 0, err
	}
	units, err := decimal.NewFromString(ba.Balance)
	if err != nil {
		return 0, fmt.Errorf("failed to parse balance %q: %w", ba.Balance, err)
	}
	return units.Shift(-6).InexactFloat64(), nil
}

// orderAmounts converts an order into 6-decimal maker/taker amounts with FOK
// precision: the maker side carries 2 decimals and the taker side 4.
func orderAmounts(side models.Side, amount, price float64) (maker, taker *big.Int, err error) {
	p := decimal.NewFromFloat(price).Round(2)
	if !p.IsPositive() {
		return nil, nil, fmt.Errorf("invalid price %.4f", price)
	}

	var makerAmt, takerAmt decimal.Decimal
	if side == models.SideBuy {
		makerAmt = decimal.NewFromFloat(amount).RoundDown(2) // USDC given
		takerAmt = makerAmt.Div(p).RoundDown(4)              // tokens received
	} else {
		makerAmt = decimal.NewFromFloat(amount).RoundDown(2) // tokens given
		takerAmt = makerAmt.Mul(p).RoundDown(4)              // USDC received
	}
	if !makerAmt.IsPositive() || !takerAmt.IsPositive() {
		return nil, nil, fmt.Errorf("order too small: amount=%.6f price=%.4f", amount, price)
	}
	return makerAmt.Shift(6).BigInt(), takerAmt.Shift(6).BigInt(), nil
}

func (c *ClobClient) createSignedOrder(tokenID string, side models.Side, amount, price float64, negRisk bool) (*Order, error) {
	price = float64(int(price/tickSize+0.5)) * tickSize

	makerAmount, takerAmount, err := orderAmounts(side, amount, price)
	if err != nil {
		return nil, err
	}

	sideInt := 0
	if side == models.SideSell {
		sideInt = 1
	}

	// Proxy wallets: maker = funder (where funds are), signer = key wallet
	order := &Order{
		Salt:          generateSalt(),
		Maker:         c.funder.Hex(),
		Signer:        c.auth.GetAddress().Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(side),
		SignatureType: c.signatureType,
		SideInt:       sideInt,
	}

	signature, err := c.signOrder(order, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	order.Signature = signature
	return order, nil
}

func (c *ClobClient) signOrder(order *Order, negRisk bool) (string, error) {
	verifyingContract := ctfExchange
	if negRisk {
		verifyingContract = negRiskCTFExchange
	}

	bigOf := func(s string) *big.Int {
		n := new(big.Int)
		n.SetString(s, 10)
		return n
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(c.chainID),
			VerifyingContract: verifyingContract,
		},
		Message: map[string]interface{}{
			"salt":          big.NewInt(order.Salt),
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       bigOf(order.TokenID),
			"makerAmount":   bigOf(order.MakerAmount),
			"takerAmount":   bigOf(order.TakerAmount),
			"expiration":    bigOf(order.Expiration),
			"nonce":         bigOf(order.Nonce),
			"feeRateBps":    bigOf(order.FeeRateBps),
			"side":          big.NewInt(int64(order.SideInt)),
			"signatureType": big.NewInt(int64(order.SignatureType)),
		},
	}

	return c.auth.signTypedData(typedData)
}

// postOrder returns an *ExchangeError when the exchange rejects the order
// with a readable message.
func (c *ClobClient) postOrder(ctx context.Context, order *Order, orderType OrderType) (*OrderResponse, error) {
	creds, err := c.ensureCreds(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(OrderRequest{
		Order:     *order,
		Owner:     creds.APIKey,
		OrderType: orderType,
	})
	if err != nil {
		return nil, err
	}

	const path = "/order"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.l2Headers(creds, "POST", path, string(body))).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() != 200 {
		var rejected struct {
			Error    string `json:"error"`
			ErrorMsg string `json:"errorMsg"`
		}
		msg := resp.String()
		if json.Unmarshal(resp.Body(), &rejected) == nil {
			if rejected.Error != "" {
				msg = rejected.Error
			} else if rejected.ErrorMsg != "" {
				msg = rejected.ErrorMsg
			}
		}
		return nil, ClassifyRejection(fmt.Sprintf("%d %s", resp.StatusCode(), msg))
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(resp.Body(), &orderResp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &orderResp, nil
}

// l2Headers signs timestamp + method + path + body with the API secret
func (c *ClobClient) l2Headers(creds *APICreds, method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		"POLY_ADDRESS":    c.auth.GetAddress().Hex(),
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.APIPassphrase,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_SIGNATURE":  hmacSign(timestamp+method+path+body, creds.APISecret),
	}
}

func hmacSign(message string, secret string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func generateSalt() int64 {
	return time.Now().UnixNano() % 1000000000
}
