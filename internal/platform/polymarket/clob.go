// Package polymarket implements REST and WebSocket clients for the
// Polymarket CLOB API.
package polymarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/fletchtrade/fletcher/internal/crypto"
	"github.com/fletchtrade/fletcher/internal/domain"
)

const (
	// usdcScale is the fixed-point scale for CLOB amounts (6 decimals).
	usdcScale = 1e6

	// Marketable limit prices used when the caller requests a market order.
	marketBuyPrice  = 0.99
	marketSellPrice = 0.01

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order placement, cancellation, and collateral
// balance queries.
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	signer        *crypto.Signer
	hmacAuth      *crypto.HMACAuth
	funder        string // maker address (proxy wallet); falls back to signer address
	signatureType int
}

// NewClobClient creates a CLOB REST client.
//
// baseURL is the API root, e.g. "https://clob.polymarket.com". funder is the
// proxy wallet holding collateral; pass "" to trade from the signer address.
func NewClobClient(baseURL string, signer *crypto.Signer, funder string, signatureType int) *ClobClient {
	if funder == "" && signer != nil {
		funder = signer.Address().Hex()
	}
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:        signer,
		funder:        funder,
		signatureType: signatureType,
	}
}

// SetCredentials installs previously derived API credentials, skipping the
// DeriveAPIKey round trip.
func (c *ClobClient) SetCredentials(auth *crypto.HMACAuth) {
	c.hmacAuth = auth
}

// DeriveAPIKey performs the CLOB auth flow to obtain HMAC API credentials.
// It signs a ClobAuth EIP-712 message and sends it with L1 headers; on
// success the credentials are installed on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: derive-api-key HTTP %d: %s", domain.ErrUnauthorized, resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// PostOrder signs and submits one order as an immediate-or-nothing taker
// order (FOK). It never retries; the caller decides what a failed leg means.
func (c *ClobClient) PostOrder(ctx context.Context, args OrderArgs) (APIOrderResult, error) {
	payload, err := c.buildPayload(args)
	if err != nil {
		return APIOrderResult{}, err
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          args.Side,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     c.apiKeyOwner(),
		"orderType": "FOK",
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return result, fmt.Errorf("%w: %s", domain.ErrInvalidOrder, result.ErrorMsg)
	}

	return result, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}

	return nil
}

// GetBalance returns the wallet's available USDC collateral in dollars.
func (c *ClobClient) GetBalance(ctx context.Context) (float64, error) {
	path := fmt.Sprintf("/balance-allowance?asset_type=COLLATERAL&signature_type=%d", c.signatureType)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: get balance: %w", err)
	}

	var ba BalanceAllowance
	if err := json.Unmarshal(respBody, &ba); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode balance: %w", err)
	}

	units, ok := new(big.Int).SetString(ba.Balance, 10)
	if !ok {
		return 0, fmt.Errorf("polymarket/clob: invalid balance %q", ba.Balance)
	}

	dollars, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(usdcScale)).Float64()
	return dollars, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildPayload converts dollar-denominated order arguments into the
// fixed-point EIP-712 payload the exchange contract verifies.
func (c *ClobClient) buildPayload(args OrderArgs) (crypto.OrderPayload, error) {
	if args.Size <= 0 {
		return crypto.OrderPayload{}, fmt.Errorf("%w: size %f", domain.ErrInvalidOrder, args.Size)
	}

	price := args.Price
	if price == 0 {
		// Marketable limit; FOK semantics make it behave as a market order.
		if args.Side == "BUY" {
			price = marketBuyPrice
		} else {
			price = marketSellPrice
		}
	}
	if price <= 0 || price >= 1 {
		return crypto.OrderPayload{}, fmt.Errorf("%w: price %f", domain.ErrInvalidOrder, args.Price)
	}

	tokens := big.NewInt(int64(math.Round(args.Size * usdcScale)))
	dollars := big.NewInt(int64(math.Round(args.Size * price * usdcScale)))

	var makerAmount, takerAmount *big.Int
	var side int
	switch args.Side {
	case "BUY":
		makerAmount, takerAmount = dollars, tokens
		side = 0
	case "SELL":
		makerAmount, takerAmount = tokens, dollars
		side = 1
	default:
		return crypto.OrderPayload{}, fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, args.Side)
	}

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return crypto.OrderPayload{}, fmt.Errorf("polymarket/clob: generating salt: %w", err)
	}

	return crypto.OrderPayload{
		Salt:          salt.String(),
		Maker:         c.funder,
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       args.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.signatureType,
	}, nil
}

// apiKeyOwner is the "owner" field of order submissions, which the CLOB
// expects to be the API key, not the wallet address.
func (c *ClobClient) apiKeyOwner() string {
	if c.hmacAuth != nil {
		return c.hmacAuth.Key
	}
	return ""
}

// doAuthenticatedRequest builds, HMAC-signs, sends, and reads an HTTP
// request against the CLOB API, returning the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		for k, v := range c.hmacAuth.L2Headers(address, method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx status codes to sentinel errors where one fits.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
