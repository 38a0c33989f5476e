// Package payment is the push-payout rail used to send winnings off-platform.
package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

// ErrNotConfigured is returned by a rail that has no credentials.
var ErrNotConfigured = errors.New("payout rail not configured")

// PayoutRequest asks the rail to push AmountCents to Destination.
// IdempotencyKey is stable per match so a resumed settlement never pays twice.
type PayoutRequest struct {
	Destination    string
	AmountCents    int64
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// PayoutResponse represents the rail's answer
type PayoutResponse struct {
	Status          string `json:"status"`
	StatusCode      string `json:"status_code"`
	TransactionID   string `json:"transaction_id"`
	SPTransactionID string `json:"sp_transaction_id"`
	Message         string `json:"message"`
}

// Success reports whether the rail accepted the payout.
func (r *PayoutResponse) Success() bool {
	if r == nil || r.TransactionID == "" {
		return false
	}
	switch strings.ToLower(r.Status) {
	case "failed", "rejected", "error":
		return false
	}
	return true
}

// Rail pushes money out of the platform.
type Rail interface {
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error)
}

// Unconfigured always fails, sending every settlement down the ledger-credit path.
type Unconfigured struct{}

func (Unconfigured) Payout(context.Context, PayoutRequest) (*PayoutResponse, error) {
	return nil, ErrNotConfigured
}

// Client handles DMarkPay API integration
type Client struct {
	baseURL    string
	tokenURL   string
	username   string
	password   string
	wallet     string
	rdb        *redis.Client
	httpClient *http.Client
	cacheKey   string
	log        *zap.Logger
}

var _ Rail = (*Client)(nil)

// NewClient creates a DMarkPay client. Returns nil if not configured.
func NewClient(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Client {
	if cfg == nil || cfg.PayoutBaseURL == "" || cfg.PayoutUsername == "" || cfg.PayoutPassword == "" {
		return nil
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.PayoutBaseURL, "/"),
		tokenURL:   cfg.PayoutTokenURL,
		username:   cfg.PayoutUsername,
		password:   cfg.PayoutPassword,
		wallet:     cfg.PayoutWallet,
		rdb:        rdb,
		httpClient: &http.Client{Timeout: cfg.PayoutTimeout},
		cacheKey:   "payout_token:",
		log:        log.Named("payment"),
	}
}

func (c *Client) tokenCacheKey() string {
	return c.cacheKey + c.username[:min(8, len(c.username))]
}

// getAccessToken fetches or retrieves cached OAuth2 token
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	if c.rdb != nil {
		if token, err := c.rdb.Get(ctx, c.tokenCacheKey()).Result(); err == nil {
			return token, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.tokenURL, bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", errors.New("no access_token in response")
	}

	// Cache with 90% of expiry time
	if c.rdb != nil && tokenResp.ExpiresIn > 0 {
		ttl := time.Duration(float64(tokenResp.ExpiresIn)*0.9) * time.Second
		c.rdb.Set(ctx, c.tokenCacheKey(), tokenResp.AccessToken, ttl)
	}
	return tokenResp.AccessToken, nil
}

// Payout makes one payout attempt. Transient failures are returned to the
// caller, which falls back instead of retrying in-line.
func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("payout amount %d must be positive", req.AmountCents)
	}

	dest, err := NormalizePhoneNumber(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	method, err := paymentMethod(dest)
	if err != nil {
		return nil, err
	}

	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}

	wallet := c.wallet
	if wallet != "dmark" {
		wallet = "mtn"
		if dest.Network == "AIRTEL" {
			wallet = "airtel_oapi"
		}
	}

	payload := map[string]any{
		"wallet":            wallet,
		"payment_method":    method,
		"msisdn":            dest.NormalizedNumber,
		"description":       req.Description,
		"amount":            formatAmount(req.AmountCents),
		"sp_transaction_id": req.IdempotencyKey,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/accounts/%s/transactions/payout/", c.baseURL, c.wallet)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	c.log.Info("initiating payout",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("amount_cents", req.AmountCents),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payout request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden && c.rdb != nil {
		c.rdb.Del(ctx, c.tokenCacheKey())
	}

	var out PayoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &out, fmt.Errorf("payout failed: %d - %s", resp.StatusCode, out.Message)
	}
	if !out.Success() {
		return &out, fmt.Errorf("payout not accepted: status=%s message=%s", out.Status, out.Message)
	}

	c.log.Info("payout accepted",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("reference", out.TransactionID),
	)
	return &out, nil
}
