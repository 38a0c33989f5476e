// Package sms sends match notifications through the DMark SMS gateway.
package sms

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

var ErrRateLimited = errors.New("sms rate limited")

const maxAttempts = 3

// Client caches its access token and a per-phone rate limit in Redis when a
// client is given. Without Redis it fetches a token per message.
type Client struct {
	baseURL       string
	username      string
	password      string
	rdb           *redis.Client
	httpClient    *http.Client
	rateLimit     time.Duration
	tokenFallback time.Duration
	log           *zap.Logger
}

// NewClient returns nil when the gateway is not configured.
func NewClient(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Client {
	if cfg == nil || cfg.SMSServiceBaseURL == "" || cfg.SMSServiceUsername == "" || cfg.SMSServicePassword == "" {
		return nil
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.SMSServiceBaseURL, "/"),
		username:      cfg.SMSServiceUsername,
		password:      cfg.SMSServicePassword,
		rdb:           rdb,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		rateLimit:     time.Duration(cfg.SMSRateLimitSeconds) * time.Second,
		tokenFallback: time.Duration(cfg.SMSTokenFallbackSeconds) * time.Second,
		log:           log.Named("sms"),
	}
}

type sendRequest struct {
	Msg     string `json:"msg"`
	Numbers string `json:"numbers"`
	DLRURL  string `json:"dlr_url"`
	ScanIP  bool   `json:"scan_ip"`
}

type sendResponse struct {
	MsgID     string `json:"msg_id"`
	MessageID string `json:"message_id"`
}

// SendSMS returns the gateway message id when the gateway reports one.
// Gateway 5xx and transport errors are retried; 4xx are not.
func (c *Client) SendSMS(ctx context.Context, phone, message string) (string, error) {
	if c == nil {
		return "", errors.New("sms client not configured")
	}
	number := LocalNumber(phone)
	if number == "" {
		return "", fmt.Errorf("invalid phone %q", phone)
	}

	if c.rdb != nil && c.rateLimit > 0 {
		ok, err := c.rdb.SetNX(ctx, "sms_rate:"+number, "1", c.rateLimit).Result()
		if err == nil && !ok {
			return "", fmt.Errorf("%s: %w", number, ErrRateLimited)
		}
	}

	body, err := json.Marshal(sendRequest{Msg: message, Numbers: number})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(100+attempt*200) * time.Millisecond):
			}
		}

		token, err := c.accessToken(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		id, retry, err := c.send(ctx, token, body)
		if err == nil {
			c.log.Debug("sms sent", zap.String("number", number), zap.String("msg_id", id))
			return id, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return "", lastErr
}

func (c *Client) send(ctx context.Context, token string, body []byte) (id string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/api/send_sms/", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authToken", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed sendResponse
		_ = json.Unmarshal(raw, &parsed)
		if parsed.MsgID != "" {
			return parsed.MsgID, false, nil
		}
		return parsed.MessageID, false, nil
	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("sms gateway error %d: %s", resp.StatusCode, raw)
	default:
		return "", false, fmt.Errorf("sms send rejected %d: %s", resp.StatusCode, raw)
	}
}

func (c *Client) tokenKey() string {
	h := sha256.Sum256([]byte(c.username + ":" + c.password))
	return "sms_token:" + hex.EncodeToString(h[:])[:12]
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	key := c.tokenKey()
	if c.rdb != nil {
		if tok, err := c.rdb.Get(ctx, key).Result(); err == nil {
			return tok, nil
		}
	}

	body, _ := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/get_token/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms token request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sms token endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode sms token: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", errors.New("sms token missing from response")
	}

	if c.rdb != nil {
		c.rdb.Set(ctx, key, parsed.AccessToken, c.tokenTTL(parsed.AccessToken, time.Now()))
	}
	return parsed.AccessToken, nil
}

// tokenTTL caches for 90% of the token's remaining life, or the fallback
// when the token carries no readable expiry.
func (c *Client) tokenTTL(token string, now time.Time) time.Duration {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return c.tokenFallback
	}
	left := claims.ExpiresAt.Sub(now) * 9 / 10
	if left <= 0 {
		return c.tokenFallback
	}
	return left
}

// LocalNumber converts a Ugandan number in any common form to 0XXXXXXXXX.
// It returns "" when nothing usable remains.
func LocalNumber(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, "256"):
		return "0" + digits[3:]
	case strings.HasPrefix(digits, "0"):
		return digits
	case len(digits) >= 9:
		return "0" + digits[len(digits)-9:]
	default:
		return digits
	}
}
