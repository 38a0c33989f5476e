// Package stats fetches recent match activity from the external stat and
// identity provider.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

var ErrNotConfigured = errors.New("stat provider not configured")

// ActivityRecord is one match the provider saw a player take part in.
type ActivityRecord struct {
	MatchRef string          `json:"match_ref"`
	GameID   string          `json:"game_id"`
	PlayedAt time.Time       `json:"played_at"`
	Stats    json.RawMessage `json:"stats"`
	ProofRef string          `json:"proof_ref,omitempty"`
}

// Client calls the provider with a bounded timeout and caches responses in
// Redis for a short TTL so repeated imports do not hammer it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	rdb        *redis.Client
	cacheTTL   time.Duration
	log        *zap.Logger
}

// NewClient returns nil when no provider URL is configured.
func NewClient(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Client {
	if cfg.StatsBaseURL == "" {
		return nil
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.StatsBaseURL, "/"),
		apiKey:     cfg.StatsAPIKey,
		httpClient: &http.Client{Timeout: cfg.StatsTimeout},
		rdb:        rdb,
		cacheTTL:   cfg.StatsCacheTTL,
		log:        log.Named("stats"),
	}
}

func cacheKey(identity string) string {
	return "stats:activity:" + identity
}

// FetchRecentActivity returns the player's recent matches, newest first.
func (c *Client) FetchRecentActivity(ctx context.Context, identity string) ([]ActivityRecord, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}
	if identity == "" {
		return nil, errors.New("empty identity")
	}

	if c.rdb != nil {
		if cached, err := c.rdb.Get(ctx, cacheKey(identity)).Bytes(); err == nil {
			var out []ActivityRecord
			if err := json.Unmarshal(cached, &out); err == nil {
				return out, nil
			}
		}
	}

	endpoint := fmt.Sprintf("%s/v1/players/%s/activity", c.baseURL, url.PathEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("activity request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activity request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Activity []ActivityRecord `json:"activity"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode activity: %w", err)
	}

	if c.rdb != nil && c.cacheTTL > 0 {
		if b, err := json.Marshal(payload.Activity); err == nil {
			if err := c.rdb.Set(ctx, cacheKey(identity), b, c.cacheTTL).Err(); err != nil {
				c.log.Debug("cache activity failed", zap.Error(err))
			}
		}
	}
	return payload.Activity, nil
}
