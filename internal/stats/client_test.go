package stats

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

func TestFetchRecentActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/players/ace%2342/activity", r.URL.EscapedPath())
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"activity":[{"match_ref":"x1","game_id":"valorant","played_at":"2026-03-01T12:30:00Z","stats":{"kills":20,"deaths":10}}]}`))
	}))
	defer srv.Close()

	c := NewClient(&config.Config{StatsBaseURL: srv.URL, StatsAPIKey: "key", StatsTimeout: time.Second}, nil, zap.NewNop())
	recs, err := c.FetchRecentActivity(context.Background(), "ace#42")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "valorant", recs[0].GameID)
	assert.JSONEq(t, `{"kills":20,"deaths":10}`, string(recs[0].Stats))
}

func TestFetchRecentActivityTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(&config.Config{StatsBaseURL: srv.URL, StatsTimeout: 50 * time.Millisecond}, nil, zap.NewNop())
	_, err := c.FetchRecentActivity(context.Background(), "ace")
	assert.Error(t, err)
}

func TestFetchRecentActivityServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{StatsBaseURL: srv.URL, StatsTimeout: time.Second}, nil, zap.NewNop())
	_, err := c.FetchRecentActivity(context.Background(), "ace")
	assert.ErrorContains(t, err, "503")
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient(&config.Config{}, nil, zap.NewNop())
	assert.Nil(t, c)
	_, err := c.FetchRecentActivity(context.Background(), "ace")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
