package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
)

type gateway struct {
	sends    atomic.Int32
	statuses []int
	got      sendRequest
}

func (g *gateway) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get_token/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	})
	mux.HandleFunc("/v3/api/send_sms/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("authToken"))
		n := int(g.sends.Add(1))
		status := http.StatusOK
		if n <= len(g.statuses) {
			status = g.statuses[n-1]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&g.got))
		json.NewEncoder(w).Encode(map[string]string{"msg_id": "m-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string) *Client {
	return NewClient(&config.Config{
		SMSServiceBaseURL:       url,
		SMSServiceUsername:      "user",
		SMSServicePassword:      "pass",
		SMSTokenFallbackSeconds: 3000,
	}, nil, zap.NewNop())
}

func TestNewClientRequiresConfig(t *testing.T) {
	assert.Nil(t, NewClient(&config.Config{}, nil, zap.NewNop()))
	assert.Nil(t, NewClient(nil, nil, zap.NewNop()))
}

func TestSendSMS(t *testing.T) {
	g := &gateway{}
	c := newClient(g.server(t).URL)

	id, err := c.SendSMS(context.Background(), "+256 772 123456", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, "0772123456", g.got.Numbers)
	assert.Equal(t, "hello", g.got.Msg)
}

func TestSendSMSRetriesGatewayErrors(t *testing.T) {
	g := &gateway{statuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable}}
	c := newClient(g.server(t).URL)

	id, err := c.SendSMS(context.Background(), "0772123456", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, int32(3), g.sends.Load())
}

func TestSendSMSDoesNotRetryRejection(t *testing.T) {
	g := &gateway{statuses: []int{http.StatusBadRequest}}
	c := newClient(g.server(t).URL)

	_, err := c.SendSMS(context.Background(), "0772123456", "hi")
	assert.Error(t, err)
	assert.Equal(t, int32(1), g.sends.Load())

	_, err = c.SendSMS(context.Background(), "n/a", "hi")
	assert.Error(t, err)
}

func TestLocalNumber(t *testing.T) {
	cases := map[string]string{
		"256772123456":    "0772123456",
		"+256 772 123456": "0772123456",
		"0772123456":      "0772123456",
		"772123456":       "0772123456",
		"12345":           "12345",
		"":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, LocalNumber(in), in)
	}
}

func TestTokenTTL(t *testing.T) {
	c := newClient("http://unused")
	now := time.Now()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(100 * time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.InDelta(t, float64(90*time.Minute), float64(c.tokenTTL(signed, now)), float64(2*time.Second))

	assert.Equal(t, 3000*time.Second, c.tokenTTL("opaque", now))
}
