package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/admin"
	"github.com/playmatatu/arena/internal/api/handlers"
	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/consensus"
	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/lifecycle"
	"github.com/playmatatu/arena/internal/matchmaking"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/store"
	"github.com/playmatatu/arena/internal/store/memory"
)

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	admin  *admin.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Environment:        "test",
		MinStakeAmount:     100,
		LowestStakeTierMax: 500,
		FairSkillTiers:     []string{"novice"},
		MaxWinRateDiff:     0.2,
		MaxSkillRatingDiff: 150,
		QueueMaxWait:       10 * time.Minute,
		ConsensusRatio:     0.5,
	}
	log := zap.NewNop()
	s := memory.New()

	engine := settlement.New(s, nil, nil, decimal.RequireFromString("0.06"), time.Second, log)
	cons := consensus.New(s, settlement.DirectDispatcher{Engine: engine}, nil, consensus.Thresholds{Ratio: 0.5, SpecializedMin: 80, GenericMin: 70}, nil, nil, log)
	ctrl := lifecycle.New(s, engine, lifecycle.NewStoreGenerator(s), nil, lifecycle.ThresholdsFromConfig(cfg), 1, log)
	adm := admin.New(s, engine, "test-secret", time.Hour, log)

	h := &handlers.Handlers{
		Store:      s,
		Matchmaker: matchmaking.New(s, nil, matchmaking.RulesFromConfig(cfg), log),
		Lifecycle:  ctrl,
		Consensus:  cons,
		Admin:      adm,
		Log:        log,
	}
	r := gin.New()
	SetupRoutes(r, h, nil, cfg, log)
	return &testServer{router: r, store: s, admin: adm}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (ts *testServer) fund(t *testing.T, users ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ts.store.WithTx(ctx, func(tx store.Tx) error {
		for _, u := range users {
			if err := tx.UpsertUser(ctx, &models.User{ID: u, DisplayName: u, CreatedAt: time.Now()}); err != nil {
				return err
			}
			if _, err := ledger.Apply(ctx, tx, ledger.Entry{UserID: u, Type: models.TxDeposit, Amount: 10000}, time.Now()); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	require.NoError(t, ts.admin.CreateAccount(context.Background(), "ops", "Ops", "op-token", []string{"superadmin"}))
	code, body := ts.do(t, http.MethodPost, "/api/v1/admin/login", gin.H{"username": "ops", "token": "op-token"}, "")
	require.Equal(t, http.StatusOK, code)
	return body["token"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, _ = ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestEnqueue(t *testing.T) {
	ts := newTestServer(t)
	ts.fund(t, "alice")
	req := gin.H{"user_id": "alice", "game_id": "valorant", "platform": "pc", "stake_amount": 1000}

	code, _ := ts.do(t, http.MethodPost, "/api/v1/queue", gin.H{"user_id": "alice"}, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPost, "/api/v1/queue", req, "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.NotNil(t, body["entry"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/queue", req, "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/queue", gin.H{"user_id": "ghost", "game_id": "valorant", "platform": "pc", "stake_amount": 1000}, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/queue", gin.H{"user_id": "alice", "game_id": "fifa", "platform": "pc", "stake_amount": 50}, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/api/v1/admin/matches", gin.H{}, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/login", gin.H{"username": "ops", "token": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestOpenRegisterAndInspect(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)
	ts.fund(t, "alice", "bob")

	start := time.Now().Add(time.Hour).UTC()
	code, body := ts.do(t, http.MethodPost, "/api/v1/admin/matches", gin.H{
		"kind":                   "tournament",
		"game_id":                "valorant",
		"platform":               "pc",
		"stake_amount":           500,
		"start_time":             start,
		"registration_closes_at": start.Add(-30 * time.Minute),
	}, token)
	require.Equal(t, http.StatusCreated, code, body)
	id := body["match"].(map[string]any)["id"].(string)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/matches/"+id+"/register", gin.H{"user_id": "alice"}, "")
	assert.Equal(t, http.StatusCreated, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/matches/"+id+"/register", gin.H{"user_id": "alice"}, "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/matches/"+id+"/join", gin.H{"user_id": "alice"}, "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = ts.do(t, http.MethodGet, "/api/v1/matches/"+id, nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["participants"], 1)
	assert.Equal(t, float64(500), body["match"].(map[string]any)["total_pot"])

	code, body = ts.do(t, http.MethodGet, "/api/v1/users/alice/transactions", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(9500), body["balance_cents"])
	txs := body["transactions"].([]any)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TxStake, txs[0].(map[string]any)["type"])

	code, _ = ts.do(t, http.MethodGet, "/api/v1/matches/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = ts.do(t, http.MethodGet, "/api/v1/admin/audit", nil, token)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["entries"], 1)
}

func seedHumanWager(t *testing.T, ts *testServer, id string) {
	t.Helper()
	ts.fund(t, "alice", "bob")
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, ts.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertMatch(ctx, &models.Match{
			ID: id, Kind: models.KindWager, GameID: "chess", Platform: "web",
			StakeAmount: 1000, TotalPot: 2000, VerificationMode: models.VerificationHuman,
			Status: models.StatusInProgress, CreatedAt: now, UpdatedAt: now, StatusChangedAt: now, StartTime: now,
		}); err != nil {
			return err
		}
		for _, u := range []string{"alice", "bob"} {
			if err := tx.InsertParticipant(ctx, &models.Participant{MatchID: id, UserID: u, StakePaid: 1000, CreatedAt: now}); err != nil {
				return err
			}
			if _, err := ledger.Debit(ctx, tx, u, id, 1000, "stake", now); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestReportsSettleMatch(t *testing.T) {
	ts := newTestServer(t)
	seedHumanWager(t, ts, "m1")

	code, body := ts.do(t, http.MethodPost, "/api/v1/matches/m1/reports", gin.H{"reporter_id": "alice", "claimed_winner_id": "bob"}, "")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(1), body["needed"])
	assert.Equal(t, "bob", body["winner_id"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/matches/m1/reports", gin.H{"reporter_id": "mallory", "claimed_winner_id": "bob"}, "")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/matches/m1/reports", gin.H{"reporter_id": "bob", "claimed_winner_id": "bob"}, "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = ts.do(t, http.MethodGet, "/api/v1/matches/m1", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(models.StatusCompleted), body["match"].(map[string]any)["status"])

	code, body = ts.do(t, http.MethodGet, "/api/v1/users/bob/transactions", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(9000+1880), body["balance_cents"])
}

func TestOverrideRoute(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)
	seedHumanWager(t, ts, "m1")

	code, _ := ts.do(t, http.MethodPost, "/api/v1/admin/matches/m1/override", gin.H{"status": "completed", "reason": "x"}, token)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPost, "/api/v1/admin/matches/m1/override", gin.H{"status": "refunded", "reason": "no show"}, token)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(models.StatusRefunded), body["result"].(map[string]any)["status"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/matches/m1/override", gin.H{"status": "refunded", "reason": "twice"}, token)
	assert.Equal(t, http.StatusConflict, code)

	code, body = ts.do(t, http.MethodGet, "/api/v1/users/alice/transactions", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10000), body["balance_cents"])
}

func TestOnboardUserAndDeposit(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)

	code, _ := ts.do(t, http.MethodPost, "/api/v1/admin/users", gin.H{"id": "carol", "display_name": "Carol"}, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := ts.do(t, http.MethodPost, "/api/v1/admin/users", gin.H{"id": "carol", "display_name": "Carol", "phone": "0772000001"}, token)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "carol", body["user"].(map[string]any)["id"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/users", gin.H{"id": "carol", "display_name": "Again"}, token)
	assert.Equal(t, http.StatusConflict, code)

	code, body = ts.do(t, http.MethodPost, "/api/v1/admin/users/carol/deposits", gin.H{"amount_cents": 5000, "reference": "mm-1"}, token)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, float64(5000), body["balance_cents"])

	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/users/carol/deposits", gin.H{"amount_cents": 5000, "reference": "mm-1"}, token)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/users/carol/deposits", gin.H{"amount_cents": -1, "reference": "mm-2"}, token)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(t, http.MethodPost, "/api/v1/admin/users/ghost/deposits", gin.H{"amount_cents": 100, "reference": "mm-3"}, token)
	assert.Equal(t, http.StatusNotFound, code)

	queue := gin.H{"user_id": "carol", "game_id": "valorant", "platform": "pc", "stake_amount": 1000}
	code, _ = ts.do(t, http.MethodPost, "/api/v1/queue", queue, "")
	assert.Equal(t, http.StatusAccepted, code)

	code, body = ts.do(t, http.MethodGet, "/api/v1/users/carol/transactions", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(5000), body["balance_cents"])
}

func TestOverrideWinnerKeepsOperatorReason(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t)
	seedHumanWager(t, ts, "m1")

	code, body := ts.do(t, http.MethodPost, "/api/v1/admin/matches/m1/override",
		gin.H{"status": "completed", "winner_id": "alice", "reason": "video review"}, token)
	require.Equal(t, http.StatusOK, code, body)

	code, body = ts.do(t, http.MethodGet, "/api/v1/matches/m1", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "admin: video review", body["match"].(map[string]any)["completion_reason"])
}
