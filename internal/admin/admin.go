// Package admin holds operator accounts, their sessions and the audited
// match override.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMatchTerminal      = errors.New("match already finished")
	ErrInvalidOverride    = errors.New("invalid override")
)

// Overrider is the part of the settlement engine an override needs.
type Overrider interface {
	Settle(ctx context.Context, matchID string, winnerID *string, reason string) (*settlement.Result, error)
	Refund(ctx context.Context, matchID, reason string, terminal models.MatchStatus) (*settlement.Result, error)
}

type Service struct {
	store    store.Store
	settler  Overrider
	secret   []byte
	tokenTTL time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(s store.Store, settler Overrider, jwtSecret string, tokenTTL time.Duration, log *zap.Logger) *Service {
	return &Service{
		store:    s,
		settler:  settler,
		secret:   []byte(jwtSecret),
		tokenTTL: tokenTTL,
		log:      log.Named("admin"),
		now:      time.Now,
	}
}

// CreateAccount stores an operator with a bcrypt hash of plainToken,
// replacing the hash if the operator exists.
func (s *Service) CreateAccount(ctx context.Context, username, displayName, plainToken string, roles []string) error {
	if username == "" || plainToken == "" {
		return fmt.Errorf("username and token required: %w", ErrInvalidCredentials)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plainToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	now := s.now().UTC()
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertAdminAccount(ctx, &models.AdminAccount{
			Username:    username,
			DisplayName: displayName,
			TokenHash:   string(hashed),
			Roles:       roles,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
}

// Claims is the operator session carried in the bearer token.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Login checks the operator token and issues a signed session.
func (s *Service) Login(ctx context.Context, username, plainToken string) (string, time.Time, error) {
	var acct *models.AdminAccount
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		acct, err = tx.GetAdminAccount(ctx, username)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("login for unknown operator", zap.String("username", username))
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.TokenHash), []byte(plainToken)) != nil {
		s.log.Info("operator token rejected", zap.String("username", username))
		return "", time.Time{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	exp := now.Add(s.tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Roles: acct.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	s.log.Info("operator logged in", zap.String("username", username))
	return signed, exp, nil
}

// ParseToken validates a session token and returns its claims.
func (s *Service) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// OverrideRequest forces the outcome of a match. Status is completed (with a
// winner), cancelled or refunded.
type OverrideRequest struct {
	Status   models.MatchStatus `json:"status" binding:"required,oneof=completed cancelled refunded"`
	WinnerID *string            `json:"winner_id"`
	Reason   string             `json:"reason" binding:"required"`
}

// Override applies req to a non-terminal match through the settlement
// engine and records the attempt in the audit log, failed or not.
func (s *Service) Override(ctx context.Context, operator, matchID string, req OverrideRequest) (*settlement.Result, error) {
	res, err := s.override(ctx, matchID, req)

	details := map[string]any{"status": req.Status, "reason": req.Reason}
	if req.WinnerID != nil {
		details["winner_id"] = *req.WinnerID
	}
	if err != nil {
		details["error"] = err.Error()
	}
	s.Audit(ctx, operator, "match_override", &matchID, details, err == nil)

	if err != nil {
		s.log.Warn("override failed", zap.String("match_id", matchID), zap.String("operator", operator), zap.Error(err))
		return nil, err
	}
	s.log.Info("override applied",
		zap.String("match_id", matchID),
		zap.String("operator", operator),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

func (s *Service) override(ctx context.Context, matchID string, req OverrideRequest) (*settlement.Result, error) {
	var m *models.Match
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatch(ctx, matchID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, fmt.Errorf("%s is %s: %w", matchID, m.Status, ErrMatchTerminal)
	}

	reason := "admin: " + req.Reason
	switch req.Status {
	case models.StatusCompleted:
		if req.WinnerID == nil || *req.WinnerID == "" {
			return nil, fmt.Errorf("completed without winner: %w", ErrInvalidOverride)
		}
		return s.settler.Settle(ctx, matchID, req.WinnerID, reason)
	case models.StatusCancelled, models.StatusRefunded:
		return s.settler.Refund(ctx, matchID, reason, req.Status)
	}
	return nil, fmt.Errorf("status %q: %w", req.Status, ErrInvalidOverride)
}

// Audit records an operator action. A failed write is logged, never returned.
func (s *Service) Audit(ctx context.Context, operator, action string, matchID *string, details map[string]any, success bool) {
	b, err := json.Marshal(details)
	if err != nil {
		b = []byte("{}")
	}
	entry := &models.AuditEntry{
		ID:            uuid.NewString(),
		AdminUsername: operator,
		Action:        action,
		MatchID:       matchID,
		Details:       b,
		Success:       success,
		CreatedAt:     s.now().UTC(),
	}
	actx := context.WithoutCancel(ctx)
	if err := s.store.WithTx(actx, func(tx store.Tx) error {
		return tx.InsertAuditEntry(actx, entry)
	}); err != nil {
		s.log.Error("write audit entry", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) AuditLog(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.AuditEntry
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListAuditEntries(ctx, limit, max(offset, 0))
		return err
	})
	return out, err
}
