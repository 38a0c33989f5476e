// Package handlers adapts the core components to gin.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/admin"
	"github.com/playmatatu/arena/internal/consensus"
	"github.com/playmatatu/arena/internal/ledger"
	"github.com/playmatatu/arena/internal/lifecycle"
	"github.com/playmatatu/arena/internal/matchmaking"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/store"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req matchmaking.EnqueueRequest) (*models.QueueEntry, error)
}

type Registrar interface {
	Open(ctx context.Context, req lifecycle.OpenRequest) (*models.Match, error)
	Register(ctx context.Context, matchID, userID string) (*models.Participant, error)
	JoinLobby(ctx context.Context, matchID, userID string) error
}

type Verifier interface {
	SubmitStats(ctx context.Context, req consensus.StatsRequest) (*consensus.SubmissionResult, error)
	ImportFromProvider(ctx context.Context, matchID, userID, identity string) (*consensus.SubmissionResult, error)
	VerifySubmission(ctx context.Context, matchID, userID, operator string) (*consensus.SubmissionResult, error)
	SubmitReport(ctx context.Context, req consensus.ReportRequest) (*consensus.ReportResult, error)
}

// Handlers holds what the routes need.
type Handlers struct {
	Store      store.Store
	Matchmaker Enqueuer
	Lifecycle  Registrar
	Consensus  Verifier
	Admin      *admin.Service
	Log        *zap.Logger
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, matchmaking.ErrUnknownUser),
		errors.Is(err, consensus.ErrNoActivity):
		return http.StatusNotFound

	case errors.Is(err, admin.ErrInvalidCredentials),
		errors.Is(err, admin.ErrInvalidToken):
		return http.StatusUnauthorized

	case errors.Is(err, consensus.ErrNotParticipant),
		errors.Is(err, lifecycle.ErrNotParticipant):
		return http.StatusForbidden

	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired

	case errors.Is(err, matchmaking.ErrAlreadyQueued),
		errors.Is(err, lifecycle.ErrAlreadyRegistered),
		errors.Is(err, lifecycle.ErrRegistrationClosed),
		errors.Is(err, lifecycle.ErrNotLaunching),
		errors.Is(err, consensus.ErrDuplicateReport),
		errors.Is(err, consensus.ErrDuplicateSubmission),
		errors.Is(err, consensus.ErrMatchClosed),
		errors.Is(err, settlement.ErrSettlementInProgress),
		errors.Is(err, admin.ErrMatchTerminal),
		errors.Is(err, admin.ErrUserExists),
		errors.Is(err, admin.ErrDuplicateDeposit),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, matchmaking.ErrStakeTooLow),
		errors.Is(err, matchmaking.ErrInvalidRequest),
		errors.Is(err, lifecycle.ErrInvalidSchedule),
		errors.Is(err, consensus.ErrInvalidStats),
		errors.Is(err, consensus.ErrWrongMode),
		errors.Is(err, settlement.ErrInvalidWinner),
		errors.Is(err, admin.ErrInvalidOverride),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, consensus.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}
