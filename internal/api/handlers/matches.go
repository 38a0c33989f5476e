package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

func (h *Handlers) Register(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.Lifecycle.Register(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": p})
}

func (h *Handlers) JoinLobby(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Lifecycle.JoinLobby(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": true})
}

// GetMatch returns a match with its participants, evidence and rounds.
func (h *Handlers) GetMatch(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		m       *models.Match
		parts   []models.Participant
		subs    []models.StatSubmission
		reports []models.ResultReport
		rounds  []models.Match
	)
	err := h.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if m, err = tx.GetMatch(ctx, id); err != nil {
			return err
		}
		if parts, err = tx.ListParticipants(ctx, id); err != nil {
			return err
		}
		if subs, err = tx.ListStatSubmissions(ctx, id); err != nil {
			return err
		}
		if reports, err = tx.ListResultReports(ctx, id); err != nil {
			return err
		}
		rounds, err = tx.ListSubMatches(ctx, id)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"match":        m,
		"participants": parts,
		"submissions":  subs,
		"reports":      reports,
		"rounds":       rounds,
	})
}

// UserTransactions returns a user's balance and ledger history, newest first.
func (h *Handlers) UserTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		u   *models.User
		txs []models.Transaction
	)
	err := h.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if u, err = tx.GetUser(ctx, id); err != nil {
			return err
		}
		txs, err = tx.ListTransactions(ctx, id)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	slices.Reverse(txs)
	c.JSON(http.StatusOK, gin.H{
		"user_id":       u.ID,
		"balance_cents": u.BalanceCents,
		"transactions":  txs,
	})
}
