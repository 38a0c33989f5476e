package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/arena/internal/admin"
	"github.com/playmatatu/arena/internal/lifecycle"
	"github.com/playmatatu/arena/internal/middleware"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Token    string `json:"token" binding:"required"`
}

func (h *Handlers) AdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	token, exp, err := h.Admin.Login(c.Request.Context(), req.Username, req.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp})
}

// OpenMatch schedules a tournament or lobby match for registration.
func (h *Handlers) OpenMatch(c *gin.Context) {
	var req lifecycle.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.Lifecycle.Open(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Admin.Audit(c.Request.Context(), middleware.Operator(c), "match_open", &m.ID, map[string]any{
		"kind":       m.Kind,
		"game_id":    m.GameID,
		"stake":      m.StakeAmount,
		"start_time": m.StartTime,
	}, true)
	c.JSON(http.StatusCreated, gin.H{"match": m})
}

func (h *Handlers) OverrideMatch(c *gin.Context) {
	var req admin.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.Admin.Override(c.Request.Context(), middleware.Operator(c), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// VerifySubmission lets an operator accept a stat line that scored below the threshold.
func (h *Handlers) VerifySubmission(c *gin.Context) {
	operator := middleware.Operator(c)
	matchID := c.Param("id")
	res, err := h.Consensus.VerifySubmission(c.Request.Context(), matchID, c.Param("user_id"), operator)
	h.Admin.Audit(c.Request.Context(), operator, "submission_verify", &matchID, map[string]any{"user_id": c.Param("user_id")}, err == nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) CreateUser(c *gin.Context) {
	var req admin.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u, err := h.Admin.CreateUser(c.Request.Context(), middleware.Operator(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

// Deposit credits a confirmed inbound payment to a player's balance.
func (h *Handlers) Deposit(c *gin.Context) {
	var req admin.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, bal, err := h.Admin.Deposit(c.Request.Context(), middleware.Operator(c), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t, "balance_cents": bal})
}

func (h *Handlers) AuditLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := h.Admin.AuditLog(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit, "offset": offset})
}
