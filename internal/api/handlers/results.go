package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/arena/internal/consensus"
)

func (h *Handlers) SubmitStats(c *gin.Context) {
	var req consensus.StatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.MatchID = c.Param("id")
	res, err := h.Consensus.SubmitStats(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type importRequest struct {
	UserID string `json:"user_id" binding:"required"`
	// Identity is the player's handle at the stat provider.
	Identity string `json:"identity" binding:"required"`
}

func (h *Handlers) ImportStats(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.Consensus.ImportFromProvider(c.Request.Context(), c.Param("id"), req.UserID, req.Identity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handlers) SubmitReport(c *gin.Context) {
	var req consensus.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.MatchID = c.Param("id")
	res, err := h.Consensus.SubmitReport(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
