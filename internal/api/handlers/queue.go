package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/playmatatu/arena/internal/matchmaking"
)

// Enqueue opts a player into auto-matching.
func (h *Handlers) Enqueue(c *gin.Context) {
	var req matchmaking.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, err := h.Matchmaker.Enqueue(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entry": entry})
}
