package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

func (s *Server) handleCreateSubscription(c *gin.Context) {
	var req struct {
		UserID    string `json:"user_id" binding:"required"`
		DiscordID string `json:"discord_id"`
		Pair      string `json:"pair" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		ChannelID string `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		badRequest(c, "invalid user_id: %v", err)
		return
	}

	sub, err := s.deps.Subscriptions.Create(c.Request.Context(), &subscription.Subscription{
		UserID:    userID,
		DiscordID: req.DiscordID,
		Pair:      market.Pair(req.Pair),
		Timeframe: market.Timeframe(req.Timeframe),
		ChannelID: req.ChannelID,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	subs, err := s.deps.Subscriptions.List(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"total":         len(subs),
	})
}

func (s *Server) handleDeleteSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid subscription id: %v", err)
		return
	}
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	if err := s.deps.Subscriptions.Delete(c.Request.Context(), userID, id); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user id: %v", err)
		return
	}
	policy, err := s.deps.Subscriptions.Policy(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) handleSetPolicy(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid user id: %v", err)
		return
	}

	var policy subscription.UserPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	// The path owns identity; a mismatched body is rejected rather
	// than silently rewritten.
	if policy.UserID != uuid.Nil && policy.UserID != userID {
		badRequest(c, "body user_id does not match path")
		return
	}
	policy.UserID = userID

	updated, err := s.deps.Subscriptions.SetPolicy(c.Request.Context(), &policy)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// queryUserID pulls the required user_id query parameter. On failure
// it writes the 400 itself.
func queryUserID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Query("user_id")
	if raw == "" {
		badRequest(c, "user_id query parameter required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		badRequest(c, "invalid user_id: %v", err)
		return uuid.Nil, false
	}
	return userID, true
}
