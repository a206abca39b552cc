package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/position"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req struct {
		UserID     string  `json:"user_id" binding:"required"`
		SignalID   string  `json:"signal_id"`
		Pair       string  `json:"pair" binding:"required"`
		Timeframe  string  `json:"timeframe" binding:"required"`
		Direction  string  `json:"direction" binding:"required"`
		EntryPrice float64 `json:"entry_price" binding:"required,gt=0"`
		Size       float64 `json:"size" binding:"required,gt=0"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
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

	p := &position.Position{
		UserID:     userID,
		Pair:       market.Pair(req.Pair),
		Timeframe:  market.Timeframe(req.Timeframe),
		Direction:  predictor.Direction(req.Direction),
		EntryPrice: req.EntryPrice,
		Size:       req.Size,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}
	if req.SignalID != "" {
		signalID, err := uuid.Parse(req.SignalID)
		if err != nil {
			badRequest(c, "invalid signal_id: %v", err)
			return
		}
		p.SignalID = &signalID
	}

	if err := s.deps.Positions.Open(c.Request.Context(), p); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListPositions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	positions, err := s.deps.Positions.ListOpen(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"total":     len(positions),
	})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid position id: %v", err)
		return
	}
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	p, err := s.deps.Positions.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleAdjustPosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid position id: %v", err)
		return
	}

	var req struct {
		UserID     string   `json:"user_id" binding:"required"`
		StopLoss   *float64 `json:"stop_loss"`
		TakeProfit *float64 `json:"take_profit"`
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

	p, err := s.deps.Positions.AdjustStops(c.Request.Context(), userID, id, req.StopLoss, req.TakeProfit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleClosePosition(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid position id: %v", err)
		return
	}

	var req struct {
		UserID     string   `json:"user_id" binding:"required"`
		ClosePrice float64  `json:"close_price" binding:"required,gt=0"`
		Fraction   *float64 `json:"fraction"`
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

	// A missing or whole fraction closes everything.
	if req.Fraction == nil || *req.Fraction == 1 {
		p, err := s.deps.Positions.Close(c.Request.Context(), userID, id, req.ClosePrice)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"position": p})
		return
	}

	closed, remainder, err := s.deps.Positions.PartialClose(c.Request.Context(), userID, id, *req.Fraction, req.ClosePrice)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"closed":    closed,
		"remainder": remainder,
	})
}
