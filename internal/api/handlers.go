package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fxsage/fxadvisor/internal/market"
)

const (
	defaultCandleLimit = 200
	defaultListLimit   = 50
	maxListLimit       = 500
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "fxadvisor API",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleHealthz is the load-balancer probe. The market cache carries
// the hot path, so its health decides the verdict.
func (s *Server) handleHealthz(c *gin.Context) {
	if s.deps.Market != nil {
		if err := s.deps.Market.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleIngestCandles(c *gin.Context) {
	var req struct {
		Candles []market.Candle `json:"candles" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}
	if len(req.Candles) == 0 {
		badRequest(c, "candles must not be empty")
		return
	}

	result, err := s.deps.Market.Upsert(c.Request.Context(), req.Candles)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"total":    result.Inserted + result.Updated,
	})
}

func (s *Server) handleGetCandles(c *gin.Context) {
	pair, err := market.NewPair(c.Query("pair"))
	if err != nil {
		badRequest(c, "invalid pair: %v", err)
		return
	}
	tf, err := market.ParseTimeframe(c.Query("timeframe"))
	if err != nil {
		badRequest(c, "invalid timeframe: %v", err)
		return
	}

	// A from/to window takes a range query; otherwise the latest n.
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr != "" || toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			badRequest(c, "invalid from: %v", err)
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			badRequest(c, "invalid to: %v", err)
			return
		}
		candles, stale, err := s.deps.Market.GetRange(c.Request.Context(), pair, tf, from, to)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"candles": candles,
			"total":   len(candles),
			"stale":   stale,
		})
		return
	}

	limit := queryLimit(c, defaultCandleLimit)
	candles, stale, err := s.deps.Market.GetCandles(c.Request.Context(), pair, tf, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"candles": candles,
		"total":   len(candles),
		"stale":   stale,
	})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	signals, err := s.deps.Signals.RecentSignals(c.Request.Context(), queryLimit(c, defaultListLimit))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"total":   len(signals),
	})
}

func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.deps.Models.ListVersions(c.Request.Context(), queryLimit(c, defaultListLimit))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"models": models,
		"total":  len(models),
	})
}

func (s *Server) handleListABTests(c *gin.Context) {
	tests, err := s.deps.Models.ListABTests(c.Request.Context(), queryLimit(c, defaultListLimit))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ab_tests": tests,
		"total":    len(tests),
	})
}

// queryLimit parses ?limit= with a default and a hard cap
func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
