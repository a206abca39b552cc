package api

// setupRoutes wires every endpoint
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		candles := v1.Group("/candles")
		{
			candles.POST("", s.handleIngestCandles)
			candles.GET("", s.handleGetCandles)
		}

		subs := v1.Group("/subscriptions")
		{
			subs.POST("", s.handleCreateSubscription)
			subs.GET("", s.handleListSubscriptions)
			subs.DELETE("/:id", s.handleDeleteSubscription)
		}

		users := v1.Group("/users")
		{
			users.GET("/:id/policy", s.handleGetPolicy)
			users.PUT("/:id/policy", s.handleSetPolicy)
		}

		positions := v1.Group("/positions")
		{
			positions.POST("", s.handleOpenPosition)
			positions.GET("", s.handleListPositions)
			positions.GET("/:id", s.handleGetPosition)
			positions.PATCH("/:id", s.handleAdjustPosition)
			positions.POST("/:id/close", s.handleClosePosition)
		}

		v1.GET("/signals/recent", s.handleRecentSignals)
		v1.GET("/models", s.handleListModels)
		v1.GET("/abtests", s.handleListABTests)

		if s.hub != nil {
			v1.GET("/stream", s.handleStream)
		}
	}

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/", s.handleRoot)
}
