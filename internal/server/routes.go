package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-Admin-Token",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	// Basic routes
	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	// Game routes
	api.Get("/game/state", s.getGameStateHandler)
	api.Get("/game/history", s.getHistoryHandler)
	api.Get("/game/settings", s.getSettingsHandler)
	api.Get("/game/verify", s.verifyRoundHandler)
	api.Post("/game/bet", s.requireUser, s.placeBetHandler)
	api.Post("/game/cashout", s.requireUser, s.cashoutHandler)

	// User routes
	api.Get("/user/balance", s.requireUser, s.getUserBalanceHandler)
	api.Get("/user/bets", s.requireUser, s.getUserBetsHandler)

	// Admin routes
	admin := api.Group("/admin", s.requireAdmin)
	admin.Post("/balance", s.topUpBalanceHandler)
	admin.Post("/session", s.issueSessionHandler)
	admin.Put("/settings", s.updateSettingsHandler)

	// WebSocket route
	s.App.Use("/ws", s.upgradeWebSocket)
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) upgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}
