package server

import (
	"crypto/subtle"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

const (
	LOCAL_USER_ID     = "userID"
	DEFAULT_BET_LIMIT = 20
)

// Health handler
func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// Auth middleware

func (s *FiberServer) requireUser(c *fiber.Ctx) error {
	token := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "))
	userID, err := s.sessions.Resolve(token)
	if err != nil {
		return writeError(c, err)
	}
	c.Locals(LOCAL_USER_ID, userID)
	return c.Next()
}

func (s *FiberServer) requireAdmin(c *fiber.Ctx) error {
	expected := s.cfg.AdminToken
	if expected == "" {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "admin_disabled",
			"message": "admin endpoints are disabled",
		})
	}
	if subtle.ConstantTimeCompare([]byte(c.Get("X-Admin-Token")), []byte(expected)) != 1 {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "invalid admin token",
		})
	}
	return c.Next()
}

func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals(LOCAL_USER_ID).(string)
	return userID
}

// Game handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	state := s.engine.CurrentRound()
	if state == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "no_active_round",
			"message": "No active game round",
		})
	}
	return c.JSON(state)
}

func (s *FiberServer) getHistoryHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"crash_points": s.engine.History(),
	})
}

func (s *FiberServer) getSettingsHandler(c *fiber.Ctx) error {
	settings, err := s.settings.GameSettings(c.UserContext())
	if err != nil {
		log.Printf("[API] Settings unavailable: %v", err)
		return writeError(c, game.ErrUpstream)
	}
	return c.JSON(settings)
}

// verifyRoundHandler recomputes a crash point from revealed seeds against
// the current range configuration.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	serverSeed := c.Query("server_seed")
	clientSeed := c.Query("client_seed")
	nonce, err := strconv.ParseInt(c.Query("nonce"), 10, 64)
	if serverSeed == "" || clientSeed == "" || err != nil {
		return writeError(c, game.ErrInvalidRequest)
	}

	ranges, err := s.settings.CrashRanges(c.UserContext())
	if err != nil {
		log.Printf("[API] Crash ranges unavailable: %v", err)
		return writeError(c, game.ErrUpstream)
	}

	computed := game.CrashPointFromSeeds(serverSeed, clientSeed, nonce, ranges)
	resp := fiber.Map{
		"hash_commitment": game.HashCommitment(serverSeed),
		"crash_point":     computed,
	}
	if claimed := c.Query("crash_point"); claimed != "" {
		point, err := decimal.NewFromString(claimed)
		if err != nil {
			return writeError(c, game.ErrInvalidRequest)
		}
		resp["valid"] = game.VerifyRound(serverSeed, clientSeed, nonce, ranges, point)
	}
	return c.JSON(resp)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, game.ErrInvalidRequest)
	}
	req.UserID = currentUser(c)

	resp, err := s.engine.PlaceBet(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}

	s.hub.SendToUser(req.UserID, game.WSMessage{Type: game.EventBetAck, Data: resp})
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, game.ErrInvalidRequest)
	}
	req.UserID = currentUser(c)

	resp, err := s.engine.Cashout(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}

	s.hub.SendToUser(req.UserID, game.WSMessage{Type: game.EventCashoutSuccess, Data: resp})
	return c.JSON(resp)
}

// User handlers

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := currentUser(c)
	balance, err := s.wallet.Balance(c.UserContext(), userID)
	if err != nil {
		log.Printf("[API] Balance read failed for %s: %v", userID, err)
		return writeError(c, game.ErrUpstream)
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

func (s *FiberServer) getUserBetsHandler(c *fiber.Ctx) error {
	userID := currentUser(c)
	bets, err := s.bets.BetsByUser(c.UserContext(), userID, c.QueryInt("limit", DEFAULT_BET_LIMIT))
	if err != nil {
		log.Printf("[API] Bet history failed for %s: %v", userID, err)
		return writeError(c, game.ErrUpstream)
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"bets":    bets,
	})
}

// Admin handlers

type topUpRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// topUpBalanceHandler credits a user balance (for testing/admin)
func (s *FiberServer) topUpBalanceHandler(c *fiber.Ctx) error {
	var body topUpRequest
	if err := c.BodyParser(&body); err != nil || body.UserID == "" || !body.Amount.IsPositive() {
		return writeError(c, game.ErrInvalidRequest)
	}

	balance, err := s.wallet.Credit(c.UserContext(), body.UserID, body.Amount.Truncate(2), "admin:"+uuid.NewString())
	if err != nil {
		return writeError(c, err)
	}

	log.Printf("[ADMIN] Credited %s to user %s", body.Amount.StringFixed(2), body.UserID)
	return c.JSON(fiber.Map{
		"user_id": body.UserID,
		"balance": balance,
		"message": "Balance updated successfully",
	})
}

func (s *FiberServer) issueSessionHandler(c *fiber.Ctx) error {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID == "" {
		return writeError(c, game.ErrInvalidRequest)
	}

	token, err := s.sessions.Issue(body.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": body.UserID,
		"token":   token,
	})
}

func (s *FiberServer) updateSettingsHandler(c *fiber.Ctx) error {
	var settings game.GameSettings
	if err := c.BodyParser(&settings); err != nil {
		return writeError(c, game.ErrInvalidRequest)
	}
	if !settings.MinBet.IsPositive() || settings.MaxBet.LessThan(settings.MinBet) {
		return writeError(c, game.ErrInvalidRequest)
	}

	if err := s.settings.UpdateGameSettings(c.UserContext(), settings); err != nil {
		log.Printf("[ADMIN] Settings update failed: %v", err)
		return writeError(c, game.ErrUpstream)
	}

	log.Printf("[ADMIN] Settings updated: min %s max %s enabled %t",
		settings.MinBet.StringFixed(2), settings.MaxBet.StringFixed(2), settings.Enabled)
	return c.JSON(settings)
}

// writeError maps a rejected request to its HTTP status.
func writeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusServiceUnavailable
	switch game.KindOf(err) {
	case game.KindValidation:
		status = fiber.StatusBadRequest
	case game.KindUnauthenticated:
		status = fiber.StatusUnauthorized
	case game.KindInsufficientBalance:
		status = fiber.StatusPaymentRequired
	case game.KindState, game.KindConflict:
		status = fiber.StatusConflict
	}

	message := "service temporarily unavailable"
	var gameErr *game.Error
	if errors.As(err, &gameErr) {
		message = gameErr.Message
	}

	return c.Status(status).JSON(fiber.Map{
		"error":   game.CodeOf(err),
		"message": message,
	})
}
