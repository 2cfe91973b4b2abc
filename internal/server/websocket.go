package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"crashgame/internal/game"
)

const (
	MSG_PLACE_BET    = "place_bet"
	MSG_CASH_OUT     = "cash_out"
	MSG_PING         = "ping"
	MSG_PONG         = "pong"
	MSG_RATE_LIMITED = "rate_limited"
	MSG_ERROR        = "error"
)

type clientMessage struct {
	Type       string          `json:"type"`
	Stake      decimal.Decimal `json:"stake"`
	PanelID    int             `json:"panel_id"`
	BetID      string          `json:"bet_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

type errorReply struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	PanelID *int   `json:"panel_id,omitempty"`
	BetID   string `json:"bet_id,omitempty"`
}

// gameWebSocketHandler serves one connection. Anyone may watch; bets and
// cash-outs need a valid session token in the query string.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID, err := s.sessions.Resolve(conn.Query("token"))
	if err != nil {
		userID = ""
	}

	handle := s.hub.RegisterClient(conn, userID)
	defer s.hub.UnregisterClient(handle)

	if state := s.engine.CurrentRound(); state != nil {
		s.hub.Reply(handle, game.WSMessage{Type: game.EventInitialState, Data: state})
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.WSRateLimit), s.cfg.WSRateBurst)
	ctx := context.Background()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for %s: %v", handle, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !limiter.Allow() {
			s.hub.Reply(handle, game.WSMessage{Type: MSG_RATE_LIMITED})
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.hub.Reply(handle, game.WSMessage{Type: MSG_ERROR, Data: newErrorReply(game.ErrInvalidRequest)})
			continue
		}

		s.hub.Reply(handle, s.handleClientMessage(ctx, userID, msg))
	}
}

func (s *FiberServer) handleClientMessage(ctx context.Context, userID string, msg clientMessage) game.WSMessage {
	switch msg.Type {
	case MSG_PING:
		return game.WSMessage{Type: MSG_PONG}

	case MSG_PLACE_BET:
		if userID == "" {
			reply := newErrorReply(game.ErrUnauthenticated)
			reply.PanelID = &msg.PanelID
			return game.WSMessage{Type: game.EventBetError, Data: reply}
		}
		resp, err := s.engine.PlaceBet(ctx, game.BetRequest{
			UserID:  userID,
			Stake:   msg.Stake,
			PanelID: msg.PanelID,
		})
		if err != nil {
			reply := newErrorReply(err)
			reply.PanelID = &msg.PanelID
			return game.WSMessage{Type: game.EventBetError, Data: reply}
		}
		return game.WSMessage{Type: game.EventBetAck, Data: resp}

	case MSG_CASH_OUT:
		if userID == "" {
			reply := newErrorReply(game.ErrUnauthenticated)
			reply.BetID = msg.BetID
			return game.WSMessage{Type: game.EventCashoutError, Data: reply}
		}
		resp, err := s.engine.Cashout(ctx, game.CashoutRequest{
			UserID:     userID,
			BetID:      msg.BetID,
			Multiplier: msg.Multiplier,
		})
		if err != nil {
			reply := newErrorReply(err)
			reply.BetID = msg.BetID
			return game.WSMessage{Type: game.EventCashoutError, Data: reply}
		}
		return game.WSMessage{Type: game.EventCashoutSuccess, Data: resp}

	default:
		return game.WSMessage{Type: MSG_ERROR, Data: errorReply{
			Error:   game.ErrInvalidRequest.Code,
			Message: "unknown message type " + msg.Type,
		}}
	}
}

func newErrorReply(err error) errorReply {
	reply := errorReply{
		Error:   game.CodeOf(err),
		Message: game.ErrUpstream.Message,
	}
	var gameErr *game.Error
	if errors.As(err, &gameErr) {
		reply.Message = gameErr.Message
	}
	return reply
}
