package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

func (s *service) SaveRound(ctx context.Context, round game.RoundRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rounds (
            round_id,
            phase,
            crash_point,
            server_seed,
            client_seed,
            commitment,
            nonce,
            started_at,
            betting_closes_at,
            crashed_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (round_id) DO UPDATE SET
            phase = EXCLUDED.phase,
            crashed_at = EXCLUDED.crashed_at`,
		round.RoundID,
		string(round.Phase),
		round.CrashPoint,
		round.ServerSeed,
		round.ClientSeed,
		round.Commitment,
		round.Nonce,
		round.StartedAt,
		round.BettingClosesAt,
		round.CrashedAt,
	)
	if err != nil {
		return fmt.Errorf("save round %s: %w", round.RoundID, err)
	}
	return nil
}

// SaveBet writes the bet at creation and again at its terminal transition.
// A row that is already terminal is never overwritten.
func (s *service) SaveBet(ctx context.Context, bet game.Bet) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO bets (
            bet_id,
            round_id,
            user_id,
            panel_id,
            stake,
            status,
            cashout_multiplier,
            payout,
            crash_multiplier_at_loss,
            created_at,
            settled_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (bet_id) DO UPDATE SET
            status = EXCLUDED.status,
            cashout_multiplier = EXCLUDED.cashout_multiplier,
            payout = EXCLUDED.payout,
            crash_multiplier_at_loss = EXCLUDED.crash_multiplier_at_loss,
            settled_at = EXCLUDED.settled_at
        WHERE bets.status = 'ACTIVE'`,
		bet.BetID,
		bet.RoundID,
		bet.UserID,
		bet.PanelID,
		bet.Stake,
		string(bet.Status),
		nullDecimal(bet.CashoutMultiplier),
		nullDecimal(bet.Payout),
		nullDecimal(bet.CrashMultiplierAtLoss),
		bet.CreatedAt,
		bet.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("save bet %s: %w", bet.BetID, err)
	}
	return nil
}

func (s *service) BetsByUser(ctx context.Context, userID string, limit int) ([]game.Bet, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT
            bet_id,
            round_id,
            user_id,
            panel_id,
            stake,
            status,
            cashout_multiplier,
            payout,
            crash_multiplier_at_loss,
            created_at,
            settled_at
        FROM bets
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("bets for %s: %w", userID, err)
	}
	defer rows.Close()

	bets := make([]game.Bet, 0, limit)
	for rows.Next() {
		var (
			bet        game.Bet
			status     string
			cashoutMul decimal.NullDecimal
			payout     decimal.NullDecimal
			lossMul    decimal.NullDecimal
			settledAt  sql.NullTime
		)
		if err := rows.Scan(
			&bet.BetID,
			&bet.RoundID,
			&bet.UserID,
			&bet.PanelID,
			&bet.Stake,
			&status,
			&cashoutMul,
			&payout,
			&lossMul,
			&bet.CreatedAt,
			&settledAt,
		); err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		bet.Status = game.BetStatus(status)
		bet.CashoutMultiplier = decimalPtr(cashoutMul)
		bet.Payout = decimalPtr(payout)
		bet.CrashMultiplierAtLoss = decimalPtr(lossMul)
		if settledAt.Valid {
			t := settledAt.Time
			bet.SettledAt = &t
		}
		bets = append(bets, bet)
	}
	return bets, rows.Err()
}

// UnsettledBets lists bets still ACTIVE, oldest first, with the crash point
// of their round when that round is recorded as crashed.
func (s *service) UnsettledBets(ctx context.Context) ([]game.UnsettledBet, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT
            b.bet_id,
            b.round_id,
            b.user_id,
            b.panel_id,
            b.stake,
            b.cashout_multiplier,
            b.payout,
            b.created_at,
            r.crash_point,
            r.crashed_at
        FROM bets b
        LEFT JOIN rounds r ON r.round_id = b.round_id
        WHERE b.status = 'ACTIVE'
        ORDER BY b.created_at`)
	if err != nil {
		return nil, fmt.Errorf("unsettled bets: %w", err)
	}
	defer rows.Close()

	var bets []game.UnsettledBet
	for rows.Next() {
		var (
			ub         game.UnsettledBet
			cashoutMul decimal.NullDecimal
			payout     decimal.NullDecimal
			crashPoint decimal.NullDecimal
			crashedAt  sql.NullTime
		)
		if err := rows.Scan(
			&ub.BetID,
			&ub.RoundID,
			&ub.UserID,
			&ub.PanelID,
			&ub.Stake,
			&cashoutMul,
			&payout,
			&ub.CreatedAt,
			&crashPoint,
			&crashedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unsettled bet: %w", err)
		}
		ub.Status = game.BetActive
		ub.CashoutMultiplier = decimalPtr(cashoutMul)
		ub.Payout = decimalPtr(payout)
		if crashedAt.Valid {
			ub.CrashPoint = decimalPtr(crashPoint)
		}
		bets = append(bets, ub)
	}
	return bets, rows.Err()
}

// VoidOpenRounds marks every round that never crashed as VOIDED.
func (s *service) VoidOpenRounds(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE rounds SET phase = 'VOIDED'
        WHERE crashed_at IS NULL AND phase <> 'VOIDED'`)
	if err != nil {
		return fmt.Errorf("void open rounds: %w", err)
	}
	return nil
}

func (s *service) GameSettings(ctx context.Context) (game.GameSettings, error) {
	var settings game.GameSettings
	err := s.db.QueryRowContext(ctx, `
        SELECT min_bet, max_bet, game_enabled
        FROM game_settings
        WHERE id = 1`).Scan(
		&settings.MinBet,
		&settings.MaxBet,
		&settings.Enabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return game.DefaultSettings(), nil
	}
	if err != nil {
		return game.GameSettings{}, fmt.Errorf("load game settings: %w", err)
	}
	return settings, nil
}

func (s *service) UpdateGameSettings(ctx context.Context, settings game.GameSettings) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO game_settings (id, min_bet, max_bet, game_enabled, updated_at)
        VALUES (1, $1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET
            min_bet = EXCLUDED.min_bet,
            max_bet = EXCLUDED.max_bet,
            game_enabled = EXCLUDED.game_enabled,
            updated_at = EXCLUDED.updated_at`,
		settings.MinBet,
		settings.MaxBet,
		settings.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update game settings: %w", err)
	}
	return nil
}

func (s *service) CrashRanges(ctx context.Context) ([]game.CrashRange, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT low, high, probability
        FROM crash_ranges
        ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load crash ranges: %w", err)
	}
	defer rows.Close()

	var ranges []game.CrashRange
	for rows.Next() {
		var (
			cr          game.CrashRange
			probability decimal.Decimal
		)
		if err := rows.Scan(&cr.Low, &cr.High, &probability); err != nil {
			return nil, fmt.Errorf("scan crash range: %w", err)
		}
		cr.Probability = probability.InexactFloat64()
		ranges = append(ranges, cr)
	}
	return ranges, rows.Err()
}
