package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
)

const (
	REDIS_KEY_USER_BALANCE = "crash:balance:"
	REDIS_KEY_LEDGER_REF   = "crash:ledger:ref:"
	LEDGER_REF_TTL         = 24 * time.Hour
)

// Balances are integer cents. A ref key remembers the balance produced by
// an operation so replaying the same ref is a no-op.
var debitScript = redis.NewScript(`
	local done = redis.call("GET", KEYS[2])
	if done then
		return tonumber(done)
	end

	local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
	local amount = tonumber(ARGV[1])

	if balance < amount then
		return redis.error_reply("INSUFFICIENT_BALANCE")
	end

	local updated = redis.call("DECRBY", KEYS[1], amount)
	redis.call("SET", KEYS[2], updated, "EX", ARGV[2])

	return updated
`)

var creditScript = redis.NewScript(`
	local done = redis.call("GET", KEYS[2])
	if done then
		return tonumber(done)
	end

	local updated = redis.call("INCRBY", KEYS[1], tonumber(ARGV[1]))
	redis.call("SET", KEYS[2], updated, "EX", ARGV[2])

	return updated
`)

// Ledger keeps user balances in Redis and implements game.Ledger.
type Ledger struct {
	client *redis.Client
}

func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{client: client}
}

func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	cents, err := toCents(amount)
	if err != nil {
		return decimal.Zero, err
	}

	keys := []string{REDIS_KEY_USER_BALANCE + userID, REDIS_KEY_LEDGER_REF + ref}
	balance, err := debitScript.Run(ctx, l.client, keys, cents, int64(LEDGER_REF_TTL.Seconds())).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "INSUFFICIENT_BALANCE") {
			return decimal.Zero, game.ErrInsufficientBalance
		}
		return decimal.Zero, fmt.Errorf("debit %s for %s: %w", amount.StringFixed(2), userID, err)
	}
	return fromCents(balance), nil
}

func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	cents, err := toCents(amount)
	if err != nil {
		return decimal.Zero, err
	}

	keys := []string{REDIS_KEY_USER_BALANCE + userID, REDIS_KEY_LEDGER_REF + ref}
	balance, err := creditScript.Run(ctx, l.client, keys, cents, int64(LEDGER_REF_TTL.Seconds())).Int64()
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit %s for %s: %w", amount.StringFixed(2), userID, err)
	}
	return fromCents(balance), nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	cents, err := l.client.Get(ctx, REDIS_KEY_USER_BALANCE+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance for %s: %w", userID, err)
	}
	return fromCents(cents), nil
}

func toCents(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(2)
	if amount.IsNegative() || !shifted.IsInteger() {
		return 0, game.ErrInvalidRequest
	}
	return shifted.IntPart(), nil
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
