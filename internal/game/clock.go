package game

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	TICK_INTERVAL = 100 * time.Millisecond
	BETTING_TIME  = 5 * time.Second
	SETTLE_DELAY  = 3 * time.Second
)

type Timing struct {
	BettingDuration time.Duration
	TickInterval    time.Duration
	SettleDelay     time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		BettingDuration: BETTING_TIME,
		TickInterval:    TICK_INTERVAL,
		SettleDelay:     SETTLE_DELAY,
	}
}

// RoundClock drives the engine through BETTING, FLYING and CRASHED on its
// own goroutine. It never touches the Ledger; bet and cash-out requests run
// on their callers' goroutines and only share the engine lock with it.
type RoundClock struct {
	engine *Engine
	timing Timing

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping chan struct{}
	done     chan struct{}
}

func NewRoundClock(engine *Engine) *RoundClock {
	return &RoundClock{
		engine: engine,
		timing: engine.Timing(),
	}
}

func (c *RoundClock) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.stopping = make(chan struct{})
	c.done = make(chan struct{})
	go c.gameLoop(ctx, c.stopping, c.done)
	log.Println("[CLOCK] Round clock started")
}

// Stop ends the clock without leaving bets open. A round still taking bets
// is voided and its stakes refunded; a round in flight flies on to its
// crash. If ctx ends first the loop is cancelled mid-flight and ctx.Err()
// is returned; the caller should then void the round.
func (c *RoundClock) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, stopping, done := c.cancel, c.stopping, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	defer cancel()
	close(stopping)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (c *RoundClock) gameLoop(ctx context.Context, stopping <-chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stopping:
			log.Println("[CLOCK] Game loop stopped")
			return
		default:
		}

		if err := c.runRound(ctx, stopping); err != nil {
			log.Println("[CLOCK] Game loop cancelled")
			return
		}
	}
}

// runRound plays one full round. It only returns an error when ctx ends.
func (c *RoundClock) runRound(ctx context.Context, stopping <-chan struct{}) error {
	if _, err := c.engine.StartRound(ctx); err != nil {
		log.Printf("[CLOCK] Could not start round: %v", err)
		return sleep(ctx, stopping, c.timing.SettleDelay)
	}

	if err := sleep(ctx, stopping, c.timing.BettingDuration); err != nil {
		return err
	}
	select {
	case <-stopping:
		if err := c.engine.VoidRound(ctx); err != nil {
			log.Printf("[CLOCK] %v", err)
		}
		return c.engine.AwaitSettled(ctx)
	default:
	}
	if err := c.engine.CloseBetting(); err != nil {
		log.Printf("[CLOCK] Could not close betting: %v", err)
	}

	ticker := time.NewTicker(c.timing.TickInterval)
	defer ticker.Stop()

	for crashed := false; !crashed; {
		select {
		case <-ticker.C:
			_, crashed = c.engine.Tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Pause between rounds
	if err := sleep(ctx, stopping, c.timing.SettleDelay); err != nil {
		return err
	}
	return c.engine.AwaitSettled(ctx)
}

// sleep waits for d. It returns early without error once stopping closes,
// and with ctx.Err() when ctx ends.
func sleep(ctx context.Context, stopping <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stopping:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
