package game

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DEFAULT_LEDGER_TIMEOUT    = 2 * time.Second
	DEFAULT_UPSTREAM_ATTEMPTS = 3
	DEFAULT_RECONCILE_EVERY   = 2 * time.Second
	HISTORY_SIZE              = 20
)

// Ledger owns user balances. ref is an idempotency key: repeating a call
// with the same ref must not move money twice.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
}

type SettingsProvider interface {
	GameSettings(ctx context.Context) (GameSettings, error)
}

type RangeProvider interface {
	CrashRanges(ctx context.Context) ([]CrashRange, error)
}

// BetStore persists rounds and bets. Both calls are upserts.
type BetStore interface {
	SaveRound(ctx context.Context, round RoundRecord) error
	SaveBet(ctx context.Context, bet Bet) error
}

type Broadcaster interface {
	Broadcast(message interface{})
}

type Options struct {
	Timing           Timing
	LedgerTimeout    time.Duration
	UpstreamAttempts int
	// ReconcileInterval spaces background retries of Ledger calls whose
	// outcome is unknown.
	ReconcileInterval time.Duration
	Now               func() time.Time
	Seeds             func() (serverSeed, clientSeed string)
}

// UnsettledBet is a bet a previous process left ACTIVE in the store.
// CrashPoint is set when its round is recorded as crashed.
type UnsettledBet struct {
	Bet
	CrashPoint *decimal.Decimal
}

type UnsettledBetSource interface {
	UnsettledBets(ctx context.Context) ([]UnsettledBet, error)
}

// Engine is the authoritative state machine for the current round and its
// bet registry. Every read or write of round state goes through stateMutex;
// Ledger and persistence calls are made with the lock released.
type Engine struct {
	ledger   Ledger
	settings SettingsProvider
	ranges   RangeProvider
	store    BetStore
	hub      Broadcaster
	opts     Options

	stateMutex sync.RWMutex
	current    *activeRound
	history    []decimal.Decimal
	nonce      int64

	settingsMu   sync.Mutex
	lastSettings *GameSettings

	// background tracks reconciliation of Ledger calls with unknown outcome
	background sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

type activeRound struct {
	round
	// pending counts in-flight operations the round must wait for before
	// the next one can start.
	pending sync.WaitGroup
}

type settlement struct {
	round  *activeRound
	record RoundRecord
	lost   []Bet
}

func NewEngine(ledger Ledger, settings SettingsProvider, ranges RangeProvider, store BetStore, hub Broadcaster, opts Options) *Engine {
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = DEFAULT_LEDGER_TIMEOUT
	}
	if opts.UpstreamAttempts <= 0 {
		opts.UpstreamAttempts = DEFAULT_UPSTREAM_ATTEMPTS
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DEFAULT_RECONCILE_EVERY
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Seeds == nil {
		opts.Seeds = func() (string, string) {
			return GenerateSeed(), GenerateSeed()
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Engine{
		ledger:   ledger,
		settings: settings,
		ranges:   ranges,
		store:    store,
		hub:      hub,
		opts:     opts,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

func (e *Engine) Timing() Timing {
	return e.opts.Timing
}

// StartRound samples a crash point and opens betting on a fresh round.
func (e *Engine) StartRound(ctx context.Context) (*RoundState, error) {
	ranges := e.currentRanges(ctx)
	serverSeed, clientSeed := e.opts.Seeds()

	e.stateMutex.Lock()
	if e.current != nil && !e.current.ended() {
		roundID, phase := e.current.roundID, e.current.phase
		e.stateMutex.Unlock()
		return nil, fmt.Errorf("round %s is still %s", roundID, phase)
	}

	e.nonce++
	now := e.opts.Now()
	r := &activeRound{round: round{
		roundID:         uuid.NewString(),
		phase:           PhaseBetting,
		crashPoint:      CrashPointFromSeeds(serverSeed, clientSeed, e.nonce, ranges),
		serverSeed:      serverSeed,
		clientSeed:      clientSeed,
		commitment:      HashCommitment(serverSeed),
		nonce:           e.nonce,
		current:         MIN_MULTIPLIER,
		startedAt:       now,
		bettingClosesAt: now.Add(e.opts.Timing.BettingDuration),
		bets:            make(map[string]*Bet),
		panels:          make(map[string]string),
	}}
	e.current = r
	state := e.snapshotLocked(r)
	record := r.record()
	r.pending.Add(1)
	e.stateMutex.Unlock()

	log.Printf("\n=== ROUND %s ===", r.roundID)
	log.Printf("[FAIR] Commitment: %s", r.commitment[:16]+"...")

	e.hub.Broadcast(WSMessage{
		Type: EventMultiplierReset,
		Data: MultiplierMessage{RoundID: r.roundID, Value: MIN_MULTIPLIER},
	})
	e.hub.Broadcast(WSMessage{
		Type: EventBettingOpen,
		Data: BettingOpenMessage{
			RoundID:         r.roundID,
			Commitment:      r.commitment,
			ClientSeed:      r.clientSeed,
			Nonce:           r.nonce,
			BettingClosesAt: r.bettingClosesAt,
		},
	})

	go func() {
		defer r.pending.Done()
		e.saveRound(record)
	}()

	return state, nil
}

// CloseBetting moves the current round from BETTING to FLYING.
func (e *Engine) CloseBetting() error {
	e.stateMutex.Lock()
	r := e.current
	if r == nil || r.phase != PhaseBetting {
		e.stateMutex.Unlock()
		return ErrBettingClosed
	}
	r.phase = PhaseFlying
	r.flyingAt = e.opts.Now()
	r.current = MIN_MULTIPLIER
	roundID := r.roundID
	bets := len(r.bets)
	e.stateMutex.Unlock()

	log.Printf("[GAME] Betting closed for %s with %d bets, flying", roundID, bets)
	e.hub.Broadcast(WSMessage{
		Type: EventBettingClose,
		Data: BettingCloseMessage{RoundID: roundID},
	})
	return nil
}

// Tick recomputes the multiplier from elapsed flight time and crashes the
// round once it reaches the crash point. It reports the multiplier and
// whether the round is now crashed.
func (e *Engine) Tick() (decimal.Decimal, bool) {
	e.stateMutex.Lock()
	r := e.current
	if r == nil {
		e.stateMutex.Unlock()
		return MIN_MULTIPLIER, false
	}
	if r.phase != PhaseFlying {
		m, ended := r.current, r.ended()
		e.stateMutex.Unlock()
		return m, ended
	}

	now := e.opts.Now()
	m := r.multiplierAt(now)
	if m.GreaterThanOrEqual(r.crashPoint) {
		s := e.crashLocked(r, now)
		e.stateMutex.Unlock()
		e.finishCrash(s)
		return s.record.CrashPoint, true
	}
	r.current = m
	roundID := r.roundID
	e.stateMutex.Unlock()

	e.hub.Broadcast(WSMessage{
		Type: EventMultiplier,
		Data: MultiplierMessage{RoundID: roundID, Value: m},
	})
	return m, false
}

// crashLocked ends the flight and sweeps every unclaimed active bet to LOST.
// Claimed bets are skipped; their fixed payout is still owed.
func (e *Engine) crashLocked(r *activeRound, now time.Time) settlement {
	r.phase = PhaseCrashed
	r.crashedAt = now
	r.current = r.crashPoint

	crashPoint := r.crashPoint
	lost := make([]Bet, 0, len(r.bets))
	for _, bet := range r.bets {
		if bet.Status != BetActive || bet.claimed {
			continue
		}
		settledAt := now
		bet.Status = BetLost
		bet.CrashMultiplierAtLoss = &crashPoint
		bet.SettledAt = &settledAt
		lost = append(lost, *bet)
	}

	e.history = append([]decimal.Decimal{crashPoint}, e.history...)
	if len(e.history) > HISTORY_SIZE {
		e.history = e.history[:HISTORY_SIZE]
	}

	r.pending.Add(1)
	return settlement{round: r, record: r.record(), lost: lost}
}

func (e *Engine) finishCrash(s settlement) {
	log.Printf("[CRASH] Round %s crashed at %sx, %d bets lost", s.record.RoundID, s.record.CrashPoint.StringFixed(2), len(s.lost))

	e.hub.Broadcast(WSMessage{
		Type: EventCrash,
		Data: CrashMessage{
			RoundID:    s.record.RoundID,
			CrashPoint: s.record.CrashPoint,
			ServerSeed: s.record.ServerSeed,
		},
	})

	go func() {
		defer s.round.pending.Done()
		ctx := context.Background()
		// the crashed round goes first so recovery can tell lost bets apart
		e.saveRound(s.record)
		for _, bet := range s.lost {
			log.Printf("[LOSS] User %s lost %s (bet %s)", bet.UserID, bet.Stake.StringFixed(2), bet.BetID)
			e.saveBet(ctx, bet)
		}
	}()
}

// AwaitSettled blocks until every in-flight operation of the current round
// has reached a terminal outcome. Call it once the round has crashed.
func (e *Engine) AwaitSettled(ctx context.Context) error {
	e.stateMutex.RLock()
	r := e.current
	e.stateMutex.RUnlock()
	if r == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlaceBet debits the stake and registers an ACTIVE bet on the current
// round. Nothing is created or broadcast when the debit fails.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) (*BetResponse, error) {
	ctx = context.WithoutCancel(ctx)

	if err := req.Validate(); err != nil {
		return nil, ErrInvalidRequest.with("%v", err)
	}
	if !req.Stake.IsPositive() || !req.Stake.Equal(req.Stake.Truncate(2)) {
		return nil, ErrInvalidRequest.with("stake must be positive with at most two decimals")
	}

	settings := e.currentSettings(ctx)
	if !settings.Enabled {
		return nil, ErrGameDisabled
	}
	if req.Stake.LessThan(settings.MinBet) || req.Stake.GreaterThan(settings.MaxBet) {
		return nil, ErrBetOutOfRange.with("bet must be between %s and %s",
			settings.MinBet.StringFixed(2), settings.MaxBet.StringFixed(2))
	}

	e.stateMutex.Lock()
	r := e.current
	if r == nil || r.phase != PhaseBetting {
		e.stateMutex.Unlock()
		return nil, ErrBettingClosed
	}
	key := panelKey(req.UserID, req.PanelID)
	if _, taken := r.panels[key]; taken {
		e.stateMutex.Unlock()
		return nil, ErrPanelInUse
	}
	r.panels[key] = ""
	r.pending.Add(1)
	e.stateMutex.Unlock()
	defer r.pending.Done()

	betID := uuid.NewString()
	var balance decimal.Decimal
	err := callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
		b, err := e.ledger.Debit(ctx, req.UserID, req.Stake, betID+":stake")
		if err == nil {
			balance = b
		}
		return err
	})
	if err != nil {
		e.stateMutex.Lock()
		delete(r.panels, key)
		e.stateMutex.Unlock()
		log.Printf("[BET] Debit refused for user %s (%s): %v", req.UserID, req.Stake.StringFixed(2), err)
		if KindOf(err) == KindUpstream {
			// the debit may have landed without an answer
			e.inBackground(func() { e.voidStake(req.UserID, req.Stake, betID) })
		}
		return nil, err
	}

	e.stateMutex.Lock()
	if r.phase != PhaseBetting {
		delete(r.panels, key)
		e.stateMutex.Unlock()
		e.refundStake(ctx, req.UserID, req.Stake, betID)
		return nil, ErrBettingClosed
	}
	bet := &Bet{
		BetID:     betID,
		RoundID:   r.roundID,
		UserID:    req.UserID,
		PanelID:   req.PanelID,
		Stake:     req.Stake,
		Status:    BetActive,
		CreatedAt: e.opts.Now(),
	}
	r.bets[betID] = bet
	r.panels[key] = betID
	snapshot := *bet
	e.stateMutex.Unlock()

	e.saveBet(ctx, snapshot)

	e.hub.Broadcast(WSMessage{
		Type: EventBetPlaced,
		Data: BetPlacedMessage{
			BetID:   betID,
			UserID:  req.UserID,
			PanelID: req.PanelID,
			Stake:   req.Stake,
		},
	})

	log.Printf("[BET] User %s placed %s on panel %d (ID: %s)", req.UserID, req.Stake.StringFixed(2), req.PanelID, betID)

	return &BetResponse{
		BetID:   betID,
		RoundID: snapshot.RoundID,
		PanelID: req.PanelID,
		Stake:   req.Stake,
		Balance: balance,
	}, nil
}

// Cashout settles an active bet at the server's multiplier at the moment
// the request is processed. The client multiplier is only a lower bound.
// The payout is fixed when the bet is claimed; a claim whose credit got no
// answer is paid again with the same amount, never recomputed.
func (e *Engine) Cashout(ctx context.Context, req CashoutRequest) (*CashoutResponse, error) {
	ctx = context.WithoutCancel(ctx)

	if err := req.Validate(); err != nil {
		return nil, ErrInvalidRequest.with("%v", err)
	}
	if req.Multiplier.IsNegative() {
		return nil, ErrInvalidRequest.with("multiplier must not be negative")
	}

	e.stateMutex.Lock()
	r := e.current
	if r != nil {
		if bet, ok := r.bets[req.BetID]; ok && bet.UserID == req.UserID && bet.claimed && bet.Status == BetActive {
			if bet.crediting {
				e.stateMutex.Unlock()
				return nil, ErrAlreadySettled
			}
			bet.crediting = true
			r.pending.Add(1)
			e.stateMutex.Unlock()
			defer r.pending.Done()

			log.Printf("[CASHOUT] Replaying payout for bet %s", bet.BetID)
			return e.payClaim(ctx, r, bet)
		}
	}
	if r == nil || r.phase == PhaseBetting || r.phase == PhaseVoided {
		e.stateMutex.Unlock()
		return nil, ErrRoundNotFlying
	}
	if r.phase == PhaseCrashed {
		e.stateMutex.Unlock()
		return nil, ErrRoundCrashed
	}
	bet, ok := r.bets[req.BetID]
	if !ok {
		e.stateMutex.Unlock()
		return nil, ErrBetNotFound
	}
	if bet.UserID != req.UserID {
		e.stateMutex.Unlock()
		return nil, ErrNotBetOwner
	}
	if bet.claimed || bet.Status != BetActive {
		e.stateMutex.Unlock()
		return nil, ErrAlreadySettled
	}

	m := r.multiplierAt(e.opts.Now())
	if m.GreaterThanOrEqual(r.crashPoint) {
		e.stateMutex.Unlock()
		return nil, ErrRoundCrashed
	}
	if m.GreaterThan(r.current) {
		r.current = m
	}
	if req.Multiplier.IsPositive() && req.Multiplier.GreaterThan(m) {
		e.stateMutex.Unlock()
		return nil, ErrMultiplierNotReached.with("requested %s, current %s", req.Multiplier.StringFixed(2), m.StringFixed(2))
	}

	payout := bet.Stake.Mul(m).Truncate(2)
	bet.claimed = true
	bet.crediting = true
	bet.CashoutMultiplier = &m
	bet.Payout = &payout
	claim := *bet
	r.pending.Add(1)
	e.stateMutex.Unlock()
	defer r.pending.Done()

	// the claim is stored before money moves so a restart can finish it
	e.saveBet(ctx, claim)

	return e.payClaim(ctx, r, bet)
}

// payClaim credits a claimed bet its fixed payout under the bet's payout
// ref. The caller has set bet.crediting.
func (e *Engine) payClaim(ctx context.Context, r *activeRound, bet *Bet) (*CashoutResponse, error) {
	e.stateMutex.RLock()
	userID, betID := bet.UserID, bet.BetID
	m, payout := *bet.CashoutMultiplier, *bet.Payout
	e.stateMutex.RUnlock()

	var balance decimal.Decimal
	err := callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
		b, err := e.ledger.Credit(ctx, userID, payout, betID+":payout")
		if err == nil {
			balance = b
		}
		return err
	})

	e.stateMutex.Lock()
	bet.crediting = false
	now := e.opts.Now()

	if err != nil && KindOf(err) == KindUpstream {
		// the credit may have landed; keep the claim so the same payout is
		// replayed under the same ref until the Ledger answers
		start := !bet.reconciling
		bet.reconciling = true
		e.stateMutex.Unlock()

		log.Printf("[CASHOUT] Credit of %s for bet %s unconfirmed: %v", payout.StringFixed(2), betID, err)
		if start {
			e.inBackground(func() { e.reconcileClaim(r, bet) })
		}
		return nil, err
	}

	if err != nil {
		// a definite refusal: nothing was paid, release the claim
		bet.claimed = false
		bet.CashoutMultiplier = nil
		bet.Payout = nil
		switch r.phase {
		case PhaseCrashed:
			crashPoint := r.crashPoint
			bet.Status = BetLost
			bet.CrashMultiplierAtLoss = &crashPoint
			bet.SettledAt = &now
		case PhaseVoided:
			bet.Status = BetRefunded
			bet.SettledAt = &now
		}
		snapshot := *bet
		e.stateMutex.Unlock()

		log.Printf("[CASHOUT] Credit refused for bet %s (user %s): %v", betID, userID, err)
		if snapshot.Status == BetRefunded {
			e.refundStake(ctx, userID, snapshot.Stake, betID)
		}
		e.saveBet(ctx, snapshot)
		return nil, err
	}

	bet.Status = BetCashedOut
	bet.SettledAt = &now
	snapshot := *bet
	e.stateMutex.Unlock()

	e.saveBet(ctx, snapshot)

	e.hub.Broadcast(WSMessage{
		Type: EventBetCashedOut,
		Data: CashoutMessage{
			BetID:      betID,
			UserID:     userID,
			Multiplier: m,
			Payout:     payout,
		},
	})

	log.Printf("[CASHOUT] User %s cashed out at %sx (Payout: %s)", userID, m.StringFixed(2), payout.StringFixed(2))

	return &CashoutResponse{
		BetID:      betID,
		Multiplier: m,
		Payout:     payout,
		Balance:    balance,
	}, nil
}

// reconcileClaim keeps paying an unconfirmed claim until it settles, even
// after its round has been replaced.
func (e *Engine) reconcileClaim(r *activeRound, bet *Bet) {
	defer func() {
		e.stateMutex.Lock()
		bet.reconciling = false
		e.stateMutex.Unlock()
	}()

	for {
		select {
		case <-e.bgCtx.Done():
			return
		case <-time.After(e.opts.ReconcileInterval):
		}

		e.stateMutex.Lock()
		if !bet.claimed || bet.Status != BetActive {
			e.stateMutex.Unlock()
			return
		}
		if bet.crediting {
			e.stateMutex.Unlock()
			continue
		}
		bet.crediting = true
		e.stateMutex.Unlock()

		if _, err := e.payClaim(e.bgCtx, r, bet); err == nil || KindOf(err) != KindUpstream {
			return
		}
	}
}

// VoidRound ends the current round without a crash. Unclaimed active bets
// get their stake back and become REFUNDED; claimed bets keep their fixed
// payout. Refunds that fail stay ACTIVE in the store for RecoverBets.
func (e *Engine) VoidRound(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	e.stateMutex.Lock()
	r := e.current
	if r == nil || r.ended() {
		e.stateMutex.Unlock()
		return nil
	}
	r.phase = PhaseVoided
	now := e.opts.Now()
	var refunds []Bet
	for _, bet := range r.bets {
		if bet.Status != BetActive || bet.claimed {
			continue
		}
		settledAt := now
		bet.Status = BetRefunded
		bet.SettledAt = &settledAt
		refunds = append(refunds, *bet)
	}
	record := r.record()
	r.pending.Add(1)
	e.stateMutex.Unlock()
	defer r.pending.Done()

	log.Printf("[GAME] Round %s voided, refunding %d bets", record.RoundID, len(refunds))
	e.hub.Broadcast(WSMessage{
		Type: EventRoundVoided,
		Data: BettingCloseMessage{RoundID: record.RoundID},
	})
	e.saveRound(record)

	failed := 0
	for _, bet := range refunds {
		err := callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
			_, err := e.ledger.Credit(ctx, bet.UserID, bet.Stake, bet.BetID+":refund")
			return err
		})
		if err != nil {
			log.Printf("[LEDGER] Refund for bet %s left to recovery: %v", bet.BetID, err)
			failed++
			continue
		}
		e.saveBet(ctx, bet)
	}
	if failed > 0 {
		return fmt.Errorf("round %s: %d refunds left to recovery", record.RoundID, failed)
	}
	return nil
}

// RecoverBets settles bets a previous process left ACTIVE. A claimed bet is
// paid its stored payout under its payout ref, a bet in a crashed round is
// lost, and any other bet gets its stake back. It must run before the
// first round starts.
func (e *Engine) RecoverBets(ctx context.Context, source UnsettledBetSource) (int, error) {
	bets, err := source.UnsettledBets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unsettled bets: %w", err)
	}

	settled := 0
	for _, ub := range bets {
		bet := ub.Bet
		now := e.opts.Now()

		var err error
		switch {
		case bet.Payout != nil && bet.CashoutMultiplier != nil:
			err = callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
				_, err := e.ledger.Credit(ctx, bet.UserID, *bet.Payout, bet.BetID+":payout")
				return err
			})
			bet.Status = BetCashedOut
		case ub.CrashPoint != nil:
			crashPoint := *ub.CrashPoint
			bet.Status = BetLost
			bet.CrashMultiplierAtLoss = &crashPoint
		default:
			err = callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
				_, err := e.ledger.Credit(ctx, bet.UserID, bet.Stake, bet.BetID+":refund")
				return err
			})
			bet.Status = BetRefunded
		}
		if err != nil {
			log.Printf("[RECOVER] Bet %s still unsettled: %v", bet.BetID, err)
			continue
		}

		bet.SettledAt = &now
		e.saveBet(ctx, bet)
		settled++
		log.Printf("[RECOVER] Bet %s of user %s settled as %s", bet.BetID, bet.UserID, bet.Status)
	}

	if settled < len(bets) {
		return settled, fmt.Errorf("%d of %d unsettled bets could not be settled", len(bets)-settled, len(bets))
	}
	return settled, nil
}

// Drain waits for background reconciliation to finish.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background reconciliation. Claims still unpaid remain in the
// store with their payout for RecoverBets.
func (e *Engine) Close() {
	e.bgCancel()
}

func (e *Engine) inBackground(fn func()) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		fn()
	}()
}

// reconcile repeats fn until the Ledger gives a definite answer or the
// engine closes.
func (e *Engine) reconcile(fn func(ctx context.Context) error) error {
	for {
		err := callUpstream(e.bgCtx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, fn)
		if err == nil || KindOf(err) != KindUpstream {
			return err
		}
		select {
		case <-e.bgCtx.Done():
			return ErrUpstream.wrap(e.bgCtx.Err())
		case <-time.After(e.opts.ReconcileInterval):
		}
	}
}

// voidStake settles a debit whose outcome is unknown. The debit is replayed
// under its ref until the Ledger answers; a debit that stands is refunded.
func (e *Engine) voidStake(userID string, stake decimal.Decimal, betID string) {
	err := e.reconcile(func(ctx context.Context) error {
		_, err := e.ledger.Debit(ctx, userID, stake, betID+":stake")
		return err
	})
	if err != nil {
		if KindOf(err) == KindUpstream {
			log.Printf("[LEDGER] Gave up on debit %s for user %s: %v", betID, userID, err)
		} else {
			log.Printf("[LEDGER] Debit %s for user %s never applied: %v", betID, userID, err)
		}
		return
	}
	e.refundStake(e.bgCtx, userID, stake, betID)
}

// CurrentRound returns a copy of the current round, or nil before the
// first round has started.
func (e *Engine) CurrentRound() *RoundState {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	if e.current == nil {
		return nil
	}
	return e.snapshotLocked(e.current)
}

// History returns recent crash points, newest first.
func (e *Engine) History() []decimal.Decimal {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()
	out := make([]decimal.Decimal, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) snapshotLocked(r *activeRound) *RoundState {
	state := &RoundState{
		RoundID:           r.roundID,
		Phase:             r.phase,
		HashCommitment:    r.commitment,
		ClientSeed:        r.clientSeed,
		Nonce:             r.nonce,
		CurrentMultiplier: r.current,
		StartedAt:         r.startedAt,
		BettingClosesAt:   r.bettingClosesAt,
		Bets:              make([]Bet, 0, len(r.bets)),
	}
	if r.phase == PhaseCrashed {
		crashedAt := r.crashedAt
		crashPoint := r.crashPoint
		state.CrashedAt = &crashedAt
		state.CrashPoint = &crashPoint
		state.ServerSeed = r.serverSeed
	}
	for _, bet := range r.bets {
		state.Bets = append(state.Bets, *bet)
	}
	sort.Slice(state.Bets, func(i, j int) bool {
		return state.Bets[i].CreatedAt.Before(state.Bets[j].CreatedAt)
	})
	return state
}

func (r *round) ended() bool {
	return r.phase == PhaseCrashed || r.phase == PhaseVoided
}

func (r *round) multiplierAt(now time.Time) decimal.Decimal {
	m := MultiplierAt(now.Sub(r.flyingAt))
	if m.LessThan(r.current) {
		return r.current
	}
	return m
}

func (r *round) record() RoundRecord {
	rec := RoundRecord{
		RoundID:         r.roundID,
		Phase:           r.phase,
		CrashPoint:      r.crashPoint,
		ServerSeed:      r.serverSeed,
		ClientSeed:      r.clientSeed,
		Commitment:      r.commitment,
		Nonce:           r.nonce,
		StartedAt:       r.startedAt,
		BettingClosesAt: r.bettingClosesAt,
	}
	if r.phase == PhaseCrashed {
		crashedAt := r.crashedAt
		rec.CrashedAt = &crashedAt
	}
	return rec
}

func (e *Engine) currentSettings(ctx context.Context) GameSettings {
	var settings GameSettings
	err := callUpstream(ctx, e.opts.LedgerTimeout, 1, func(ctx context.Context) error {
		s, err := e.settings.GameSettings(ctx)
		if err == nil {
			settings = s
		}
		return err
	})

	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	if err != nil {
		log.Printf("[GAME] Settings unavailable, using last known: %v", err)
		if e.lastSettings != nil {
			return *e.lastSettings
		}
		return DefaultSettings()
	}
	e.lastSettings = &settings
	return settings
}

func (e *Engine) currentRanges(ctx context.Context) []CrashRange {
	var ranges []CrashRange
	err := callUpstream(ctx, e.opts.LedgerTimeout, 1, func(ctx context.Context) error {
		rs, err := e.ranges.CrashRanges(ctx)
		if err == nil {
			ranges = rs
		}
		return err
	})
	if err != nil {
		log.Printf("[GAME] Crash ranges unavailable: %v", err)
		return nil
	}
	return ranges
}

func (e *Engine) refundStake(ctx context.Context, userID string, stake decimal.Decimal, betID string) {
	refund := func(ctx context.Context) error {
		_, err := e.ledger.Credit(ctx, userID, stake, betID+":refund")
		return err
	}

	err := callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, refund)
	if err != nil && KindOf(err) == KindUpstream {
		log.Printf("[LEDGER] Refund of %s to user %s for bet %s unconfirmed, retrying: %v", stake.StringFixed(2), userID, betID, err)
		e.inBackground(func() {
			if err := e.reconcile(refund); err != nil {
				log.Printf("[LEDGER] Refund for bet %s abandoned: %v", betID, err)
			}
		})
		return
	}
	if err != nil {
		log.Printf("[LEDGER] Refund of %s to user %s for bet %s refused: %v", stake.StringFixed(2), userID, betID, err)
		return
	}
	log.Printf("[LEDGER] Refunded %s to user %s for bet %s", stake.StringFixed(2), userID, betID)
}

func (e *Engine) saveBet(ctx context.Context, bet Bet) {
	err := callUpstream(ctx, e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
		return e.store.SaveBet(ctx, bet)
	})
	if err != nil {
		log.Printf("[DB] Failed to persist bet %s (%s): %v", bet.BetID, bet.Status, err)
	}
}

func (e *Engine) saveRound(rec RoundRecord) {
	err := callUpstream(context.Background(), e.opts.LedgerTimeout, e.opts.UpstreamAttempts, func(ctx context.Context) error {
		return e.store.SaveRound(ctx, rec)
	})
	if err != nil {
		log.Printf("[DB] Failed to persist round %s (%s): %v", rec.RoundID, rec.Phase, err)
	}
}

func panelKey(userID string, panelID int) string {
	return fmt.Sprintf("%s:%d", userID, panelID)
}
