package game

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

type Phase string

const (
	PhaseBetting Phase = "BETTING"
	PhaseFlying  Phase = "FLYING"
	PhaseCrashed Phase = "CRASHED"
	// PhaseVoided ends a round without a crash, on shutdown.
	PhaseVoided Phase = "VOIDED"
)

type BetStatus string

const (
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
	BetRefunded  BetStatus = "REFUNDED"
)

type BetRequest struct {
	UserID  string          `json:"user_id" validate:"required,max=64"`
	Stake   decimal.Decimal `json:"stake"`
	PanelID int             `json:"panel_id" validate:"min=0,max=1"`
}

func (r *BetRequest) Validate() error {
	return validate.Struct(r)
}

type BetResponse struct {
	BetID   string          `json:"bet_id"`
	RoundID string          `json:"round_id"`
	PanelID int             `json:"panel_id"`
	Stake   decimal.Decimal `json:"stake"`
	Balance decimal.Decimal `json:"balance"`
}

// CashoutRequest asks to settle a bet at the server's current multiplier.
// Multiplier is an optional lower bound the client saw on screen; it is
// never used to compute the payout.
type CashoutRequest struct {
	UserID     string          `json:"user_id" validate:"required,max=64"`
	BetID      string          `json:"bet_id" validate:"required,max=64"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

func (r *CashoutRequest) Validate() error {
	return validate.Struct(r)
}

type CashoutResponse struct {
	BetID      string          `json:"bet_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Balance    decimal.Decimal `json:"new_balance"`
}

type GameSettings struct {
	MinBet  decimal.Decimal `json:"min_bet"`
	MaxBet  decimal.Decimal `json:"max_bet"`
	Enabled bool            `json:"game_enabled"`
}

// DefaultSettings are used until a settings provider has answered once.
func DefaultSettings() GameSettings {
	return GameSettings{
		MinBet:  decimal.NewFromInt(1),
		MaxBet:  decimal.NewFromInt(10000),
		Enabled: true,
	}
}

type Bet struct {
	BetID                 string           `json:"bet_id"`
	RoundID               string           `json:"round_id"`
	UserID                string           `json:"user_id"`
	PanelID               int              `json:"panel_id"`
	Stake                 decimal.Decimal  `json:"stake"`
	Status                BetStatus        `json:"status"`
	CashoutMultiplier     *decimal.Decimal `json:"cashout_multiplier,omitempty"`
	Payout                *decimal.Decimal `json:"payout,omitempty"`
	CrashMultiplierAtLoss *decimal.Decimal `json:"crash_multiplier_at_loss,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	SettledAt             *time.Time       `json:"settled_at,omitempty"`

	// claimed is set once a cash-out has fixed CashoutMultiplier and Payout;
	// the bet stays ACTIVE until that payout is confirmed.
	claimed     bool
	crediting   bool
	reconciling bool
}

func (b *Bet) Terminal() bool {
	return b.Status == BetCashedOut || b.Status == BetLost || b.Status == BetRefunded
}

type round struct {
	roundID         string
	phase           Phase
	crashPoint      decimal.Decimal
	serverSeed      string
	clientSeed      string
	commitment      string
	nonce           int64
	current         decimal.Decimal
	startedAt       time.Time
	bettingClosesAt time.Time
	flyingAt        time.Time
	crashedAt       time.Time

	bets   map[string]*Bet
	panels map[string]string // user:panel -> bet id ("" while reserved)
}

// RoundState is the client-visible view of a round. The crash point and
// server seed stay empty until the round has crashed.
type RoundState struct {
	RoundID           string           `json:"round_id"`
	Phase             Phase            `json:"phase"`
	HashCommitment    string           `json:"hash_commitment"`
	ClientSeed        string           `json:"client_seed"`
	Nonce             int64            `json:"nonce"`
	CurrentMultiplier decimal.Decimal  `json:"current_multiplier"`
	StartedAt         time.Time        `json:"started_at"`
	BettingClosesAt   time.Time        `json:"betting_closes_at"`
	CrashedAt         *time.Time       `json:"crashed_at,omitempty"`
	CrashPoint        *decimal.Decimal `json:"crash_point,omitempty"`
	ServerSeed        string           `json:"server_seed,omitempty"`
	Bets              []Bet            `json:"bets"`
}

// RoundRecord is what gets persisted for a round.
type RoundRecord struct {
	RoundID         string
	Phase           Phase
	CrashPoint      decimal.Decimal
	ServerSeed      string
	ClientSeed      string
	Commitment      string
	Nonce           int64
	StartedAt       time.Time
	BettingClosesAt time.Time
	CrashedAt       *time.Time
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Broadcast events

type BettingOpenMessage struct {
	RoundID         string    `json:"round_id"`
	Commitment      string    `json:"hash_commitment"`
	ClientSeed      string    `json:"client_seed"`
	Nonce           int64     `json:"nonce"`
	BettingClosesAt time.Time `json:"betting_closes_at"`
}

type BettingCloseMessage struct {
	RoundID string `json:"round_id"`
}

type MultiplierMessage struct {
	RoundID string          `json:"round_id"`
	Value   decimal.Decimal `json:"value"`
}

type CrashMessage struct {
	RoundID    string          `json:"round_id"`
	CrashPoint decimal.Decimal `json:"crash_point"`
	ServerSeed string          `json:"server_seed"`
}

type BetPlacedMessage struct {
	BetID   string          `json:"bet_id"`
	UserID  string          `json:"user_id"`
	PanelID int             `json:"panel_id"`
	Stake   decimal.Decimal `json:"stake"`
}

type CashoutMessage struct {
	BetID      string          `json:"bet_id"`
	UserID     string          `json:"user_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

const (
	EventBettingOpen     = "betting_open"
	EventBettingClose    = "betting_close"
	EventMultiplier      = "multiplier_update"
	EventMultiplierReset = "multiplier_reset"
	EventCrash           = "plane_crash"
	EventBetPlaced       = "bet_placed"
	EventBetCashedOut    = "bet_cashed_out"
	EventRoundVoided     = "round_voided"

	EventBetAck         = "bet_ack"
	EventBetError       = "bet_error"
	EventCashoutSuccess = "cash_out_success"
	EventCashoutError   = "cashout_error"
	EventInitialState   = "initial_state"
)
