package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"

	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/session"
)

// Wallet is the ledger plus a balance read for the user endpoints.
type Wallet interface {
	game.Ledger
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type BetHistory interface {
	BetsByUser(ctx context.Context, userID string, limit int) ([]game.Bet, error)
}

type SettingsStore interface {
	game.SettingsProvider
	game.RangeProvider
	UpdateGameSettings(ctx context.Context, settings game.GameSettings) error
}

// Deps are the collaborators the HTTP and WebSocket surface talks to.
type Deps struct {
	Config   *config.Config
	Engine   *game.Engine
	Clock    *game.RoundClock
	Hub      *game.Hub
	Sessions *session.Registry
	Wallet   Wallet
	Bets     BetHistory
	Settings SettingsStore

	// optional, reported by /health and closed on shutdown
	DB    database.Service
	Cache cache.Service
}

type FiberServer struct {
	*fiber.App

	cfg      *config.Config
	db       database.Service
	cache    cache.Service
	engine   *game.Engine
	clock    *game.RoundClock
	hub      *game.Hub
	sessions *session.Registry
	wallet   Wallet
	bets     BetHistory
	settings SettingsStore
}

// New connects Postgres and Redis, migrates the schema and assembles the
// round engine on top of them.
func New(cfg *config.Config) *FiberServer {
	// Initialize database
	db := database.New()
	if err := database.RunMigrations(db.DB(), cfg.MigrationsPath); err != nil {
		log.Fatalf("[SERVER] Migrations failed: %v", err)
	}

	// Initialize Redis cache
	redisService := cache.New()
	if redisService == nil {
		log.Fatal("[SERVER] Redis is required for game functionality")
	}

	ledger := cache.NewLedger(redisService.GetClient())
	settings := cache.NewSettingsCache(redisService.GetClient(), db, cfg.SettingsCacheTTL)

	hub := game.NewHub()
	engine := game.NewEngine(ledger, settings, settings, db, hub, game.Options{
		Timing:            cfg.Timing,
		LedgerTimeout:     cfg.LedgerTimeout,
		UpstreamAttempts:  cfg.UpstreamAttempts,
		ReconcileInterval: cfg.ReconcileInterval,
	})

	// Settle what a previous process left open before the first round
	ctx := context.Background()
	if _, err := engine.RecoverBets(ctx, db); err != nil {
		log.Printf("[SERVER] Recovery incomplete, retried on next start: %v", err)
	}
	if err := db.VoidOpenRounds(ctx); err != nil {
		log.Printf("[SERVER] Could not close stale rounds: %v", err)
	}

	return NewWithDeps(Deps{
		Config:   cfg,
		Engine:   engine,
		Clock:    game.NewRoundClock(engine),
		Hub:      hub,
		Sessions: session.NewRegistry(cfg.JWTSecret),
		Wallet:   ledger,
		Bets:     db,
		Settings: settings,
		DB:       db,
		Cache:    redisService,
	})
}

func NewWithDeps(deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashgame",
			AppName:       "crashgame",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:      deps.Config,
		db:       deps.DB,
		cache:    deps.Cache,
		engine:   deps.Engine,
		clock:    deps.Clock,
		hub:      deps.Hub,
		sessions: deps.Sessions,
		wallet:   deps.Wallet,
		bets:     deps.Bets,
		settings: deps.Settings,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			// websocket traffic is limited per connection
			return c.Path() == "/ws"
		},
	}))

	return server
}

// Start runs the hub and the round clock. They stop on Shutdown.
func (s *FiberServer) Start(ctx context.Context) {
	go s.hub.Run()
	if s.clock != nil {
		s.clock.Start(ctx)
	}
	log.Println("[SERVER] Hub and round clock started")
}

func (s *FiberServer) Listen() error {
	return s.App.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// Shutdown lets the current round finish, waits for in-flight settlement,
// then closes connections. A round still flying at the deadline is voided.
func (s *FiberServer) Shutdown(ctx context.Context) error {
	log.Println("[SERVER] Shutting down...")

	if s.clock != nil {
		if err := s.clock.Stop(ctx); err != nil {
			log.Printf("[SERVER] Round outlived the shutdown deadline, voiding it: %v", err)
			if err := s.engine.VoidRound(ctx); err != nil {
				log.Printf("[SERVER] %v", err)
			}
		}
	}
	if err := s.engine.AwaitSettled(ctx); err != nil {
		log.Printf("[SERVER] Settlement still in flight at shutdown: %v", err)
	}
	if err := s.engine.Drain(ctx); err != nil {
		log.Printf("[SERVER] Unconfirmed payouts left to recovery: %v", err)
	}
	s.engine.Close()

	err := s.App.ShutdownWithContext(ctx)
	s.hub.Stop()

	// Close connections
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return err
}
