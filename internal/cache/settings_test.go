package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crashgame/internal/game"
)

type countingSource struct {
	mu            sync.Mutex
	settings      game.GameSettings
	ranges        []game.CrashRange
	err           error
	settingsReads int
	rangeReads    int
}

func (s *countingSource) GameSettings(ctx context.Context) (game.GameSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingsReads++
	return s.settings, s.err
}

func (s *countingSource) CrashRanges(ctx context.Context) ([]game.CrashRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rangeReads++
	return s.ranges, s.err
}

func (s *countingSource) UpdateGameSettings(ctx context.Context, settings game.GameSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.settings = settings
	return nil
}

func newCountingSource() *countingSource {
	return &countingSource{
		settings: game.DefaultSettings(),
		ranges: []game.CrashRange{
			{Low: dec("1.00"), High: dec("2.00"), Probability: 0.9},
			{Low: dec("2.00"), High: dec("50.00"), Probability: 0.1},
		},
	}
}

func TestSettingsCache_ServesFromRedis(t *testing.T) {
	source := newCountingSource()
	cache := NewSettingsCache(testClient(t), source, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		settings, err := cache.GameSettings(ctx)
		if err != nil {
			t.Fatalf("GameSettings() error = %v", err)
		}
		if !settings.MaxBet.Equal(dec("10000")) {
			t.Errorf("MaxBet = %s, want 10000", settings.MaxBet)
		}

		ranges, err := cache.CrashRanges(ctx)
		if err != nil {
			t.Fatalf("CrashRanges() error = %v", err)
		}
		if len(ranges) != 2 || !ranges[1].High.Equal(dec("50")) || ranges[0].Probability != 0.9 {
			t.Errorf("CrashRanges() = %+v", ranges)
		}
	}

	if source.settingsReads != 1 || source.rangeReads != 1 {
		t.Errorf("source reads = %d settings, %d ranges; want 1 each", source.settingsReads, source.rangeReads)
	}
}

func TestSettingsCache_UpdateInvalidates(t *testing.T) {
	source := newCountingSource()
	cache := NewSettingsCache(testClient(t), source, time.Minute)
	ctx := context.Background()

	if _, err := cache.GameSettings(ctx); err != nil {
		t.Fatalf("GameSettings() error = %v", err)
	}

	updated := game.GameSettings{MinBet: dec("2.00"), MaxBet: dec("20.00"), Enabled: false}
	if err := cache.UpdateGameSettings(ctx, updated); err != nil {
		t.Fatalf("UpdateGameSettings() error = %v", err)
	}

	got, err := cache.GameSettings(ctx)
	if err != nil {
		t.Fatalf("GameSettings() error = %v", err)
	}
	if got.Enabled || !got.MaxBet.Equal(dec("20")) {
		t.Errorf("GameSettings() = %+v, want the updated settings", got)
	}
	if source.settingsReads != 2 {
		t.Errorf("source reads = %d, want 2", source.settingsReads)
	}
}

func TestSettingsCache_SourceFailure(t *testing.T) {
	source := newCountingSource()
	source.err = errors.New("postgres down")
	cache := NewSettingsCache(testClient(t), source, time.Minute)

	if _, err := cache.GameSettings(context.Background()); err == nil {
		t.Fatal("expected the source error when nothing is cached")
	}
	if err := cache.UpdateGameSettings(context.Background(), game.DefaultSettings()); err == nil {
		t.Fatal("expected UpdateGameSettings() to fail with the source")
	}
}

func TestSettingsCache_DefaultTTL(t *testing.T) {
	cache := NewSettingsCache(nil, newCountingSource(), 0)
	if cache.ttl != DEFAULT_SETTINGS_TTL {
		t.Errorf("ttl = %v, want %v", cache.ttl, DEFAULT_SETTINGS_TTL)
	}
}
