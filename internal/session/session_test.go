package session

import (
	"errors"
	"testing"
	"time"

	"crashgame/internal/game"
)

func TestIssueAndResolve(t *testing.T) {
	registry := NewRegistry("test-secret")

	token, err := registry.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	userID, err := registry.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if userID != "user-1" {
		t.Errorf("expected user-1, got %s", userID)
	}
}

func TestResolveRejects(t *testing.T) {
	registry := NewRegistry("test-secret")
	other := NewRegistry("other-secret")

	foreign, err := other.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Resolve(tt.token)
			if !errors.Is(err, game.ErrUnauthenticated) {
				t.Errorf("expected ErrUnauthenticated, got %v", err)
			}
			if game.KindOf(err) != game.KindUnauthenticated {
				t.Errorf("expected kind %s, got %s", game.KindUnauthenticated, game.KindOf(err))
			}
		})
	}
}

func TestResolveExpired(t *testing.T) {
	registry := NewRegistry("test-secret")
	issued := time.Now().Add(-48 * time.Hour)
	registry.now = func() time.Time { return issued }

	token, err := registry.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	registry.now = time.Now
	_, err = registry.Resolve(token)
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
}

func TestIssueRequiresUser(t *testing.T) {
	registry := NewRegistry("test-secret")
	if _, err := registry.Issue(""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}
