package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crashgame/internal/game"
)

const (
	TOKEN_TTL = 24 * time.Hour
	ISSUER    = "crashgame"
)

var (
	ErrUnauthenticated = game.ErrUnauthenticated
	ErrSessionExpired  = &game.Error{Kind: game.KindUnauthenticated, Code: "unauthenticated", Message: "session expired"}
)

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Registry resolves session tokens to user ids. Tokens are HS256 JWTs
// signed with a shared secret.
type Registry struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewRegistry(secret string) *Registry {
	return &Registry{
		secret: []byte(secret),
		ttl:    TOKEN_TTL,
		now:    time.Now,
	}
}

func (r *Registry) Issue(userID string) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}

	now := r.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ISSUER,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Resolve returns the user id carried by token or ErrUnauthenticated.
func (r *Registry) Resolve(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ISSUER),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrSessionExpired
		}
		return "", ErrUnauthenticated
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", ErrUnauthenticated
	}
	return claims.UserID, nil
}
