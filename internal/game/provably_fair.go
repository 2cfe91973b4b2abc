package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// SeedStream is a deterministic Source derived from a round's seeds.
// Each draw is HMAC-SHA256(serverSeed, "clientSeed:nonce:counter"), so the
// sequence is reproducible once the server seed is revealed and
// unpredictable before that.
type SeedStream struct {
	serverSeed string
	clientSeed string
	nonce      int64
	counter    int
}

func NewSeedStream(serverSeed, clientSeed string, nonce int64) *SeedStream {
	return &SeedStream{
		serverSeed: serverSeed,
		clientSeed: clientSeed,
		nonce:      nonce,
	}
}

func (s *SeedStream) Float64() float64 {
	data := fmt.Sprintf("%s:%d:%d", s.clientSeed, s.nonce, s.counter)
	s.counter++

	h := hmac.New(sha256.New, []byte(s.serverSeed))
	h.Write([]byte(data))
	sum := h.Sum(nil)

	// 53 bits fill a float64 mantissa exactly
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// GenerateSeed creates a cryptographically secure random seed
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment creates a SHA256 hash of the seed for commitment
func HashCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// CrashPointFromSeeds reproduces the crash point of a round.
func CrashPointFromSeeds(serverSeed, clientSeed string, nonce int64, ranges []CrashRange) decimal.Decimal {
	return SampleCrashPoint(ranges, NewSeedStream(serverSeed, clientSeed, nonce))
}

// VerifyRound allows players to verify the fairness of a round against the
// range configuration that was active when it was played.
func VerifyRound(serverSeed, clientSeed string, nonce int64, ranges []CrashRange, claimed decimal.Decimal) bool {
	return CrashPointFromSeeds(serverSeed, clientSeed, nonce, ranges).Equal(claimed)
}
