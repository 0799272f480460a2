package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "asc-agent"

// Claims identifies an agent to the coordination server
type Claims struct {
	AgentName string `json:"agent_name"`
	jwt.RegisteredClaims
}

// TokenSource issues short-lived HS256 bearer tokens for one agent and
// reuses each token until it is close to expiry.
type TokenSource struct {
	mu      sync.Mutex
	secret  []byte
	agent   string
	ttl     time.Duration
	now     func() time.Time
	current string
	expires time.Time
}

// NewTokenSource creates a token source. ttl <= 0 defaults to 15 minutes.
func NewTokenSource(secret, agent string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSource{secret: []byte(secret), agent: agent, ttl: ttl, now: time.Now}
}

// Token returns a valid signed token, minting a new one when the cached
// token has less than a tenth of its lifetime left.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.current != "" && now.Add(s.ttl/10).Before(s.expires) {
		return s.current, nil
	}

	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		AgentName: s.agent,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   s.agent,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.current, s.expires = signed, expiresAt
	return signed, nil
}

// ValidateToken parses and verifies a token signed with secret
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
