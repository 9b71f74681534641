// Package auth issues and validates the bearer tokens of administrators.
package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// Rights granted to administrators
const (
	RightManageRunners = "MANAGE_RUNNERS"
	RightManageJobs    = "MANAGE_JOBS"
)

// AllRights lists every right in a stable order
var AllRights = []string{RightManageRunners, RightManageJobs}

const defaultTokenTTL = time.Hour

// Claims are the JWT claims of an admin token
type Claims struct {
	Rights []string `json:"rights"`
	jwt.RegisteredClaims
}

// HasRight reports whether the token grants right
func (c *Claims) HasRight(right string) bool {
	return slices.Contains(c.Rights, right)
}

// TokenService signs and verifies HS256 admin tokens
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for subject. A zero ttl uses the configured one.
func (s *TokenService) Issue(subject string, rights []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	for _, r := range rights {
		if !slices.Contains(AllRights, r) {
			return "", fmt.Errorf("unknown right %q", r)
		}
	}

	now := s.now()
	claims := Claims{
		Rights: rights,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns its claims
func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, domain.ErrUnauthorized.WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, domain.ErrUnauthorized
	}
	return claims, nil
}
