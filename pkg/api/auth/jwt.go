// Package auth provides the admin API's bearer-token authentication:
// a JWT service issuing short-lived access/refresh pairs, and a
// bcrypt-hashed shared secret standing in for a user store (spec.md's
// admin surface has exactly one credential, the operator's shared
// secret, not a multi-user account system).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/khryptorgraphics/clusterbackfill/internal/config"
)

// Role names carried in Claims.Role. The admin surface has a single
// authenticated role today; kept as a named constant rather than a
// bare string literal so a future operator/viewer split has a home.
const RoleAdmin = "admin"

// Claims embeds jwt.RegisteredClaims the way pkg/auth/jwt.go's Claims
// does, adding only the role this deployment's single credential grants.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// TokenPair is the access/refresh token pair GenerateToken returns.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// JWTService issues and validates bearer tokens for the admin API.
// Grounded on pkg/auth/jwt.go's JWTService, adapted from RS256 to
// HS256: internal/config.JWTConfig carries a single shared secret
// key, not an RSA key pair, since this is a single-operator-credential
// deployment rather than a multi-tenant identity provider.
type JWTService struct {
	secretKey   []byte
	issuer      string
	audience    string
	expiry      time.Duration
	refreshTTL  time.Duration
}

// NewJWTService builds a JWTService from the loaded configuration.
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secretKey:  []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		expiry:     cfg.ExpiryTime,
		refreshTTL: cfg.RefreshTime,
	}
}

// GenerateToken issues a fresh access/refresh pair for the given subject.
func (s *JWTService) GenerateToken(subject string) (*TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(s.expiry)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	})
	accessSigned, err := access.SignedString(s.secretKey)
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	})
	refreshSigned, err := refresh.SignedString(s.secretKey)
	if err != nil {
		return nil, fmt.Errorf("auth: sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessSigned,
		RefreshToken: refreshSigned,
		ExpiresAt:    accessExp,
	}, nil
}

// ValidateToken parses and verifies a bearer token, returning its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithAudience(s.audience), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: token is not valid")
	}
	return claims, nil
}

// RefreshToken validates a refresh token and, if still valid, issues a
// fresh access/refresh pair for the same subject.
func (s *JWTService) RefreshToken(refreshToken string) (*TokenPair, error) {
	claims, err := s.ValidateToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
	return s.GenerateToken(claims.Subject)
}
