// Package auth mints and verifies the HS256 bearer tokens operators use
// against the REST API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleOperator = "operator"
	// RoleAdmin may open system-scope sessions and administer nodes.
	RoleAdmin = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Config struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

const defaultExpiry = 12 * time.Hour

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Elevated reports whether the role grants system-scope access.
func (c *Claims) Elevated() bool {
	return c.Role == RoleAdmin
}

func ValidRole(role string) bool {
	return role == RoleOperator || role == RoleAdmin
}

// GenerateToken signs a token for subject with role.
func GenerateToken(cfg Config, subject, role string) (string, time.Time, error) {
	if cfg.Secret == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if !ValidRole(role) {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = defaultExpiry
	}

	now := time.Now()
	expiresAt := now.Add(expiry)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses tokenString and checks its signature, expiry and
// claims.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: missing subject or role", ErrInvalidToken)
	}
	return claims, nil
}
