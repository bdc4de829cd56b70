// Package auth verifies caller credentials and yields a verified subject.
// Two mechanisms are supported: HS256 bearer tokens and API keys. The
// bootstrap core never sees credentials, only the subject string this
// package produces.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/errors"
)

// JWTManager verifies and mints HS256 bearer tokens.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager creates a JWT manager from auth configuration.
func NewJWTManager(cfg config.AuthConfig) (*JWTManager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	return &JWTManager{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
	}, nil
}

// VerifyToken validates a bearer token and returns its subject claim.
func (m *JWTManager) VerifyToken(tokenString string) (string, error) {
	var opts []jwt.ParserOption
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		}, opts...)
	if err != nil {
		return "", errors.Wrap(errors.ErrUnauthorized, err.Error())
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.Wrap(errors.ErrUnauthorized, "invalid token claims")
	}
	if claims.Subject == "" {
		return "", errors.Wrap(errors.ErrUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

// MintToken signs a token for the given subject. Used by the token
// subcommand for local testing; the server never mints.
func (m *JWTManager) MintToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if m.issuer != "" {
		claims.Issuer = m.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}
