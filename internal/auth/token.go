package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs a session token for the given subject id. The token
// carries the issue time and expires ttl from now.
func IssueToken(subject string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyToken checks the signature and expiry of a session token and
// returns its subject id and issue time. Only HS256 is accepted; tokens
// signed with any other method fail with ErrTokenInvalid.
func VerifyToken(tokenString string, secret []byte) (subject string, issuedAt time.Time, err error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", time.Time{}, ErrTokenExpired
		}
		return "", time.Time{}, ErrTokenInvalid
	}
	if !token.Valid {
		return "", time.Time{}, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return "", time.Time{}, ErrTokenInvalid
	}
	return claims.Subject, claims.IssuedAt.Time, nil
}
