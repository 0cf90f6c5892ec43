package twofactor

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

var errInvalidToken = errors.New("invalid token")

// signToken creates an HS256 token for subject that expires ttl after now.
// Session cookies carry the username, CSRF tokens a one-off form id.
func signToken(key []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := &jwt.StandardClaims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// parseToken checks the signature and expiry of signed and returns its subject.
func parseToken(key []byte, signed string, now time.Time) (string, error) {
	token, err := jwt.ParseWithClaims(
		signed, &jwt.StandardClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		},
	)
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.StandardClaims)
	if !ok || !token.Valid {
		return "", errInvalidToken
	}
	if claims.ExpiresAt <= now.Unix() {
		return "", errors.New("token expired")
	}
	if claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}
