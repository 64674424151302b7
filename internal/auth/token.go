package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken creates a signed JWT for userID with the given roles.
// signingKeyPEM is the PEM-encoded ECDSA private key.
func IssueToken(signingKeyPEM string, userID string, roles []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}

	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(signingKey)
}
