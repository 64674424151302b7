package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/authn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Issuer is the iss claim on tokens issued and accepted by assessd.
const Issuer = "assessd"

// Claims are the JWT claims carried by a bearer token. The subject is the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

type jwtVerifier struct {
	publicKey *ecdsa.PublicKey
}

func newJWTVerifierFromPEM(publicKeyPEM string) (*jwtVerifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return &jwtVerifier{publicKey: publicKey}, nil
}

func (v *jwtVerifier) verify(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return v.publicKey, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}

// NewJWTAuthFunc returns an authn.AuthFunc that validates Bearer JWTs.
// On success the request info is an *Identity, retrieved with
// IdentityFromContext.
func NewJWTAuthFunc(publicKeyPEM string) (authn.AuthFunc, error) {
	v, err := newJWTVerifierFromPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, req authn.Request) (any, error) {
		tokenStr, ok := bearerToken(req.Header().Get("Authorization"))
		if !ok {
			return nil, authn.Errorf("missing bearer token")
		}

		claims, err := v.verify(tokenStr)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("JWT parse error")
			return nil, authn.Errorf("invalid token")
		}

		return &Identity{UserID: claims.Subject, Roles: claims.Roles}, nil
	}, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" value.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware wraps next with bearer token authentication. Every request
// through it needs a token, so unauthenticated routes are mounted outside it.
func Middleware(publicKeyPEM string) (func(http.Handler) http.Handler, error) {
	authFunc, err := NewJWTAuthFunc(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return authn.NewMiddleware(authFunc).Wrap, nil
}
