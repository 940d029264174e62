// README: HMAC JWT verifier for service-issued tokens (alternative to Firebase).
package infra

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a service-issued token. Subject carries the caller uid.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) TokenVerifier {
	return &jwtVerifier{secret: []byte(secret)}
}

func (v *jwtVerifier) VerifyIDToken(_ context.Context, raw string) (*VerifiedToken, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	out := map[string]interface{}{}
	if claims.Role != "" {
		out["role"] = claims.Role
	}
	return &VerifiedToken{UID: claims.Subject, Claims: out}, nil
}

// SignJWT issues an HS256 token; used by tooling and tests.
func SignJWT(secret, subject, role string) (string, error) {
	claims := Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
