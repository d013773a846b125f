package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxTokenLen keeps oversized bearer values away from the parser.
const maxTokenLen = 8 * 1024

// JWTVerifier accepts HS256 tokens signed with a shared secret. Tokens must
// carry exp; nbf and iat are checked when present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *JWTVerifier) Verify(token string) error {
	_, err := v.Claims(token)
	return err
}

// Claims verifies token and returns its registered claims.
func (v *JWTVerifier) Claims(token string) (*jwt.RegisteredClaims, error) {
	if token == "" || len(token) > maxTokenLen || len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
