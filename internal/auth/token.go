// ABOUTME: JWT token verification for authenticating chat API requests
// ABOUTME: Uses HS256 signing; the subject claim is a typed participant reference

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-chat/internal/participant"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (participant.Ref, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the participant from the "sub"
// claim, which has the form "kind:id" (e.g. "user:12").
func (v *JWTVerifier) Verify(tokenString string) (participant.Ref, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return participant.Ref{}, ErrExpiredToken
		}
		return participant.Ref{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return participant.Ref{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return participant.Ref{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return participant.Ref{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	ref, err := participant.Parse(sub)
	if err != nil {
		return participant.Ref{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := ref.Validate(); err != nil {
		return participant.Ref{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return ref, nil
}

// Generate creates a new JWT token for the given participant with expiration
func (v *JWTVerifier) Generate(ref participant.Ref, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": ref.String(),
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
