// ABOUTME: JWT token verification resolving a presented token to a peer identity
// ABOUTME: Uses HS256 signing with configurable secret; a "kind" claim picks the peer class

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tdoan35/onsembl/internal/registry"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrKindMismatch = errors.New("token kind mismatch")
)

// Identity is the resolved peer identity behind a verified token.
type Identity struct {
	PeerID string
	Kind   registry.PeerKind
}

// Verifier resolves a presented token to a peer identity before the
// connection is registered.
type Verifier interface {
	Verify(tokenString string, expectedKind registry.PeerKind) (Identity, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs. The "sub" claim
// carries the peer id and the "kind" claim carries AGENT or DASHBOARD.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty JWT secret")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the peer identity. The token's
// kind claim must match the endpoint the peer connected to; an agent token
// cannot open a dashboard connection or vice versa.
func (v *JWTVerifier) Verify(tokenString string, expectedKind registry.PeerKind) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	kindStr, ok := claims["kind"].(string)
	if !ok || kindStr == "" {
		return Identity{}, fmt.Errorf("%w: kind", ErrMissingClaim)
	}

	kind := registry.PeerKind(kindStr)
	if kind != expectedKind {
		return Identity{}, ErrKindMismatch
	}

	return Identity{PeerID: sub, Kind: kind}, nil
}

// Generate creates a new token for the given peer with expiration. Used by
// the CLI token command.
func (v *JWTVerifier) Generate(peerID string, kind registry.PeerKind, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  peerID,
		"kind": string(kind),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
