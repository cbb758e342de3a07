// ABOUTME: Tests for JWT verification and generation
// ABOUTME: Covers kind mismatch, expiry, wrong secret, and missing claims

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/onsembl/internal/registry"
)

func newTestVerifier(t *testing.T, secret string) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifierRejectsEmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t, "test-secret")

	token, err := v.Generate("agent-1", registry.KindAgent, time.Hour)
	require.NoError(t, err)

	identity, err := v.Verify(token, registry.KindAgent)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", identity.PeerID)
	assert.Equal(t, registry.KindAgent, identity.Kind)
}

func TestVerifyKindMismatch(t *testing.T) {
	v := newTestVerifier(t, "test-secret")

	token, err := v.Generate("agent-1", registry.KindAgent, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token, registry.KindDashboard)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestVerifyExpiredToken(t *testing.T) {
	v := newTestVerifier(t, "test-secret")

	token, err := v.Generate("agent-1", registry.KindAgent, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token, registry.KindAgent)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	signer := newTestVerifier(t, "secret-a")
	verifier := newTestVerifier(t, "secret-b")

	token, err := signer.Generate("agent-1", registry.KindAgent, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token, registry.KindAgent)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbageToken(t *testing.T) {
	v := newTestVerifier(t, "test-secret")

	_, err := v.Verify("not.a.jwt", registry.KindAgent)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingClaims(t *testing.T) {
	secret := []byte("test-secret")
	v := newTestVerifier(t, string(secret))

	sign := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		return token
	}

	exp := time.Now().Add(time.Hour).Unix()

	_, err := v.Verify(sign(t, jwt.MapClaims{"kind": "AGENT", "exp": exp}), registry.KindAgent)
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = v.Verify(sign(t, jwt.MapClaims{"sub": "agent-1", "exp": exp}), registry.KindAgent)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	v := newTestVerifier(t, "test-secret")

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":  "agent-1",
		"kind": "AGENT",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token, registry.KindAgent)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
