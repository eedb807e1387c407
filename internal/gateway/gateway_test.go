package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busd/busd/internal/transport"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m := NewManager("test-secret")

	tok, err := m.IssueToken(1000, 4242, time.Minute)
	require.NoError(t, err)

	claims, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), claims.UID)
	assert.Equal(t, uint32(4242), claims.PID)
}

func TestVerifyRejectsTokenFromDifferentSecret(t *testing.T) {
	signer := NewManager("secret-a")
	verifier := NewManager("secret-b")

	tok, err := signer.IssueToken(1, 2, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret")
	tok, err := m.IssueToken(1, 2, -time.Minute)
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.Error(t, err)
}

func TestIssueTokenDisabledWithoutSecret(t *testing.T) {
	m := NewManager("")
	_, err := m.IssueToken(1, 2, time.Minute)
	assert.Error(t, err)
}

func TestExtractTokenFromQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc123", nil)
	tok, err := extractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)
}

func TestExtractTokenFromAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	tok, err := extractToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)
}

func TestExtractTokenMissingIsError(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := extractToken(r)
	assert.Error(t, err)
}

func TestUpgradeHandlerUnauthorizedWhenAuthEnabled(t *testing.T) {
	m := NewManager("test-secret")
	handler := m.UpgradeHandler(func(*transport.WebSocketConn) {})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
