package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "user-1"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func writeToken(t *testing.T, token string) *FileProvider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return NewFileProvider(path)
}

func TestFileProviderValidToken(t *testing.T) {
	token := signed(t, time.Now().Add(time.Hour))
	p := writeToken(t, token)

	got, ok := p.Token()
	require.True(t, ok)
	assert.Equal(t, token, got)
}

func TestFileProviderExpiredTokenIsAbsent(t *testing.T) {
	p := writeToken(t, signed(t, time.Now().Add(-time.Minute)))

	_, ok := p.Token()
	assert.False(t, ok)
}

func TestFileProviderOpaqueToken(t *testing.T) {
	p := writeToken(t, "opaque-token")

	got, ok := p.Token()
	require.True(t, ok)
	assert.Equal(t, "opaque-token", got)
}

func TestFileProviderMissingOrEmpty(t *testing.T) {
	_, ok := NewFileProvider(filepath.Join(t.TempDir(), "missing")).Token()
	assert.False(t, ok)

	_, ok = writeToken(t, "   ").Token()
	assert.False(t, ok)
}

func TestExpiresAtWithoutExp(t *testing.T) {
	exp, err := ExpiresAt(signed(t, time.Time{}))
	require.NoError(t, err)
	assert.True(t, exp.IsZero())
	assert.False(t, Expired(signed(t, time.Time{}), time.Now()))
}

func TestStatic(t *testing.T) {
	tok, ok := Static("abc").Token()
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = Static("").Token()
	assert.False(t, ok)
}

func TestUserID(t *testing.T) {
	token := signed(t, time.Now().Add(time.Hour))

	id, err := UserID("configured", Static(token))
	require.NoError(t, err)
	assert.Equal(t, "configured", id)

	id, err = UserID("", Static(token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	_, err = UserID("", Static("opaque-token"))
	assert.ErrorIs(t, err, ErrNoUserID)

	_, err = UserID("", nil)
	assert.ErrorIs(t, err, ErrNoUserID)
}
