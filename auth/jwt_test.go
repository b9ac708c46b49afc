package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	j := NewJWT("secret", "buildhook", time.Hour)
	tok, err := j.GenerateToken("user-1", "admin")
	require.NoError(t, err)

	claims, err := j.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.ID)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	j := NewJWT("secret", "buildhook", time.Hour)

	other, err := NewJWT("other", "buildhook", time.Hour).GenerateToken("u", "")
	require.NoError(t, err)
	_, err = j.ValidateToken(other)
	assert.Error(t, err)

	wrongIssuer, err := NewJWT("secret", "someone-else", time.Hour).GenerateToken("u", "")
	require.NoError(t, err)
	_, err = j.ValidateToken(wrongIssuer)
	assert.Error(t, err)

	_, err = j.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	j := NewJWT("secret", "buildhook", time.Minute)
	j.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := j.GenerateToken("u", "")
	require.NoError(t, err)

	j.now = time.Now
	_, err = j.ValidateToken(tok)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := BearerToken(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = BearerToken(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	r.Header.Set("Authorization", "Bearer abc")
	tok, err := BearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	q := httptest.NewRequest(http.MethodGet, "/ws?token=xyz", nil)
	tok, err = BearerToken(q)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)
}

func TestMiddleware(t *testing.T) {
	j := NewJWT("secret", "buildhook", time.Hour)
	h := j.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := UserClaimsFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(claims.ID))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/builds/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := j.GenerateToken("user-7", "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/builds/1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", rec.Body.String())
}
