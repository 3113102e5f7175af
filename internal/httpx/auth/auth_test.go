package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "neo-inbox")

	token, err := v.Issue("u1", []string{"workflow"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", id.ActorID)
	require.Equal(t, []string{"workflow"}, id.Roles)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "neo-inbox")

	expired, err := v.Issue("u1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewVerifier("other", "neo-inbox").Issue("u1", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(other)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewVerifier("secret", "someone-else").Issue("u1", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(wrongIssuer)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_FallsBackToUserID(t *testing.T) {
	v := NewVerifier("secret", "")
	claims := &Claims{
		UserID: "legacy-7",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "legacy-7", id.ActorID)
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret", "")
	var seen string
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = id.ActorID
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := v.Issue("u1", nil, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "u1", seen)
}
