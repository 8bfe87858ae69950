package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserID(r.Context())
		w.Write([]byte(userID))
	})
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator("secret")

	token, err := v.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	userID, err := v.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "alice", userID)

	expired, err := v.IssueToken("alice", -time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	forged, err := NewHMACValidator("other").IssueToken("mallory", time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(forged)
	require.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "eve"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.ValidateToken(none)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewHMACValidator("secret")
	token, err := v.IssueToken("alice", time.Hour)
	require.NoError(t, err)
	h := NewMiddleware(v).Handle(echoUser())

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, "alice"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusOK, "alice"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				require.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestDevModeMiddleware(t *testing.T) {
	h := NewMiddleware(nil).Handle(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/?user=bob", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "bob", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "carol")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "carol", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}
