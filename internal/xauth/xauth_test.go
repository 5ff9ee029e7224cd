package xauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybot/internal/model"
	"replybot/internal/store"
)

var testKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32)))

type fixture struct {
	db    *store.DB
	mgr   *Manager
	calls atomic.Int32
	now   time.Time
}

// newFixture wires a manager to a token endpoint driven by handler.
func newFixture(t *testing.T, secret string, handler http.HandlerFunc) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.db = db

	sealer, err := NewSealer(testKey)
	require.NoError(t, err)
	r := NewOAuthRefresher(ts.URL+"/2/oauth2/token", "client-1", secret, ts.Client())
	r.now = func() time.Time { return f.now }
	f.mgr = NewManager(db, sealer, r, Options{Timeout: 200 * time.Millisecond, Now: func() time.Time { return f.now }})
	return f
}

func (f *fixture) connect(t *testing.T, expiresIn time.Duration) {
	t.Helper()
	require.NoError(t, f.mgr.Connect(context.Background(), model.XAccount{
		UserID: "u1", XUserID: "42", Username: "me", AccessToken: "old-access", RefreshToken: "old-refresh",
		TokenExpiresAt: f.now.Add(expiresIn), ConnectedAt: f.now,
	}))
}

func okToken(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"bearer","expires_in":7200}`))
}

func jsonError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestSealerRoundTripAndLegacy(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	a, err := s.Seal("secret-token")
	require.NoError(t, err)
	b, err := s.Seal("secret-token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ per value")
	assert.NotContains(t, a, "secret-token")

	plain, legacy, err := s.Open(a)
	require.NoError(t, err)
	assert.False(t, legacy)
	assert.Equal(t, "secret-token", plain)

	plain, legacy, err = s.Open("plain-old-token")
	require.NoError(t, err)
	assert.True(t, legacy)
	assert.Equal(t, "plain-old-token", plain)

	other, err := NewSealer(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 32))))
	require.NoError(t, err)
	_, _, err = other.Open(a)
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = NewSealer(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestRefreshOnlyNearExpiry(t *testing.T) {
	f := newFixture(t, "", okToken)
	ctx := context.Background()

	f.connect(t, 5*time.Minute)
	cred, err := f.mgr.EnsureFreshToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "old-access", cred.AccessToken)
	assert.Equal(t, int32(0), f.calls.Load())

	f.connect(t, 30*time.Second)
	cred, err = f.mgr.EnsureFreshToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, "42", cred.XUserID)
	assert.Equal(t, int32(1), f.calls.Load())

	stored, err := f.db.GetXAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.RefreshToken, sealPrefix))
	assert.True(t, stored.TokenExpiresAt.After(f.now.Add(time.Hour)))

	// Now fresh again: no second call.
	_, err = f.mgr.EnsureFreshToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRevokedLatchesAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, "", func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Refresh token was revoked"}`)
	})
	ctx := context.Background()
	f.connect(t, 10*time.Second)

	for i := 0; i < 2; i++ {
		_, err := f.mgr.EnsureFreshToken(ctx, "u1")
		assert.ErrorIs(t, err, ErrTokenExpired)
	}
	assert.Equal(t, int32(1), f.calls.Load())

	x, err := f.db.GetXAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, x.TokenError)
	notes, err := f.db.ListNotifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Reconnect your X account", notes[0].Title)

	// Reconnecting clears the latch.
	f.connect(t, time.Hour)
	_, err = f.mgr.EnsureFreshToken(ctx, "u1")
	assert.NoError(t, err)
}

func TestPublicThenConfidentialFallback(t *testing.T) {
	var firstForm, secondAuth string
	f := newFixture(t, "shh", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if _, _, ok := r.BasicAuth(); !ok {
			firstForm = r.Form.Encode()
			jsonError(w, http.StatusUnauthorized, `{"error":"unauthorized_client","error_description":"Missing valid authorization header"}`)
			return
		}
		secondAuth = r.Header.Get("Authorization")
		okToken(w, r)
	})
	f.connect(t, 0)

	cred, err := f.mgr.EnsureFreshToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Contains(t, firstForm, "client_id=client-1")
	assert.Contains(t, firstForm, "refresh_token=old-refresh")
	assert.NotContains(t, firstForm, "client_secret")
	assert.True(t, strings.HasPrefix(secondAuth, "Basic "))
}

func TestNoConfidentialRetryWithoutSecret(t *testing.T) {
	f := newFixture(t, "", func(w http.ResponseWriter, r *http.Request) {
		jsonError(w, http.StatusUnauthorized, `{"error":"unauthorized_client","error_description":"Missing valid authorization header"}`)
	})
	f.connect(t, 0)
	_, err := f.mgr.EnsureFreshToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), f.calls.Load())

	x, err := f.db.GetXAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, x.TokenError, "misconfiguration must not ask the user to reconnect")
}

func TestTransientFailuresDoNotLatch(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			jsonError(w, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable","error_description":"expired upstream cache"}`)
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
			okToken(w, r)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "", h)
			ctx := context.Background()
			f.connect(t, 0)
			_, err := f.mgr.EnsureFreshToken(ctx, "u1")
			assert.ErrorIs(t, err, ErrTransient)
			assert.NotErrorIs(t, err, ErrTokenExpired)

			x, err := f.db.GetXAccount(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, x.TokenError)
			notes, err := f.db.ListNotifications(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, notes)
		})
	}
}

func TestLegacyPlaintextIsResealed(t *testing.T) {
	f := newFixture(t, "", okToken)
	ctx := context.Background()
	require.NoError(t, f.db.ConnectXAccount(ctx, model.XAccount{
		UserID: "u1", XUserID: "42", AccessToken: "plain-access", RefreshToken: "plain-refresh",
		TokenExpiresAt: f.now.Add(time.Hour), ConnectedAt: f.now,
	}))

	cred, err := f.mgr.EnsureFreshToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "plain-access", cred.AccessToken)

	x, err := f.db.GetXAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(x.AccessToken, sealPrefix))
	assert.True(t, strings.HasPrefix(x.RefreshToken, sealPrefix))
}

func TestNotConnected(t *testing.T) {
	f := newFixture(t, "", okToken)
	_, err := f.mgr.EnsureFreshToken(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectClearsLatchAndDisconnectForgets(t *testing.T) {
	f := newFixture(t, "", okToken)
	f.connect(t, time.Hour)
	changed, err := f.db.LatchTokenError(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, changed)

	_, err = f.mgr.EnsureFreshToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrTokenExpired)

	f.connect(t, time.Hour)
	cred, err := f.mgr.EnsureFreshToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "old-access", cred.AccessToken)
	assert.Equal(t, int32(0), f.calls.Load())

	require.NoError(t, f.mgr.Disconnect(context.Background(), "u1"))
	_, err = f.mgr.EnsureFreshToken(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotConnected)
}
