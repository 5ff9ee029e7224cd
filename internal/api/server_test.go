package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybot/internal/model"
	"replybot/internal/store"
)

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

func newTestServer(t *testing.T) (*Server, model.MonitoredAccount) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	tones, err := db.ListTones(ctx, "u1")
	require.NoError(t, err)
	acc := model.MonitoredAccount{
		UserID: "u1", XUserID: "42", Tone: "Neutral", Enabled: true, PollInterval: 15, Temperature: 0.5,
		ToneWeights: map[string]float64{tones[0].ID: 1},
	}
	require.NoError(t, db.CreateAccount(ctx, &acc))
	return NewServer(":0", db, fixedRand(0.3)), acc
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTonePreview(t *testing.T) {
	s, acc := newTestServer(t)
	rec := get(t, s, "/accounts/"+itoa(acc.ID)+"/tone-preview?n=4")
	require.Equal(t, http.StatusOK, rec.Code)
	var body previewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Draws, 4)
	assert.Equal(t, map[string]int{"Humor": 4}, body.Distribution)
	assert.True(t, body.Draws[0].Weighted)
}

func TestTonePreviewErrors(t *testing.T) {
	s, acc := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/accounts/999/tone-preview").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/accounts/"+itoa(acc.ID)+"/tone-preview?n=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/accounts/"+itoa(acc.ID)+"/tone-preview?n=abc").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/accounts/abc/tone-preview").Code)
}
