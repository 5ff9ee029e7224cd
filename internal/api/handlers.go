package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"replybot/internal/logging"
	"replybot/internal/store"
	"replybot/internal/tone"
)

const maxPreviewDraws = 1000

type previewDraw struct {
	ToneID   string `json:"toneId,omitempty"`
	ToneName string `json:"toneName"`
	Weighted bool   `json:"weighted"`
}

type previewResponse struct {
	AccountID    int64          `json:"accountId"`
	Draws        []previewDraw  `json:"draws"`
	Distribution map[string]int `json:"distribution"`
}

// handleTonePreview draws n tones for an account without recording anything.
func (s *Server) handleTonePreview(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		n, err = strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPreviewDraws {
			respondError(w, http.StatusBadRequest, "n must be between 1 and 1000")
			return
		}
	}
	acc, err := s.store.GetAccount(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading account failed")
		return
	}
	catalog, err := s.store.ListTones(r.Context(), acc.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "loading tones failed")
		return
	}
	out := previewResponse{AccountID: acc.ID, Distribution: map[string]int{}}
	for _, c := range tone.Preview(acc, catalog, s.rng, n) {
		out.Draws = append(out.Draws, previewDraw{ToneID: c.ToneID, ToneName: c.ToneName, Weighted: c.Weighted})
		out.Distribution[c.ToneName]++
	}
	respondJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logging.Debug("http_request", map[string]any{
			"method": r.Method, "path": r.URL.Path, "status": sw.status, "elapsed_ms": time.Since(start).Milliseconds(),
		})
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.Error("http_panic", map[string]any{"path": r.URL.Path, "panic": v})
				respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
