package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposure(t *testing.T) {
	ObserveRun("ok", time.Now().Add(-1500*time.Millisecond))
	IncReply("posted")
	IncTokenRefresh("ok")
	AddCost("text", 0.0012)
	IncQuotaDenied("reply")
	IncAPIRetry("/test")
	IncCommandRun("serve")
	IncCommandError("serve")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"replybot_account_runs_total",
		"replybot_run_duration_seconds",
		"replybot_replies_total",
		"replybot_token_refreshes_total",
		"replybot_cost_usd_total",
		"replybot_quota_denials_total",
		"replybot_api_retries_total",
		"replybot_command_runs_total",
		"replybot_command_errors_total",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}

func TestAddCostIgnoresZero(t *testing.T) {
	AddCost("image", 0)
	AddCost("image", -1)
}
