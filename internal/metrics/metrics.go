package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AccountRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_account_runs_total",
		Help: "Account runs by outcome",
	}, []string{"outcome"})
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "replybot_run_duration_seconds",
		Help:    "Account run duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	Replies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_replies_total",
		Help: "Replies by final status",
	}, []string{"status"})
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_token_refreshes_total",
		Help: "OAuth token refreshes by result",
	}, []string{"result"})
	CostUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_cost_usd_total",
		Help: "Accumulated spend by component",
	}, []string{"component"})
	QuotaDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_quota_denials_total",
		Help: "Quota reservations denied by kind",
	}, []string{"kind"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"endpoint"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replybot_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(AccountRuns, RunDuration, Replies, TokenRefreshes, CostUSD, QuotaDenials, APIRetries, CommandRuns, CommandErrors)
}

// ObserveRun records a finished account run.
func ObserveRun(outcome string, start time.Time) {
	AccountRuns.WithLabelValues(outcome).Inc()
	RunDuration.Observe(time.Since(start).Seconds())
}

// IncReply counts a reply reaching status.
func IncReply(status string) { Replies.WithLabelValues(status).Inc() }

// IncTokenRefresh counts a refresh attempt by result (ok, expired, transient).
func IncTokenRefresh(result string) { TokenRefreshes.WithLabelValues(result).Inc() }

// AddCost adds usd to a cost component (text, image, api).
func AddCost(component string, usd float64) {
	if usd > 0 {
		CostUSD.WithLabelValues(component).Add(usd)
	}
}

func IncQuotaDenied(kind string) { QuotaDenials.WithLabelValues(kind).Inc() }

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
