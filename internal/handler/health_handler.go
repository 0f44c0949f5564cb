package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck は依存先の疎通確認関数。
type HealthCheck func(ctx context.Context) error

// RunningJobCounter は実行中ジョブ数の取得インターフェース。orchestrator.Orchestratorが実装する。
type RunningJobCounter interface {
	Running() int
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checks  map[string]HealthCheck
	jobs    RunningJobCounter
	timeout time.Duration
}

// NewHealthHandler はHealthHandlerを生成する。jobsはnilでもよい。
func NewHealthHandler(checks map[string]HealthCheck, jobs RunningJobCounter) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		jobs:    jobs,
		timeout: 3 * time.Second,
	}
}

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	RunningJobs int               `json:"runningJobs"`
}

// Health は依存先の状態を返す。いずれかが失敗した場合は503。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.jobs != nil {
		resp.RunningJobs = h.jobs.Running()
	}
	writeJSON(w, status, resp)
}
