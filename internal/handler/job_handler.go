package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/orchestrator"
)

// JobServiceInterface はジョブハンドラーが必要とするサービスインターフェース。
type JobServiceInterface interface {
	// DispatchDiscovery は検索語から候補を探索するジョブを実行する。
	DispatchDiscovery(ctx context.Context, query string) (*model.Job, []orchestrator.DiscoveryResult, error)
	// DispatchUpdate は価格更新ジョブを実行する。
	DispatchUpdate(ctx context.Context, req model.UpdateRequest) (*model.Job, error)
	// DispatchRediscovery は抽出レシピの再生成ジョブを実行する。
	DispatchRediscovery(ctx context.Context, sourceID string) (*model.Job, error)
	// Cancel は実行中のジョブに取り消しを要求する。
	Cancel(ctx context.Context, jobID string) error
	// Job は指定IDのジョブを取得する。
	Job(ctx context.Context, jobID string) (*model.Job, error)
	// Jobs はジョブを新しい順に返す。
	Jobs(ctx context.Context, limit int) ([]*model.Job, error)
}

// JobHandler は探索・更新・再探索ジョブのHTTPハンドラー。
type JobHandler struct {
	service JobServiceInterface
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(service JobServiceInterface) *JobHandler {
	return &JobHandler{service: service}
}

type discoverRequest struct {
	Query *string `json:"query"`
}

type updateRequest struct {
	SourceIDs []string `json:"sourceIds"`
	All       bool     `json:"all"`
}

type rediscoverRequest struct {
	SourceID string `json:"sourceId"`
}

type discoveryResultResponse struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Price     string `json:"price,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Domain    string `json:"domain"`
	Snippet   string `json:"snippet,omitempty"`
	SourceID  string `json:"sourceId,omitempty"`
	ProductID string `json:"productId,omitempty"`
}

type discoverResponse struct {
	Success bool                      `json:"success"`
	JobID   string                    `json:"jobId"`
	Results []discoveryResultResponse `json:"results"`
	Errors  []model.JobError          `json:"errors,omitempty"`
}

type updateResponse struct {
	Success bool             `json:"success"`
	JobID   string           `json:"jobId"`
	Updated int              `json:"updated"`
	Failed  int              `json:"failed"`
	Skipped int              `json:"skipped"`
	Errors  []model.JobError `json:"errors,omitempty"`
}

type rediscoverResponse struct {
	Success         bool   `json:"success"`
	JobID           string `json:"jobId"`
	ScriptGenerated bool   `json:"scriptGenerated"`
}

// jobResponse はジョブ監査レコードのAPIレスポンス。
type jobResponse struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"sourceId,omitempty"`
	Status      model.JobStatus `json:"status"`
	JobType     model.JobType   `json:"jobType"`
	Query       string          `json:"query,omitempty"`
	Result      model.JobResult `json:"result"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Discover は探索ジョブを実行する。
// POST /discover
func (h *JobHandler) Discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, model.NewInvalidInputError("query は文字列で指定してください"))
		return
	}
	if req.Query == nil {
		handleServiceError(w, model.NewInvalidInputError("query は必須です"))
		return
	}

	job, results, err := h.service.DispatchDiscovery(r.Context(), *req.Query)
	if err != nil {
		handleJobError(w, jobIDOf(job), err)
		return
	}

	resp := discoverResponse{
		Success: job.Status == model.JobStatusCompleted,
		JobID:   job.ID,
		Results: make([]discoveryResultResponse, len(results)),
		Errors:  job.Result.Errors,
	}
	for i, res := range results {
		resp.Results[i] = discoveryResultResponse(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update は価格更新ジョブを実行する。
// POST /update
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	job, err := h.service.DispatchUpdate(r.Context(), model.UpdateRequest{
		SourceIDs: req.SourceIDs,
		All:       req.All,
	})
	if err != nil {
		handleJobError(w, jobIDOf(job), err)
		return
	}

	writeJSON(w, http.StatusOK, updateResponse{
		Success: job.Status == model.JobStatusCompleted,
		JobID:   job.ID,
		Updated: job.Result.Updated,
		Failed:  job.Result.Failed,
		Skipped: job.Result.Skipped,
		Errors:  job.Result.Errors,
	})
}

// Rediscover は抽出レシピの再生成ジョブを実行する。
// POST /rediscover
func (h *JobHandler) Rediscover(w http.ResponseWriter, r *http.Request) {
	var req rediscoverRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}
	if req.SourceID == "" {
		handleServiceError(w, model.NewInvalidInputError("sourceId は必須です"))
		return
	}

	job, err := h.service.DispatchRediscovery(r.Context(), req.SourceID)
	if err != nil {
		handleJobError(w, jobIDOf(job), err)
		return
	}

	writeJSON(w, http.StatusOK, rediscoverResponse{
		Success:         job.Status == model.JobStatusCompleted,
		JobID:           job.ID,
		ScriptGenerated: job.Result.ScriptGenerated,
	})
}

// ListJobs はジョブ一覧、またはidクエリ指定時は単一のジョブを返す。
// GET /jobs?id=&limit=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		job, err := h.service.Job(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
		return
	}

	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		handleServiceError(w, apiErr)
		return
	}

	jobs, err := h.service.Jobs(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]jobResponse, len(jobs))
	for i, job := range jobs {
		resp[i] = toJobResponse(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob は実行中のジョブに取り消しを要求する。
// POST /jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := h.service.Cancel(r.Context(), jobID); err != nil {
		handleJobError(w, jobID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"jobId":   jobID,
	})
}

// --- ヘルパー関数 ---

func toJobResponse(job *model.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		SourceID:    job.SourceID,
		Status:      job.Status,
		JobType:     job.JobType,
		Query:       job.Query,
		Result:      job.Result,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		CreatedAt:   job.CreatedAt,
	}
}

func jobIDOf(job *model.Job) string {
	if job == nil {
		return ""
	}
	return job.ID
}

// parseLimit はlimitクエリを解析する。未指定の場合は0を返す。
func parseLimit(r *http.Request) (int, *model.APIError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, model.NewInvalidInputError("limit は0以上の整数で指定してください")
	}
	return limit, nil
}
