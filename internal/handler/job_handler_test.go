package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/orchestrator"
)

// --- モック定義 ---

// mockJobService はJobServiceInterfaceのモック実装。
type mockJobService struct {
	discoverFn   func(ctx context.Context, query string) (*model.Job, []orchestrator.DiscoveryResult, error)
	updateFn     func(ctx context.Context, req model.UpdateRequest) (*model.Job, error)
	rediscoverFn func(ctx context.Context, sourceID string) (*model.Job, error)
	cancelFn     func(ctx context.Context, jobID string) error
	jobFn        func(ctx context.Context, jobID string) (*model.Job, error)
	jobsFn       func(ctx context.Context, limit int) ([]*model.Job, error)
}

func (m *mockJobService) DispatchDiscovery(ctx context.Context, query string) (*model.Job, []orchestrator.DiscoveryResult, error) {
	if m.discoverFn != nil {
		return m.discoverFn(ctx, query)
	}
	return nil, nil, errors.New("not implemented")
}

func (m *mockJobService) DispatchUpdate(ctx context.Context, req model.UpdateRequest) (*model.Job, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) DispatchRediscovery(ctx context.Context, sourceID string) (*model.Job, error) {
	if m.rediscoverFn != nil {
		return m.rediscoverFn(ctx, sourceID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobService) Cancel(ctx context.Context, jobID string) error {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, jobID)
	}
	return nil
}

func (m *mockJobService) Job(ctx context.Context, jobID string) (*model.Job, error) {
	if m.jobFn != nil {
		return m.jobFn(ctx, jobID)
	}
	return nil, model.NewUnknownJobError(jobID)
}

func (m *mockJobService) Jobs(ctx context.Context, limit int) ([]*model.Job, error) {
	if m.jobsFn != nil {
		return m.jobsFn(ctx, limit)
	}
	return nil, nil
}

func completedJob(id string, jobType model.JobType, result model.JobResult) *model.Job {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &model.Job{
		ID:          id,
		Status:      model.JobStatusCompleted,
		JobType:     jobType,
		Result:      result,
		StartedAt:   &now,
		CompletedAt: &now,
		CreatedAt:   now,
	}
}

func failedJob(id string, jobType model.JobType) *model.Job {
	job := completedJob(id, jobType, model.JobResult{})
	job.Status = model.JobStatusFailed
	return job
}

// --- POST /discover テスト ---

func TestJobHandler_Discover_Success(t *testing.T) {
	svc := &mockJobService{
		discoverFn: func(ctx context.Context, query string) (*model.Job, []orchestrator.DiscoveryResult, error) {
			if query != "widget" {
				t.Errorf("query = %q, want %q", query, "widget")
			}
			return completedJob("job-1", model.JobTypeDiscovery, model.JobResult{ProductsFound: 1}),
				[]orchestrator.DiscoveryResult{{
					URL:      "https://shop.test/widget",
					Title:    "Widget",
					Price:    "19.99",
					Currency: "USD",
					Domain:   "shop.test",
				}}, nil
		},
	}
	h := NewJobHandler(svc)

	w := httptest.NewRecorder()
	h.Discover(w, jsonRequest(http.MethodPost, "/discover", `{"query":"widget"}`))

	assertStatus(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["jobId"] != "job-1" {
		t.Errorf("jobId = %v, want %q", body["jobId"], "job-1")
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results = %v, want 1 item", body["results"])
	}
	first := results[0].(map[string]any)
	if first["price"] != "19.99" {
		t.Errorf("price = %v, want %q", first["price"], "19.99")
	}
	if first["domain"] != "shop.test" {
		t.Errorf("domain = %v, want %q", first["domain"], "shop.test")
	}
	if _, ok := first["snippet"]; ok {
		t.Error("空のsnippetは省略されるべきです")
	}
}

func TestJobHandler_Discover_MissingQuery_Returns400(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		discoverFn: func(context.Context, string) (*model.Job, []orchestrator.DiscoveryResult, error) {
			t.Fatal("queryがない場合はジョブを起動しないはずです")
			return nil, nil, nil
		},
	})

	for _, body := range []string{`{}`, ``, `{"query": 42}`, `{"query": ["a"]}`, `not json`} {
		w := httptest.NewRecorder()
		h.Discover(w, jsonRequest(http.MethodPost, "/discover", body))

		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusBadRequest)
			continue
		}
		resp := decodeBody(t, w)
		if resp["success"] != false {
			t.Errorf("body %q: success = %v, want false", body, resp["success"])
		}
		if resp["code"] != model.ErrCodeInvalidInput {
			t.Errorf("body %q: code = %v, want %q", body, resp["code"], model.ErrCodeInvalidInput)
		}
	}
}

func TestJobHandler_Discover_EmptyQuery_ReturnsJobID(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		discoverFn: func(context.Context, string) (*model.Job, []orchestrator.DiscoveryResult, error) {
			return failedJob("job-empty", model.JobTypeDiscovery), nil, model.NewInvalidInputError("検索語が空です")
		},
	})

	w := httptest.NewRecorder()
	h.Discover(w, jsonRequest(http.MethodPost, "/discover", `{"query":"  "}`))

	assertStatus(t, w, http.StatusBadRequest)
	body := decodeBody(t, w)
	if body["jobId"] != "job-empty" {
		t.Errorf("jobId = %v, want %q", body["jobId"], "job-empty")
	}
}

func TestJobHandler_Discover_SearchFailed_Returns200WithSuccessFalse(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		discoverFn: func(context.Context, string) (*model.Job, []orchestrator.DiscoveryResult, error) {
			return failedJob("job-2", model.JobTypeDiscovery), nil, model.NewSearchFailedError("検索サービスが設定されていません")
		},
	})

	w := httptest.NewRecorder()
	h.Discover(w, jsonRequest(http.MethodPost, "/discover", `{"query":"widget"}`))

	assertStatus(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "検索サービス") {
		t.Errorf("error = %q, 検索失敗の理由を含むべきです", msg)
	}
}

func TestJobHandler_Discover_InternalError_HidesDetail(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		discoverFn: func(context.Context, string) (*model.Job, []orchestrator.DiscoveryResult, error) {
			return nil, nil, errors.New("pq: connection refused")
		},
	})

	w := httptest.NewRecorder()
	h.Discover(w, jsonRequest(http.MethodPost, "/discover", `{"query":"widget"}`))

	assertStatus(t, w, http.StatusInternalServerError)
	if strings.Contains(w.Body.String(), "pq:") {
		t.Errorf("内部エラーの詳細がレスポンスに含まれています: %s", w.Body.String())
	}
	body := decodeBody(t, w)
	if body["code"] != model.ErrCodeInternal {
		t.Errorf("code = %v, want %q", body["code"], model.ErrCodeInternal)
	}
}

// --- POST /update テスト ---

func TestJobHandler_Update_Success(t *testing.T) {
	svc := &mockJobService{
		updateFn: func(ctx context.Context, req model.UpdateRequest) (*model.Job, error) {
			if len(req.SourceIDs) != 1 || req.SourceIDs[0] != "src-1" || req.All {
				t.Errorf("req = %+v, want SourceIDs=[src-1]", req)
			}
			return completedJob("job-3", model.JobTypeUpdate, model.JobResult{
				Updated: 1,
				Failed:  1,
				Errors: []model.JobError{{
					SourceID: "src-2",
					Code:     model.ErrCodeUnknownSource,
					Message:  "指定されたソースが見つかりません: src-2",
				}},
			}), nil
		},
	}
	h := NewJobHandler(svc)

	w := httptest.NewRecorder()
	h.Update(w, jsonRequest(http.MethodPost, "/update", `{"sourceIds":["src-1"]}`))

	assertStatus(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["updated"] != float64(1) || body["failed"] != float64(1) || body["skipped"] != float64(0) {
		t.Errorf("counts = updated:%v failed:%v skipped:%v", body["updated"], body["failed"], body["skipped"])
	}
	errs, _ := body["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want 1 item", body["errors"])
	}
	if errs[0].(map[string]any)["code"] != model.ErrCodeUnknownSource {
		t.Errorf("errors[0].code = %v, want %q", errs[0].(map[string]any)["code"], model.ErrCodeUnknownSource)
	}
}

func TestJobHandler_Update_InvalidRequest_Returns400WithoutJob(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		updateFn: func(context.Context, model.UpdateRequest) (*model.Job, error) {
			return nil, model.NewInvalidInputError("sourceIds または all を指定してください")
		},
	})

	w := httptest.NewRecorder()
	h.Update(w, jsonRequest(http.MethodPost, "/update", `{}`))

	assertStatus(t, w, http.StatusBadRequest)
	body := decodeBody(t, w)
	if _, ok := body["jobId"]; ok {
		t.Errorf("ジョブ未作成の場合はjobIdを含まないはずです: %v", body)
	}
}

func TestJobHandler_Update_NonBooleanAll_Returns400(t *testing.T) {
	h := NewJobHandler(&mockJobService{})

	w := httptest.NewRecorder()
	h.Update(w, jsonRequest(http.MethodPost, "/update", `{"all":"yes"}`))

	assertStatus(t, w, http.StatusBadRequest)
}

func TestJobHandler_Update_NoSources_Returns404WithJobID(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		updateFn: func(context.Context, model.UpdateRequest) (*model.Job, error) {
			return failedJob("job-4", model.JobTypeUpdate), model.NewNoSourcesError()
		},
	})

	w := httptest.NewRecorder()
	h.Update(w, jsonRequest(http.MethodPost, "/update", `{"all":true}`))

	assertStatus(t, w, http.StatusNotFound)
	body := decodeBody(t, w)
	if body["jobId"] != "job-4" {
		t.Errorf("jobId = %v, want %q", body["jobId"], "job-4")
	}
	if body["code"] != model.ErrCodeNoSources {
		t.Errorf("code = %v, want %q", body["code"], model.ErrCodeNoSources)
	}
}

// --- POST /rediscover テスト ---

func TestJobHandler_Rediscover_Success(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		rediscoverFn: func(ctx context.Context, sourceID string) (*model.Job, error) {
			if sourceID != "src-1" {
				t.Errorf("sourceID = %q, want %q", sourceID, "src-1")
			}
			return completedJob("job-5", model.JobTypeRediscovery, model.JobResult{ScriptGenerated: true, Updated: 1}), nil
		},
	})

	w := httptest.NewRecorder()
	h.Rediscover(w, jsonRequest(http.MethodPost, "/rediscover", `{"sourceId":"src-1"}`))

	assertStatus(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if body["success"] != true || body["scriptGenerated"] != true {
		t.Errorf("body = %v, want success and scriptGenerated", body)
	}
}

func TestJobHandler_Rediscover_MissingSourceID_Returns400(t *testing.T) {
	h := NewJobHandler(&mockJobService{})

	w := httptest.NewRecorder()
	h.Rediscover(w, jsonRequest(http.MethodPost, "/rediscover", `{}`))

	assertStatus(t, w, http.StatusBadRequest)
}

func TestJobHandler_Rediscover_RecipeFailed_Returns200WithSuccessFalse(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		rediscoverFn: func(context.Context, string) (*model.Job, error) {
			return failedJob("job-6", model.JobTypeRediscovery), model.NewRecipeFailedError("価格が見つかりません")
		},
	})

	w := httptest.NewRecorder()
	h.Rediscover(w, jsonRequest(http.MethodPost, "/rediscover", `{"sourceId":"src-1"}`))

	assertStatus(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if body["success"] != false || body["jobId"] != "job-6" {
		t.Errorf("body = %v, want success=false jobId=job-6", body)
	}
}

func TestJobHandler_Rediscover_SourceBusy_Returns409(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		rediscoverFn: func(context.Context, string) (*model.Job, error) {
			return failedJob("job-7", model.JobTypeRediscovery), model.NewSourceBusyError("src-1")
		},
	})

	w := httptest.NewRecorder()
	h.Rediscover(w, jsonRequest(http.MethodPost, "/rediscover", `{"sourceId":"src-1"}`))

	assertStatus(t, w, http.StatusConflict)
}

// --- GET /jobs, POST /jobs/{id}/cancel テスト ---

func TestJobHandler_ListJobs_ByID(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		jobFn: func(ctx context.Context, jobID string) (*model.Job, error) {
			return completedJob(jobID, model.JobTypeUpdate, model.JobResult{Updated: 2}), nil
		},
	})

	w := httptest.NewRecorder()
	h.ListJobs(w, httptest.NewRequest(http.MethodGet, "/jobs?id=job-8", nil))

	assertStatus(t, w, http.StatusOK)
	body := decodeBody(t, w)
	if body["id"] != "job-8" || body["status"] != "completed" || body["jobType"] != "update" {
		t.Errorf("body = %v", body)
	}
	result := body["result"].(map[string]any)
	if result["updated"] != float64(2) {
		t.Errorf("result.updated = %v, want 2", result["updated"])
	}
}

func TestJobHandler_ListJobs_UnknownID_Returns404(t *testing.T) {
	h := NewJobHandler(&mockJobService{})

	w := httptest.NewRecorder()
	h.ListJobs(w, httptest.NewRequest(http.MethodGet, "/jobs?id=missing", nil))

	assertStatus(t, w, http.StatusNotFound)
}

func TestJobHandler_ListJobs_PassesLimit(t *testing.T) {
	var gotLimit int
	h := NewJobHandler(&mockJobService{
		jobsFn: func(ctx context.Context, limit int) ([]*model.Job, error) {
			gotLimit = limit
			return []*model.Job{completedJob("a", model.JobTypeUpdate, model.JobResult{})}, nil
		},
	})

	w := httptest.NewRecorder()
	h.ListJobs(w, httptest.NewRequest(http.MethodGet, "/jobs?limit=5", nil))

	assertStatus(t, w, http.StatusOK)
	if gotLimit != 5 {
		t.Errorf("limit = %d, want 5", gotLimit)
	}

	w2 := httptest.NewRecorder()
	h.ListJobs(w2, httptest.NewRequest(http.MethodGet, "/jobs?limit=abc", nil))
	assertStatus(t, w2, http.StatusBadRequest)
}

func TestJobHandler_CancelJob(t *testing.T) {
	h := NewJobHandler(&mockJobService{
		cancelFn: func(ctx context.Context, jobID string) error {
			switch jobID {
			case "running":
				return nil
			case "done":
				return model.NewJobNotRunningError(jobID)
			default:
				return model.NewUnknownJobError(jobID)
			}
		},
	})

	cases := map[string]int{
		"running": http.StatusAccepted,
		"done":    http.StatusConflict,
		"missing": http.StatusNotFound,
	}
	for id, want := range cases {
		req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/jobs/"+id+"/cancel", nil), "id", id)
		w := httptest.NewRecorder()
		h.CancelJob(w, req)

		if w.Code != want {
			t.Errorf("job %s: status = %d, want %d", id, w.Code, want)
		}
	}
}
