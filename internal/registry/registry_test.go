package registry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/pricewatch/internal/idgen"
	"github.com/hitoshi/pricewatch/internal/model"
	"github.com/hitoshi/pricewatch/internal/repository"
)

func newTestRegistry(t *testing.T) (*Registry, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := New(repository.NewMemoryStore().Sources, idgen.NewSequence("src"), DefaultPolicy(), nil, logger)
	return r, &buf
}

func apiErrorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		raw        string
		wantDomain string
		wantErr    bool
	}{
		{"https://www.Shop.Example.com/item/1", "shop.example.com", false},
		{"  http://shop.test:8080/x  ", "shop.test", false},
		{"ftp://shop.test/x", "", true},
		{"https:///nohost", "", true},
		{"", "", true},
		{"::not a url", "", true},
	}
	for _, tt := range tests {
		_, domain, err := NormalizeURL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeURL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if domain != tt.wantDomain {
			t.Errorf("NormalizeURL(%q) domain = %q, want %q", tt.raw, domain, tt.wantDomain)
		}
	}
}

func TestRegistry_Register_Defaults(t *testing.T) {
	r, _ := newTestRegistry(t)

	src, err := r.Register(context.Background(), "https://shop.test/x", "", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if src.ID != "src-0001" {
		t.Errorf("ID = %q, want src-0001", src.ID)
	}
	if src.SourceType != model.SourceTypeCustom {
		t.Errorf("SourceType = %q, want custom", src.SourceType)
	}
	if !src.IsActive || src.NeedsRediscovery {
		t.Errorf("新規ソースは有効かつ再探索不要であるべきです: %+v", src)
	}
	if src.ScrapeConfig.SuccessRate != DefaultPolicy().NeutralPrior {
		t.Errorf("SuccessRate = %v, want neutral prior", src.ScrapeConfig.SuccessRate)
	}
	if src.ScrapeConfig.ScriptType != model.ScriptTypeSelectors {
		t.Errorf("ScriptType = %q, want selectors", src.ScrapeConfig.ScriptType)
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = r.Register(ctx, "https://shop.test/x", model.SourceTypeEcommerce, nil)

	_, err := r.Register(ctx, "https://shop.test/x", model.SourceTypeEcommerce, nil)
	if got := apiErrorCode(err); got != model.ErrCodeDuplicateSource {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeDuplicateSource)
	}
}

func TestRegistry_Register_InvalidSourceType(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), "https://shop.test/x", "auction", nil)
	if got := apiErrorCode(err); got != model.ErrCodeInvalidInput {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeInvalidInput)
	}
}

func TestRegistry_Get_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get(context.Background(), "missing")
	if got := apiErrorCode(err); got != model.ErrCodeUnknownSource {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeUnknownSource)
	}
}

func TestRegistry_RecordOutcome_PersistsAndLogsFlag(t *testing.T) {
	r, buf := newTestRegistry(t)
	ctx := context.Background()
	src, _ := r.Register(ctx, "https://shop.test/x", model.SourceTypeEcommerce, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.RecordOutcome(ctx, src.ID, Outcome{FailureType: model.FailureSelectorNotFound, At: time.Now()}); err != nil {
			t.Fatalf("RecordOutcome() error = %v", err)
		}
	}

	stored, _ := r.Get(ctx, src.ID)
	if !stored.NeedsRediscovery {
		t.Error("再探索フラグが保存されるべきです")
	}
	if !strings.Contains(buf.String(), "source flagged for rediscovery") {
		t.Errorf("再探索フラグのログが出力されるべきです: %s", buf.String())
	}

	update, _ := r.ListActionable(ctx, model.JobTypeUpdate)
	if len(update) != 0 {
		t.Errorf("再探索が必要なソースは更新対象外であるべきです: %d", len(update))
	}
	rediscovery, _ := r.ListActionable(ctx, model.JobTypeRediscovery)
	if len(rediscovery) != 1 {
		t.Errorf("再探索対象 = %d, want 1", len(rediscovery))
	}
}

func TestRegistry_UpdateConfig_ClearsFlag(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	src, _ := r.Register(ctx, "https://shop.test/x", model.SourceTypeEcommerce, nil)
	for i := 0; i < 3; i++ {
		_, _ = r.RecordOutcome(ctx, src.ID, Outcome{FailureType: model.FailureSelectorNotFound, At: time.Now()})
	}

	updated, err := r.UpdateConfig(ctx, src.ID, model.ScrapeConfig{
		ScriptType: model.ScriptTypeSelectors,
		Selectors:  map[string][]string{model.FieldPrice: {"span.amount"}},
	})
	if err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if updated.NeedsRediscovery || updated.ScrapeConfig.LastGenerated == nil {
		t.Errorf("UpdateConfig() = %+v", updated)
	}

	actionable, _ := r.ListActionable(ctx, model.JobTypeUpdate)
	if len(actionable) != 1 {
		t.Errorf("レシピ再生成後は更新対象に戻るべきです: %d", len(actionable))
	}
}

func TestRegistry_ListActionable_RejectsDiscovery(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.ListActionable(context.Background(), model.JobTypeDiscovery)
	if got := apiErrorCode(err); got != model.ErrCodeInvalidInput {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeInvalidInput)
	}
}
