// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, source, product, job, extraction, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDuplicateSource      = "DUPLICATE_SOURCE"
	ErrCodeUnknownSource        = "UNKNOWN_SOURCE"
	ErrCodeUnknownProduct       = "UNKNOWN_PRODUCT"
	ErrCodeUnknownJob           = "UNKNOWN_JOB"
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeExtractionFailure    = "EXTRACTION_FAILURE"
	ErrCodeSourceBusy           = "SOURCE_BUSY"
	ErrCodeSourceUnavailable    = "SOURCE_UNAVAILABLE"
	ErrCodeInvalidJobTransition = "INVALID_JOB_TRANSITION"
	ErrCodeJobNotRunning        = "JOB_NOT_RUNNING"
	ErrCodeNoSources            = "NO_SOURCES"
	ErrCodeSearchFailed         = "SEARCH_FAILED"
	ErrCodeRecipeFailed         = "RECIPE_FAILED"
	ErrCodeJobCancelled         = "JOB_CANCELLED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewDuplicateSourceError は登録済みURLを再登録しようとした場合のエラーを生成する。
func NewDuplicateSourceError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSource,
		Message:  fmt.Sprintf("このURLは既にソースとして登録されています: %s", url),
		Category: "source",
		Action:   "ソース一覧から既存のソースを確認してください。",
	}
}

// NewUnknownSourceError はソース未検出エラーを生成する。
func NewUnknownSourceError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownSource,
		Message:  fmt.Sprintf("指定されたソースが見つかりません: %s", sourceID),
		Category: "source",
		Action:   "ソースIDを確認してください。",
	}
}

// NewUnknownProductError は商品未検出エラーを生成する。
func NewUnknownProductError(productID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProduct,
		Message:  fmt.Sprintf("指定された商品が見つかりません: %s", productID),
		Category: "product",
		Action:   "商品IDを確認してください。",
	}
}

// NewUnknownJobError はジョブ未検出エラーを生成する。
func NewUnknownJobError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownJob,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "job",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewInvalidInputError は入力検証エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewExtractionFailureError は抽出失敗をAPIErrorに変換する。
func NewExtractionFailureError(f *ExtractionFailure) *APIError {
	return &APIError{
		Code:     ErrCodeExtractionFailure,
		Message:  fmt.Sprintf("商品データの抽出に失敗しました (%s): %s", f.Type, f.Message),
		Category: "extraction",
		Action:   "しばらく待ってから再度お試しください。繰り返し失敗する場合は抽出レシピが再生成されます。",
	}
}

// NewSourceBusyError は同一ソースの抽出が実行中の場合のエラーを生成する。
func NewSourceBusyError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceBusy,
		Message:  fmt.Sprintf("ソースは別のジョブで処理中です: %s", sourceID),
		Category: "source",
		Action:   "実行中のジョブの完了を待ってから再度お試しください。",
	}
}

// NewSourceUnavailableError は無効化または再探索待ちになったソースを更新しようとした場合のエラーを生成する。
func NewSourceUnavailableError(sourceID string) *APIError {
	return &APIError{
		Code:     ErrCodeSourceUnavailable,
		Message:  fmt.Sprintf("ソースは無効化されたか再探索待ちのため更新されませんでした: %s", sourceID),
		Category: "source",
		Action:   "再探索ジョブの完了後に再度お試しください。",
	}
}

// NewInvalidJobTransitionError はジョブ状態遷移の違反を表すエラーを生成する。
func NewInvalidJobTransitionError(from, to JobStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidJobTransition,
		Message:  fmt.Sprintf("ジョブ状態を %s から %s へ遷移できません", from, to),
		Category: "job",
		Action:   "ジョブの現在の状態を確認してください。",
	}
}

// NewJobNotRunningError は実行中でないジョブを取り消そうとした場合のエラーを生成する。
func NewJobNotRunningError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotRunning,
		Message:  fmt.Sprintf("ジョブは実行中ではありません: %s", jobID),
		Category: "job",
		Action:   "取り消しは実行中のジョブに対してのみ行えます。",
	}
}

// NewNoSourcesError は処理対象のソースが存在しない場合のエラーを生成する。
func NewNoSourcesError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSources,
		Message:  "処理対象のソースがありません。",
		Category: "job",
		Action:   "ソースを登録するか、ソースIDを確認してください。",
	}
}

// NewSearchFailedError は候補URLの検索に失敗した場合のエラーを生成する。
func NewSearchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSearchFailed,
		Message:  fmt.Sprintf("候補URLの検索に失敗しました: %s", reason),
		Category: "job",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRecipeFailedError は抽出レシピの再生成に失敗した場合のエラーを生成する。
func NewRecipeFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRecipeFailed,
		Message:  fmt.Sprintf("抽出レシピの生成に失敗しました: %s", reason),
		Category: "extraction",
		Action:   "後続の再探索ジョブで再試行されます。",
	}
}
