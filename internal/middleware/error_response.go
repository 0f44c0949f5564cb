package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/pricewatch/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// successは常にfalse、errorはmessageと同じ文字列を持つ。
type ErrorResponseBody struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId,omitempty"`
	Error    string `json:"error"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJobErrorResponse(w, statusCode, "", apiErr)
}

// WriteJobErrorResponse はジョブIDを含めてエラーレスポンスを書き込む。
// ジョブが作成された後に失敗した場合に使用する。
func WriteJobErrorResponse(w http.ResponseWriter, statusCode int, jobID string, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Success:  false,
		JobID:    jobID,
		Error:    apiErr.Message,
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// InternalError は内部エラーの利用者向け表現を返す。
// 詳細はログのみに記録する。
func InternalError() *model.APIError {
	return &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, InternalError())
}
