package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pricewatch/internal/middleware"
	"github.com/hitoshi/pricewatch/internal/model"
)

// maxRequestBodySize はリクエストボディの上限（バイト）。
const maxRequestBodySize = 1 << 20

// writeJSON はvをJSONとしてレスポンスに書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。
// ボディが空の場合はvを変更せずnilを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return model.NewInvalidInputError(typeErr.Field + " の型が不正です")
		}
		return model.NewInvalidInputError("リクエストボディの解析に失敗しました")
	}
	return nil
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	handleJobError(w, "", err)
}

// handleJobError はジョブIDを含めてエラーレスポンスを書き込む。
// APIError以外のエラーは内容を返さず内部エラーとして扱う。
func handleJobError(w http.ResponseWriter, jobID string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteJobErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), jobID, apiErr)
		return
	}

	slog.Error("internal server error",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	middleware.WriteJobErrorResponse(w, http.StatusInternalServerError, jobID, middleware.InternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
// 検索とレシピ生成の失敗はジョブの結果として記録済みのため200で返す。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case model.ErrCodeUnknownSource, model.ErrCodeUnknownProduct, model.ErrCodeUnknownJob, model.ErrCodeNoSources:
		return http.StatusNotFound
	case model.ErrCodeDuplicateSource, model.ErrCodeSourceBusy, model.ErrCodeSourceUnavailable,
		model.ErrCodeJobNotRunning, model.ErrCodeInvalidJobTransition:
		return http.StatusConflict
	case model.ErrCodeSearchFailed, model.ErrCodeRecipeFailed:
		return http.StatusOK
	case model.ErrCodeExtractionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
