package model

import (
	"fmt"
	"time"
)

// FailureType は抽出失敗の分類。
type FailureType string

const (
	FailureSelectorNotFound FailureType = "selector_not_found"
	FailureTimeout          FailureType = "timeout"
	FailureBlocked          FailureType = "blocked"
	FailureCaptcha          FailureType = "captcha"
	FailureDataValidation   FailureType = "data_validation"
	FailureNetworkError     FailureType = "network_error"
)

// IsStructural はサイト構造の変化を示す失敗かどうかを返す。
func (t FailureType) IsStructural() bool {
	return t == FailureSelectorNotFound
}

// ExtractionFailure は抽出器が返す型付きの失敗情報。
type ExtractionFailure struct {
	Type     FailureType
	Message  string
	Selector string
}

// Error はerrorインターフェースを実装する。
func (f *ExtractionFailure) Error() string {
	if f.Selector != "" {
		return fmt.Sprintf("%s: %s (selector=%s)", f.Type, f.Message, f.Selector)
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// ScrapingResult は1回の抽出結果。
// Successがtrueの場合はData、falseの場合はErrorが設定される。
type ScrapingResult struct {
	Success     bool
	Data        *ProductData
	Error       *ExtractionFailure
	ExtractedAt time.Time
}

// Failed は失敗結果を生成する。
func Failed(t FailureType, message string, at time.Time) ScrapingResult {
	return ScrapingResult{
		Error:       &ExtractionFailure{Type: t, Message: message},
		ExtractedAt: at,
	}
}
