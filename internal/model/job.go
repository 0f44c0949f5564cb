package model

import "time"

// JobStatus はスクレイピングジョブの状態を表す。
// pending → running → completed | failed の前進のみを許可する。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal は終了状態かどうかを返す。
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobType はジョブの種別を表す。
type JobType string

const (
	JobTypeDiscovery   JobType = "discovery"
	JobTypeUpdate      JobType = "update"
	JobTypeRediscovery JobType = "rediscovery"
)

var validJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusRunning},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateJobTransition はジョブの状態遷移が許可されているかを検証する。
func ValidateJobTransition(from, to JobStatus) error {
	allowed, ok := validJobTransitions[from]
	if !ok {
		return NewInvalidJobTransitionError(from, to)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return NewInvalidJobTransitionError(from, to)
}

// JobError はジョブ結果に記録する個別エラー。
type JobError struct {
	SourceID string      `json:"sourceId,omitempty"`
	URL      string      `json:"url,omitempty"`
	Code     string      `json:"code"`
	Type     FailureType `json:"type,omitempty"`
	Message  string      `json:"message"`
}

// JobResult はジョブの集計結果。
type JobResult struct {
	ProductsFound   int        `json:"productsFound"`
	PricesUpdated   int        `json:"pricesUpdated"`
	Updated         int        `json:"updated"`
	Failed          int        `json:"failed"`
	Skipped         int        `json:"skipped"`
	ScriptGenerated bool       `json:"scriptGenerated"`
	Cancelled       bool       `json:"cancelled,omitempty"`
	Errors          []JobError `json:"errors,omitempty"`
}

// Job はスクレイピングジョブの監査レコード。
// SourceIDはソースに紐づかない探索ジョブでは空。
type Job struct {
	ID          string
	SourceID    string
	Status      JobStatus
	JobType     JobType
	Query       string
	Result      JobResult
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// UpdateRequest は価格更新ジョブの対象指定。
type UpdateRequest struct {
	SourceIDs []string
	All       bool
}
