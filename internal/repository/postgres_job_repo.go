package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/pricewatch/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

const jobColumns = `id, source_id, status, job_type, query, result, started_at, completed_at, created_at`

func scanJob(row rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var sourceID, query sql.NullString
	var status, jobType string
	var rawResult []byte
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&job.ID, &sourceID, &status, &jobType, &query, &rawResult,
		&startedAt, &completedAt, &job.CreatedAt,
	); err != nil {
		return nil, err
	}

	job.SourceID = nullStringValue(sourceID)
	job.Query = nullStringValue(query)
	job.Status = model.JobStatus(status)
	job.JobType = model.JobType(jobType)
	job.StartedAt = nullTimeValue(startedAt)
	job.CompletedAt = nullTimeValue(completedAt)
	if len(rawResult) > 0 {
		if err := json.Unmarshal(rawResult, &job.Result); err != nil {
			return nil, fmt.Errorf("resultの解析に失敗しました: %w", err)
		}
	}
	return job, nil
}

// Create はジョブを作成する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	rawResult, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("resultのエンコードに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scrape_jobs (id, source_id, status, job_type, query, result,
		                          started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, nullString(job.SourceID), string(job.Status), string(job.JobType),
		nullString(job.Query), rawResult, nullTime(job.StartedAt), nullTime(job.CompletedAt), job.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("ジョブのソースが存在しません (source_id=%s): %w", job.SourceID, ErrReferenceNotFound)
		}
		return fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.Job, error) {
	if !isUUID(id) {
		return nil, nil
	}
	job, err := scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// Transition は現在の状態がfromのときのみジョブを更新する。
func (r *PostgresJobRepo) Transition(ctx context.Context, job *model.Job, from model.JobStatus) error {
	if err := model.ValidateJobTransition(from, job.Status); err != nil {
		return err
	}
	rawResult, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("resultのエンコードに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE scrape_jobs SET
		    status = $3, result = $4, started_at = $5, completed_at = $6
		 WHERE id = $1 AND status = $2`,
		job.ID, string(from), string(job.Status), rawResult,
		nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("ジョブ状態の更新に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// List はジョブを作成日時の新しい順に最大limit件返す。
func (r *PostgresJobRepo) List(ctx context.Context, limit int) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scrape_jobs
		 ORDER BY created_at DESC, id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ジョブの読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブ一覧の走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// FailStale は長時間runningのままのジョブをfailedにする。
func (r *PostgresJobRepo) FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	entry, err := json.Marshal([]model.JobError{{Code: model.ErrCodeInternal, Message: message}})
	if err != nil {
		return 0, fmt.Errorf("エラー情報のエンコードに失敗しました: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE scrape_jobs SET
		    status = 'failed',
		    completed_at = now(),
		    result = jsonb_set(result, '{errors}', COALESCE(result->'errors', '[]'::jsonb) || $2::jsonb)
		 WHERE status = 'running' AND started_at < $1`,
		cutoff, entry,
	)
	if err != nil {
		return 0, fmt.Errorf("停滞ジョブの失敗処理に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

var _ JobRepository = (*PostgresJobRepo)(nil)
