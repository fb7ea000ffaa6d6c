package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"keyguard/internal/errs"
	"keyguard/internal/model"
)

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status    model.JobStatus
	ModelType model.Type
	Username  string
	Limit     int
}

const jobColumns = `id, model_type, username, parameters, status, created_at,
	start_time, end_time, result, error, progress`

// InsertJob stores a new job. A duplicate ID returns ErrConflict.
func (s *Store) InsertJob(j *model.TrainingJob) error {
	params, result, err := encodeJob(j)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO training_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.ModelType), j.Username, params, string(j.Status), j.CreatedAt.UnixNano(),
		toNull(j.StartTime), toNull(j.EndTime), result, j.Error, j.Progress,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", j.ID, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", errs.IO(err))
	}
	return nil
}

// UpdateJob rewrites the mutable fields of an existing job.
func (s *Store) UpdateJob(j *model.TrainingJob) error {
	_, result, err := encodeJob(j)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE training_jobs SET status = ?, start_time = ?, end_time = ?,
		result = ?, error = ?, progress = ? WHERE id = ?`,
		string(j.Status), toNull(j.StartTime), toNull(j.EndTime), result, j.Error, j.Progress, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", errs.IO(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", j.ID, errs.ErrNotFound)
	}
	return nil
}

// UpdateProgress records progress for a running job.
func (s *Store) UpdateProgress(id string, progress float64) error {
	_, err := s.db.Exec(`UPDATE training_jobs SET progress = ? WHERE id = ?`, progress, id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", errs.IO(err))
	}
	return nil
}

// GetJob returns one job or ErrNotFound.
func (s *Store) GetJob(id string) (*model.TrainingJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM training_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(f JobFilter) ([]model.TrainingJob, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ModelType != "" {
		where = append(where, "model_type = ?")
		args = append(args, string(f.ModelType))
	}
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	query := `SELECT ` + jobColumns + ` FROM training_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", errs.IO(err))
	}
	defer rows.Close()

	var out []model.TrainingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read jobs: %w", errs.IO(err))
	}
	return out, nil
}

// FailInterrupted marks jobs left pending or in progress by a previous
// process as failed and returns how many were updated.
func (s *Store) FailInterrupted(now time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE training_jobs SET status = ?, end_time = ?, error = ?
		WHERE status IN (?, ?)`,
		string(model.JobFailed), now.UnixNano(), "interrupted by restart",
		string(model.JobPending), string(model.JobInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", errs.IO(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func encodeJob(j *model.TrainingJob) (params string, result sql.NullString, err error) {
	p, err := json.Marshal(j.Parameters)
	if err != nil {
		return "", result, fmt.Errorf("encode job parameters: %w", errs.ErrInvalidArgument)
	}
	if j.Result != nil {
		r, err := json.Marshal(j.Result)
		if err != nil {
			return "", result, fmt.Errorf("encode job result: %w", errs.ErrInvalidArgument)
		}
		result = sql.NullString{String: string(r), Valid: true}
	}
	return string(p), result, nil
}

func scanJob(row scanner) (*model.TrainingJob, error) {
	var (
		j              model.TrainingJob
		modelType      string
		status         string
		params         string
		created        int64
		start, end     sql.NullInt64
		result, errMsg sql.NullString
	)
	err := row.Scan(&j.ID, &modelType, &j.Username, &params, &status, &created,
		&start, &end, &result, &errMsg, &j.Progress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", errs.IO(err))
	}
	j.ModelType = model.Type(modelType)
	j.Status = model.JobStatus(status)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.StartTime = fromNull(start)
	j.EndTime = fromNull(end)
	j.Error = errMsg.String
	if err := json.Unmarshal([]byte(params), &j.Parameters); err != nil {
		return nil, fmt.Errorf("decode job %s parameters: %w", j.ID, errs.ErrSchema)
	}
	if result.Valid {
		j.Result = &model.Info{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode job %s result: %w", j.ID, errs.ErrSchema)
		}
	}
	return &j, nil
}
