package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keyguard/internal/errs"
	"keyguard/internal/model"
)

const scheduleColumns = `id, model_type, operation, username, interval_kind, custom_interval_minutes,
	next_run, last_run, active, parameters, created_at, updated_at`

// InsertSchedule stores a validated schedule.
func (s *Store) InsertSchedule(sc *model.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	params, err := encodeParams(sc.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO training_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, string(sc.ModelType), sc.Operation, sc.Username, string(sc.IntervalKind),
		sc.CustomIntervalMinutes, toNull(&sc.NextRun), toNull(sc.LastRun), sc.Active, params,
		sc.CreatedAt.UnixNano(), sc.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("schedule %s: %w", sc.ID, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", errs.IO(err))
	}
	return nil
}

// UpdateSchedule rewrites every field of an existing schedule.
func (s *Store) UpdateSchedule(sc *model.Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	params, err := encodeParams(sc.Parameters)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE training_schedules SET model_type = ?, operation = ?, username = ?,
		interval_kind = ?, custom_interval_minutes = ?, next_run = ?, last_run = ?, active = ?,
		parameters = ?, updated_at = ? WHERE id = ?`,
		string(sc.ModelType), sc.Operation, sc.Username, string(sc.IntervalKind), sc.CustomIntervalMinutes,
		toNull(&sc.NextRun), toNull(sc.LastRun), sc.Active, params, sc.UpdatedAt.UnixNano(), sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", errs.IO(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, errs.ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	res, err := s.db.Exec(`DELETE FROM training_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", errs.IO(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// GetSchedule returns one schedule or ErrNotFound.
func (s *Store) GetSchedule(id string) (*model.Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM training_schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, errs.ErrNotFound)
	}
	return sc, err
}

// ListSchedules returns schedules in creation order. activeOnly skips
// paused schedules.
func (s *Store) ListSchedules(activeOnly bool) ([]model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM training_schedules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", errs.IO(err))
	}
	defer rows.Close()

	var out []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read schedules: %w", errs.IO(err))
	}
	return out, nil
}

func encodeParams(p map[string]any) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode schedule parameters: %w", errs.ErrInvalidArgument)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanSchedule(row scanner) (*model.Schedule, error) {
	var (
		sc               model.Schedule
		modelType, kind  string
		next, last       sql.NullInt64
		params           sql.NullString
		created, updated int64
	)
	err := row.Scan(&sc.ID, &modelType, &sc.Operation, &sc.Username, &kind, &sc.CustomIntervalMinutes,
		&next, &last, &sc.Active, &params, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", errs.IO(err))
	}
	sc.ModelType = model.Type(modelType)
	sc.IntervalKind = model.IntervalKind(kind)
	if t := fromNull(next); t != nil {
		sc.NextRun = *t
	}
	sc.LastRun = fromNull(last)
	sc.CreatedAt = time.Unix(0, created).UTC()
	sc.UpdatedAt = time.Unix(0, updated).UTC()
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &sc.Parameters); err != nil {
			return nil, fmt.Errorf("decode schedule %s parameters: %w", sc.ID, errs.ErrSchema)
		}
	}
	return &sc, nil
}
