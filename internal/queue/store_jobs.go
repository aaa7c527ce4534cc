package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"stemflow/internal/jobstate"
)

var _ jobstate.Store = (*Store)(nil)

func (s *Store) StepDone(ctx context.Context, trackingID, step string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT 1 FROM job_steps WHERE tracking_id = ? AND step = ?`, trackingID, step,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapDB("step done", err)
	}
	return true, nil
}

func (s *Store) MarkStep(ctx context.Context, trackingID, step string) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO job_steps (tracking_id, step, done_at) VALUES (?, ?, ?)`,
		trackingID, step, s.timestamp(),
	); err != nil {
		return wrapDB("mark step", err)
	}
	return nil
}

func (s *Store) Steps(ctx context.Context, trackingID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT step FROM job_steps WHERE tracking_id = ?`, trackingID,
	)
	if err != nil {
		return nil, wrapDB("steps", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, wrapDB("steps", err)
		}
		out[step] = true
	}
	return out, rows.Err()
}

func (s *Store) IsFullyProcessed(ctx context.Context, trackingID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT 1 FROM job_summaries WHERE tracking_id = ?`, trackingID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapDB("fully processed", err)
	}
	return true, nil
}

func (s *Store) MarkFullyProcessed(ctx context.Context, trackingID string, summary jobstate.Summary) error {
	completed := summary.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO job_summaries (
            tracking_id, title, artist, album, duration, bitrate, stems_used, output_path, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tracking_id) DO UPDATE SET
            title = excluded.title,
            artist = excluded.artist,
            album = excluded.album,
            duration = excluded.duration,
            bitrate = excluded.bitrate,
            stems_used = excluded.stems_used,
            output_path = excluded.output_path,
            completed_at = excluded.completed_at`,
		trackingID,
		summary.Title,
		summary.Artist,
		summary.Album,
		summary.Duration,
		summary.Bitrate,
		strings.Join(summary.StemsUsed, ","),
		summary.OutputPath,
		completed.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return wrapDB("mark fully processed", err)
	}
	return nil
}

func (s *Store) Summary(ctx context.Context, trackingID string) (*jobstate.Summary, error) {
	var (
		summary   jobstate.Summary
		stems     string
		completed string
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT title, artist, album, duration, bitrate, stems_used, output_path, completed_at
         FROM job_summaries WHERE tracking_id = ?`, trackingID,
	).Scan(&summary.Title, &summary.Artist, &summary.Album, &summary.Duration, &summary.Bitrate, &stems, &summary.OutputPath, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB("summary", err)
	}
	if stems != "" {
		summary.StemsUsed = strings.Split(stems, ",")
	}
	summary.CompletedAt = parseTime(completed)
	return &summary, nil
}

func (s *Store) RetryCount(ctx context.Context, stage, filename string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT count FROM retry_counters WHERE stage = ? AND filename = ?`, stage, filename,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapDB("retry count", err)
	}
	return count, nil
}

func (s *Store) IncrementRetry(ctx context.Context, stage, filename string) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO retry_counters (stage, filename, count) VALUES (?, ?, 1)
             ON CONFLICT(stage, filename) DO UPDATE SET count = retry_counters.count + 1
             RETURNING count`,
			stage, filename,
		).Scan(&count)
	})
	if err != nil {
		return 0, wrapDB("increment retry", err)
	}
	return count, nil
}

func (s *Store) ResetRetry(ctx context.Context, stage, filename string) error {
	if _, err := s.execWithRetry(ctx,
		`DELETE FROM retry_counters WHERE stage = ? AND filename = ?`, stage, filename,
	); err != nil {
		return wrapDB("reset retry", err)
	}
	return nil
}

func (s *Store) RecordError(ctx context.Context, rec jobstate.ErrorRecord) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	at := rec.At.UTC().Format(time.RFC3339Nano)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if rec.TrackingID != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_errors (tracking_id, filename, stage, attempt, kind, message, detail, recorded_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT(tracking_id) DO UPDATE SET
                    filename = excluded.filename,
                    stage = excluded.stage,
                    attempt = excluded.attempt,
                    kind = excluded.kind,
                    message = excluded.message,
                    detail = excluded.detail,
                    recorded_at = excluded.recorded_at`,
				rec.TrackingID, rec.Filename, rec.Stage, rec.Attempt, rec.Kind, rec.Message, rec.Detail, at,
			); err != nil {
				return err
			}
		}
		if rec.Filename == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO file_status (filename, status, error, tracking_id, updated_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(filename) DO UPDATE SET
                status = excluded.status,
                error = excluded.error,
                tracking_id = CASE WHEN excluded.tracking_id = '' THEN file_status.tracking_id ELSE excluded.tracking_id END,
                updated_at = excluded.updated_at`,
			rec.Filename, jobstate.StatusError, jobstate.FormatFileError(rec), rec.TrackingID, at,
		)
		return err
	})
	if err != nil {
		return wrapDB("record error", err)
	}
	return nil
}

func (s *Store) LastError(ctx context.Context, trackingID string) (*jobstate.ErrorRecord, error) {
	rec := jobstate.ErrorRecord{TrackingID: trackingID}
	var at string
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT filename, stage, attempt, kind, message, detail, recorded_at
         FROM job_errors WHERE tracking_id = ?`, trackingID,
	).Scan(&rec.Filename, &rec.Stage, &rec.Attempt, &rec.Kind, &rec.Message, &rec.Detail, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDB("last error", err)
	}
	rec.At = parseTime(at)
	return &rec, nil
}

func (s *Store) SetFileStatus(ctx context.Context, status jobstate.FileStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now()
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO file_status (filename, status, error, tracking_id, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(filename) DO UPDATE SET
            status = excluded.status,
            error = excluded.error,
            tracking_id = CASE WHEN excluded.tracking_id = '' THEN file_status.tracking_id ELSE excluded.tracking_id END,
            updated_at = excluded.updated_at`,
		status.Filename,
		status.Status,
		nullableString(status.Error),
		status.TrackingID,
		status.UpdatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return wrapDB("set file status", err)
	}
	return nil
}

func (s *Store) FileStatus(ctx context.Context, filename string) (jobstate.FileStatus, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT filename, status, error, tracking_id, updated_at FROM file_status WHERE filename = ?`, filename,
	)
	status, err := scanFileStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobstate.FileStatus{Filename: filename, Status: jobstate.StatusUnknown}, nil
	}
	if err != nil {
		return jobstate.FileStatus{}, wrapDB("file status", err)
	}
	return status, nil
}

func (s *Store) FilesByStatus(ctx context.Context, status string) ([]jobstate.FileStatus, error) {
	query := `SELECT filename, status, error, tracking_id, updated_at FROM file_status`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY filename`
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, wrapDB("files by status", err)
	}
	defer rows.Close()
	var out []jobstate.FileStatus
	for rows.Next() {
		fs, err := scanFileStatus(rows)
		if err != nil {
			return nil, wrapDB("files by status", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

func (s *Store) ClearFileError(ctx context.Context, filename, status string, stages []string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_status (filename, status, error, tracking_id, updated_at)
             VALUES (?, ?, NULL, '', ?)
             ON CONFLICT(filename) DO UPDATE SET
                status = excluded.status,
                error = NULL,
                updated_at = excluded.updated_at`,
			filename, status, s.timestamp(),
		); err != nil {
			return err
		}
		for _, stage := range stages {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM retry_counters WHERE stage = ? AND filename = ?`, stage, filename,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapDB("clear file error", err)
	}
	return nil
}

func scanFileStatus(row rowScanner) (jobstate.FileStatus, error) {
	var (
		fs        jobstate.FileStatus
		errText   sql.NullString
		updatedAt string
	)
	if err := row.Scan(&fs.Filename, &fs.Status, &errText, &fs.TrackingID, &updatedAt); err != nil {
		return jobstate.FileStatus{}, err
	}
	fs.Error = errText.String
	fs.UpdatedAt = parseTime(updatedAt)
	return fs, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
