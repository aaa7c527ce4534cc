package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Stats returns a count of file status records grouped by status.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM file_status GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("file status stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// DatabaseHealth captures diagnostic information about the SQLite database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	MissingTables    []string
	StreamEntries    int
	PendingEntries   int
	IntegrityCheck   bool
	Error            string
}

var expectedTables = []string{
	"stream_entries",
	"stream_groups",
	"stream_pending",
	"job_steps",
	"job_summaries",
	"job_errors",
	"file_status",
	"retry_counters",
}

// CheckHealth returns diagnostic information about the database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	if s.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT version FROM schema_version LIMIT 1").Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	for _, table := range expectedTables {
		var count int
		if err := s.db.QueryRowContext(connCtx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("query table info: %w", err)
		}
		if count == 0 {
			health.MissingTables = append(health.MissingTables, table)
		}
	}
	if len(health.MissingTables) == 0 {
		if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM stream_entries").Scan(&health.StreamEntries); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count stream entries: %w", err)
		}
		if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM stream_pending").Scan(&health.PendingEntries); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count pending entries: %w", err)
		}
	}

	var integrityResult string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")

	return health, nil
}

// PruneAcknowledged deletes entries of stream older than olderThan that every
// group of the stream has delivered and acknowledged.
func (s *Store) PruneAcknowledged(ctx context.Context, stream string, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.execWithRetry(ctx,
		`DELETE FROM stream_entries
         WHERE stream = ?
           AND created_ms < ?
           AND EXISTS (SELECT 1 FROM stream_groups g WHERE g.stream = stream_entries.stream)
           AND seq <= (SELECT MIN(g.last_seq) FROM stream_groups g WHERE g.stream = stream_entries.stream)
           AND NOT EXISTS (SELECT 1 FROM stream_pending p WHERE p.seq = stream_entries.seq)`,
		stream, cutoff,
	)
	if err != nil {
		return 0, wrapDB("prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
