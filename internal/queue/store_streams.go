package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stemflow/internal/logging"
	"stemflow/internal/services"
	"stemflow/internal/streams"
)

var _ streams.Bus = (*Store)(nil)

// errNoGroup mirrors the NOGROUP reply of a Redis stream read.
var errNoGroup = errors.New("consumer group does not exist")

// Entry IDs follow the Redis "<millis>-<seq>" layout; seq is globally unique.
func formatID(createdMS, seq int64) string {
	return strconv.FormatInt(createdMS, 10) + "-" + strconv.FormatInt(seq, 10)
}

func parseID(id string) (int64, bool) {
	idx := strings.LastIndexByte(id, '-')
	if idx < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Publish appends fields to stream.
func (s *Store) Publish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	createdMS := s.now().UnixMilli()
	res, err := s.execWithRetry(ctx,
		`INSERT INTO stream_entries (stream, created_ms, fields_json) VALUES (?, ?, ?)`,
		stream, createdMS, string(payload),
	)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "publish", stream, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("last insert id: %w", err)
	}
	id := formatID(createdMS, seq)
	s.logger.Debug("message published", logging.String(logging.FieldStream, stream), logging.String(logging.FieldMessageID, id))
	return id, nil
}

// EnsureGroup creates group positioned at the start of stream.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	res, err := s.execWithRetry(ctx,
		`INSERT OR IGNORE INTO stream_groups (stream, group_name, last_seq, created_at) VALUES (?, ?, 0, ?)`,
		stream, group, s.timestamp(),
	)
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "ensure group", stream+"/"+group, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("consumer group created", logging.String(logging.FieldStream, stream), logging.String("group", group))
	}
	return nil
}

// ReadGroup delivers up to count new entries to consumer, polling until block
// elapses when the stream has nothing new.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]streams.Message, error) {
	ctx = ensureContext(ctx)
	if count <= 0 {
		count = 1
	}
	deadline := s.now().Add(block)
	for {
		msgs, err := s.deliverNew(ctx, stream, group, consumer, count)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "", "read group", stream+"/"+group, err)
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		remaining := deadline.Sub(s.now())
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}
		wait := min(s.pollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, services.Wrap(services.ErrTransient, "", "read group", stream+"/"+group, ctx.Err())
		case <-timer.C:
		}
	}
}

func (s *Store) deliverNew(ctx context.Context, stream, group, consumer string, count int) ([]streams.Message, error) {
	var out []streams.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		var lastSeq int64
		err := tx.QueryRowContext(ctx,
			`SELECT last_seq FROM stream_groups WHERE stream = ? AND group_name = ?`,
			stream, group,
		).Scan(&lastSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return errNoGroup
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT seq, created_ms, fields_json FROM stream_entries
             WHERE stream = ? AND seq > ? ORDER BY seq LIMIT ?`,
			stream, lastSeq, count,
		)
		if err != nil {
			return err
		}
		var seqs []int64
		for rows.Next() {
			msg, seq, err := scanEntry(rows, stream)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, msg)
			seqs = append(seqs, seq)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(seqs) == 0 {
			return nil
		}

		deliveredMS := s.now().UnixMilli()
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stream_pending (stream, group_name, seq, consumer, delivered_ms, deliveries)
                 VALUES (?, ?, ?, ?, ?, 1)
                 ON CONFLICT(stream, group_name, seq) DO UPDATE SET
                    consumer = excluded.consumer,
                    delivered_ms = excluded.delivered_ms,
                    deliveries = stream_pending.deliveries + 1`,
				stream, group, seq, consumer, deliveredMS,
			); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE stream_groups SET last_seq = ? WHERE stream = ? AND group_name = ?`,
			seqs[len(seqs)-1], stream, group,
		)
		return err
	})
	return out, err
}

// Ack removes id from the pending list of group.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	seq, ok := parseID(id)
	if !ok {
		logging.WarnWithContext(s.logger, "ack for malformed message id", "stream_ack_unknown",
			logging.String(logging.FieldStream, stream),
			logging.String("group", group),
			logging.String(logging.FieldMessageID, id),
			logging.String(logging.FieldImpact, "none; no pending entry can carry this id"),
		)
		return nil
	}
	res, err := s.execWithRetry(ctx,
		`DELETE FROM stream_pending WHERE stream = ? AND group_name = ? AND seq = ?`,
		stream, group, seq,
	)
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "ack", stream+"/"+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.WarnWithContext(s.logger, "ack for unknown message", "stream_ack_unknown",
			logging.String(logging.FieldStream, stream),
			logging.String("group", group),
			logging.String(logging.FieldMessageID, id),
			logging.String(logging.FieldImpact, "none; the message was already acknowledged"),
		)
	}
	return nil
}

// ReclaimStale moves pending entries idle for at least minIdle to consumer.
func (s *Store) ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]streams.Message, error) {
	if count <= 0 {
		count = 10
	}
	var out []streams.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		nowMS := s.now().UnixMilli()
		cutoff := nowMS - minIdle.Milliseconds()
		rows, err := tx.QueryContext(ctx,
			`SELECT p.seq, e.created_ms, e.fields_json
             FROM stream_pending p
             JOIN stream_entries e ON e.seq = p.seq AND e.stream = p.stream
             WHERE p.stream = ? AND p.group_name = ? AND p.delivered_ms <= ?
             ORDER BY p.seq LIMIT ?`,
			stream, group, cutoff, count,
		)
		if err != nil {
			return err
		}
		var seqs []int64
		for rows.Next() {
			msg, seq, err := scanEntry(rows, stream)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, msg)
			seqs = append(seqs, seq)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE stream_pending SET consumer = ?, delivered_ms = ?, deliveries = deliveries + 1
                 WHERE stream = ? AND group_name = ? AND seq = ?`,
				consumer, nowMS, stream, group, seq,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "reclaim", stream+"/"+group, err)
	}
	return out, nil
}

// Pending lists unacknowledged entries of group in delivery order.
func (s *Store) Pending(ctx context.Context, stream, group string) ([]streams.PendingEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT p.seq, e.created_ms, p.consumer, p.delivered_ms, p.deliveries
         FROM stream_pending p
         JOIN stream_entries e ON e.seq = p.seq
         WHERE p.stream = ? AND p.group_name = ?
         ORDER BY p.seq`,
		stream, group,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "", "pending", stream+"/"+group, err)
	}
	defer rows.Close()

	nowMS := s.now().UnixMilli()
	var out []streams.PendingEntry
	for rows.Next() {
		var (
			seq, createdMS, deliveredMS, deliveries int64
			consumer                                string
		)
		if err := rows.Scan(&seq, &createdMS, &consumer, &deliveredMS, &deliveries); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, streams.PendingEntry{
			ID:         formatID(createdMS, seq),
			Consumer:   consumer,
			Idle:       time.Duration(max(nowMS-deliveredMS, 0)) * time.Millisecond,
			Deliveries: deliveries,
		})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, stream string) (streams.Message, int64, error) {
	var (
		seq, createdMS int64
		payload        string
	)
	if err := row.Scan(&seq, &createdMS, &payload); err != nil {
		return streams.Message{}, 0, fmt.Errorf("scan entry: %w", err)
	}
	fields := map[string]string{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return streams.Message{}, 0, fmt.Errorf("decode entry %d: %w", seq, err)
	}
	return streams.Message{ID: formatID(createdMS, seq), Stream: stream, Fields: fields}, seq, nil
}
