package jobstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stemflow/internal/services"
)

// RedisStore implements Store on plain Redis hashes and counters.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps client. The caller keeps ownership of client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func processingKey(id string) string { return "processing:" + id }

func processedKey(id string) string { return "processed:" + id }

func lastErrorKey(id string) string { return "lasterror:" + id }

func fileKey(filename string) string { return "file:" + filename }

func retryKey(stage, filename string) string { return stage + "_retries:" + filename }

func wrapRedis(op string, err error) error {
	return services.Wrap(services.ErrTransient, "", "job state", op, err)
}

func (s *RedisStore) StepDone(ctx context.Context, trackingID, step string) (bool, error) {
	val, err := s.client.HGet(ctx, processingKey(trackingID), step).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapRedis("step done", err)
	}
	return truthy(val), nil
}

func (s *RedisStore) MarkStep(ctx context.Context, trackingID, step string) error {
	if err := s.client.HSet(ctx, processingKey(trackingID), step, 1).Err(); err != nil {
		return wrapRedis("mark step", err)
	}
	return nil
}

func (s *RedisStore) Steps(ctx context.Context, trackingID string) (map[string]bool, error) {
	raw, err := s.client.HGetAll(ctx, processingKey(trackingID)).Result()
	if err != nil {
		return nil, wrapRedis("steps", err)
	}
	out := make(map[string]bool, len(raw))
	for step, val := range raw {
		out[step] = truthy(val)
	}
	return out, nil
}

func (s *RedisStore) IsFullyProcessed(ctx context.Context, trackingID string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKey(trackingID)).Result()
	if err != nil {
		return false, wrapRedis("fully processed", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkFullyProcessed(ctx context.Context, trackingID string, summary Summary) error {
	completed := summary.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}
	key := processedKey(trackingID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"title":       summary.Title,
			"artist":      summary.Artist,
			"album":       summary.Album,
			"bitrate":     strconv.FormatInt(summary.Bitrate, 10),
			"duration":    strconv.FormatFloat(summary.Duration, 'f', -1, 64),
			"stems_used":  strings.Join(summary.StemsUsed, ","),
			"output_path": summary.OutputPath,
			"timestamp":   strconv.FormatFloat(float64(completed.UnixNano())/1e9, 'f', 3, 64),
		})
		return nil
	})
	if err != nil {
		return wrapRedis("mark fully processed", err)
	}
	return nil
}

func (s *RedisStore) Summary(ctx context.Context, trackingID string) (*Summary, error) {
	raw, err := s.client.HGetAll(ctx, processedKey(trackingID)).Result()
	if err != nil {
		return nil, wrapRedis("summary", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	summary := &Summary{
		Title:      raw["title"],
		Artist:     raw["artist"],
		Album:      raw["album"],
		OutputPath: raw["output_path"],
	}
	summary.Bitrate, _ = strconv.ParseInt(raw["bitrate"], 10, 64)
	summary.Duration, _ = strconv.ParseFloat(raw["duration"], 64)
	if stems := strings.TrimSpace(raw["stems_used"]); stems != "" {
		summary.StemsUsed = strings.Split(stems, ",")
	}
	if ts, err := strconv.ParseFloat(raw["timestamp"], 64); err == nil {
		summary.CompletedAt = time.Unix(0, int64(ts*1e9)).UTC()
	}
	return summary, nil
}

func (s *RedisStore) RetryCount(ctx context.Context, stage, filename string) (int, error) {
	n, err := s.client.Get(ctx, retryKey(stage, filename)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapRedis("retry count", err)
	}
	return n, nil
}

func (s *RedisStore) IncrementRetry(ctx context.Context, stage, filename string) (int, error) {
	n, err := s.client.Incr(ctx, retryKey(stage, filename)).Result()
	if err != nil {
		return 0, wrapRedis("increment retry", err)
	}
	return int(n), nil
}

func (s *RedisStore) ResetRetry(ctx context.Context, stage, filename string) error {
	if err := s.client.Del(ctx, retryKey(stage, filename)).Err(); err != nil {
		return wrapRedis("reset retry", err)
	}
	return nil
}

func (s *RedisStore) RecordError(ctx context.Context, rec ErrorRecord) error {
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if rec.TrackingID != "" {
			pipe.HSet(ctx, lastErrorKey(rec.TrackingID), map[string]any{
				"filename": rec.Filename,
				"stage":    rec.Stage,
				"attempt":  strconv.Itoa(rec.Attempt),
				"kind":     rec.Kind,
				"message":  rec.Message,
				"detail":   rec.Detail,
				"at":       rec.At.UTC().Format(time.RFC3339Nano),
			})
		}
		if rec.Filename != "" {
			pipe.HSet(ctx, fileKey(rec.Filename), map[string]any{
				"status":      StatusError,
				"error":       FormatFileError(rec),
				"tracking_id": rec.TrackingID,
				"updated_at":  rec.At.UTC().Format(time.RFC3339Nano),
			})
		}
		return nil
	})
	if err != nil {
		return wrapRedis("record error", err)
	}
	return nil
}

func (s *RedisStore) LastError(ctx context.Context, trackingID string) (*ErrorRecord, error) {
	raw, err := s.client.HGetAll(ctx, lastErrorKey(trackingID)).Result()
	if err != nil {
		return nil, wrapRedis("last error", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	rec := &ErrorRecord{
		TrackingID: trackingID,
		Filename:   raw["filename"],
		Stage:      raw["stage"],
		Kind:       raw["kind"],
		Message:    raw["message"],
		Detail:     raw["detail"],
	}
	rec.Attempt, _ = strconv.Atoi(raw["attempt"])
	rec.At, _ = time.Parse(time.RFC3339Nano, raw["at"])
	return rec, nil
}

func (s *RedisStore) SetFileStatus(ctx context.Context, status FileStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now()
	}
	key := fileKey(status.Filename)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values := map[string]any{
			"status":     status.Status,
			"updated_at": status.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
		if status.TrackingID != "" {
			values["tracking_id"] = status.TrackingID
		}
		pipe.HSet(ctx, key, values)
		if status.Error != "" {
			pipe.HSet(ctx, key, "error", status.Error)
		} else {
			pipe.HDel(ctx, key, "error")
		}
		return nil
	})
	if err != nil {
		return wrapRedis("set file status", err)
	}
	return nil
}

func (s *RedisStore) FileStatus(ctx context.Context, filename string) (FileStatus, error) {
	raw, err := s.client.HGetAll(ctx, fileKey(filename)).Result()
	if err != nil {
		return FileStatus{}, wrapRedis("file status", err)
	}
	return fileStatusFromHash(filename, raw), nil
}

func (s *RedisStore) FilesByStatus(ctx context.Context, status string) ([]FileStatus, error) {
	var out []FileStatus
	iter := s.client.Scan(ctx, 0, "file:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, wrapRedis("files by status", err)
		}
		fs := fileStatusFromHash(strings.TrimPrefix(key, "file:"), raw)
		if status == "" || fs.Status == status {
			out = append(out, fs)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedis("files by status", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *RedisStore) ClearFileError(ctx context.Context, filename, status string, stages []string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fileKey(filename), map[string]any{
			"status":     status,
			"updated_at": s.now().UTC().Format(time.RFC3339Nano),
		})
		pipe.HDel(ctx, fileKey(filename), "error")
		for _, stage := range stages {
			pipe.Del(ctx, retryKey(stage, filename))
		}
		return nil
	})
	if err != nil {
		return wrapRedis("clear file error", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return nil }

func fileStatusFromHash(filename string, raw map[string]string) FileStatus {
	fs := FileStatus{Filename: filename, Status: StatusUnknown}
	if len(raw) == 0 {
		return fs
	}
	if v := raw["status"]; v != "" {
		fs.Status = v
	}
	fs.Error = raw["error"]
	fs.TrackingID = raw["tracking_id"]
	fs.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw["updated_at"])
	return fs
}

// FormatFileError renders the timestamped error text stored on a file status
// record.
func FormatFileError(rec ErrorRecord) string {
	text := fmt.Sprintf("%s\n[%s attempt %d] %s", rec.At.UTC().Format(time.RFC3339), rec.Stage, rec.Attempt, rec.Message)
	if rec.Detail != "" {
		text += "\n" + rec.Detail
	}
	return text
}

func truthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
