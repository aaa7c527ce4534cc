// Package backend builds the stream bus and job state store selected by
// configuration. Each process calls Open once and passes the result down.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"stemflow/internal/config"
	"stemflow/internal/jobstate"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/streams"
)

// Backend bundles the two halves of the coordination state.
type Backend struct {
	Bus   streams.Bus
	State jobstate.Store
	Kind  string

	closeFn func() error
}

// Close releases the underlying connection.
func (b *Backend) Close() error {
	if b == nil || b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// Open connects to the configured backend and verifies it is reachable.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "open backend", "config is nil", nil)
	}
	logger = logging.NewComponentLogger(logger, "backend")

	switch cfg.Bus.Backend {
	case "sqlite":
		store, err := queue.Open(cfg.Bus.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		logger.Info("backend ready",
			logging.String("backend", "sqlite"),
			logging.String("path", store.Path()),
		)
		return &Backend{Bus: store, State: store, Kind: "sqlite", closeFn: store.Close}, nil
	case "redis", "":
		client := redis.NewClient(RedisOptions(cfg))
		pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Redis.DialTimeoutSeconds)*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, services.Wrap(services.ErrTransient, "", "redis connect", cfg.Redis.Addr, err)
		}
		logger.Info("backend ready",
			logging.String("backend", "redis"),
			logging.String("addr", cfg.Redis.Addr),
			logging.Int("db", cfg.Redis.DB),
		)
		return &Backend{
			Bus:     streams.NewRedisBus(client, logger),
			State:   jobstate.NewRedisStore(client),
			Kind:    "redis",
			closeFn: client.Close,
		}, nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "open backend", "unsupported backend "+cfg.Bus.Backend, nil)
	}
}

// RedisOptions translates the redis config section into client options.
func RedisOptions(cfg *config.Config) *redis.Options {
	timeout := time.Duration(cfg.Redis.DialTimeoutSeconds) * time.Second
	return &redis.Options{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: timeout,
		// Blocking stream reads must outlive the read timeout.
		ReadTimeout: time.Duration(cfg.Workflow.BlockSeconds)*time.Second + timeout,
	}
}
