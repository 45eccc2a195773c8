// Package postgres provides the Postgres-backed inventory store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/retry"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectAttempts int
	TraceQueries    bool
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Connect opens a bounded pool and pings it with exponential backoff. Failing
// to get any connection is fatal to the run.
func Connect(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.TraceQueries {
		poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   zapTraceLogger(logger.Named("pgx")),
			LogLevel: tracelog.LogLevelDebug,
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := ping(ctx, pool, cfg.ConnectAttempts, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func ping(ctx context.Context, db querier, attempts int, logger *zap.Logger) error {
	if attempts <= 0 {
		attempts = 5
	}
	var lastErr error
	policy := retry.Policy{
		MaxAttempts:    attempts,
		Schedule:       retry.Exponential(500*time.Millisecond, 10*time.Second),
		SkipFirstDelay: true,
	}
	_, err := retry.Until(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		lastErr = db.Ping(ctx)
		if lastErr != nil {
			logger.Warn("postgres ping failed", zap.Int("attempt", attempt), zap.Error(lastErr))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("postgres unreachable after %d attempts: %w (last error: %v)", attempts, err, lastErr)
	}
	return nil
}

func zapTraceLogger(logger *zap.Logger) tracelog.LoggerFunc {
	return func(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		fields := make([]zap.Field, 0, len(data))
		for k, v := range data {
			fields = append(fields, zap.Any(k, v))
		}
		switch level {
		case tracelog.LogLevelError:
			logger.Error(msg, fields...)
		case tracelog.LogLevelWarn:
			logger.Warn(msg, fields...)
		case tracelog.LogLevelInfo:
			logger.Info(msg, fields...)
		default:
			logger.Debug(msg, fields...)
		}
	}
}
