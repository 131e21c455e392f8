package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// slowQueryThreshold is the duration above which a statement is logged at
// warn level.
const slowQueryThreshold = 100 * time.Millisecond

// Store holds the database pool. The database is the single serialization
// point: every operation is one short transaction and no queue state is kept
// in process.
type Store struct {
	db     *sql.DB
	cfg    *config.Config
	logger *log.Logger
}

func New(cfg *config.Config, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.DatabasePoolSize + cfg.DatabaseMaxOverflow)
	db.SetMaxIdleConns(cfg.DatabasePoolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, cfg: cfg, logger: logger}
	if cfg.DatabasePoolPrePing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// observe logs slow statements so hot-path regressions show up in logs.
func (s *Store) observe(op string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed > slowQueryThreshold {
		s.logger.Warn("Slow database operation", zap.String("op", op), zap.Duration("duration", elapsed))
	}
}
