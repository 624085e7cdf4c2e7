package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	markProcessingSQL = `UPDATE videos SET status=$1, updated_at=NOW() WHERE filename=$2 AND status <> 'ready'`
	markReadySQL      = `UPDATE videos SET status=$1, video_url=$2, thumbnails_base=$3, updated_at=NOW() WHERE filename=$4`
	markErrorSQL      = `UPDATE videos SET status=$1, updated_at=NOW() WHERE filename=$2 AND status <> 'ready'`
	getSQL            = `SELECT filename, status, COALESCE(video_url, ''), COALESCE(thumbnails_base, ''), updated_at FROM videos WHERE filename=$1`
)

// PostgresConfig describes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	ApplicationName string
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore updates the videos table.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, filename string) error {
	if _, err := s.db.Exec(ctx, markProcessingSQL, string(StatusProcessing), filename); err != nil {
		return fmt.Errorf("mark %s processing: %w", filename, err)
	}
	return nil
}

func (s *PostgresStore) MarkReady(ctx context.Context, filename, videoURL, thumbnailsBase string) error {
	tag, err := s.db.Exec(ctx, markReadySQL, string(StatusReady), videoURL, thumbnailsBase, filename)
	if err != nil {
		return fmt.Errorf("mark %s ready: %w", filename, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark %s ready: %w", filename, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkError(ctx context.Context, filename string) error {
	if _, err := s.db.Exec(ctx, markErrorSQL, string(StatusError), filename); err != nil {
		return fmt.Errorf("mark %s error: %w", filename, err)
	}
	return nil
}

// Get loads one row.
func (s *PostgresStore) Get(ctx context.Context, filename string) (VideoRecord, error) {
	var rec VideoRecord
	var status string
	err := s.db.QueryRow(ctx, getSQL, filename).Scan(&rec.Filename, &status, &rec.VideoURL, &rec.ThumbnailsBase, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VideoRecord{}, ErrNotFound
		}
		return VideoRecord{}, fmt.Errorf("get %s: %w", filename, err)
	}
	rec.Status = Status(status)
	return rec, nil
}
