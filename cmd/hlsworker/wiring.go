package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"airstream/internal/config"
	"airstream/internal/encoder"
	"airstream/internal/lock"
	"airstream/internal/metrics"
	"airstream/internal/notify"
	"airstream/internal/pipeline"
	"airstream/internal/records"
	"airstream/internal/retry"
	"airstream/internal/storage"
	"airstream/internal/thumbnail"
	"airstream/internal/workspace"
)

// services are the collaborators shared by every job of the process.
type services struct {
	Records  records.Store
	Notifier notify.Notifier
	Locker   lock.Locker
	Metrics  *metrics.Metrics
}

func newOrchestrator(ctx context.Context, cfg *config.Config, svc services, retainSource bool, log zerolog.Logger) (*pipeline.Orchestrator, error) {
	runner := encoder.NewCommandRunner()
	backend := encoder.NewFfmpegBackend(cfg.FfmpegOptions(), runner, log)
	log.Info().Str("binary", cfg.Ffmpeg.Binary).Msg("using ffmpeg backend")
	if !backend.Available() {
		return nil, fmt.Errorf("%w: %s", encoder.ErrNotAvailable, cfg.Ffmpeg.Binary)
	}

	s3Client, err := storage.NewS3Client(ctx, storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		PathStyle: cfg.Storage.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	created, err := storage.EnsureBucket(ctx, s3Client, cfg.Storage.Bucket)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("bucket", cfg.Storage.Bucket).Msg("created the bucket")
	}
	uploader := storage.NewUploader(s3Client, cfg.Storage.Bucket, retry.Policy{
		Attempts: cfg.Storage.UploadAttempts,
		Backoff:  cfg.Storage.UploadBackoff.Duration,
	}, log)
	uploader.RetryHook = func(string, int, error) { svc.Metrics.UploadRetried() }

	workspaces, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Options{
		Ladder:               cfg.Ladder,
		PublicOrigin:         cfg.Storage.PublicOrigin,
		KeepSourceOnError:    cfg.Workspace.KeepSourceOnError,
		RetainSource:         retainSource,
		RenditionParallelism: cfg.Pipeline.RenditionParallelism,
		EncodeTimeout:        cfg.Pipeline.EncodeTimeout.Duration,
		UploadTimeout:        cfg.Pipeline.UploadTimeout.Duration,
	}, pipeline.Deps{
		Workspaces:  workspaces,
		Encoder:     backend,
		Thumbnailer: thumbnail.NewExtractor(cfg.ThumbnailOptions(), runner, log),
		Uploader:    uploader,
		Records:     svc.Records,
		Notifier:    svc.Notifier,
		Locker:      svc.Locker,
		Metrics:     svc.Metrics,
		Log:         log,
	})
}

// newRedisClient accepts a redis:// URL or a bare host:port address.
func newRedisClient(ctx context.Context, dsn string) (*redis.Client, error) {
	opts := &redis.Options{Addr: dsn}
	if strings.Contains(dsn, "://") {
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
