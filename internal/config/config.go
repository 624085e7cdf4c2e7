package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"airstream/internal/encoder"
	"airstream/internal/hls"
	"airstream/internal/lock"
	"airstream/internal/thumbnail"
)

// PathEnv names the variable holding the optional TOML file path.
const PathEnv = "HLSWORKER_CONFIG"

// Config is the full worker configuration. Values come from defaults, then
// the optional TOML file, then the environment.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Storage   StorageConfig   `toml:"storage"`
	Queue     QueueConfig     `toml:"queue"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Ffmpeg    FfmpegConfig    `toml:"ffmpeg"`
	Thumbnail ThumbnailConfig `toml:"thumbnails"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Ladder    hls.Ladder      `toml:"ladder"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type WorkspaceConfig struct {
	Root              string `toml:"root"`
	KeepSourceOnError bool   `toml:"keep_source_on_error"`
}

type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	PathStyle bool   `toml:"path_style"`

	// PublicOrigin prefixes the derived playback and thumbnail URLs.
	PublicOrigin   string   `toml:"public_origin"`
	UploadAttempts int      `toml:"upload_attempts"`
	UploadBackoff  Duration `toml:"upload_backoff"`
}

type QueueConfig struct {
	URL                string `toml:"url"`
	Name               string `toml:"name"`
	DeadLetterExchange string `toml:"dead_letter_exchange"`
	RequeueOnFailure   bool   `toml:"requeue_on_failure"`
}

type DatabaseConfig struct {
	URL            string `toml:"url"`
	MaxConnections int32  `toml:"max_connections"`
}

type RedisConfig struct {
	DSN        string   `toml:"dsn"`
	Channel    string   `toml:"channel"`
	LockTTL    Duration `toml:"lock_ttl"`
	LockPrefix string   `toml:"lock_prefix"`
}

type PipelineConfig struct {
	Concurrency          int      `toml:"concurrency"`
	RenditionParallelism int      `toml:"rendition_parallelism"`
	EncodeTimeout        Duration `toml:"encode_timeout"`
	UploadTimeout        Duration `toml:"upload_timeout"`
	DrainTimeout         Duration `toml:"drain_timeout"`
}

type FfmpegConfig struct {
	Binary         string `toml:"binary"`
	Preset         string `toml:"preset"`
	GOP            int    `toml:"gop"`
	SegmentSeconds int    `toml:"segment_seconds"`
}

type ThumbnailConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	MaxFrames       int `toml:"max_frames"`
	Quality         int `toml:"quality"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Duration reads values such as "90s" or "30m" from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	ff := encoder.DefaultFfmpegOptions()
	th := thumbnail.DefaultOptions()
	return Config{
		Log:       LogConfig{Level: "info", Format: "auto"},
		Workspace: WorkspaceConfig{Root: filepath.Join(os.TempDir(), "hlsworker")},
		Storage: StorageConfig{
			Region:         "us-east-1",
			Bucket:         "hls",
			PathStyle:      true,
			UploadAttempts: 3,
			UploadBackoff:  Duration{time.Second},
		},
		Queue:    QueueConfig{Name: "transcode"},
		Database: DatabaseConfig{MaxConnections: 4},
		Redis:    RedisConfig{LockTTL: Duration{lock.DefaultTTL}, LockPrefix: "hlsworker:lock:"},
		Pipeline: PipelineConfig{
			Concurrency:          1,
			RenditionParallelism: 1,
			EncodeTimeout:        Duration{30 * time.Minute},
			UploadTimeout:        Duration{15 * time.Minute},
			DrainTimeout:         Duration{10 * time.Minute},
		},
		Ffmpeg: FfmpegConfig{
			Binary:         ff.Binary,
			Preset:         ff.Preset,
			GOP:            ff.GOP,
			SegmentSeconds: ff.SegmentSeconds,
		},
		Thumbnail: ThumbnailConfig{
			IntervalSeconds: th.IntervalSeconds,
			MaxFrames:       th.MaxFrames,
			Quality:         th.Quality,
		},
		Ladder: hls.DefaultLadder(),
	}
}

// Load reads an optional .env file, the TOML file at path (or $HLSWORKER_CONFIG)
// and the environment. A missing .env is not an error; a missing explicit
// config file is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) decodeFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	// A ladder in the file replaces the default one entirely.
	defaults := c.Ladder
	c.Ladder = nil
	if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(c.Ladder) == 0 {
		c.Ladder = defaults
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Workspace.Root, "HLSWORKER_WORKDIR")
	setString(&c.Storage.Endpoint, "S3_ENDPOINT")
	setString(&c.Storage.Region, "S3_REGION")
	setString(&c.Storage.AccessKey, "S3_ACCESS_KEY")
	setString(&c.Storage.SecretKey, "S3_SECRET_KEY")
	setString(&c.Storage.Bucket, "S3_BUCKET")
	setString(&c.Storage.PublicOrigin, "PUBLIC_ORIGIN")
	setString(&c.Queue.URL, "RABBITMQ_URL")
	setString(&c.Queue.Name, "RABBITMQ_QUEUE")
	setString(&c.Queue.DeadLetterExchange, "RABBITMQ_DEAD_LETTER_EXCHANGE")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.DSN, "REDIS_DSN")
	setString(&c.Redis.Channel, "REDIS_CHANNEL")
	setString(&c.Ffmpeg.Binary, "FFMPEG_BINARY")
	setString(&c.Metrics.Addr, "METRICS_ADDR")

	var errs []error
	errs = append(errs,
		setBool(&c.Workspace.KeepSourceOnError, "KEEP_SOURCE_ON_ERROR"),
		setBool(&c.Storage.PathStyle, "S3_PATH_STYLE"),
		setBool(&c.Queue.RequeueOnFailure, "REQUEUE_ON_FAILURE"),
		setInt(&c.Pipeline.Concurrency, "WORKER_CONCURRENCY"),
		setInt(&c.Pipeline.RenditionParallelism, "RENDITION_PARALLELISM"),
		setInt(&c.Storage.UploadAttempts, "UPLOAD_ATTEMPTS"),
		setDuration(&c.Storage.UploadBackoff.Duration, "UPLOAD_BACKOFF"),
		setDuration(&c.Pipeline.EncodeTimeout.Duration, "ENCODE_TIMEOUT"),
		setDuration(&c.Pipeline.UploadTimeout.Duration, "UPLOAD_TIMEOUT"),
		setDuration(&c.Pipeline.DrainTimeout.Duration, "DRAIN_TIMEOUT"),
		setDuration(&c.Redis.LockTTL.Duration, "LOCK_TTL"),
	)
	return errors.Join(errs...)
}

// Validate reports the first unusable value. requireBroker is false for
// commands that never talk to the queue or the database.
func (c *Config) Validate(requireBroker bool) error {
	if c.Storage.Endpoint == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if c.Storage.Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	if c.Storage.PublicOrigin == "" {
		return errors.New("PUBLIC_ORIGIN is required")
	}
	if !strings.HasPrefix(c.Storage.PublicOrigin, "http://") && !strings.HasPrefix(c.Storage.PublicOrigin, "https://") {
		return fmt.Errorf("PUBLIC_ORIGIN %q must be an http(s) URL", c.Storage.PublicOrigin)
	}
	if requireBroker {
		if c.Queue.URL == "" {
			return errors.New("RABBITMQ_URL is required")
		}
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required")
		}
	}
	if c.Pipeline.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Pipeline.RenditionParallelism < 1 {
		return errors.New("RENDITION_PARALLELISM must be at least 1")
	}
	if c.Storage.UploadAttempts < 1 {
		return errors.New("UPLOAD_ATTEMPTS must be at least 1")
	}
	if c.Pipeline.EncodeTimeout.Duration <= 0 || c.Pipeline.UploadTimeout.Duration <= 0 {
		return errors.New("encode and upload timeouts must be positive")
	}
	if c.Redis.DSN != "" && c.Redis.Channel == "" {
		return errors.New("REDIS_CHANNEL is required when REDIS_DSN is set")
	}
	if err := c.Ladder.Validate(); err != nil {
		return fmt.Errorf("ladder: %w", err)
	}
	return nil
}

// FfmpegOptions returns the encoder options.
func (c *Config) FfmpegOptions() encoder.FfmpegOptions {
	return encoder.FfmpegOptions{
		Binary:         c.Ffmpeg.Binary,
		Preset:         c.Ffmpeg.Preset,
		GOP:            c.Ffmpeg.GOP,
		SegmentSeconds: c.Ffmpeg.SegmentSeconds,
	}
}

// ThumbnailOptions returns the extractor options.
func (c *Config) ThumbnailOptions() thumbnail.Options {
	return thumbnail.Options{
		Binary:          c.Ffmpeg.Binary,
		IntervalSeconds: c.Thumbnail.IntervalSeconds,
		MaxFrames:       c.Thumbnail.MaxFrames,
		Quality:         c.Thumbnail.Quality,
	}
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func setBool(dst *bool, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func setDuration(dst *time.Duration, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
