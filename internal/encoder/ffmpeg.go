package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"airstream/internal/hls"
)

// FfmpegOptions tunes the ffmpeg invocation shared by every rendition.
type FfmpegOptions struct {
	Binary         string
	Preset         string
	GOP            int
	SegmentSeconds int
}

// DefaultFfmpegOptions keeps a keyframe every 48 frames and 4 second segments.
func DefaultFfmpegOptions() FfmpegOptions {
	return FfmpegOptions{
		Binary:         "ffmpeg",
		Preset:         "veryfast",
		GOP:            48,
		SegmentSeconds: 4,
	}
}

// FfmpegBackend encodes renditions with ffmpeg's HLS muxer.
type FfmpegBackend struct {
	opts   FfmpegOptions
	runner Runner
	log    zerolog.Logger
}

// NewFfmpegBackend returns a backend, filling unset options with defaults.
func NewFfmpegBackend(opts FfmpegOptions, runner Runner, log zerolog.Logger) *FfmpegBackend {
	def := DefaultFfmpegOptions()
	if opts.Binary == "" {
		opts.Binary = def.Binary
	}
	if opts.Preset == "" {
		opts.Preset = def.Preset
	}
	if opts.GOP <= 0 {
		opts.GOP = def.GOP
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = def.SegmentSeconds
	}
	if runner == nil {
		runner = NewCommandRunner()
	}
	return &FfmpegBackend{opts: opts, runner: runner, log: log}
}

// Available reports whether the ffmpeg binary resolves.
func (b *FfmpegBackend) Available() bool {
	if _, err := exec.LookPath(b.opts.Binary); err != nil {
		return false
	}
	return true
}

func (b *FfmpegBackend) Encode(ctx context.Context, r hls.Rendition, inputPath, outputDir string) (Result, error) {
	args := b.buildArgs(r, inputPath, outputDir)
	b.log.Debug().Str("rendition", r.Name).Strs("args", args).Msg("running ffmpeg")
	output, err := b.runner.Run(ctx, b.opts.Binary, args...)
	if err != nil {
		return Result{}, &ExitError{Rendition: r.Name, Output: string(output), Err: err}
	}
	return collectResult(r, outputDir)
}

func (b *FfmpegBackend) buildArgs(r hls.Rendition, inputPath, outputDir string) []string {
	gop := strconv.Itoa(b.opts.GOP)
	return []string{
		"-y",
		"-i", inputPath,
		"-vf", "scale=" + r.Resolution(),
		"-c:v", "libx264",
		"-profile:v", "main",
		"-preset", b.opts.Preset,
		"-b:v", kbps(r.VideoKbps),
		"-maxrate", kbps(r.MaxRateKbps),
		"-bufsize", kbps(r.BufferKbps),
		"-sc_threshold", "0",
		"-g", gop,
		"-keyint_min", gop,
		"-c:a", "aac",
		"-b:a", kbps(r.AudioKbps),
		"-ar", "48000",
		"-ac", "2",
		"-hls_time", strconv.Itoa(b.opts.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(outputDir, r.SegmentPattern()),
		"-f", "hls",
		filepath.Join(outputDir, r.PlaylistName()),
	}
}

func collectResult(r hls.Rendition, outputDir string) (Result, error) {
	playlist := filepath.Join(outputDir, r.PlaylistName())
	if _, err := os.Stat(playlist); err != nil {
		return Result{}, &ExitError{Rendition: r.Name, Err: fmt.Errorf("variant playlist missing: %w", err)}
	}
	segments, err := filepath.Glob(filepath.Join(outputDir, r.Name+"_*.ts"))
	if err != nil {
		return Result{}, fmt.Errorf("list %s segments: %w", r.Name, err)
	}
	sort.Strings(segments)
	return Result{Rendition: r.Name, Playlist: playlist, Segments: segments}, nil
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
