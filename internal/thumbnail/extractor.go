package thumbnail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"airstream/internal/encoder"
)

// NamePattern is the printf-style frame file name; numbering starts at 0001.
const NamePattern = "thumb_%04d.jpg"

// Options control frame sampling.
type Options struct {
	Binary string
	// IntervalSeconds is the time between two sampled frames.
	IntervalSeconds int
	// MaxFrames caps the number of frames written.
	MaxFrames int
	// Quality is the JPEG qscale (1-31, lower is better).
	Quality int
}

// DefaultOptions samples one frame every 5 seconds, at most 60 frames.
func DefaultOptions() Options {
	return Options{
		Binary:          "ffmpeg",
		IntervalSeconds: 5,
		MaxFrames:       60,
		Quality:         2,
	}
}

// Extractor samples preview frames with ffmpeg.
type Extractor struct {
	opts   Options
	runner encoder.Runner
	log    zerolog.Logger
}

func NewExtractor(opts Options, runner encoder.Runner, log zerolog.Logger) *Extractor {
	def := DefaultOptions()
	if opts.Binary == "" {
		opts.Binary = def.Binary
	}
	if opts.IntervalSeconds <= 0 {
		opts.IntervalSeconds = def.IntervalSeconds
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = def.MaxFrames
	}
	if opts.Quality <= 0 || opts.Quality > 31 {
		opts.Quality = def.Quality
	}
	if runner == nil {
		runner = encoder.NewCommandRunner()
	}
	return &Extractor{opts: opts, runner: runner, log: log}
}

// Extract writes frames into outputDir and returns their paths in frame order.
func (e *Extractor) Extract(ctx context.Context, inputPath, outputDir string) ([]string, error) {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vf", fmt.Sprintf("fps=1/%d", e.opts.IntervalSeconds),
		"-frames:v", strconv.Itoa(e.opts.MaxFrames),
		"-q:v", strconv.Itoa(e.opts.Quality),
		filepath.Join(outputDir, NamePattern),
	}
	e.log.Debug().Strs("args", args).Msg("running ffmpeg thumbnails")
	output, err := e.runner.Run(ctx, e.opts.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("generate thumbnails: %w: %s", err, encoder.LastLine(string(output)))
	}
	return Collect(outputDir, e.opts.MaxFrames)
}

// Collect lists the frames in dir and checks that numbering is contiguous
// from 0001 and within limit.
func Collect(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read thumbnails dir: %w", err)
	}
	numbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, ok := frameNumber(entry.Name())
		if !ok {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	if limit > 0 && len(numbers) > limit {
		return nil, fmt.Errorf("thumbnail count %d exceeds cap %d", len(numbers), limit)
	}
	paths := make([]string, 0, len(numbers))
	for i, n := range numbers {
		if n != i+1 {
			return nil, fmt.Errorf("thumbnail numbering gap: expected %04d, found %04d", i+1, n)
		}
		paths = append(paths, filepath.Join(dir, fmt.Sprintf(NamePattern, n)))
	}
	return paths, nil
}

func frameNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, "thumb_") || !strings.HasSuffix(name, ".jpg") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "thumb_"), ".jpg")
	if len(digits) != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
