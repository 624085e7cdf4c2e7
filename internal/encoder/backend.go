package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"airstream/internal/hls"
)

// ErrNotAvailable is returned when the encoder binary cannot be found.
var ErrNotAvailable = errors.New("the selected backend is not available")

// Encoder produces one rendition of a source as a variant playlist plus
// segments inside outputDir.
type Encoder interface {
	Encode(ctx context.Context, rendition hls.Rendition, inputPath, outputDir string) (Result, error)
}

// Result describes the files one encode wrote.
type Result struct {
	Rendition string
	Playlist  string
	Segments  []string
}

// ExitError is returned when the external encoder exits unsuccessfully.
type ExitError struct {
	Rendition string
	Output    string
	Err       error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("encode %s: %v", e.Rendition, e.Err)
	if last := LastLine(e.Output); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// LastLine returns the last non-blank line of command output.
func LastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
