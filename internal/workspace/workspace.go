package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Manager hands out isolated per-job directories under Root.
type Manager struct {
	Root string
}

// NewManager creates the root directory if needed.
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{Root: abs}, nil
}

// Workspace is the set of local paths owned by one job.
type Workspace struct {
	// JobDir is removed recursively on cleanup.
	JobDir string
	// HLSDir receives variant playlists, segments and the master manifest.
	HLSDir string
	// ThumbnailsDir receives the preview frames.
	ThumbnailsDir string
	// SourcePath is the uploaded file, removed on cleanup.
	SourcePath string
}

// Prepare creates fresh hls/<baseName> and thumbnails/<baseName> directories
// for the job. Directories are keyed by job id so two concurrent jobs with the
// same base name never collide. Leftovers from an earlier attempt are removed.
func (m *Manager) Prepare(jobID, baseName, sourcePath string) (*Workspace, error) {
	if err := checkSegment("job id", jobID); err != nil {
		return nil, err
	}
	if err := checkSegment("base name", baseName); err != nil {
		return nil, err
	}
	jobDir := filepath.Join(m.Root, jobID)
	if err := os.RemoveAll(jobDir); err != nil {
		return nil, fmt.Errorf("reset workspace %s: %w", jobDir, err)
	}
	ws := &Workspace{
		JobDir:        jobDir,
		HLSDir:        filepath.Join(jobDir, "hls", baseName),
		ThumbnailsDir: filepath.Join(jobDir, "thumbnails", baseName),
		SourcePath:    sourcePath,
	}
	for _, dir := range []string{ws.HLSDir, ws.ThumbnailsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return ws, nil
}

// Cleanup removes the job directory and, when removeSource is set, the
// uploaded file. Failures are logged and never returned: they must not change
// the outcome of the job.
func (w *Workspace) Cleanup(log zerolog.Logger, removeSource bool) {
	if w == nil {
		return
	}
	if err := os.RemoveAll(w.JobDir); err != nil {
		log.Warn().Err(err).Str("path", w.JobDir).Msg("failed to clean up the workspace")
	}
	if !removeSource || w.SourcePath == "" {
		return
	}
	if err := os.Remove(w.SourcePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", w.SourcePath).Msg("failed to remove the uploaded file")
	}
}

func checkSegment(what, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", what)
	}
	if value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%s %q is not a valid path segment", what, value)
	}
	return nil
}
