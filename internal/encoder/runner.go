package encoder

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// Runner executes an external command and returns the tail of its combined
// output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandRunner runs commands with os/exec. The process is killed when ctx is
// done; WaitDelay bounds how long Run waits for output pipes afterwards.
type CommandRunner struct {
	WaitDelay time.Duration
	// OutputLimit caps the retained output in bytes. Zero keeps 8 KiB.
	OutputLimit int
}

// NewCommandRunner returns a runner with default limits.
func NewCommandRunner() *CommandRunner {
	return &CommandRunner{WaitDelay: 5 * time.Second}
}

func (r *CommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.WaitDelay
	out := &tailBuffer{limit: r.OutputLimit}
	setupLogOutput(cmd, out)
	err := cmd.Run()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out.Bytes(), err
}

func setupLogOutput(cmd *exec.Cmd, out *tailBuffer) {
	cmd.Stdout = out
	cmd.Stderr = out
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := b.limit
	if limit <= 0 {
		limit = 8 << 10
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) > limit {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-limit:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}
