package pipeline

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"airstream/internal/encoder"
	"airstream/internal/hls"
	"airstream/internal/job"
	"airstream/internal/records"
	"airstream/internal/thumbnail"
)

// requireFFmpeg skips unless an ffmpeg with libx264 and aac is on PATH.
func requireFFmpeg(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not found")
	}
	out, err := exec.Command(bin, "-hide_banner", "-encoders").CombinedOutput()
	if err != nil || !strings.Contains(string(out), "libx264") || !strings.Contains(string(out), " aac ") {
		t.Skip("ffmpeg lacks libx264 or aac")
	}
	return bin
}

func TestEndToEndWithFFmpeg(t *testing.T) {
	bin := requireFFmpeg(t)
	h := newHarness(t)

	source := filepath.Join(h.root, "clip.mp4")
	gen := exec.Command(bin, "-hide_banner", "-loglevel", "error", "-y",
		"-f", "lavfi", "-i", "testsrc=duration=10:size=640x360:rate=24",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=10",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "aac", "-shortest", source)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Fatalf("generate source: %v: %s", err, out)
	}

	runner := encoder.NewCommandRunner()
	h.deps.Encoder = encoder.NewFfmpegBackend(encoder.FfmpegOptions{Binary: bin}, runner, zerolog.Nop())
	h.deps.Thumbnailer = thumbnail.NewExtractor(thumbnail.Options{Binary: bin}, runner, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res, err := h.orchestrator().Run(ctx, job.Job{ID: "e2e", SourcePath: source, SourceName: "clip.mp4"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	master := string(h.bucket.objects["clip/master.m3u8"].body)
	for _, r := range hls.DefaultLadder() {
		if !strings.Contains(master, "\n"+r.PlaylistName()+"\n") {
			t.Fatalf("master does not reference %s:\n%s", r.PlaylistName(), master)
		}
		playlist, ok := h.bucket.objects["clip/"+r.PlaylistName()]
		if !ok {
			t.Fatalf("variant playlist %s missing", r.PlaylistName())
		}
		if !strings.Contains(string(playlist.body), "#EXT-X-ENDLIST") {
			t.Fatalf("variant %s is not a finished VOD playlist", r.Name)
		}
	}
	if res.Thumbnails < 1 || len(h.bucket.keys("thumbnails/clip/")) < 1 {
		t.Fatal("expected at least one thumbnail")
	}
	rec := h.record()
	if rec.Status != records.StatusReady || rec.VideoURL == "" || rec.ThumbnailsBase == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
