package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"airstream/internal/encoder"
	"airstream/internal/hls"
	"airstream/internal/job"
	"airstream/internal/records"
	"airstream/internal/storage"
)

func TestRunPublishesPackage(t *testing.T) {
	h := newHarness(t)
	j := h.newJob("job-1")

	res, err := h.orchestrator().Run(context.Background(), j)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.VideoURL != "http://localhost:8080/hls/clip/master.m3u8" {
		t.Fatalf("unexpected video url %q", res.VideoURL)
	}
	if res.ThumbnailsBase != "http://localhost:8080/hls/thumbnails/clip" {
		t.Fatalf("unexpected thumbnails base %q", res.ThumbnailsBase)
	}

	rec := h.record()
	if rec.Status != records.StatusReady || rec.VideoURL != res.VideoURL || rec.ThumbnailsBase != res.ThumbnailsBase {
		t.Fatalf("unexpected record %+v", rec)
	}

	master, ok := h.bucket.objects["clip/master.m3u8"]
	if !ok {
		t.Fatal("master manifest was not uploaded")
	}
	if string(master.body) != string(hls.BuildMaster(hls.DefaultLadder())) {
		t.Fatalf("unexpected master manifest:\n%s", master.body)
	}
	if master.contentType != storage.ContentTypeManifest {
		t.Fatalf("unexpected master content type %q", master.contentType)
	}
	for _, r := range hls.DefaultLadder() {
		if _, ok := h.bucket.objects["clip/"+r.PlaylistName()]; !ok {
			t.Fatalf("variant playlist %s missing", r.PlaylistName())
		}
		if got := h.bucket.objects["clip/"+r.Name+"_000.ts"].contentType; got != storage.ContentTypeSegment {
			t.Fatalf("unexpected segment content type %q", got)
		}
	}
	if got := h.bucket.keys("thumbnails/clip/"); len(got) != 3 || got[0] != "thumbnails/clip/thumb_0001.jpg" {
		t.Fatalf("unexpected thumbnails %v", got)
	}

	var lastHLS string
	for _, key := range h.bucket.order {
		if strings.HasPrefix(key, "clip/") {
			lastHLS = key
		}
	}
	if lastHLS != "clip/master.m3u8" {
		t.Fatalf("last object under the HLS prefix was %q", lastHLS)
	}
	if h.bucket.puts["clip/master.m3u8"] != 1 {
		t.Fatalf("master uploaded %d times, want 1", h.bucket.puts["clip/master.m3u8"])
	}

	want := []string{"received", "encoding", "manifesting", "thumbnailing", "uploading", "publishing", "done"}
	if got := h.notifier.statuses(); !slices.Equal(got, want) {
		t.Fatalf("notifications %v, want %v", got, want)
	}
	if _, err := os.Stat(filepath.Join(h.deps.Workspaces.Root, j.ID)); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed: %v", err)
	}
	if _, err := os.Stat(j.SourcePath); !os.IsNotExist(err) {
		t.Fatalf("source was not removed: %v", err)
	}
}

func TestRunEncodeFailureNeverPublishesManifest(t *testing.T) {
	h := newHarness(t)
	h.encoder.fail = map[string]error{"720p": errors.New("exit status 1")}
	j := h.newJob("job-1")

	_, err := h.orchestrator().Run(context.Background(), j)
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode, got %v", err)
	}
	var exitErr *encoder.ExitError
	if !errors.As(err, &exitErr) || exitErr.Rendition != "720p" {
		t.Fatalf("expected the 720p exit error, got %v", err)
	}
	if len(h.bucket.puts) != 0 {
		t.Fatalf("nothing may be uploaded after an encode failure, got %v", h.bucket.puts)
	}
	if _, ok := h.bucket.objects["clip/master.m3u8"]; ok {
		t.Fatal("master manifest was uploaded")
	}
	if slices.Contains(h.encoder.encoded, "1080p") {
		t.Fatal("encoding continued after a failed rendition")
	}

	want := []records.Status{records.StatusQueued, records.StatusProcessing, records.StatusError}
	if got := h.store.History("clip.mp4"); !slices.Equal(got, want) {
		t.Fatalf("history %v, want %v", got, want)
	}
	sent := h.notifier.sent[len(h.notifier.sent)-1]
	if sent.Status != "error" || !strings.Contains(sent.Error, "720p") {
		t.Fatalf("unexpected final notification %+v", sent)
	}
	if _, err := os.Stat(filepath.Join(h.deps.Workspaces.Root, j.ID)); !os.IsNotExist(err) {
		t.Fatalf("workspace was not removed: %v", err)
	}
	if _, err := os.Stat(j.SourcePath); !os.IsNotExist(err) {
		t.Fatalf("source was not removed: %v", err)
	}
}

func TestRunKeepsSourceOnErrorWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.opts.KeepSourceOnError = true
	h.thumbs.err = errors.New("exit status 1")
	j := h.newJob("job-1")

	if _, err := h.orchestrator().Run(context.Background(), j); !errors.Is(err, ErrThumbnail) {
		t.Fatalf("expected ErrThumbnail, got %v", err)
	}
	if _, err := os.Stat(j.SourcePath); err != nil {
		t.Fatalf("source should be kept: %v", err)
	}
	if h.record().Status != records.StatusError {
		t.Fatalf("unexpected status %q", h.record().Status)
	}
}

func TestRunRetriesTransientUpload(t *testing.T) {
	h := newHarness(t)
	h.bucket.failures["clip/480p_001.ts"] = 1

	if _, err := h.orchestrator().Run(context.Background(), h.newJob("job-1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.bucket.puts["clip/480p_001.ts"] != 2 {
		t.Fatalf("expected 2 attempts, got %d", h.bucket.puts["clip/480p_001.ts"])
	}
	stored := 0
	for _, key := range h.bucket.order {
		if key == "clip/480p_001.ts" {
			stored++
		}
	}
	if stored != 1 || string(h.bucket.objects["clip/480p_001.ts"].body) != "480p segment" {
		t.Fatalf("segment stored %d times with body %q", stored, h.bucket.objects["clip/480p_001.ts"].body)
	}
	if h.record().Status != records.StatusReady {
		t.Fatalf("unexpected status %q", h.record().Status)
	}
}

func TestRunUploadExhaustionFailsJob(t *testing.T) {
	h := newHarness(t)
	h.bucket.failures["clip/240p.m3u8"] = 3

	_, err := h.orchestrator().Run(context.Background(), h.newJob("job-1"))
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("expected ErrUpload, got %v", err)
	}
	var uploadErr *storage.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.Key != "clip/240p.m3u8" || uploadErr.Attempts != 3 {
		t.Fatalf("unexpected upload error %v", err)
	}
	if h.record().Status != records.StatusError {
		t.Fatalf("unexpected status %q", h.record().Status)
	}
}

func TestMasterIsWrittenAfterEveryVariant(t *testing.T) {
	h := newHarness(t)
	ladder := hls.DefaultLadder()
	ladder[2].Name = "sd"
	ladder[3].Name = "uhd"
	h.opts.Ladder = ladder

	if _, err := h.orchestrator().Run(context.Background(), h.newJob("job-1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	masterAt := slices.Index(h.bucket.order, "clip/master.m3u8")
	if masterAt < 0 {
		t.Fatal("master manifest was not uploaded")
	}
	for i, key := range h.bucket.order {
		if !strings.HasPrefix(key, "clip/") || key == "clip/master.m3u8" {
			continue
		}
		if i > masterAt {
			t.Fatalf("%s was uploaded after the master manifest: %v", key, h.bucket.order)
		}
	}
	for _, r := range ladder {
		if _, ok := h.bucket.objects["clip/"+r.PlaylistName()]; !ok {
			t.Fatalf("variant playlist %s missing", r.PlaylistName())
		}
	}
	if h.bucket.puts["clip/master.m3u8"] != 1 {
		t.Fatalf("master uploaded %d times, want 1", h.bucket.puts["clip/master.m3u8"])
	}
}

func TestRerunOverwritesAndPrunesStaleObjects(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orchestrator().Run(context.Background(), h.newJob("job-1")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, ok := h.bucket.objects["clip/1080p_002.ts"]; !ok {
		t.Fatal("first run should have produced a third segment")
	}

	h.encoder.Segments = 2
	h.thumbs.frames = 1
	res, err := h.orchestrator().Run(context.Background(), h.newJob("job-2"))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	want := storage.Keys(res.Objects)
	got := h.bucket.keys("")
	if len(got) != len(want) {
		t.Fatalf("bucket has %d objects, second run produced %d: %v", len(got), len(want), got)
	}
	for _, key := range got {
		if _, ok := want[key]; !ok {
			t.Fatalf("orphaned object %q left behind", key)
		}
	}
	if h.bucket.puts["clip/240p_000.ts"] != 2 {
		t.Fatalf("expected the segment to be overwritten, puts=%d", h.bucket.puts["clip/240p_000.ts"])
	}
	if h.record().Status != records.StatusReady {
		t.Fatalf("unexpected status %q", h.record().Status)
	}
}

func TestRunBusyLeaseLeavesRecordAlone(t *testing.T) {
	h := newHarness(t)
	h.deps.Locker = heldLocker{}
	j := h.newJob("job-1")

	_, err := h.orchestrator().Run(context.Background(), j)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got := h.store.History("clip.mp4"); len(got) != 1 {
		t.Fatalf("record was touched: %v", got)
	}
	if _, err := os.Stat(j.SourcePath); err != nil {
		t.Fatalf("source must stay for the retry: %v", err)
	}
	if len(h.encoder.encoded) != 0 || len(h.notifier.sent) != 0 {
		t.Fatal("a busy job must not start")
	}
}

func TestRunRejectsInvalidJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator().Run(context.Background(), job.Job{ID: "x", SourcePath: "/tmp/a", SourceName: "../a.mp4"})
	if !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestRunRetriesReadyPersist(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{MemoryStore: h.store, failures: 2}
	h.deps.Records = store

	if _, err := h.orchestrator().Run(context.Background(), h.newJob("job-1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.calls != 3 || h.record().Status != records.StatusReady {
		t.Fatalf("calls=%d status=%q", store.calls, h.record().Status)
	}
}

func TestRunSucceedsWhenReadyPersistIsExhausted(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{MemoryStore: h.store, failures: 10}
	h.deps.Records = store

	if _, err := h.orchestrator().Run(context.Background(), h.newJob("job-1")); err != nil {
		t.Fatalf("a published job must not fail on persistence: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 persist attempts, got %d", store.calls)
	}
	if _, ok := h.bucket.objects["clip/master.m3u8"]; !ok {
		t.Fatal("master manifest missing")
	}
}

func TestRunBoundsRenditionParallelism(t *testing.T) {
	h := newHarness(t)
	h.opts.RenditionParallelism = 2
	h.encoder.delay = 20 * time.Millisecond

	if _, err := h.orchestrator().Run(context.Background(), h.newJob("job-1")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.encoder.peak > 2 {
		t.Fatalf("%d renditions encoded at once, limit is 2", h.encoder.peak)
	}
	if len(h.encoder.encoded) != 4 {
		t.Fatalf("encoded %v", h.encoder.encoded)
	}
}

func TestRunEncodeTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.EncodeTimeout = 20 * time.Millisecond
	h.encoder.block = true

	_, err := h.orchestrator().Run(context.Background(), h.newJob("job-1"))
	if !errors.Is(err, ErrEncode) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected an encode timeout, got %v", err)
	}
	if h.record().Status != records.StatusError {
		t.Fatalf("unexpected status %q", h.record().Status)
	}
}

func TestRunCancelledJobIsRecordedAsError(t *testing.T) {
	h := newHarness(t)
	h.encoder.block = true
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := h.orchestrator().Run(ctx, h.newJob("job-1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if h.record().Status != records.StatusError {
		t.Fatalf("unexpected status %q", h.record().Status)
	}
}

func TestDerivedURLs(t *testing.T) {
	if got := VideoURL("https://cdn.example.com/", "my clip"); got != "https://cdn.example.com/hls/my%20clip/master.m3u8" {
		t.Fatalf("VideoURL = %q", got)
	}
	if got := ThumbnailsBase("http://localhost:8080", "clip.final"); got != "http://localhost:8080/hls/thumbnails/clip.final" {
		t.Fatalf("ThumbnailsBase = %q", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	h.deps.Uploader = nil
	if _, err := New(h.opts, h.deps); err == nil {
		t.Fatal("expected an error without an uploader")
	}
	h = newHarness(t)
	h.opts.PublicOrigin = ""
	if _, err := New(h.opts, h.deps); err == nil {
		t.Fatal("expected an error without a public origin")
	}
}
