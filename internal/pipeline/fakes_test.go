package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"airstream/internal/encoder"
	"airstream/internal/hls"
	"airstream/internal/job"
	"airstream/internal/lock"
	"airstream/internal/notify"
	"airstream/internal/records"
	"airstream/internal/retry"
	"airstream/internal/storage"
	"airstream/internal/workspace"
)

type memoryObject struct {
	body        []byte
	contentType string
}

// fakeS3 is an in-memory bucket behind storage.ObjectAPI.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]memoryObject
	failures map[string]int
	puts     map[string]int
	order    []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]memoryObject{}, failures: map[string]int{}, puts: map[string]int{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key]++
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, errors.New("connection reset by peer")
	}
	f.objects[key] = memoryObject{body: body, contentType: aws.ToString(in.ContentType)}
	f.order = append(f.order, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range f.keysLocked(aws.ToString(in.Prefix)) {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keysLocked(prefix)
}

func (f *fakeS3) keysLocked(prefix string) []string {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// fakeEncoder writes a playlist and Segments segment files per rendition.
type fakeEncoder struct {
	mu       sync.Mutex
	Segments int
	fail     map[string]error
	encoded  []string
	block    bool
	delay    time.Duration
	running  int
	peak     int
}

func (f *fakeEncoder) Encode(ctx context.Context, r hls.Rendition, inputPath, outputDir string) (encoder.Result, error) {
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.block {
		<-ctx.Done()
		return encoder.Result{}, &encoder.ExitError{Rendition: r.Name, Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err := f.fail[r.Name]; err != nil {
		return encoder.Result{}, &encoder.ExitError{Rendition: r.Name, Output: "Conversion failed!", Err: err}
	}
	res := encoder.Result{Rendition: r.Name, Playlist: filepath.Join(outputDir, r.PlaylistName())}
	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n")
	for i := 0; i < f.Segments; i++ {
		name := fmt.Sprintf(r.SegmentPattern(), i)
		path := filepath.Join(outputDir, name)
		if err := os.WriteFile(path, []byte(r.Name+" segment"), 0o644); err != nil {
			return encoder.Result{}, err
		}
		res.Segments = append(res.Segments, path)
		playlist.WriteString("#EXTINF:4.0,\n" + name + "\n")
	}
	if err := os.WriteFile(res.Playlist, []byte(playlist.String()), 0o644); err != nil {
		return encoder.Result{}, err
	}
	f.mu.Lock()
	f.encoded = append(f.encoded, r.Name)
	f.mu.Unlock()
	return res, nil
}

type fakeThumbnailer struct {
	frames int
	err    error
}

func (f *fakeThumbnailer) Extract(ctx context.Context, inputPath, outputDir string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	var paths []string
	for i := 1; i <= f.frames; i++ {
		p := filepath.Join(outputDir, fmt.Sprintf("thumb_%04d.jpg", i))
		if err := os.WriteFile(p, []byte("jpg"), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *recordingNotifier) Publish(ctx context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, msg := range n.sent {
		out[i] = msg.Status
	}
	return out
}

type heldLocker struct{}

func (heldLocker) Acquire(ctx context.Context, name string) (lock.Lease, error) {
	return nil, fmt.Errorf("%w: %s", lock.ErrHeld, name)
}

// flakyStore fails MarkReady a number of times before delegating.
type flakyStore struct {
	*records.MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) MarkReady(ctx context.Context, filename, videoURL, thumbnailsBase string) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return s.MemoryStore.MarkReady(ctx, filename, videoURL, thumbnailsBase)
}

type harness struct {
	t        *testing.T
	root     string
	bucket   *fakeS3
	store    *records.MemoryStore
	encoder  *fakeEncoder
	thumbs   *fakeThumbnailer
	notifier *recordingNotifier
	opts     Options
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	manager, err := workspace.NewManager(filepath.Join(root, "work"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:        t,
		root:     root,
		bucket:   newFakeS3(),
		store:    records.NewMemoryStore(),
		encoder:  &fakeEncoder{Segments: 3},
		thumbs:   &fakeThumbnailer{frames: 3},
		notifier: &recordingNotifier{},
	}
	h.store.Insert("clip.mp4")
	h.opts = Options{
		Ladder:        hls.DefaultLadder(),
		PublicOrigin:  "http://localhost:8080",
		PersistPolicy: retry.Policy{Attempts: 3, Backoff: time.Millisecond},
	}
	h.deps = Deps{
		Workspaces:  manager,
		Encoder:     h.encoder,
		Thumbnailer: h.thumbs,
		Uploader:    storage.NewUploader(h.bucket, "hls", retry.Policy{Attempts: 3, Backoff: time.Millisecond}, zerolog.Nop()),
		Records:     h.store,
		Notifier:    h.notifier,
		Log:         zerolog.Nop(),
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	h.t.Helper()
	o, err := New(h.opts, h.deps)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	return o
}

// newJob writes a source file and returns a job for it.
func (h *harness) newJob(id string) job.Job {
	h.t.Helper()
	dir := filepath.Join(h.root, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatal(err)
	}
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		h.t.Fatal(err)
	}
	return job.Job{ID: id, SourcePath: path, SourceName: "clip.mp4", Uploader: "ana@example.com"}
}

func (h *harness) record() records.VideoRecord {
	h.t.Helper()
	rec, err := h.store.Get(context.Background(), "clip.mp4")
	if err != nil {
		h.t.Fatal(err)
	}
	return rec
}
