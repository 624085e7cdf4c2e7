// Package pipeline drives one uploaded video through encoding, manifest
// generation, thumbnail extraction, upload and status persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"airstream/internal/encoder"
	"airstream/internal/hls"
	"airstream/internal/job"
	"airstream/internal/lock"
	"airstream/internal/metrics"
	"airstream/internal/notify"
	"airstream/internal/records"
	"airstream/internal/retry"
	"airstream/internal/storage"
	"airstream/internal/workspace"
)

// State is a step of the job lifecycle.
type State string

const (
	StateReceived     State = "received"
	StateEncoding     State = "encoding"
	StateManifesting  State = "manifesting"
	StateThumbnailing State = "thumbnailing"
	StateUploading    State = "uploading"
	StatePublishing   State = "publishing"
	StateDone         State = "done"
	StateError        State = "error"
)

// thumbnailsPrefix is the key prefix of every thumbnail tree in the bucket.
const thumbnailsPrefix = "thumbnails"

// Thumbnailer writes preview frames for a source into a directory.
type Thumbnailer interface {
	Extract(ctx context.Context, inputPath, outputDir string) ([]string, error)
}

// Uploader publishes local trees to the object store.
type Uploader interface {
	Bucket() string
	UploadTree(ctx context.Context, localDir, keyPrefix string, skip ...string) ([]storage.StoredObject, error)
	UploadFile(ctx context.Context, localPath, key string) (storage.StoredObject, error)
	Prune(ctx context.Context, keyPrefix string, keep map[string]struct{}) ([]string, error)
}

// Options tune the orchestrator.
type Options struct {
	Ladder hls.Ladder
	// PublicOrigin is the scheme and host the derived URLs start with.
	PublicOrigin string
	// KeepSourceOnError keeps the uploaded file when the job fails so a
	// redelivery can retry it.
	KeepSourceOnError bool
	// RetainSource never removes the uploaded file.
	RetainSource bool
	// RenditionParallelism bounds how many renditions encode at once.
	RenditionParallelism int
	EncodeTimeout        time.Duration
	UploadTimeout        time.Duration
	// PersistPolicy retries the final ready update.
	PersistPolicy retry.Policy
}

// Deps are the collaborators of the orchestrator. Notifier, Locker and Metrics
// are optional.
type Deps struct {
	Workspaces  *workspace.Manager
	Encoder     encoder.Encoder
	Thumbnailer Thumbnailer
	Uploader    Uploader
	Records     records.Store
	Notifier    notify.Notifier
	Locker      lock.Locker
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// Result is what a successful job published.
type Result struct {
	VideoURL       string
	ThumbnailsBase string
	Objects        []storage.StoredObject
	Thumbnails     int
}

// Orchestrator runs jobs. It is safe for concurrent use.
type Orchestrator struct {
	opts Options
	deps Deps
}

func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Workspaces == nil || deps.Encoder == nil || deps.Thumbnailer == nil || deps.Uploader == nil || deps.Records == nil {
		return nil, errors.New("pipeline: workspaces, encoder, thumbnailer, uploader and records are required")
	}
	if err := opts.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if opts.PublicOrigin == "" {
		return nil, errors.New("pipeline: public origin is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.Nop{}
	}
	if opts.RenditionParallelism <= 0 {
		opts.RenditionParallelism = 1
	}
	if opts.EncodeTimeout <= 0 {
		opts.EncodeTimeout = 30 * time.Minute
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 15 * time.Minute
	}
	if opts.PersistPolicy.Attempts <= 0 {
		opts.PersistPolicy = retry.Policy{Attempts: 3, Backoff: time.Second}
	}
	return &Orchestrator{opts: opts, deps: deps}, nil
}

// VideoURL is the public master manifest URL for baseName.
func VideoURL(origin, baseName string) string {
	return strings.TrimSuffix(origin, "/") + "/hls/" + url.PathEscape(baseName) + "/" + hls.MasterName
}

// ThumbnailsBase is the public prefix of the thumbnails for baseName.
func ThumbnailsBase(origin, baseName string) string {
	return strings.TrimSuffix(origin, "/") + "/hls/" + thumbnailsPrefix + "/" + url.PathEscape(baseName)
}

// Run processes one job. The returned error wraps one of the package
// sentinels; ErrBusy means nothing was touched and the job can be retried.
func (o *Orchestrator) Run(ctx context.Context, j job.Job) (Result, error) {
	if err := j.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	r := &run{
		o:    o,
		job:  j,
		base: j.BaseName(),
		log: o.deps.Log.With().
			Str("jobId", j.ID).
			Str("filename", j.SourceName).
			Str("baseName", j.BaseName()).
			Logger(),
	}
	o.deps.Metrics.JobStarted()

	lease, err := o.deps.Locker.Acquire(ctx, j.SourceName)
	if err != nil {
		o.deps.Metrics.JobFinished(metrics.OutcomeBusy)
		if errors.Is(err, lock.ErrHeld) {
			r.log.Info().Msg("file is owned by another worker, deferring the job")
		} else {
			r.log.Error().Err(err).Msg("failed to acquire the file lease")
		}
		return Result{}, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn().Err(err).Msg("failed to release the file lease")
		}
	}()

	res, err := r.execute(ctx)
	if err != nil {
		o.deps.Metrics.JobFinished(metrics.OutcomeError)
		return Result{}, err
	}
	o.deps.Metrics.JobFinished(metrics.OutcomeDone)
	return res, nil
}

// run is the state of one job execution.
type run struct {
	o     *Orchestrator
	job   job.Job
	base  string
	log   zerolog.Logger
	ws    *workspace.Workspace
	state State

	// master is the local master manifest once written.
	master string
}

func (r *run) execute(ctx context.Context) (Result, error) {
	r.transition(ctx, StateReceived)
	if err := r.o.deps.Records.MarkProcessing(ctx, r.job.SourceName); err != nil {
		r.log.Error().Err(err).Msg("failed to persist the processing status")
	}

	ws, err := r.o.deps.Workspaces.Prepare(r.job.ID, r.base, r.job.SourcePath)
	if err != nil {
		return Result{}, r.fail(ctx, fmt.Errorf("prepare workspace: %w", err))
	}
	r.ws = ws

	if err := r.stage(ctx, StateEncoding, r.o.opts.EncodeTimeout, r.encode); err != nil {
		return Result{}, r.fail(ctx, fmt.Errorf("%w: %w", ErrEncode, err))
	}
	if err := r.stage(ctx, StateManifesting, 0, r.writeManifest); err != nil {
		return Result{}, r.fail(ctx, fmt.Errorf("%w: %w", ErrManifestWrite, err))
	}
	var thumbs []string
	err = r.stage(ctx, StateThumbnailing, r.o.opts.EncodeTimeout, func(ctx context.Context) error {
		var err error
		thumbs, err = r.o.deps.Thumbnailer.Extract(ctx, r.job.SourcePath, r.ws.ThumbnailsDir)
		return err
	})
	if err != nil {
		return Result{}, r.fail(ctx, fmt.Errorf("%w: %w", ErrThumbnail, err))
	}
	var objects []storage.StoredObject
	err = r.stage(ctx, StateUploading, r.o.opts.UploadTimeout, func(ctx context.Context) error {
		var err error
		objects, err = r.upload(ctx)
		return err
	})
	if err != nil {
		return Result{}, r.fail(ctx, fmt.Errorf("%w: %w", ErrUpload, err))
	}

	res := Result{
		VideoURL:       VideoURL(r.o.opts.PublicOrigin, r.base),
		ThumbnailsBase: ThumbnailsBase(r.o.opts.PublicOrigin, r.base),
		Objects:        objects,
		Thumbnails:     len(thumbs),
	}
	// Artifacts are public at this point, so the job succeeds even when the
	// record cannot be updated.
	r.transition(ctx, StatePublishing)
	start := time.Now()
	r.persistReady(ctx, res)
	r.o.deps.Metrics.ObserveStage(string(StatePublishing), time.Since(start))

	r.transition(ctx, StateDone)
	r.ws.Cleanup(r.log, !r.o.opts.RetainSource)
	r.log.Info().
		Str("videoUrl", res.VideoURL).
		Int("objects", len(objects)).
		Int("thumbnails", len(thumbs)).
		Msg("successfully processed the video")
	return res, nil
}

// stage runs fn in state s, bounded by timeout when it is positive.
func (r *run) stage(ctx context.Context, s State, timeout time.Duration, fn func(context.Context) error) error {
	r.transition(ctx, s)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	r.o.deps.Metrics.ObserveStage(string(s), time.Since(start))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return fmt.Errorf("%s timed out after %s: %w", s, timeout, err)
	}
	return err
}

func (r *run) encode(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.opts.RenditionParallelism)
	for _, rendition := range r.o.opts.Ladder {
		rendition := rendition
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			res, err := r.o.deps.Encoder.Encode(ctx, rendition, r.job.SourcePath, r.ws.HLSDir)
			if err != nil {
				r.log.Error().Err(err).Str("rendition", rendition.Name).Msg("failed to encode the rendition")
				return err
			}
			r.log.Info().
				Str("rendition", rendition.Name).
				Int("segments", len(res.Segments)).
				Dur("elapsed", time.Since(start)).
				Msg("successfully encoded the rendition")
			return nil
		})
	}
	return g.Wait()
}

func (r *run) writeManifest(context.Context) error {
	path, err := hls.WriteMaster(r.ws.HLSDir, r.o.opts.Ladder)
	if err != nil {
		return err
	}
	r.master = path
	r.log.Debug().Str("path", path).Msg("wrote the master manifest")
	return nil
}

// upload publishes the variant playlists and segments, then the master
// manifest, then the thumbnails. The master is written only once every variant
// it references is in the bucket. Objects left by an earlier run are pruned
// afterwards.
func (r *run) upload(ctx context.Context) ([]storage.StoredObject, error) {
	up := r.o.deps.Uploader
	hlsPrefix := r.base
	thumbPrefix := storage.JoinKey(thumbnailsPrefix, r.base)

	hlsObjects, err := up.UploadTree(ctx, r.ws.HLSDir, hlsPrefix, hls.MasterName)
	if err != nil {
		return nil, err
	}
	master, err := up.UploadFile(ctx, r.master, storage.JoinKey(hlsPrefix, hls.MasterName))
	if err != nil {
		return nil, err
	}
	thumbObjects, err := up.UploadTree(ctx, r.ws.ThumbnailsDir, thumbPrefix)
	if err != nil {
		return nil, err
	}

	objects := make([]storage.StoredObject, 0, len(hlsObjects)+1+len(thumbObjects))
	objects = append(objects, hlsObjects...)
	objects = append(objects, master)
	objects = append(objects, thumbObjects...)

	// A base name equal to the thumbnails prefix would make the HLS prune
	// remove every other video's thumbnails.
	if hlsPrefix != thumbnailsPrefix {
		r.prune(ctx, hlsPrefix, objects[:len(hlsObjects)+1])
	}
	r.prune(ctx, thumbPrefix, thumbObjects)

	r.log.Info().Str("bucket", up.Bucket()).Int("objects", len(objects)).Msg("successfully uploaded the outputs")
	return objects, nil
}

func (r *run) prune(ctx context.Context, prefix string, kept []storage.StoredObject) {
	deleted, err := r.o.deps.Uploader.Prune(ctx, prefix, storage.Keys(kept))
	if err != nil {
		r.log.Warn().Err(err).Str("prefix", prefix).Msg("failed to prune stale objects")
	}
	if len(deleted) > 0 {
		r.log.Info().Str("prefix", prefix).Int("deleted", len(deleted)).Msg("pruned stale objects")
	}
}

func (r *run) persistReady(ctx context.Context, res Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	err := retry.Do(ctx, r.o.opts.PersistPolicy, func(int) error {
		return r.o.deps.Records.MarkReady(ctx, r.job.SourceName, res.VideoURL, res.ThumbnailsBase)
	}, func(attempt int, err error) {
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("failed to persist the ready status, retrying")
	})
	if err != nil {
		r.log.Error().Err(err).Str("videoUrl", res.VideoURL).Msg("failed to persist the ready status")
	}
}

// fail records the error state, cleans up and returns err.
func (r *run) fail(ctx context.Context, err error) error {
	r.log.Error().Err(err).Str("state", string(r.state)).Msg("failed to process the video")
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if perr := r.o.deps.Records.MarkError(persistCtx, r.job.SourceName); perr != nil {
		r.log.Error().Err(perr).Msg("failed to persist the error status")
	}
	r.state = StateError
	r.notify(persistCtx, StateError, err)
	r.ws.Cleanup(r.log, !r.o.opts.RetainSource && !r.o.opts.KeepSourceOnError)
	return err
}

func (r *run) transition(ctx context.Context, s State) {
	r.log.Info().Str("from", string(r.state)).Str("to", string(s)).Msg("job state changed")
	r.state = s
	r.notify(ctx, s, nil)
}

func (r *run) notify(ctx context.Context, s State, cause error) {
	n := notify.Notification{JobID: r.job.ID, Filename: r.job.SourceName, Status: string(s)}
	if cause != nil {
		n.Error = cause.Error()
	}
	if err := r.o.deps.Notifier.Publish(ctx, n); err != nil {
		r.log.Warn().Err(err).Str("status", string(s)).Msg("failed to publish the notification")
	}
}
