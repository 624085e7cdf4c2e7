package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"airstream/internal/retry"
)

const (
	ContentTypeManifest = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeGeneric  = "application/octet-stream"
)

// ContentType maps a file name to the type stored with the object.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return ContentTypeManifest
	case ".ts":
		return ContentTypeSegment
	default:
		return ContentTypeGeneric
	}
}

// StoredObject is one uploaded file.
type StoredObject struct {
	Bucket      string
	Key         string
	LocalPath   string
	ContentType string
}

// UploadError is returned when every attempt for one file failed.
type UploadError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader pushes local files into one bucket.
type Uploader struct {
	client ObjectAPI
	bucket string
	policy retry.Policy
	log    zerolog.Logger
	// RetryHook is called for every failed attempt that will be retried.
	RetryHook func(key string, attempt int, err error)
}

// NewUploader returns an uploader retrying each file per policy.
func NewUploader(client ObjectAPI, bucket string, policy retry.Policy, log zerolog.Logger) *Uploader {
	if policy.Attempts <= 0 {
		policy.Attempts = 3
	}
	return &Uploader{client: client, bucket: bucket, policy: policy, log: log}
}

// Bucket returns the target bucket name.
func (u *Uploader) Bucket() string { return u.bucket }

// UploadTree uploads every regular file below localDir to
// keyPrefix/<relative path>, except the relative (slash separated) paths in
// skip. The first file that exhausts its attempts stops the walk.
func (u *Uploader) UploadTree(ctx context.Context, localDir, keyPrefix string, skip ...string) ([]StoredObject, error) {
	var objects []StoredObject
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if slices.Contains(skip, rel) {
			return nil
		}
		obj, err := u.UploadFile(ctx, p, JoinKey(keyPrefix, rel))
		if err != nil {
			return err
		}
		objects = append(objects, obj)
		return nil
	})
	if err != nil {
		return objects, err
	}
	return objects, nil
}

// UploadFile uploads one file with retries. The file is reopened for every
// attempt so a retried request always carries the complete body.
func (u *Uploader) UploadFile(ctx context.Context, localPath, key string) (StoredObject, error) {
	obj := StoredObject{
		Bucket:      u.bucket,
		Key:         key,
		LocalPath:   localPath,
		ContentType: ContentType(localPath),
	}
	attempts := 0
	err := retry.Do(ctx, u.policy, func(attempt int) error {
		attempts = attempt
		return u.put(ctx, obj)
	}, func(attempt int, err error) {
		u.log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Int("attempts", u.policy.Attempts).Msg("failed to upload the file, retrying")
		if u.RetryHook != nil {
			u.RetryHook(key, attempt, err)
		}
	})
	if err != nil {
		return StoredObject{}, &UploadError{Key: key, Attempts: attempts, Err: err}
	}
	u.log.Debug().Str("key", key).Msg("successfully uploaded the file")
	return obj, nil
}

func (u *Uploader) put(ctx context.Context, obj StoredObject) error {
	file, err := os.Open(obj.LocalPath)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(obj.ContentType),
	})
	return err
}

// Prune deletes objects under keyPrefix that are not in keep. It returns the
// deleted keys.
func (u *Uploader) Prune(ctx context.Context, keyPrefix string, keep map[string]struct{}) ([]string, error) {
	prefix := strings.TrimSuffix(keyPrefix, "/") + "/"
	var stale []types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if _, ok := keep[key]; ok {
				continue
			}
			stale = append(stale, types.ObjectIdentifier{Key: aws.String(key)})
		}
	}
	var deleted []string
	for start := 0; start < len(stale); start += 1000 {
		end := min(start+1000, len(stale))
		batch := stale[start:end]
		out, err := u.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(u.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("delete stale objects under %s: %w", prefix, err)
		}
		failed := make(map[string]struct{}, len(out.Errors))
		for _, e := range out.Errors {
			failed[aws.ToString(e.Key)] = struct{}{}
		}
		for _, id := range batch {
			if _, ok := failed[aws.ToString(id.Key)]; !ok {
				deleted = append(deleted, aws.ToString(id.Key))
			}
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return deleted, nil
}

// JoinKey joins key parts with forward slashes.
func JoinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return path.Join(cleaned...)
}

// Keys returns the set of keys of objs.
func Keys(objs []StoredObject) map[string]struct{} {
	keys := make(map[string]struct{}, len(objs))
	for _, o := range objs {
		keys[o.Key] = struct{}{}
	}
	return keys
}
