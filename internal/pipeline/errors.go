package pipeline

import "errors"

var (
	// ErrInvalidJob is returned for a job that can never succeed.
	ErrInvalidJob = errors.New("invalid job")
	// ErrBusy is returned when another worker owns the file. The job should
	// be retried later.
	ErrBusy = errors.New("file is being processed by another worker")

	ErrEncode        = errors.New("encode failed")
	ErrManifestWrite = errors.New("manifest write failed")
	ErrThumbnail     = errors.New("thumbnail extraction failed")
	ErrUpload        = errors.New("upload failed")
)
