// Package records updates the persisted video rows that the API and player
// read. The pipeline is the only writer of status for a filename while it
// owns the job.
package records

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a video row.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// ErrNotFound is returned when no row matches the filename.
var ErrNotFound = errors.New("video record not found")

// VideoRecord is the row created by the upload service.
type VideoRecord struct {
	Filename       string
	Status         Status
	VideoURL       string
	ThumbnailsBase string
	UpdatedAt      time.Time
}

// Store persists lifecycle transitions. MarkProcessing and MarkError never
// touch a row that is already ready; MarkReady is idempotent.
type Store interface {
	MarkProcessing(ctx context.Context, filename string) error
	MarkReady(ctx context.Context, filename, videoURL, thumbnailsBase string) error
	MarkError(ctx context.Context, filename string) error
}
