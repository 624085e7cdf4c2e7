package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a queue payload cannot become a Job.
var ErrInvalidMessage = errors.New("invalid job message")

// Message is the payload published by the upload service for every accepted upload.
type Message struct {
	// FilePath references the uploaded file, readable by the worker.
	FilePath string `json:"filePath"`
	// FileName is the stored upload name, used verbatim to derive the base name.
	FileName string `json:"fileName"`
	// UploaderEmail identifies who uploaded the file.
	UploaderEmail string `json:"uploaderEmail"`
}

// Job is one unit of work handed from the queue consumer to the pipeline.
type Job struct {
	ID         string
	SourcePath string
	SourceName string
	Uploader   string
}

// BaseName is the source name without its extension. Every stored artifact of
// the job is keyed under it.
func (j Job) BaseName() string {
	return BaseName(j.SourceName)
}

// BaseName strips the final extension from a file name.
func BaseName(fileName string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName))
}

// Validate reports whether the job carries everything the pipeline needs.
func (j Job) Validate() error {
	if strings.TrimSpace(j.SourcePath) == "" {
		return fmt.Errorf("%w: filePath is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(j.SourceName) == "" {
		return fmt.Errorf("%w: fileName is required", ErrInvalidMessage)
	}
	if strings.ContainsAny(j.SourceName, `/\`) {
		return fmt.Errorf("%w: fileName %q must not contain a path separator", ErrInvalidMessage, j.SourceName)
	}
	if strings.TrimSpace(j.BaseName()) == "" {
		return fmt.Errorf("%w: fileName %q has an empty base name", ErrInvalidMessage, j.SourceName)
	}
	return nil
}

// Decode parses a queue payload. id is the broker message id; a random one is
// generated when it is empty or unusable as a directory name.
func Decode(id string, body []byte) (Job, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !safeID(id) {
		id = uuid.NewString()
	}
	j := Job{
		ID:         id,
		SourcePath: msg.FilePath,
		SourceName: msg.FileName,
		Uploader:   msg.UploaderEmail,
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// safeID reports whether id can name the job's workspace directory.
func safeID(id string) bool {
	if strings.TrimSpace(id) != id || id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r == '/' || r == '\\' || !unicode.IsPrint(r)
	})
}

// Encode builds the queue payload for a job.
func Encode(j Job) ([]byte, error) {
	return json.Marshal(Message{
		FilePath:      j.SourcePath,
		FileName:      j.SourceName,
		UploaderEmail: j.Uploader,
	})
}
