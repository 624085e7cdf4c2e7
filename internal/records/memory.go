package records

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps rows in memory. It backs local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]VideoRecord
	history map[string][]Status
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]VideoRecord),
		history: make(map[string][]Status),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Insert creates a queued row, as the upload service does.
func (s *MemoryStore) Insert(filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[filename] = VideoRecord{Filename: filename, Status: StatusQueued, UpdatedAt: s.now()}
	s.history[filename] = append(s.history[filename], StatusQueued)
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, filename string) error {
	return s.update(filename, func(rec *VideoRecord) { rec.Status = StatusProcessing })
}

func (s *MemoryStore) MarkReady(ctx context.Context, filename, videoURL, thumbnailsBase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[filename]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusReady
	rec.VideoURL = videoURL
	rec.ThumbnailsBase = thumbnailsBase
	rec.UpdatedAt = s.now()
	s.rows[filename] = rec
	s.history[filename] = append(s.history[filename], StatusReady)
	return nil
}

func (s *MemoryStore) MarkError(ctx context.Context, filename string) error {
	return s.update(filename, func(rec *VideoRecord) { rec.Status = StatusError })
}

// update applies a transition unless the row is missing or already ready.
func (s *MemoryStore) update(filename string, apply func(*VideoRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[filename]
	if !ok || rec.Status == StatusReady {
		return nil
	}
	apply(&rec)
	rec.UpdatedAt = s.now()
	s.rows[filename] = rec
	s.history[filename] = append(s.history[filename], rec.Status)
	return nil
}

// Get returns the current row.
func (s *MemoryStore) Get(ctx context.Context, filename string) (VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[filename]
	if !ok {
		return VideoRecord{}, ErrNotFound
	}
	return rec, nil
}

// History lists every status the row went through.
func (s *MemoryStore) History(filename string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.history[filename]...)
}
