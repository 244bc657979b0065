// Package upload implements the chunked upload protocol: sessions are
// created on init, grown by part appends, and handed to the worker on
// complete. Sessions are node-local; an opaque id ties the client to the
// node that created its temp file.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/partsearch/partsearch/pkg/storage/postgres"
)

var (
	// ErrSessionNotFound is returned for unknown or expired upload ids.
	ErrSessionNotFound = errors.New("upload session not found")
)

const (
	// sessionTTL is the age past which an idle session is
	// garbage-collected and its temp file removed.
	sessionTTL = 30 * time.Minute
	// cleanupGrace keeps a completed session's temp file alive long
	// enough for the worker to open it.
	cleanupGrace = 10 * time.Minute
)

// Session is one in-progress chunked upload.
type Session struct {
	ID            string    `json:"upload_id"`
	FileID        int64     `json:"file_id"`
	Filename      string    `json:"filename"`
	ContentType   string    `json:"content_type"`
	TempPath      string    `json:"-"`
	ReceivedBytes int64     `json:"received_bytes"`
	DeclaredSize  int64     `json:"declared_size,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MetadataStore is the slice of the storage layer the registry needs.
type MetadataStore interface {
	CreateDataset(ctx context.Context, filename, mimeType string) (int64, error)
	UpdateDatasetStatus(ctx context.Context, fileID int64, status string) error
	UpdateDatasetSize(ctx context.Context, fileID, sizeBytes int64) error
}

// Registry owns the node-local session map. A single mutex guards the
// map; file I/O happens outside the lock, serialized per session by the
// protocol's requirement that clients send parts in order.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store   MetadataStore
	tempDir string
	ttl     time.Duration
	grace   time.Duration
	logger  zerolog.Logger

	stopGC chan struct{}
	gcOnce sync.Once
}

// NewRegistry creates a registry writing temp files under tempDir.
func NewRegistry(store MetadataStore, tempDir string, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    store,
		tempDir:  tempDir,
		ttl:      sessionTTL,
		grace:    cleanupGrace,
		logger:   logger,
		stopGC:   make(chan struct{}),
	}
}

// StartGC launches the background sweep that expires idle sessions.
func (r *Registry) StartGC(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopGC:
				return
			}
		}
	}()
}

// Stop terminates the GC loop.
func (r *Registry) Stop() {
	r.gcOnce.Do(func() { close(r.stopGC) })
}

// Init creates the dataset record, an empty temp file and the session.
func (r *Registry) Init(ctx context.Context, filename, contentType string, declaredSize int64) (*Session, error) {
	fileID, err := r.store.CreateDataset(ctx, filename, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset record: %w", err)
	}

	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	id := uuid.NewString()
	tempPath := filepath.Join(r.tempDir, fmt.Sprintf("upload_%d_%s", fileID, id))
	f, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	f.Close()

	session := &Session{
		ID:           id,
		FileID:       fileID,
		Filename:     filename,
		ContentType:  contentType,
		TempPath:     tempPath,
		DeclaredSize: declaredSize,
		CreatedAt:    time.Now(),
	}

	r.mu.Lock()
	r.sessions[id] = session
	r.mu.Unlock()

	r.logger.Info().Str("upload_id", id).Int64("file_id", fileID).
		Str("filename", filename).Msg("upload session created")
	return session, nil
}

// AppendPart appends body to the session's temp file. partNumber is
// advisory; ordering is defined by arrival, which the client serializes.
func (r *Registry) AppendPart(uploadID string, partNumber int, body []byte) (*Session, error) {
	r.mu.Lock()
	session, ok := r.sessions[uploadID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	f, err := os.OpenFile(session.TempPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open temp file: %w", err)
	}
	n, err := f.Write(body)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to append part %d: %w", partNumber, err)
	}

	r.mu.Lock()
	session.ReceivedBytes += int64(n)
	received := session.ReceivedBytes
	r.mu.Unlock()

	r.logger.Debug().Str("upload_id", uploadID).Int("part", partNumber).
		Int64("received_bytes", received).Msg("part appended")
	return session, nil
}

// Complete marks the dataset processing, removes the session from the
// registry and schedules temp-file cleanup after a grace period. The
// returned session carries the temp path the worker reads from.
func (r *Registry) Complete(ctx context.Context, uploadID string) (*Session, error) {
	r.mu.Lock()
	session, ok := r.sessions[uploadID]
	if ok {
		delete(r.sessions, uploadID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if err := r.store.UpdateDatasetSize(ctx, session.FileID, session.ReceivedBytes); err != nil {
		r.logger.Warn().Err(err).Int64("file_id", session.FileID).Msg("failed to record upload size")
	}
	if err := r.store.UpdateDatasetStatus(ctx, session.FileID, postgres.StatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to mark dataset processing: %w", err)
	}

	// The worker opens the file shortly after; remove it once it has had
	// ample time to finish.
	path := session.TempPath
	time.AfterFunc(r.grace, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", path).Msg("temp file cleanup failed")
		}
	})

	return session, nil
}

// Get returns a session by upload id.
func (r *Registry) Get(uploadID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[uploadID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Cancel marks the dataset cancelled. The worker's cancel check observes
// the status within one batch; an unfinished session for the dataset is
// discarded.
func (r *Registry) Cancel(ctx context.Context, fileID int64) error {
	r.mu.Lock()
	var discarded []*Session
	for id, s := range r.sessions {
		if s.FileID == fileID {
			delete(r.sessions, id)
			discarded = append(discarded, s)
		}
	}
	r.mu.Unlock()

	for _, s := range discarded {
		r.removeTempFile(s.TempPath)
	}

	if err := r.store.UpdateDatasetStatus(ctx, fileID, postgres.StatusCancelled); err != nil {
		return fmt.Errorf("failed to mark dataset cancelled: %w", err)
	}
	return nil
}

// sweep expires sessions older than the TTL.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.removeTempFile(s.TempPath)
		r.logger.Info().Str("upload_id", s.ID).Int64("file_id", s.FileID).
			Msg("expired upload session removed")
	}
}

func (r *Registry) removeTempFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("path", path).Msg("temp file removal failed")
	}
}

// SessionCount reports live sessions; used by tests and the readiness
// probe.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
