// Package store is the durable transfer store: per-direction sessions and
// persisted chunk bytes, keyed by uploadId. It is the source of truth for
// resume across page reloads and reconnects.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	// SessionTTL bounds how long an interrupted transfer stays resumable.
	SessionTTL = 24 * time.Hour
)

// ErrNotFound is returned when a session or chunk does not exist.
var ErrNotFound = errors.New("record not found")

// Session is the durable per-(direction, uploadId) transfer record.
type Session struct {
	SessionKey       string `gorm:"primaryKey"`
	Direction        string
	Status           string
	UploadID         string `gorm:"index"`
	ProtocolVersion  int
	Name             string
	Size             int64
	MimeType         string
	ChunkSize        int
	TotalChunks      int
	NextChunkIndex   int
	BytesTransferred int64
	RemotePeerID     string
	Fingerprint      string `gorm:"index"`
	FileChecksum     string
	CreatedAt        int64
	UpdatedAt        int64 `gorm:"index"`
}

// Chunk is one persisted chunk, bytes included.
type Chunk struct {
	UploadID   string `gorm:"primaryKey"`
	ChunkIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Bytes      []byte
	Checksum   string
	Size       int
	UpdatedAt  int64
}

// SessionKey builds the primary key for a direction and uploadId.
func SessionKey(direction, uploadID string) string {
	return direction + ":" + uploadID
}

// Store wraps the sqlite database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (or creates) the store at path and prunes stale sessions.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening transfer store: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Chunk{}); err != nil {
		return nil, fmt.Errorf("migrating transfer store: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.PruneStaleSessions(context.Background(), SessionTTL); err != nil {
		return nil, fmt.Errorf("pruning stale sessions: %w", err)
	}
	return s, nil
}

// SetNow replaces the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// PutSession inserts or replaces a session, stamping UpdatedAt (and
// CreatedAt on first write).
func (s *Store) PutSession(ctx context.Context, session Session) error {
	nowMs := s.now().UnixMilli()
	session.UpdatedAt = nowMs

	var existing Session
	err := s.db.WithContext(ctx).First(&existing, "session_key = ?", session.SessionKey).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if session.CreatedAt == 0 {
			session.CreatedAt = nowMs
		}
		return s.db.WithContext(ctx).Create(&session).Error
	case err != nil:
		return err
	default:
		session.CreatedAt = existing.CreatedAt
		return s.db.WithContext(ctx).Save(&session).Error
	}
}

// GetSession fetches a session by its key.
func (s *Store) GetSession(ctx context.Context, sessionKey string) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).First(&session, "session_key = ?", sessionKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	return session, err
}

// FindOutgoingSessionByFingerprint returns the most-recently-updated
// non-completed outgoing session with the given fingerprint, preferring one
// bound to the same remote peer.
func (s *Store) FindOutgoingSessionByFingerprint(ctx context.Context, fingerprint, remotePeerID string) (Session, error) {
	if fingerprint == "" {
		return Session{}, ErrNotFound
	}
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("direction = ? AND fingerprint = ? AND status <> ?", DirectionOutgoing, fingerprint, StatusCompleted).
		Order("updated_at DESC").
		Find(&sessions).Error
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrNotFound
	}
	if remotePeerID != "" {
		for _, sess := range sessions {
			if sess.RemotePeerID == remotePeerID {
				return sess, nil
			}
		}
	}
	return sessions[0], nil
}

// PutChunk inserts or replaces a chunk.
func (s *Store) PutChunk(ctx context.Context, chunk Chunk) error {
	chunk.UpdatedAt = s.now().UnixMilli()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&chunk).Error
}

// GetChunk fetches one chunk.
func (s *Store) GetChunk(ctx context.Context, uploadID string, chunkIndex int) (Chunk, error) {
	var chunk Chunk
	err := s.db.WithContext(ctx).
		First(&chunk, "upload_id = ? AND chunk_index = ?", uploadID, chunkIndex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Chunk{}, ErrNotFound
	}
	return chunk, err
}

// GetChunkCount counts persisted chunks for an upload.
func (s *Store) GetChunkCount(ctx context.Context, uploadID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("upload_id = ?", uploadID).Count(&count).Error
	return int(count), err
}

// GetContiguousChunkCount walks indexes 0,1,2,... and returns the length of
// the gapless prefix, capped at totalChunks.
func (s *Store) GetContiguousChunkCount(ctx context.Context, uploadID string, totalChunks int) (int, error) {
	var indexes []int
	err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("upload_id = ?", uploadID).
		Order("chunk_index ASC").
		Pluck("chunk_index", &indexes).Error
	if err != nil {
		return 0, err
	}
	count := 0
	for _, idx := range indexes {
		if count >= totalChunks || idx != count {
			break
		}
		count++
		if count >= totalChunks {
			break
		}
	}
	return count, nil
}

// DeleteChunksFrom removes every chunk with index >= fromChunk.
func (s *Store) DeleteChunksFrom(ctx context.Context, uploadID string, fromChunk int) error {
	return s.db.WithContext(ctx).
		Where("upload_id = ? AND chunk_index >= ?", uploadID, fromChunk).
		Delete(&Chunk{}).Error
}

// DeleteUpload atomically removes the sessions and all chunks of an upload.
func (s *Store) DeleteUpload(ctx context.Context, uploadID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", uploadID).Delete(&Session{}).Error; err != nil {
			return err
		}
		return tx.Where("upload_id = ?", uploadID).Delete(&Chunk{}).Error
	})
}

// PruneStaleSessions deletes every upload whose session was last touched
// before now-maxAge.
func (s *Store) PruneStaleSessions(ctx context.Context, maxAge time.Duration) error {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	var stale []Session
	if err := s.db.WithContext(ctx).Where("updated_at < ?", cutoff).Find(&stale).Error; err != nil {
		return err
	}
	for _, sess := range stale {
		if err := s.DeleteUpload(ctx, sess.UploadID); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
