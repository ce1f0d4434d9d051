package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vzahanych/view-guard-meta/console/internal/logger"
)

// Upload is one stored video file
type Upload struct {
	ID           string     `json:"id"`
	Path         string     `json:"path"`
	OriginalName string     `json:"original_name"`
	SizeBytes    int64      `json:"size_bytes"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Index tracks stored uploads
type Index interface {
	SaveUpload(ctx context.Context, u Upload) error
	DeleteUpload(ctx context.Context, path string) error
	ListUploads(ctx context.Context) ([]Upload, error)
}

// SQLiteIndex implements Index on the console database
type SQLiteIndex struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteIndex creates an index over the uploads table
func NewSQLiteIndex(db *sql.DB, log *logger.Logger) *SQLiteIndex {
	return &SQLiteIndex{
		db:     db,
		logger: log,
	}
}

// SaveUpload inserts or updates an upload entry
func (s *SQLiteIndex) SaveUpload(ctx context.Context, u Upload) error {
	query := `
		INSERT INTO uploads (id, path, original_name, size_bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			expires_at = excluded.expires_at
	`

	var expiresAt interface{}
	if u.ExpiresAt != nil {
		expiresAt = *u.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Path, u.OriginalName, u.SizeBytes, u.CreatedAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save upload entry: %w", err)
	}
	return nil
}

// DeleteUpload removes the entry for path
func (s *SQLiteIndex) DeleteUpload(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete upload entry: %w", err)
	}
	return nil
}

// ListUploads returns all entries, oldest first
func (s *SQLiteIndex) ListUploads(ctx context.Context) ([]Upload, error) {
	query := `
		SELECT id, path, original_name, size_bytes, created_at, expires_at
		FROM uploads
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	uploads := make([]Upload, 0)
	for rows.Next() {
		var (
			u         Upload
			name      sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.Path, &name, &u.SizeBytes, &u.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		u.OriginalName = name.String
		if expiresAt.Valid {
			t := expiresAt.Time
			u.ExpiresAt = &t
		}
		uploads = append(uploads, u)
	}

	return uploads, rows.Err()
}
