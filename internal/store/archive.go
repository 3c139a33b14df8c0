package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/starstore/internal/model"
)

type ArchiveStore struct {
	db *sql.DB
}

func NewArchiveStore(db *sql.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

const archiveCols = `id, object_key, entry_count, size_bytes, status, error_message, created_at, completed_at`

func scanArchive(scanner interface{ Scan(...any) error }) (*model.Archive, error) {
	var a model.Archive
	var errMsg sql.NullString
	var completedAt sql.NullTime
	err := scanner.Scan(&a.ID, &a.ObjectKey, &a.EntryCount, &a.SizeBytes, &a.Status, &errMsg, &a.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	a.ErrorMessage = errMsg.String
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return &a, nil
}

func (s *ArchiveStore) Create(objectKey string) (*model.Archive, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO archives (object_key, status, created_at) VALUES (?, ?, ?)`,
		objectKey, model.ArchiveStatusPending, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	id, _ := result.LastInsertId()
	return &model.Archive{
		ID:        id,
		ObjectKey: objectKey,
		Status:    model.ArchiveStatusPending,
		CreatedAt: now,
	}, nil
}

func (s *ArchiveStore) GetByID(id int64) (*model.Archive, error) {
	row := s.db.QueryRow(`SELECT `+archiveCols+` FROM archives WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archive %d: %w", id, err)
	}
	return a, nil
}

func (s *ArchiveStore) List(limit int) ([]model.Archive, error) {
	rows, err := s.db.Query(`SELECT `+archiveCols+` FROM archives ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var archives []model.Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		archives = append(archives, *a)
	}
	return archives, rows.Err()
}

func (s *ArchiveStore) UpdateStatus(id int64, status model.ArchiveStatus, errorMsg string) error {
	var errPtr *string
	if errorMsg != "" {
		errPtr = &errorMsg
	}
	_, err := s.db.Exec(`UPDATE archives SET status = ?, error_message = ? WHERE id = ?`, status, errPtr, id)
	if err != nil {
		return fmt.Errorf("update archive status: %w", err)
	}
	return nil
}

func (s *ArchiveStore) UpdateCompleted(id int64, entryCount int, sizeBytes int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE archives SET status = ?, entry_count = ?, size_bytes = ?, completed_at = ? WHERE id = ?`,
		model.ArchiveStatusCompleted, entryCount, sizeBytes, now, id,
	)
	if err != nil {
		return fmt.Errorf("update archive completed: %w", err)
	}
	return nil
}

// LatestCompleted returns the most recent successful archive, or nil.
func (s *ArchiveStore) LatestCompleted() (*model.Archive, error) {
	row := s.db.QueryRow(
		`SELECT `+archiveCols+` FROM archives WHERE status = ? ORDER BY completed_at DESC LIMIT 1`,
		model.ArchiveStatusCompleted,
	)
	a, err := scanArchive(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed archive: %w", err)
	}
	return a, nil
}

// DeleteOlderThan removes archive records created before the given time and
// returns their object keys.
func (s *ArchiveStore) DeleteOlderThan(before time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT object_key FROM archives WHERE created_at < ?`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("select old archives: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan object key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if _, err := s.db.Exec(`DELETE FROM archives WHERE created_at < ?`, before.UTC()); err != nil {
		return nil, fmt.Errorf("delete old archives: %w", err)
	}
	return keys, nil
}
