package model

import "time"

type ArchiveStatus string

const (
	ArchiveStatusPending   ArchiveStatus = "pending"
	ArchiveStatusUploading ArchiveStatus = "uploading"
	ArchiveStatusCompleted ArchiveStatus = "completed"
	ArchiveStatusFailed    ArchiveStatus = "failed"
)

// Archive records one encrypted export of the audit log.
type Archive struct {
	ID           int64         `json:"id"`
	ObjectKey    string        `json:"object_key"`
	EntryCount   int           `json:"entry_count"`
	SizeBytes    int64         `json:"size_bytes"`
	Status       ArchiveStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}
