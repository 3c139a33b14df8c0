package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
)

type ApprovalStore struct {
	db *sql.DB
}

func NewApprovalStore(db *sql.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func scanApproval(scanner interface{ Scan(...any) error }) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	var reviewedBy sql.NullInt64
	var reviewedAt sql.NullTime

	err := scanner.Scan(
		&a.ID, &a.ItemID, &a.RequestedBy, &a.RequestedAt, &a.FinancialImpact,
		&a.Status, &reviewedBy, &reviewedAt, &a.Note,
	)
	if err != nil {
		return nil, err
	}
	if reviewedBy.Valid {
		a.ReviewedBy = &reviewedBy.Int64
	}
	if reviewedAt.Valid {
		a.ReviewedAt = &reviewedAt.Time
	}
	return &a, nil
}

const approvalCols = `id, item_id, requested_by, requested_at, financial_impact, status, reviewed_by, reviewed_at, note`

func getApproval(ctx context.Context, q queryer, id int64) (*model.ApprovalRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM approval_requests WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return a, nil
}

func (s *ApprovalStore) GetByID(ctx context.Context, id int64) (*model.ApprovalRequest, error) {
	return getApproval(ctx, s.db, id)
}

// List returns approval requests, optionally filtered by status, oldest first
// so reviewers work the queue in order.
func (s *ApprovalStore) List(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	query := `SELECT ` + approvalCols + ` FROM approval_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY requested_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListByItem returns the approval history of one item, newest first.
func (s *ApprovalStore) ListByItem(ctx context.Context, itemID int64) ([]model.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalCols+` FROM approval_requests WHERE item_id = ? ORDER BY id DESC`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals by item: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
