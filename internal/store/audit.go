package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/starstore/internal/model"
)

// AuditStore reads the audit log. Entries are only ever written by
// appendAudit inside a catalog transaction; the schema rejects updates and
// deletes.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

type AuditFilter struct {
	ItemID *int64
	Since  *time.Time
	Limit  int
}

func scanAudit(scanner interface{ Scan(...any) error }) (*model.AuditEntry, error) {
	var e model.AuditEntry
	var from, to sql.NullString

	if err := scanner.Scan(&e.ID, &e.ItemID, &e.Action, &e.Actor, &e.Timestamp, &from, &to, &e.Detail); err != nil {
		return nil, err
	}
	if from.Valid {
		s := model.ItemStatus(from.String)
		e.FromStatus = &s
	}
	if to.Valid {
		s := model.ItemStatus(to.String)
		e.ToStatus = &s
	}
	return &e, nil
}

const auditCols = `id, item_id, action, actor, timestamp, from_status, to_status, detail`

func statusArg(s *model.ItemStatus) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func appendAudit(ctx context.Context, q queryer, e model.AuditEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (item_id, action, actor, timestamp, from_status, to_status, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.Action, e.Actor, e.Timestamp, statusArg(e.FromStatus), statusArg(e.ToStatus), e.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// List returns audit entries in insertion order.
func (s *AuditStore) List(ctx context.Context, f AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT ` + auditCols + ` FROM audit_log WHERE 1 = 1`
	var args []any
	if f.ItemID != nil {
		query += ` AND item_id = ?`
		args = append(args, *f.ItemID)
	}
	if f.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
