package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/workflow"
)

// StarStore manages the star ledger. A user's balance is the sum of their
// ledger rows.
type StarStore struct {
	db *sql.DB
}

func NewStarStore(db *sql.DB) *StarStore {
	return &StarStore{db: db}
}

const starCols = `id, user_id, amount, reason, coupon_id, created_by, created_at`

func scanStarTransaction(scanner interface{ Scan(...any) error }) (*model.StarTransaction, error) {
	var t model.StarTransaction
	var couponID sql.NullString
	var createdBy sql.NullInt64
	if err := scanner.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &couponID, &createdBy, &t.CreatedAt); err != nil {
		return nil, err
	}
	if couponID.Valid {
		t.CouponID = &couponID.String
	}
	if createdBy.Valid {
		t.CreatedBy = &createdBy.Int64
	}
	return &t, nil
}

func insertStarTransaction(ctx context.Context, q queryer, userID int64, amount int, reason string, couponID *string, createdBy *int64) (int64, error) {
	var coupon sql.NullString
	if couponID != nil {
		coupon = sql.NullString{String: *couponID, Valid: true}
	}
	result, err := q.ExecContext(ctx,
		`INSERT INTO star_ledger (user_id, amount, reason, coupon_id, created_by) VALUES (?, ?, ?, ?, ?)`,
		userID, amount, reason, coupon, nullInt64(createdBy),
	)
	if err != nil {
		return 0, fmt.Errorf("insert star transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func starBalance(ctx context.Context, q queryer, userID int64) (int, error) {
	var balance int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM star_ledger WHERE user_id = ?`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("star balance: %w", err)
	}
	return balance, nil
}

// Grant credits (positive amount) or debits (negative amount) a user's stars.
// A debit that would take the balance below zero fails with
// ErrInsufficientBalance.
func (s *StarStore) Grant(ctx context.Context, userID int64, amount int, reason string, grantedBy int64) (*model.StarTransaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must not be zero", workflow.ErrInvalidInput)
	}
	// The balance check and the insert are one statement so concurrent
	// debits cannot both pass.
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO star_ledger (user_id, amount, reason, created_by)
		 SELECT ?, ?, ?, ?
		 WHERE ? > 0 OR (SELECT COALESCE(SUM(amount), 0) FROM star_ledger WHERE user_id = ?) + ? >= 0`,
		userID, amount, reason, grantedBy, amount, userID, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("insert star transaction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: debit of %d exceeds the current balance", workflow.ErrInsufficientBalance, -amount)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+starCols+` FROM star_ledger WHERE id = ?`, id)
	t, err := scanStarTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("get star transaction: %w", err)
	}
	return t, nil
}

func (s *StarStore) Balance(ctx context.Context, userID int64) (int, error) {
	return starBalance(ctx, s.db, userID)
}

// History returns a user's ledger, newest first.
func (s *StarStore) History(ctx context.Context, userID int64, limit int) ([]model.StarTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+starCols+` FROM star_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("star history: %w", err)
	}
	defer rows.Close()

	var out []model.StarTransaction
	for rows.Next() {
		t, err := scanStarTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan star transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Leaderboard returns every user's earned, spent, and current balance,
// highest balance first.
func (s *StarStore) Leaderboard(ctx context.Context) ([]model.StarBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name,
		        COALESCE(SUM(CASE WHEN l.amount > 0 THEN l.amount ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN l.amount < 0 THEN -l.amount ELSE 0 END), 0),
		        COALESCE(SUM(l.amount), 0) AS balance
		 FROM users u
		 LEFT JOIN star_ledger l ON l.user_id = u.id
		 GROUP BY u.id
		 ORDER BY balance DESC, u.name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("star leaderboard: %w", err)
	}
	defer rows.Close()

	var out []model.StarBalance
	for rows.Next() {
		var b model.StarBalance
		if err := rows.Scan(&b.UserID, &b.UserName, &b.Earned, &b.Spent, &b.Balance); err != nil {
			return nil, fmt.Errorf("scan star balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
