package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
)

type CouponStore struct {
	db *sql.DB
}

func NewCouponStore(db *sql.DB) *CouponStore {
	return &CouponStore{db: db}
}

func scanCoupon(scanner interface{ Scan(...any) error }) (*model.Coupon, error) {
	var c model.Coupon
	var teamID sql.NullInt64
	var usedAt, cancelledAt sql.NullTime

	err := scanner.Scan(
		&c.ID, &c.ItemID, &c.ItemName, &c.UserID, &teamID, &c.Code,
		&c.StarsSpent, &c.RedeemedAt, &c.Status, &usedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	if teamID.Valid {
		c.TeamID = &teamID.Int64
	}
	if usedAt.Valid {
		c.UsedAt = &usedAt.Time
	}
	if cancelledAt.Valid {
		c.CancelledAt = &cancelledAt.Time
	}
	return &c, nil
}

const couponCols = `id, item_id, item_name, user_id, team_id, code, stars_spent, redeemed_at, status, used_at, cancelled_at`

func getCoupon(ctx context.Context, q queryer, id string) (*model.Coupon, error) {
	row := q.QueryRowContext(ctx, `SELECT `+couponCols+` FROM coupons WHERE id = ?`, id)
	c, err := scanCoupon(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

func (s *CouponStore) GetByID(ctx context.Context, id string) (*model.Coupon, error) {
	return getCoupon(ctx, s.db, id)
}

func (s *CouponStore) GetByCode(ctx context.Context, code string) (*model.Coupon, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+couponCols+` FROM coupons WHERE code = ?`, code)
	c, err := scanCoupon(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon by code: %w", err)
	}
	return c, nil
}

// List returns coupons newest first. A nil userID lists every user's coupons.
func (s *CouponStore) List(ctx context.Context, userID *int64) ([]model.Coupon, error) {
	query := `SELECT ` + couponCols + ` FROM coupons`
	var args []any
	if userID != nil {
		query += ` WHERE user_id = ?`
		args = append(args, *userID)
	}
	query += ` ORDER BY redeemed_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	var out []model.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *CouponStore) CountByItem(ctx context.Context, itemID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupons WHERE item_id = ? AND status != ?`, itemID, model.CouponStatusCancelled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count coupons: %w", err)
	}
	return n, nil
}
