package model

import "time"

// StarTransaction is a ledger row. Positive amounts credit the user,
// negative amounts debit.
type StarTransaction struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	CouponID  *string   `json:"coupon_id,omitempty"`
	CreatedBy *int64    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type StarBalance struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Earned   int    `json:"earned"`
	Spent    int    `json:"spent"`
	Balance  int    `json:"balance"`
}
