package model

import "time"

type CouponStatus string

const (
	CouponStatusIssued    CouponStatus = "issued"
	CouponStatusUsed      CouponStatus = "used"
	CouponStatusCancelled CouponStatus = "cancelled"
)

// Coupon is the proof-of-redemption issued to a user.
type Coupon struct {
	ID          string       `json:"id"`
	ItemID      int64        `json:"item_id"`
	ItemName    string       `json:"item_name"`
	UserID      int64        `json:"user_id"`
	TeamID      *int64       `json:"team_id"`
	Code        string       `json:"code"`
	StarsSpent  int          `json:"stars_spent"`
	RedeemedAt  time.Time    `json:"redeemed_at"`
	Status      CouponStatus `json:"status"`
	UsedAt      *time.Time   `json:"used_at,omitempty"`
	CancelledAt *time.Time   `json:"cancelled_at,omitempty"`
}

// RedeemRequest asks for one unit of an item. A nil Balance means the
// user's balance is read from and debited on the star ledger. A supplied
// Balance is checked instead and the ledger is left untouched.
type RedeemRequest struct {
	ItemID  int64
	UserID  int64
	TeamID  *int64
	Balance *int
}
