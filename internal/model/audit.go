package model

import "time"

type AuditAction string

const (
	AuditItemCreated       AuditAction = "item_created"
	AuditItemUpdated       AuditAction = "item_updated"
	AuditApprovalRequested AuditAction = "approval_requested"
	AuditItemApproved      AuditAction = "item_approved"
	AuditItemRejected      AuditAction = "item_rejected"
	AuditItemActivated     AuditAction = "item_activated"
	AuditItemDeactivated   AuditAction = "item_deactivated"
	AuditItemDeleted       AuditAction = "item_deleted"
	AuditItemRedeemed      AuditAction = "item_redeemed"
	AuditCouponUsed        AuditAction = "coupon_used"
	AuditCouponCancelled   AuditAction = "coupon_cancelled"
)

// AuditEntry is an append-only record of a catalog mutation.
type AuditEntry struct {
	ID         int64       `json:"id"`
	ItemID     int64       `json:"item_id"`
	Action     AuditAction `json:"action"`
	Actor      int64       `json:"actor"`
	Timestamp  time.Time   `json:"timestamp"`
	FromStatus *ItemStatus `json:"from_status,omitempty"`
	ToStatus   *ItemStatus `json:"to_status,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}
