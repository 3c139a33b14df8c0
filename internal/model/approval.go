package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

func (s ApprovalStatus) IsValid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected:
		return true
	}
	return false
}

type ApprovalRequest struct {
	ID              int64           `json:"id"`
	ItemID          int64           `json:"item_id"`
	RequestedBy     int64           `json:"requested_by"`
	RequestedAt     time.Time       `json:"requested_at"`
	FinancialImpact decimal.Decimal `json:"financial_impact"`
	Status          ApprovalStatus  `json:"status"`
	ReviewedBy      *int64          `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	Note            string          `json:"note,omitempty"`
}
