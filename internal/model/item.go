package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus is the lifecycle state of a catalog item.
type ItemStatus string

const (
	ItemStatusDraft           ItemStatus = "draft"
	ItemStatusPendingApproval ItemStatus = "pending_approval"
	ItemStatusCreated         ItemStatus = "created"
	ItemStatusActive          ItemStatus = "active"
	ItemStatusInactive        ItemStatus = "inactive"
)

var validItemStatuses = map[ItemStatus]bool{
	ItemStatusDraft:           true,
	ItemStatusPendingApproval: true,
	ItemStatusCreated:         true,
	ItemStatusActive:          true,
	ItemStatusInactive:        true,
}

func (s ItemStatus) IsValid() bool {
	return validItemStatuses[s]
}

func (s ItemStatus) String() string {
	return string(s)
}

// Editable reports whether item fields may be changed in this status.
func (s ItemStatus) Editable() bool {
	return s == ItemStatusDraft || s == ItemStatusCreated || s == ItemStatusInactive
}

type Item struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	StarCost          int             `json:"star_cost"`
	FinancialEstimate decimal.Decimal `json:"financial_estimate"`
	Image             string          `json:"image,omitempty"`
	Quantity          *int            `json:"quantity"` // nil = unlimited
	ManagerIDs        []int64         `json:"manager_ids"`
	RequiresApproval  bool            `json:"requires_approval"`
	Status            ItemStatus      `json:"status"`
	RedeemedCount     int             `json:"redeemed_count"`
	Version           int             `json:"version"`
	CreatedBy         int64           `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Unlimited reports whether the item has no stock limit.
func (i *Item) Unlimited() bool {
	return i.Quantity == nil
}

// SoldOut reports whether a limited item has no units left.
func (i *Item) SoldOut() bool {
	return i.Quantity != nil && *i.Quantity <= 0
}

// VisibleTo reports whether the item's manager scope includes managerID.
// An empty scope means every manager.
func (i *Item) VisibleTo(managerID int64) bool {
	if len(i.ManagerIDs) == 0 {
		return true
	}
	for _, id := range i.ManagerIDs {
		if id == managerID {
			return true
		}
	}
	return false
}

// NewItem holds the fields supplied when creating a catalog item.
type NewItem struct {
	Name              string
	Description       string
	Category          string
	StarCost          int
	FinancialEstimate decimal.Decimal
	Image             string
	Quantity          *int
	ManagerIDs        []int64
	RequiresApproval  bool
}

// ItemUpdate replaces the editable fields of an item. Version must match the
// stored version.
type ItemUpdate struct {
	NewItem
	Version int
}
