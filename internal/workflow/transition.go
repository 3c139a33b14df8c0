package workflow

import (
	"fmt"

	"github.com/dukerupert/starstore/internal/model"
)

// Trigger names an event that moves an item between statuses.
type Trigger string

const (
	TriggerSubmit     Trigger = "submit"
	TriggerApprove    Trigger = "approve"
	TriggerReject     Trigger = "reject"
	TriggerActivate   Trigger = "activate"
	TriggerDeactivate Trigger = "deactivate"
)

func (t Trigger) String() string {
	return string(t)
}

type edge struct {
	from    model.ItemStatus
	trigger Trigger
}

// The only permitted item lifecycle:
//
//	draft -> pending_approval -> created -> active <-> inactive
//	pending_approval -> draft (rejected)
var transitions = map[edge]model.ItemStatus{
	{model.ItemStatusDraft, TriggerSubmit}:            model.ItemStatusPendingApproval,
	{model.ItemStatusPendingApproval, TriggerApprove}: model.ItemStatusCreated,
	{model.ItemStatusPendingApproval, TriggerReject}:  model.ItemStatusDraft,
	{model.ItemStatusCreated, TriggerActivate}:        model.ItemStatusActive,
	{model.ItemStatusInactive, TriggerActivate}:       model.ItemStatusActive,
	{model.ItemStatusActive, TriggerDeactivate}:       model.ItemStatusInactive,
}

var triggerActions = map[Trigger]model.AuditAction{
	TriggerSubmit:     model.AuditApprovalRequested,
	TriggerApprove:    model.AuditItemApproved,
	TriggerReject:     model.AuditItemRejected,
	TriggerActivate:   model.AuditItemActivated,
	TriggerDeactivate: model.AuditItemDeactivated,
}

// Next returns the status reached by firing trigger from status, or
// ErrInvalidTransition.
func Next(from model.ItemStatus, trigger Trigger) (model.ItemStatus, error) {
	to, ok := transitions[edge{from, trigger}]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s item in status %s", ErrInvalidTransition, trigger, from)
	}
	return to, nil
}

// CanFire reports whether trigger is permitted from status.
func CanFire(from model.ItemStatus, trigger Trigger) bool {
	_, ok := transitions[edge{from, trigger}]
	return ok
}

// PermittedTriggers lists the triggers that may fire from status, in
// lifecycle order.
func PermittedTriggers(from model.ItemStatus) []Trigger {
	var out []Trigger
	for _, t := range []Trigger{TriggerSubmit, TriggerApprove, TriggerReject, TriggerActivate, TriggerDeactivate} {
		if CanFire(from, t) {
			out = append(out, t)
		}
	}
	return out
}

// Action returns the audit action recorded when trigger fires.
func Action(trigger Trigger) model.AuditAction {
	return triggerActions[trigger]
}
