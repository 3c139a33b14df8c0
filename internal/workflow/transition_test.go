package workflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukerupert/starstore/internal/model"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from    model.ItemStatus
		trigger Trigger
		want    model.ItemStatus
		wantErr bool
	}{
		{model.ItemStatusDraft, TriggerSubmit, model.ItemStatusPendingApproval, false},
		{model.ItemStatusPendingApproval, TriggerApprove, model.ItemStatusCreated, false},
		{model.ItemStatusPendingApproval, TriggerReject, model.ItemStatusDraft, false},
		{model.ItemStatusCreated, TriggerActivate, model.ItemStatusActive, false},
		{model.ItemStatusInactive, TriggerActivate, model.ItemStatusActive, false},
		{model.ItemStatusActive, TriggerDeactivate, model.ItemStatusInactive, false},

		{model.ItemStatusDraft, TriggerActivate, "", true},
		{model.ItemStatusDraft, TriggerApprove, "", true},
		{model.ItemStatusCreated, TriggerSubmit, "", true},
		{model.ItemStatusActive, TriggerActivate, "", true},
		{model.ItemStatusActive, TriggerReject, "", true},
		{model.ItemStatusInactive, TriggerDeactivate, "", true},
		{model.ItemStatusCreated, TriggerDeactivate, "", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.from, tt.trigger), func(t *testing.T) {
			got, err := Next(tt.from, tt.trigger)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Next() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPermittedTriggers(t *testing.T) {
	got := PermittedTriggers(model.ItemStatusPendingApproval)
	if len(got) != 2 || got[0] != TriggerApprove || got[1] != TriggerReject {
		t.Errorf("PermittedTriggers(pending_approval) = %v", got)
	}
	if got := PermittedTriggers(model.ItemStatusActive); len(got) != 1 || got[0] != TriggerDeactivate {
		t.Errorf("PermittedTriggers(active) = %v", got)
	}
}

func TestActionForEveryTrigger(t *testing.T) {
	for _, tr := range []Trigger{TriggerSubmit, TriggerApprove, TriggerReject, TriggerActivate, TriggerDeactivate} {
		if Action(tr) == "" {
			t.Errorf("no audit action for trigger %s", tr)
		}
	}
}

func TestCode(t *testing.T) {
	wrapped := fmt.Errorf("redeem item 3: %w", ErrSoldOut)
	if got := Code(wrapped); got != "sold_out" {
		t.Errorf("Code() = %q, want %q", got, "sold_out")
	}
	if got := Code(errors.New("boom")); got != "" {
		t.Errorf("Code() = %q, want empty", got)
	}
}
