package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/workflow"
)

type catalogFixture struct {
	db      *sql.DB
	catalog *CatalogStore
	admin   *model.User
	user    *model.User
}

func setupCatalog(t *testing.T) *catalogFixture {
	t.Helper()
	db := setupTestDB(t)
	return &catalogFixture{
		db:      db,
		catalog: NewCatalogStore(db),
		admin:   createTestUser(t, db, "admin@example.com", model.RoleAdmin, nil),
		user:    createTestUser(t, db, "emp@example.com", model.RoleEmployee, nil),
	}
}

func (f *catalogFixture) createItem(t *testing.T, n model.NewItem) *model.Item {
	t.Helper()
	it, err := f.catalog.CreateItem(context.Background(), n, f.admin.ID)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

// activeItem walks an item through approval and activation.
func (f *catalogFixture) activeItem(t *testing.T, n model.NewItem) *model.Item {
	t.Helper()
	ctx := context.Background()
	it := f.createItem(t, n)
	req, err := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if req.Status == model.ApprovalStatusPending {
		if _, err := f.catalog.Approve(ctx, req.ID, f.admin.ID, ""); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	it, err = f.catalog.Activate(ctx, it.ID, f.admin.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return it
}

func (f *catalogFixture) audit(t *testing.T, itemID int64) []model.AuditEntry {
	t.Helper()
	entries, err := NewAuditStore(f.db).List(context.Background(), AuditFilter{ItemID: &itemID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func (f *catalogFixture) grant(t *testing.T, userID int64, amount int) {
	t.Helper()
	if _, err := NewStarStore(f.db).Grant(context.Background(), userID, amount, "test", f.admin.ID); err != nil {
		t.Fatalf("grant stars: %v", err)
	}
}

func TestCreateItem(t *testing.T) {
	f := setupCatalog(t)

	it := f.createItem(t, model.NewItem{
		Name:              "  Mug  ",
		StarCost:          30,
		FinancialEstimate: decimal.RequireFromString("12.50"),
		Quantity:          intPtr(5),
		RequiresApproval:  true,
	})
	if it.Name != "Mug" {
		t.Errorf("name = %q, want %q", it.Name, "Mug")
	}
	if it.Status != model.ItemStatusDraft {
		t.Errorf("status = %q, want draft", it.Status)
	}
	if it.Quantity == nil || *it.Quantity != 5 {
		t.Errorf("quantity = %v, want 5", it.Quantity)
	}
	if !it.FinancialEstimate.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("financial_estimate = %s, want 12.5", it.FinancialEstimate)
	}
	if it.Version != 1 {
		t.Errorf("version = %d, want 1", it.Version)
	}

	entries := f.audit(t, it.ID)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Action != model.AuditItemCreated {
		t.Errorf("action = %q, want %q", entries[0].Action, model.AuditItemCreated)
	}
	if entries[0].FromStatus != nil || entries[0].ToStatus == nil || *entries[0].ToStatus != model.ItemStatusDraft {
		t.Errorf("statuses = %v -> %v, want nil -> draft", entries[0].FromStatus, entries[0].ToStatus)
	}
}

func TestCreateItemValidation(t *testing.T) {
	f := setupCatalog(t)
	mgr := createTestUser(t, f.db, "mgr@example.com", model.RoleManager, nil)

	tests := []struct {
		name string
		item model.NewItem
	}{
		{"missing name", model.NewItem{Name: " ", StarCost: 1}},
		{"negative cost", model.NewItem{Name: "x", StarCost: -1}},
		{"negative quantity", model.NewItem{Name: "x", Quantity: intPtr(-1)}},
		{"negative estimate", model.NewItem{Name: "x", FinancialEstimate: decimal.NewFromInt(-1)}},
		{"unknown manager", model.NewItem{Name: "x", ManagerIDs: []int64{999}}},
		{"not a manager", model.NewItem{Name: "x", ManagerIDs: []int64{f.user.ID}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.catalog.CreateItem(context.Background(), tt.item, f.admin.ID)
			if !errors.Is(err, workflow.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}

	it := f.createItem(t, model.NewItem{Name: "Scoped", ManagerIDs: []int64{mgr.ID, mgr.ID}})
	if len(it.ManagerIDs) != 1 || it.ManagerIDs[0] != mgr.ID {
		t.Errorf("manager_ids = %v, want [%d]", it.ManagerIDs, mgr.ID)
	}
}

func TestLifecycleAuditTrail(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()

	it := f.createItem(t, model.NewItem{Name: "Headphones", StarCost: 100, RequiresApproval: true})

	req, err := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.NewFromInt(80))
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if req.Status != model.ApprovalStatusPending {
		t.Fatalf("request status = %q, want pending", req.Status)
	}
	if _, err := f.catalog.Approve(ctx, req.ID, f.admin.ID, "ok"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.catalog.Activate(ctx, it.ID, f.admin.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := f.catalog.Deactivate(ctx, it.ID, f.admin.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	final, err := f.catalog.Activate(ctx, it.ID, f.admin.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if final.Status != model.ItemStatusActive {
		t.Errorf("status = %q, want active", final.Status)
	}

	want := []struct {
		action   model.AuditAction
		from, to model.ItemStatus
	}{
		{model.AuditApprovalRequested, model.ItemStatusDraft, model.ItemStatusPendingApproval},
		{model.AuditItemApproved, model.ItemStatusPendingApproval, model.ItemStatusCreated},
		{model.AuditItemActivated, model.ItemStatusCreated, model.ItemStatusActive},
		{model.AuditItemDeactivated, model.ItemStatusActive, model.ItemStatusInactive},
		{model.AuditItemActivated, model.ItemStatusInactive, model.ItemStatusActive},
	}
	entries := f.audit(t, it.ID)[1:] // skip item_created
	if len(entries) != len(want) {
		t.Fatalf("transition entries = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		e := entries[i]
		if e.Action != w.action {
			t.Errorf("entry %d action = %q, want %q", i, e.Action, w.action)
		}
		if e.FromStatus == nil || *e.FromStatus != w.from || e.ToStatus == nil || *e.ToStatus != w.to {
			t.Errorf("entry %d statuses = %v -> %v, want %s -> %s", i, e.FromStatus, e.ToStatus, w.from, w.to)
		}
	}
}

func TestRequestApprovalRequiresDraft(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.activeItem(t, model.NewItem{Name: "Cap", RequiresApproval: true})

	_, err := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.Zero)
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	_, err = f.catalog.RequestApproval(ctx, 999, f.admin.ID, decimal.Zero)
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRequestApprovalAutoApproves(t *testing.T) {
	f := setupCatalog(t)
	it := f.createItem(t, model.NewItem{Name: "Sticker", RequiresApproval: false})

	req, err := f.catalog.RequestApproval(context.Background(), it.ID, f.admin.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if req.Status != model.ApprovalStatusApproved {
		t.Errorf("request status = %q, want approved", req.Status)
	}
	if req.ReviewedBy == nil || *req.ReviewedBy != f.admin.ID {
		t.Errorf("reviewed_by = %v, want %d", req.ReviewedBy, f.admin.ID)
	}

	got, _ := NewItemStore(f.db).GetByID(context.Background(), it.ID)
	if got.Status != model.ItemStatusCreated {
		t.Errorf("item status = %q, want created", got.Status)
	}
	if n := len(f.audit(t, it.ID)); n != 3 {
		t.Errorf("audit entries = %d, want 3", n)
	}
}

func TestApproveTwiceFails(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.createItem(t, model.NewItem{Name: "Book", RequiresApproval: true})
	req, _ := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.Zero)

	if _, err := f.catalog.Approve(ctx, req.ID, f.admin.ID, ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	before := len(f.audit(t, it.ID))

	_, err := f.catalog.Approve(ctx, req.ID, f.admin.ID, "")
	if !errors.Is(err, workflow.ErrRequestNotPending) {
		t.Errorf("second approve err = %v, want ErrRequestNotPending", err)
	}
	_, err = f.catalog.Reject(ctx, req.ID, f.admin.ID, "too late")
	if !errors.Is(err, workflow.ErrRequestNotPending) {
		t.Errorf("reject after approve err = %v, want ErrRequestNotPending", err)
	}
	if after := len(f.audit(t, it.ID)); after != before {
		t.Errorf("audit entries grew from %d to %d on failed review", before, after)
	}
}

func TestRejectReturnsToDraft(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.createItem(t, model.NewItem{Name: "Voucher", RequiresApproval: true})
	req, _ := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.Zero)

	if _, err := f.catalog.Reject(ctx, req.ID, f.admin.ID, ""); !errors.Is(err, workflow.ErrInvalidInput) {
		t.Errorf("reject without note err = %v, want ErrInvalidInput", err)
	}

	rejected, err := f.catalog.Reject(ctx, req.ID, f.admin.ID, "too expensive")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.ApprovalStatusRejected || rejected.Note != "too expensive" {
		t.Errorf("got status=%q note=%q", rejected.Status, rejected.Note)
	}

	got, _ := NewItemStore(f.db).GetByID(ctx, it.ID)
	if got.Status != model.ItemStatusDraft {
		t.Errorf("item status = %q, want draft", got.Status)
	}

	// A rejected item can be resubmitted.
	if _, err := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.Zero); err != nil {
		t.Errorf("resubmit: %v", err)
	}
}

func TestActivateInvalidTransitions(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.createItem(t, model.NewItem{Name: "Pen", RequiresApproval: true})

	if _, err := f.catalog.Activate(ctx, it.ID, f.admin.ID); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("activate draft err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.catalog.Deactivate(ctx, it.ID, f.admin.ID); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("deactivate draft err = %v, want ErrInvalidTransition", err)
	}
	if n := len(f.audit(t, it.ID)); n != 1 {
		t.Errorf("audit entries = %d, want 1", n)
	}
}

func TestUpdateItem(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.createItem(t, model.NewItem{Name: "Hoodie", StarCost: 200})

	n := model.NewItem{Name: "Hoodie XL", StarCost: 250, Quantity: intPtr(3)}
	updated, err := f.catalog.UpdateItem(ctx, it.ID, model.ItemUpdate{NewItem: n, Version: it.Version}, f.admin.ID)
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if updated.Name != "Hoodie XL" || updated.StarCost != 250 {
		t.Errorf("got name=%q cost=%d", updated.Name, updated.StarCost)
	}
	if updated.Version != it.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, it.Version+1)
	}

	_, err = f.catalog.UpdateItem(ctx, it.ID, model.ItemUpdate{NewItem: n, Version: it.Version}, f.admin.ID)
	if !errors.Is(err, workflow.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}

	entries := f.audit(t, it.ID)
	last := entries[len(entries)-1]
	if last.Action != model.AuditItemUpdated {
		t.Errorf("action = %q, want item_updated", last.Action)
	}
	if last.Detail != "changed: name, star_cost, quantity" {
		t.Errorf("detail = %q", last.Detail)
	}
}

func TestUpdateActiveItemFails(t *testing.T) {
	f := setupCatalog(t)
	it := f.activeItem(t, model.NewItem{Name: "Bottle"})

	_, err := f.catalog.UpdateItem(context.Background(), it.ID, model.ItemUpdate{
		NewItem: model.NewItem{Name: "Bottle 2"},
		Version: it.Version,
	}, f.admin.ID)
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestDeleteItem(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.createItem(t, model.NewItem{Name: "Poster", RequiresApproval: true})
	req, _ := f.catalog.RequestApproval(ctx, it.ID, f.admin.ID, decimal.Zero)

	deleted, err := f.catalog.Delete(ctx, it.ID, f.admin.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("expected deleted = true")
	}

	got, _ := NewItemStore(f.db).GetByID(ctx, it.ID)
	if got != nil {
		t.Error("item still present after delete")
	}
	r, _ := NewApprovalStore(f.db).GetByID(ctx, req.ID)
	if r.Status != model.ApprovalStatusRejected || r.Note != "item deleted" {
		t.Errorf("pending request = %q %q, want rejected with note", r.Status, r.Note)
	}

	entries := f.audit(t, it.ID)
	if last := entries[len(entries)-1]; last.Action != model.AuditItemDeleted {
		t.Errorf("last action = %q, want item_deleted", last.Action)
	}

	deleted, err = f.catalog.Delete(ctx, it.ID, f.admin.ID)
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if deleted {
		t.Error("expected deleted = false for missing item")
	}
	if n := len(f.audit(t, it.ID)); n != len(entries) {
		t.Errorf("audit entries = %d after no-op delete, want %d", n, len(entries))
	}
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	f := setupCatalog(t)
	f.createItem(t, model.NewItem{Name: "Tote"})

	if _, err := f.db.Exec(`UPDATE audit_log SET detail = 'x'`); err == nil {
		t.Error("expected update on audit_log to fail")
	}
	if _, err := f.db.Exec(`DELETE FROM audit_log`); err == nil {
		t.Error("expected delete on audit_log to fail")
	}
}

func TestRedeemLastUnit(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.activeItem(t, model.NewItem{Name: "Gift card", StarCost: 50, Quantity: intPtr(1)})
	balance := 50

	coupon, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID, Balance: &balance})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if len(coupon.Code) != couponCodeLength {
		t.Errorf("code = %q, want %d chars", coupon.Code, couponCodeLength)
	}
	if coupon.StarsSpent != 50 || coupon.Status != model.CouponStatusIssued {
		t.Errorf("got stars=%d status=%q", coupon.StarsSpent, coupon.Status)
	}

	got, _ := NewItemStore(f.db).GetByID(ctx, it.ID)
	if got.Quantity == nil || *got.Quantity != 0 {
		t.Errorf("quantity = %v, want 0", got.Quantity)
	}
	if got.RedeemedCount != 1 {
		t.Errorf("redeemed_count = %d, want 1", got.RedeemedCount)
	}

	_, err = f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID, Balance: &balance})
	if !errors.Is(err, workflow.ErrSoldOut) {
		t.Errorf("second redeem err = %v, want ErrSoldOut", err)
	}
}

func TestRedeemConditions(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	is := NewItemStore(f.db)

	active := f.activeItem(t, model.NewItem{Name: "Active", StarCost: 10})
	inactive := f.activeItem(t, model.NewItem{Name: "Inactive", StarCost: 10})
	if _, err := f.catalog.Deactivate(ctx, inactive.ID, f.admin.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	draft := f.createItem(t, model.NewItem{Name: "Draft", StarCost: 10})
	soldOut := f.activeItem(t, model.NewItem{Name: "Sold out", StarCost: 10, Quantity: intPtr(0)})

	tests := []struct {
		name    string
		itemID  int64
		balance int
		want    error
	}{
		{"missing item", 999, 100, workflow.ErrNotFound},
		{"draft item", draft.ID, 100, workflow.ErrNotActive},
		{"inactive item", inactive.ID, 100, workflow.ErrNotActive},
		{"sold out", soldOut.ID, 100, workflow.ErrSoldOut},
		{"insufficient balance", active.ID, 9, workflow.ErrInsufficientBalance},
		{"exact balance", active.ID, 10, nil},
		{"unlimited stock", active.ID, 1000, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before *model.Item
			if tt.itemID != 999 {
				before, _ = is.GetByID(ctx, tt.itemID)
			}
			balance := tt.balance
			coupon, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: tt.itemID, UserID: f.user.ID, Balance: &balance})
			if tt.want == nil {
				if err != nil {
					t.Fatalf("redeem: %v", err)
				}
				if coupon == nil {
					t.Fatal("expected coupon")
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if coupon != nil {
				t.Error("expected no coupon on failure")
			}
			if before != nil {
				after, _ := is.GetByID(ctx, tt.itemID)
				if after.RedeemedCount != before.RedeemedCount {
					t.Errorf("redeemed_count changed on failure")
				}
			}
		})
	}

	coupons, err := NewCouponStore(f.db).List(ctx, &f.user.ID)
	if err != nil {
		t.Fatalf("list coupons: %v", err)
	}
	if len(coupons) != 2 {
		t.Errorf("coupons = %d, want 2", len(coupons))
	}
}

func TestRedeemUsesLedgerBalance(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	stars := NewStarStore(f.db)
	it := f.activeItem(t, model.NewItem{Name: "Lunch", StarCost: 40})

	_, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID})
	if !errors.Is(err, workflow.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	f.grant(t, f.user.ID, 100)
	coupon, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	balance, _ := stars.Balance(ctx, f.user.ID)
	if balance != 60 {
		t.Errorf("balance = %d, want 60", balance)
	}
	history, _ := stars.History(ctx, f.user.ID, 10)
	if len(history) != 2 || history[0].Amount != -40 {
		t.Fatalf("history = %+v, want debit of 40 first", history)
	}
	if history[0].CouponID == nil || *history[0].CouponID != coupon.ID {
		t.Errorf("debit coupon_id = %v, want %s", history[0].CouponID, coupon.ID)
	}
}

func TestRedeemSuppliedBalanceLeavesLedger(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	stars := NewStarStore(f.db)
	it := f.activeItem(t, model.NewItem{Name: "Gift card", StarCost: 50})

	balance := 50
	coupon, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID, Balance: &balance})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got, _ := stars.Balance(ctx, f.user.ID); got != 0 {
		t.Errorf("ledger balance after redeem = %d, want 0", got)
	}

	if _, err := f.catalog.CancelCoupon(ctx, coupon.ID, f.admin.ID, ""); err != nil {
		t.Fatalf("cancel coupon: %v", err)
	}
	if got, _ := stars.Balance(ctx, f.user.ID); got != 0 {
		t.Errorf("ledger balance after cancel = %d, want 0", got)
	}
	history, _ := stars.History(ctx, f.user.ID, 10)
	if len(history) != 0 {
		t.Errorf("history = %+v, want no ledger rows", history)
	}
}

func TestRedeemManagerScope(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	ts := NewTeamStore(f.db)

	mgrA := createTestUser(t, f.db, "a@example.com", model.RoleManager, nil)
	mgrB := createTestUser(t, f.db, "b@example.com", model.RoleManager, nil)
	teamA, _ := ts.Create("A", &mgrA.ID)
	teamB, _ := ts.Create("B", &mgrB.ID)
	empA := createTestUser(t, f.db, "empa@example.com", model.RoleEmployee, &teamA.ID)
	empB := createTestUser(t, f.db, "empb@example.com", model.RoleEmployee, &teamB.ID)

	it := f.activeItem(t, model.NewItem{Name: "Team lunch", StarCost: 5, ManagerIDs: []int64{mgrA.ID}})
	balance := 100

	if _, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: empA.ID, Balance: &balance}); err != nil {
		t.Errorf("in-scope redeem: %v", err)
	}
	_, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: empB.ID, Balance: &balance})
	if !errors.Is(err, workflow.ErrOutOfScope) {
		t.Errorf("out-of-scope err = %v, want ErrOutOfScope", err)
	}
	// An explicit team overrides the user's own.
	if _, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: empB.ID, TeamID: &teamA.ID, Balance: &balance}); err != nil {
		t.Errorf("redeem with explicit team: %v", err)
	}
	if _, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: mgrA.ID, Balance: &balance}); err != nil {
		t.Errorf("scoped manager redeem: %v", err)
	}

	visible, err := f.catalog.ListVisibleItems(ctx, empB.ID)
	if err != nil {
		t.Fatalf("list visible: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("visible to team B = %d items, want 0", len(visible))
	}
	visible, _ = f.catalog.ListVisibleItems(ctx, empA.ID)
	if len(visible) != 1 {
		t.Errorf("visible to team A = %d items, want 1", len(visible))
	}
	visible, _ = f.catalog.ListVisibleItems(ctx, f.admin.ID)
	if len(visible) != 1 {
		t.Errorf("visible to admin = %d items, want 1", len(visible))
	}
}

func TestItemVisibilityFollowsScope(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	ts := NewTeamStore(f.db)

	approver := createTestUser(t, f.db, "approver@example.com", model.RoleApprover, nil)
	mgrA := createTestUser(t, f.db, "a@example.com", model.RoleManager, nil)
	mgrB := createTestUser(t, f.db, "b@example.com", model.RoleManager, nil)
	teamA, _ := ts.Create("A", &mgrA.ID)
	teamB, _ := ts.Create("B", &mgrB.ID)
	empA := createTestUser(t, f.db, "empa@example.com", model.RoleEmployee, &teamA.ID)
	empB := createTestUser(t, f.db, "empb@example.com", model.RoleEmployee, &teamB.ID)

	scoped := f.activeItem(t, model.NewItem{Name: "Team lunch", StarCost: 5, ManagerIDs: []int64{mgrA.ID}})
	open := f.activeItem(t, model.NewItem{Name: "Mug", StarCost: 5})
	draft := f.createItem(t, model.NewItem{Name: "Draft"})

	tests := []struct {
		name string
		item *model.Item
		user int64
		want bool
	}{
		{"in-scope employee", scoped, empA.ID, true},
		{"listed manager", scoped, mgrA.ID, true},
		{"admin", scoped, f.admin.ID, true},
		{"other team", scoped, empB.ID, false},
		{"other manager", scoped, mgrB.ID, false},
		{"no team", scoped, f.user.ID, false},
		{"unscoped", open, empB.ID, true},
		{"draft", draft, empA.ID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.catalog.CanSee(ctx, tt.item, tt.user)
			if err != nil {
				t.Fatalf("can see: %v", err)
			}
			if got != tt.want {
				t.Errorf("CanSee = %v, want %v", got, tt.want)
			}
		})
	}

	audience, err := f.catalog.ScopeAudience(ctx, scoped)
	if err != nil {
		t.Fatalf("scope audience: %v", err)
	}
	want := []int64{mgrA.ID, empA.ID}
	if len(audience) != len(want) || audience[0] != want[0] || audience[1] != want[1] {
		t.Errorf("audience = %v, want %v", audience, want)
	}
	for _, id := range audience {
		if id == approver.ID || id == f.admin.ID {
			t.Errorf("audience includes staff user %d", id)
		}
	}
	if audience, _ := f.catalog.ScopeAudience(ctx, open); audience != nil {
		t.Errorf("unscoped audience = %v, want nil", audience)
	}
}

func TestConcurrentRedeemLastUnit(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.activeItem(t, model.NewItem{Name: "Last one", StarCost: 10, Quantity: intPtr(1)})

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var issued, soldOut int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			balance := 10
			_, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID, Balance: &balance})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				issued++
			case errors.Is(err, workflow.ErrSoldOut):
				soldOut++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if issued != 1 {
		t.Errorf("issued = %d, want 1", issued)
	}
	if soldOut != workers-1 {
		t.Errorf("sold out = %d, want %d", soldOut, workers-1)
	}
	got, _ := NewItemStore(f.db).GetByID(ctx, it.ID)
	if *got.Quantity != 0 {
		t.Errorf("quantity = %d, want 0", *got.Quantity)
	}
}

func TestUseCoupon(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	it := f.activeItem(t, model.NewItem{Name: "Massage", StarCost: 20})
	f.grant(t, f.user.ID, 20)
	coupon, _ := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID})

	used, err := f.catalog.UseCoupon(ctx, coupon.ID, f.admin.ID)
	if err != nil {
		t.Fatalf("use coupon: %v", err)
	}
	if used.Status != model.CouponStatusUsed || used.UsedAt == nil {
		t.Errorf("got status=%q used_at=%v", used.Status, used.UsedAt)
	}
	if _, err := f.catalog.UseCoupon(ctx, coupon.ID, f.admin.ID); !errors.Is(err, workflow.ErrCouponNotIssued) {
		t.Errorf("second use err = %v, want ErrCouponNotIssued", err)
	}
	if _, err := f.catalog.CancelCoupon(ctx, coupon.ID, f.admin.ID, ""); !errors.Is(err, workflow.ErrCouponNotIssued) {
		t.Errorf("cancel used err = %v, want ErrCouponNotIssued", err)
	}
	if _, err := f.catalog.UseCoupon(ctx, "missing", f.admin.ID); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing coupon err = %v, want ErrNotFound", err)
	}
}

func TestCouponLookupByCode(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	cs := NewCouponStore(f.db)
	it := f.activeItem(t, model.NewItem{Name: "Lunch", StarCost: 10})
	balance := 100

	first, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID, Balance: &balance})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	second, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID, Balance: &balance})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	got, err := cs.GetByCode(ctx, first.Code)
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Errorf("GetByCode = %+v, want coupon %s", got, first.ID)
	}
	if got, err := cs.GetByCode(ctx, "NOPE"); err != nil || got != nil {
		t.Errorf("GetByCode(unknown) = %v, %v; want nil, nil", got, err)
	}

	if _, err := f.catalog.CancelCoupon(ctx, second.ID, f.admin.ID, ""); err != nil {
		t.Fatalf("cancel coupon: %v", err)
	}
	n, err := cs.CountByItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("count by item: %v", err)
	}
	if n != 1 {
		t.Errorf("CountByItem = %d, want 1; cancelled coupons are not counted", n)
	}
}

func TestCancelCouponRefunds(t *testing.T) {
	f := setupCatalog(t)
	ctx := context.Background()
	stars := NewStarStore(f.db)
	it := f.activeItem(t, model.NewItem{Name: "Day off", StarCost: 300, Quantity: intPtr(2)})
	f.grant(t, f.user.ID, 300)

	coupon, err := f.catalog.Redeem(ctx, model.RedeemRequest{ItemID: it.ID, UserID: f.user.ID})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	cancelled, err := f.catalog.CancelCoupon(ctx, coupon.ID, f.admin.ID, "changed mind")
	if err != nil {
		t.Fatalf("cancel coupon: %v", err)
	}
	if cancelled.Status != model.CouponStatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	balance, _ := stars.Balance(ctx, f.user.ID)
	if balance != 300 {
		t.Errorf("balance = %d, want 300", balance)
	}
	got, _ := NewItemStore(f.db).GetByID(ctx, it.ID)
	if *got.Quantity != 2 || got.RedeemedCount != 0 {
		t.Errorf("quantity=%d redeemed=%d, want 2 and 0", *got.Quantity, got.RedeemedCount)
	}

	entries := f.audit(t, it.ID)
	last := entries[len(entries)-1]
	if last.Action != model.AuditCouponCancelled || last.Detail != "coupon "+coupon.Code+": changed mind" {
		t.Errorf("last entry = %q %q", last.Action, last.Detail)
	}
}

func TestGenerateCouponCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := generateCouponCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != couponCodeLength {
			t.Fatalf("len(%q) = %d", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(couponCodeCharset, r) {
				t.Fatalf("code %q has invalid rune %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 99 {
		t.Errorf("only %d distinct codes in 100", len(seen))
	}
}
