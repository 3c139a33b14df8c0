package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/workflow"
)

const (
	couponCodeLength   = 10
	couponCodeCharset  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	couponCodeAttempts = 5
)

// CatalogStore performs every catalog mutation. Each method runs in a single
// transaction and appends its audit entries in that same transaction, so an
// operation either happens and is logged or does neither.
type CatalogStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db, now: time.Now}
}

// withTx runs fn inside a transaction. The database holds one connection, so
// fn must issue every query through tx.
func (s *CatalogStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *CatalogStore) timestamp() time.Time {
	return s.now().UTC()
}

func validateItem(ctx context.Context, q queryer, n *model.NewItem) error {
	n.Name = strings.TrimSpace(n.Name)
	n.Category = strings.TrimSpace(n.Category)
	if n.Name == "" {
		return fmt.Errorf("%w: name is required", workflow.ErrInvalidInput)
	}
	if n.StarCost < 0 {
		return fmt.Errorf("%w: star cost must not be negative", workflow.ErrInvalidInput)
	}
	if n.Quantity != nil && *n.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", workflow.ErrInvalidInput)
	}
	if n.FinancialEstimate.IsNegative() {
		return fmt.Errorf("%w: financial estimate must not be negative", workflow.ErrInvalidInput)
	}

	seen := make(map[int64]bool, len(n.ManagerIDs))
	ids := n.ManagerIDs[:0:0]
	for _, id := range n.ManagerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)

		var role model.Role
		err := q.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, id).Scan(&role)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: manager %d does not exist", workflow.ErrInvalidInput, id)
		}
		if err != nil {
			return fmt.Errorf("check manager: %w", err)
		}
		if role != model.RoleManager {
			return fmt.Errorf("%w: user %d is not a manager", workflow.ErrInvalidInput, id)
		}
	}
	n.ManagerIDs = ids
	return nil
}

func replaceManagers(ctx context.Context, tx *sql.Tx, itemID int64, managerIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_managers WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("clear item managers: %w", err)
	}
	for _, id := range managerIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO item_managers (item_id, manager_id) VALUES (?, ?)`, itemID, id); err != nil {
			return fmt.Errorf("insert item manager: %w", err)
		}
	}
	return nil
}

func requireItem(ctx context.Context, q queryer, id int64) (*model.Item, error) {
	it, err := getItem(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, fmt.Errorf("item %d: %w", id, workflow.ErrNotFound)
	}
	return it, nil
}

// CreateItem inserts a draft item.
func (s *CatalogStore) CreateItem(ctx context.Context, n model.NewItem, actor int64) (*model.Item, error) {
	var item *model.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := validateItem(ctx, tx, &n); err != nil {
			return err
		}
		now := s.timestamp()
		result, err := tx.ExecContext(ctx,
			`INSERT INTO items (name, description, category, star_cost, financial_estimate, image, quantity, requires_approval, status, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.Name, n.Description, n.Category, n.StarCost, n.FinancialEstimate, n.Image,
			nullInt(n.Quantity), boolInt(n.RequiresApproval), model.ItemStatusDraft, actor, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		if err := replaceManagers(ctx, tx, id, n.ManagerIDs); err != nil {
			return err
		}

		draft := model.ItemStatusDraft
		if err := appendAudit(ctx, tx, model.AuditEntry{
			ItemID:    id,
			Action:    model.AuditItemCreated,
			Actor:     actor,
			Timestamp: now,
			ToStatus:  &draft,
			Detail:    n.Name,
		}); err != nil {
			return err
		}

		item, err = getItem(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func changedFields(it *model.Item, n model.NewItem) []string {
	var changed []string
	if it.Name != n.Name {
		changed = append(changed, "name")
	}
	if it.Description != n.Description {
		changed = append(changed, "description")
	}
	if it.Category != n.Category {
		changed = append(changed, "category")
	}
	if it.StarCost != n.StarCost {
		changed = append(changed, "star_cost")
	}
	if !it.FinancialEstimate.Equal(n.FinancialEstimate) {
		changed = append(changed, "financial_estimate")
	}
	if it.Image != n.Image {
		changed = append(changed, "image")
	}
	if (it.Quantity == nil) != (n.Quantity == nil) || (it.Quantity != nil && *it.Quantity != *n.Quantity) {
		changed = append(changed, "quantity")
	}
	if it.RequiresApproval != n.RequiresApproval {
		changed = append(changed, "requires_approval")
	}
	if !sameIDs(it.ManagerIDs, n.ManagerIDs) {
		changed = append(changed, "manager_ids")
	}
	return changed
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// UpdateItem replaces an item's editable fields. The update's Version must
// equal the stored version.
func (s *CatalogStore) UpdateItem(ctx context.Context, id int64, u model.ItemUpdate, actor int64) (*model.Item, error) {
	var item *model.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := requireItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if !it.Status.Editable() {
			return fmt.Errorf("%w: cannot edit item in status %s", workflow.ErrInvalidTransition, it.Status)
		}
		if u.Version != it.Version {
			return fmt.Errorf("item %d at version %d, got %d: %w", id, it.Version, u.Version, workflow.ErrConflict)
		}
		n := u.NewItem
		if err := validateItem(ctx, tx, &n); err != nil {
			return err
		}

		now := s.timestamp()
		result, err := tx.ExecContext(ctx,
			`UPDATE items SET name = ?, description = ?, category = ?, star_cost = ?, financial_estimate = ?, image = ?,
			        quantity = ?, requires_approval = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			n.Name, n.Description, n.Category, n.StarCost, n.FinancialEstimate, n.Image,
			nullInt(n.Quantity), boolInt(n.RequiresApproval), now, id, u.Version,
		)
		if err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return fmt.Errorf("item %d: %w", id, workflow.ErrConflict)
		}
		if err := replaceManagers(ctx, tx, id, n.ManagerIDs); err != nil {
			return err
		}

		detail := "no changes"
		if changed := changedFields(it, n); len(changed) > 0 {
			detail = "changed: " + strings.Join(changed, ", ")
		}
		if err := appendAudit(ctx, tx, model.AuditEntry{
			ItemID:    id,
			Action:    model.AuditItemUpdated,
			Actor:     actor,
			Timestamp: now,
			Detail:    detail,
		}); err != nil {
			return err
		}

		item, err = getItem(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// transition moves it along trigger, guarding on the status it was read in,
// and appends the matching audit entry. it is updated in place.
func (s *CatalogStore) transition(ctx context.Context, tx *sql.Tx, it *model.Item, trigger workflow.Trigger, actor int64, detail string) error {
	from := it.Status
	to, err := workflow.Next(from, trigger)
	if err != nil {
		return err
	}

	now := s.timestamp()
	result, err := tx.ExecContext(ctx,
		`UPDATE items SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, it.ID, from,
	)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("item %d: %w", it.ID, workflow.ErrConflict)
	}

	if err := appendAudit(ctx, tx, model.AuditEntry{
		ItemID:     it.ID,
		Action:     workflow.Action(trigger),
		Actor:      actor,
		Timestamp:  now,
		FromStatus: &from,
		ToStatus:   &to,
		Detail:     detail,
	}); err != nil {
		return err
	}

	it.Status = to
	it.Version++
	it.UpdatedAt = now
	return nil
}

// RequestApproval submits a draft item for review. Items that do not require
// approval are approved by the requester in the same transaction.
func (s *CatalogStore) RequestApproval(ctx context.Context, itemID, actor int64, financialImpact decimal.Decimal) (*model.ApprovalRequest, error) {
	if financialImpact.IsNegative() {
		return nil, fmt.Errorf("%w: financial impact must not be negative", workflow.ErrInvalidInput)
	}

	var req *model.ApprovalRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := requireItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, tx, it, workflow.TriggerSubmit, actor, ""); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO approval_requests (item_id, requested_by, requested_at, financial_impact, status) VALUES (?, ?, ?, ?, ?)`,
			itemID, actor, it.UpdatedAt, financialImpact, model.ApprovalStatusPending,
		)
		if err != nil {
			return fmt.Errorf("insert approval request: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		if !it.RequiresApproval {
			if err := s.review(ctx, tx, id, actor, "approved automatically", workflow.TriggerApprove); err != nil {
				return err
			}
		}

		req, err = getApproval(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Approve accepts a pending request and moves its item to created.
func (s *CatalogStore) Approve(ctx context.Context, requestID, actor int64, note string) (*model.ApprovalRequest, error) {
	return s.decide(ctx, requestID, actor, note, workflow.TriggerApprove)
}

// Reject declines a pending request and returns its item to draft. A note is
// required.
func (s *CatalogStore) Reject(ctx context.Context, requestID, actor int64, note string) (*model.ApprovalRequest, error) {
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("%w: a rejection note is required", workflow.ErrInvalidInput)
	}
	return s.decide(ctx, requestID, actor, note, workflow.TriggerReject)
}

func (s *CatalogStore) decide(ctx context.Context, requestID, actor int64, note string, trigger workflow.Trigger) (*model.ApprovalRequest, error) {
	var req *model.ApprovalRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.review(ctx, tx, requestID, actor, strings.TrimSpace(note), trigger); err != nil {
			return err
		}
		var err error
		req, err = getApproval(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *CatalogStore) review(ctx context.Context, tx *sql.Tx, requestID, actor int64, note string, trigger workflow.Trigger) error {
	req, err := getApproval(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("approval request %d: %w", requestID, workflow.ErrNotFound)
	}
	if req.Status != model.ApprovalStatusPending {
		return fmt.Errorf("approval request %d is %s: %w", requestID, req.Status, workflow.ErrRequestNotPending)
	}

	status := model.ApprovalStatusApproved
	if trigger == workflow.TriggerReject {
		status = model.ApprovalStatusRejected
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, reviewed_by = ?, reviewed_at = ?, note = ? WHERE id = ? AND status = ?`,
		status, actor, s.timestamp(), note, requestID, model.ApprovalStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("approval request %d: %w", requestID, workflow.ErrRequestNotPending)
	}

	it, err := requireItem(ctx, tx, req.ItemID)
	if err != nil {
		return err
	}
	return s.transition(ctx, tx, it, trigger, actor, note)
}

// Activate publishes a created or inactive item to the store.
func (s *CatalogStore) Activate(ctx context.Context, itemID, actor int64) (*model.Item, error) {
	return s.fire(ctx, itemID, actor, workflow.TriggerActivate)
}

// Deactivate withdraws an active item from the store.
func (s *CatalogStore) Deactivate(ctx context.Context, itemID, actor int64) (*model.Item, error) {
	return s.fire(ctx, itemID, actor, workflow.TriggerDeactivate)
}

func (s *CatalogStore) fire(ctx context.Context, itemID, actor int64, trigger workflow.Trigger) (*model.Item, error) {
	var item *model.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := requireItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, tx, it, trigger, actor, ""); err != nil {
			return err
		}
		item = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes an item and rejects any pending approval request for it.
// It reports false when the item does not exist.
func (s *CatalogStore) Delete(ctx context.Context, itemID, actor int64) (bool, error) {
	deleted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if it == nil {
			return nil
		}

		now := s.timestamp()
		_, err = tx.ExecContext(ctx,
			`UPDATE approval_requests SET status = ?, reviewed_by = ?, reviewed_at = ?, note = ? WHERE item_id = ? AND status = ?`,
			model.ApprovalStatusRejected, actor, now, "item deleted", itemID, model.ApprovalStatusPending,
		)
		if err != nil {
			return fmt.Errorf("reject pending approvals: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, itemID); err != nil {
			return fmt.Errorf("delete item: %w", err)
		}

		from := it.Status
		if err := appendAudit(ctx, tx, model.AuditEntry{
			ItemID:     itemID,
			Action:     model.AuditItemDeleted,
			Actor:      actor,
			Timestamp:  now,
			FromStatus: &from,
			Detail:     it.Name,
		}); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// redeemer describes the user on whose behalf a redemption runs.
type redeemer struct {
	role   model.Role
	teamID *int64
}

func loadRedeemer(ctx context.Context, q queryer, userID int64, teamID *int64) (*redeemer, error) {
	var r redeemer
	var userTeam sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT role, team_id FROM users WHERE id = ?`, userID).Scan(&r.role, &userTeam)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", userID, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get redeemer: %w", err)
	}
	r.teamID = teamID
	if r.teamID == nil && userTeam.Valid {
		r.teamID = &userTeam.Int64
	}
	return &r, nil
}

// inScope reports whether a scoped item is offered to the user. Admins see
// everything, managers see items naming them, everyone else sees items
// naming their team's manager.
func inScope(ctx context.Context, q queryer, it *model.Item, userID int64, r *redeemer) (bool, error) {
	if len(it.ManagerIDs) == 0 || r.role == model.RoleAdmin {
		return true, nil
	}
	if r.role == model.RoleManager && it.VisibleTo(userID) {
		return true, nil
	}
	if r.teamID == nil {
		return false, nil
	}
	var managerID sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT manager_id FROM teams WHERE id = ?`, *r.teamID).Scan(&managerID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get team manager: %w", err)
	}
	return managerID.Valid && it.VisibleTo(managerID.Int64), nil
}

func generateCouponCode() (string, error) {
	b := make([]byte, couponCodeLength)
	limit := big.NewInt(int64(len(couponCodeCharset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate coupon code: %w", err)
		}
		b[i] = couponCodeCharset[n.Int64()]
	}
	return string(b), nil
}

func uniqueCouponCode(ctx context.Context, q queryer) (string, error) {
	for range couponCodeAttempts {
		code, err := generateCouponCode()
		if err != nil {
			return "", err
		}
		var exists int
		err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupons WHERE code = ?`, code).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check coupon code: %w", err)
		}
		if exists == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("no unique coupon code after %d attempts", couponCodeAttempts)
}

// Redeem spends the user's stars on one unit of an item and issues a coupon.
// The coupon exists if and only if the stock decrement succeeded.
func (s *CatalogStore) Redeem(ctx context.Context, req model.RedeemRequest) (*model.Coupon, error) {
	var coupon *model.Coupon
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := requireItem(ctx, tx, req.ItemID)
		if err != nil {
			return err
		}
		if it.Status != model.ItemStatusActive {
			return fmt.Errorf("item %d is %s: %w", it.ID, it.Status, workflow.ErrNotActive)
		}

		r, err := loadRedeemer(ctx, tx, req.UserID, req.TeamID)
		if err != nil {
			return err
		}
		ok, err := inScope(ctx, tx, it, req.UserID, r)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("item %d: %w", it.ID, workflow.ErrOutOfScope)
		}

		if it.SoldOut() {
			return fmt.Errorf("item %d: %w", it.ID, workflow.ErrSoldOut)
		}

		// A supplied balance belongs to the caller, so the ledger is not
		// debited for it.
		var balance int
		if req.Balance != nil {
			balance = *req.Balance
		} else if balance, err = starBalance(ctx, tx, req.UserID); err != nil {
			return err
		}
		if balance < it.StarCost {
			return fmt.Errorf("balance %d below cost %d: %w", balance, it.StarCost, workflow.ErrInsufficientBalance)
		}

		now := s.timestamp()
		result, err := tx.ExecContext(ctx,
			`UPDATE items
			 SET quantity = CASE WHEN quantity IS NULL THEN NULL ELSE quantity - 1 END,
			     redeemed_count = redeemed_count + 1, version = version + 1, updated_at = ?
			 WHERE id = ? AND status = ? AND (quantity IS NULL OR quantity > 0)`,
			now, it.ID, model.ItemStatusActive,
		)
		if err != nil {
			return fmt.Errorf("decrement item quantity: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return fmt.Errorf("item %d: %w", it.ID, workflow.ErrSoldOut)
		}

		code, err := uniqueCouponCode(ctx, tx)
		if err != nil {
			return err
		}
		c := &model.Coupon{
			ID:         uuid.NewString(),
			ItemID:     it.ID,
			ItemName:   it.Name,
			UserID:     req.UserID,
			TeamID:     r.teamID,
			Code:       code,
			StarsSpent: it.StarCost,
			RedeemedAt: now,
			Status:     model.CouponStatusIssued,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO coupons (id, item_id, item_name, user_id, team_id, code, stars_spent, redeemed_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ItemID, c.ItemName, c.UserID, nullInt64(c.TeamID), c.Code, c.StarsSpent, c.RedeemedAt, c.Status,
		)
		if err != nil {
			return fmt.Errorf("insert coupon: %w", err)
		}

		if it.StarCost > 0 && req.Balance == nil {
			if _, err := insertStarTransaction(ctx, tx, req.UserID, -it.StarCost, "redeemed "+it.Name, &c.ID, nil); err != nil {
				return err
			}
		}

		if err := appendAudit(ctx, tx, model.AuditEntry{
			ItemID:    it.ID,
			Action:    model.AuditItemRedeemed,
			Actor:     req.UserID,
			Timestamp: now,
			Detail:    fmt.Sprintf("coupon %s for user %d", c.Code, c.UserID),
		}); err != nil {
			return err
		}

		coupon = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

func requireIssuedCoupon(ctx context.Context, q queryer, id string) (*model.Coupon, error) {
	c, err := getCoupon(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("coupon %s: %w", id, workflow.ErrNotFound)
	}
	if c.Status != model.CouponStatusIssued {
		return nil, fmt.Errorf("coupon %s is %s: %w", id, c.Status, workflow.ErrCouponNotIssued)
	}
	return c, nil
}

// UseCoupon marks an issued coupon as handed over.
func (s *CatalogStore) UseCoupon(ctx context.Context, couponID string, actor int64) (*model.Coupon, error) {
	var coupon *model.Coupon
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := requireIssuedCoupon(ctx, tx, couponID)
		if err != nil {
			return err
		}
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE coupons SET status = ?, used_at = ? WHERE id = ? AND status = ?`,
			model.CouponStatusUsed, now, c.ID, model.CouponStatusIssued,
		); err != nil {
			return fmt.Errorf("use coupon: %w", err)
		}
		if err := appendAudit(ctx, tx, model.AuditEntry{
			ItemID:    c.ItemID,
			Action:    model.AuditCouponUsed,
			Actor:     actor,
			Timestamp: now,
			Detail:    "coupon " + c.Code,
		}); err != nil {
			return err
		}
		c.Status = model.CouponStatusUsed
		c.UsedAt = &now
		coupon = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

// CancelCoupon voids an issued coupon, refunds whatever the ledger was
// debited for it, and returns the unit to stock when the item still exists.
func (s *CatalogStore) CancelCoupon(ctx context.Context, couponID string, actor int64, reason string) (*model.Coupon, error) {
	var coupon *model.Coupon
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := requireIssuedCoupon(ctx, tx, couponID)
		if err != nil {
			return err
		}
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx,
			`UPDATE coupons SET status = ?, cancelled_at = ? WHERE id = ? AND status = ?`,
			model.CouponStatusCancelled, now, c.ID, model.CouponStatusIssued,
		); err != nil {
			return fmt.Errorf("cancel coupon: %w", err)
		}

		var debited int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(-SUM(amount), 0) FROM star_ledger WHERE coupon_id = ?`, c.ID,
		).Scan(&debited); err != nil {
			return fmt.Errorf("sum coupon debit: %w", err)
		}
		if debited > 0 {
			if _, err := insertStarTransaction(ctx, tx, c.UserID, debited, "refund "+c.ItemName, &c.ID, &actor); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE items
			 SET quantity = CASE WHEN quantity IS NULL THEN NULL ELSE quantity + 1 END,
			     redeemed_count = MAX(redeemed_count - 1, 0), version = version + 1, updated_at = ?
			 WHERE id = ?`,
			now, c.ItemID,
		); err != nil {
			return fmt.Errorf("restore item quantity: %w", err)
		}

		detail := "coupon " + c.Code
		if reason = strings.TrimSpace(reason); reason != "" {
			detail += ": " + reason
		}
		if err := appendAudit(ctx, tx, model.AuditEntry{
			ItemID:    c.ItemID,
			Action:    model.AuditCouponCancelled,
			Actor:     actor,
			Timestamp: now,
			Detail:    detail,
		}); err != nil {
			return err
		}
		c.Status = model.CouponStatusCancelled
		c.CancelledAt = &now
		coupon = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

// ListVisibleItems returns the active items offered to a user: every item for
// admins, otherwise items with no scope or a scope naming the user's manager.
func (s *CatalogStore) ListVisibleItems(ctx context.Context, userID int64) ([]model.Item, error) {
	r, err := loadRedeemer(ctx, s.db, userID, nil)
	if err != nil {
		return nil, err
	}
	items, err := listItems(ctx, s.db, `WHERE status = ? ORDER BY star_cost ASC, name ASC`, model.ItemStatusActive)
	if err != nil {
		return nil, err
	}

	visible := items[:0]
	for i := range items {
		ok, err := inScope(ctx, s.db, &items[i], userID, r)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, items[i])
		}
	}
	return visible, nil
}

// CanSee reports whether userID may view an item outside the admin panel:
// it must be published and within the user's manager scope.
func (s *CatalogStore) CanSee(ctx context.Context, it *model.Item, userID int64) (bool, error) {
	if it.Status != model.ItemStatusActive && it.Status != model.ItemStatusInactive {
		return false, nil
	}
	r, err := loadRedeemer(ctx, s.db, userID, nil)
	if err != nil {
		return false, err
	}
	return inScope(ctx, s.db, it, userID, r)
}

// ScopeAudience lists the non-staff users a scoped item is offered to: the
// listed managers and the members of their teams. Admins and approvers are
// left out.
func (s *CatalogStore) ScopeAudience(ctx context.Context, it *model.Item) ([]int64, error) {
	if len(it.ManagerIDs) == 0 {
		return nil, nil
	}
	args := []any{model.RoleAdmin, model.RoleApprover, model.RoleManager}
	for _, id := range it.ManagerIDs {
		args = append(args, id)
	}
	for _, id := range it.ManagerIDs {
		args = append(args, id)
	}
	in := placeholders(len(it.ManagerIDs))
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users
		 WHERE role NOT IN (?, ?)
		   AND ((role = ? AND id IN (`+in+`))
		     OR team_id IN (SELECT id FROM teams WHERE manager_id IN (`+in+`)))
		 ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list scope audience: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scope audience: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
