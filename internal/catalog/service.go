// Package catalog runs the reward catalog workflow: item lifecycle, approval,
// redemption, and the notifications that follow each committed change.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/store"
	"github.com/dukerupert/starstore/internal/websocket"
	"github.com/dukerupert/starstore/internal/workflow"
)

// Broadcaster pushes real-time change events to connected clients.
type Broadcaster interface {
	BroadcastTo(msg websocket.Message, roles ...model.Role)
	SendToUser(userID int64, msg websocket.Message)
}

// Notifier sends e-mail about workflow events.
type Notifier interface {
	SendApprovalRequested(ctx context.Context, to []string, itemName string, requestID int64, impact decimal.Decimal) error
	SendApprovalDecision(ctx context.Context, to, itemName string, approved bool, note string) error
	SendCouponIssued(ctx context.Context, to, itemName, code string) error
}

var staffRoles = []model.Role{model.RoleAdmin, model.RoleApprover}

type Service struct {
	catalog   *store.CatalogStore
	items     *store.ItemStore
	approvals *store.ApprovalStore
	audit     *store.AuditStore
	coupons   *store.CouponStore
	users     *store.UserStore

	hub            Broadcaster
	mailer         Notifier
	approverEmails []string
	logger         *slog.Logger
}

type Option func(*Service)

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.hub = b }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.mailer = n }
}

// WithApproverEmails fixes the recipients of approval requests. Without it,
// every user with the approver role is notified.
func WithApproverEmails(emails []string) Option {
	return func(s *Service) { s.approverEmails = emails }
}

func NewService(db *sql.DB, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		catalog:   store.NewCatalogStore(db),
		items:     store.NewItemStore(db),
		approvals: store.NewApprovalStore(db),
		audit:     store.NewAuditStore(db),
		coupons:   store.NewCouponStore(db),
		users:     store.NewUserStore(db),
		logger:    logger.With("component", "catalog"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) broadcast(msg websocket.Message, roles ...model.Role) {
	if s.hub != nil {
		s.hub.BroadcastTo(msg, roles...)
	}
}

func itemMessage(action string, it *model.Item) websocket.Message {
	extra := map[string]any{
		"status":         it.Status,
		"redeemed_count": it.RedeemedCount,
	}
	if it.Quantity != nil {
		extra["quantity"] = *it.Quantity
	}
	return websocket.NewMessage("item", action, it.ID, extra)
}

// publishItem announces an item change. Drafts and items under review reach
// staff only. Published items reach everyone, unless they carry a manager
// scope, in which case only staff and the users in scope hear about them.
func (s *Service) publishItem(ctx context.Context, action string, it *model.Item) {
	s.publishScoped(ctx, itemMessage(action, it), it)
}

func (s *Service) publishScoped(ctx context.Context, msg websocket.Message, it *model.Item) {
	if s.hub == nil {
		return
	}
	published := it.Status == model.ItemStatusActive || it.Status == model.ItemStatusInactive
	if published && len(it.ManagerIDs) == 0 {
		s.hub.BroadcastTo(msg)
		return
	}
	s.hub.BroadcastTo(msg, staffRoles...)
	if !published {
		return
	}
	audience, err := s.catalog.ScopeAudience(ctx, it)
	if err != nil {
		s.logger.Warn("list scope audience", "item_id", it.ID, "error", err)
		return
	}
	for _, id := range audience {
		s.hub.SendToUser(id, msg)
	}
}

func (s *Service) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	return s.items.GetByID(ctx, id)
}

// GetVisibleItem returns an item as the store front shows it to userID, or
// nil when the item is missing, unpublished or outside the user's scope.
func (s *Service) GetVisibleItem(ctx context.Context, id, userID int64) (*model.Item, error) {
	it, err := s.items.GetByID(ctx, id)
	if err != nil || it == nil {
		return nil, err
	}
	ok, err := s.catalog.CanSee(ctx, it, userID)
	if err != nil || !ok {
		return nil, err
	}
	return it, nil
}

func (s *Service) ListItems(ctx context.Context, f store.ItemFilter) ([]model.Item, error) {
	return s.items.List(ctx, f)
}

// ListVisibleItems returns the store front for a user.
func (s *Service) ListVisibleItems(ctx context.Context, userID int64) ([]model.Item, error) {
	return s.catalog.ListVisibleItems(ctx, userID)
}

func (s *Service) Categories(ctx context.Context) ([]string, error) {
	return s.items.Categories(ctx)
}

func (s *Service) ListApprovals(ctx context.Context, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	return s.approvals.List(ctx, status)
}

func (s *Service) GetApproval(ctx context.Context, id int64) (*model.ApprovalRequest, error) {
	return s.approvals.GetByID(ctx, id)
}

func (s *Service) ListItemApprovals(ctx context.Context, itemID int64) ([]model.ApprovalRequest, error) {
	return s.approvals.ListByItem(ctx, itemID)
}

func (s *Service) ListAudit(ctx context.Context, f store.AuditFilter) ([]model.AuditEntry, error) {
	return s.audit.List(ctx, f)
}

// ListCoupons lists one user's coupons, or every coupon when userID is nil.
func (s *Service) ListCoupons(ctx context.Context, userID *int64) ([]model.Coupon, error) {
	return s.coupons.List(ctx, userID)
}

func (s *Service) GetCoupon(ctx context.Context, id string) (*model.Coupon, error) {
	return s.coupons.GetByID(ctx, id)
}

// CountCoupons returns how many coupons for an item are issued or used.
func (s *Service) CountCoupons(ctx context.Context, itemID int64) (int, error) {
	return s.coupons.CountByItem(ctx, itemID)
}

func (s *Service) CreateItem(ctx context.Context, n model.NewItem, actor int64) (*model.Item, error) {
	it, err := s.catalog.CreateItem(ctx, n, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("item created", "item_id", it.ID, "name", it.Name, "actor", actor)
	s.publishItem(ctx, "created", it)
	return it, nil
}

func (s *Service) UpdateItem(ctx context.Context, id int64, u model.ItemUpdate, actor int64) (*model.Item, error) {
	it, err := s.catalog.UpdateItem(ctx, id, u, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("item updated", "item_id", it.ID, "version", it.Version, "actor", actor)
	s.publishItem(ctx, "updated", it)
	return it, nil
}

func (s *Service) RequestApproval(ctx context.Context, itemID, actor int64, financialImpact decimal.Decimal) (*model.ApprovalRequest, error) {
	req, err := s.catalog.RequestApproval(ctx, itemID, actor, financialImpact)
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval requested", "item_id", itemID, "request_id", req.ID, "status", req.Status, "actor", actor)

	if req.Status != model.ApprovalStatusPending {
		s.publishApproval("approved", req)
		return req, nil
	}
	s.publishApproval("requested", req)
	s.notifyApprovers(ctx, req)
	return req, nil
}

func (s *Service) Approve(ctx context.Context, requestID, actor int64, note string) (*model.ApprovalRequest, error) {
	req, err := s.catalog.Approve(ctx, requestID, actor, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval granted", "request_id", req.ID, "item_id", req.ItemID, "actor", actor)
	s.publishApproval("approved", req)
	s.notifyRequester(ctx, req, true)
	return req, nil
}

func (s *Service) Reject(ctx context.Context, requestID, actor int64, note string) (*model.ApprovalRequest, error) {
	req, err := s.catalog.Reject(ctx, requestID, actor, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval rejected", "request_id", req.ID, "item_id", req.ItemID, "actor", actor)
	s.publishApproval("rejected", req)
	s.notifyRequester(ctx, req, false)
	return req, nil
}

func (s *Service) publishApproval(action string, req *model.ApprovalRequest) {
	s.broadcast(websocket.NewMessage("approval", action, req.ID, map[string]any{
		"item_id": req.ItemID,
		"status":  req.Status,
	}), staffRoles...)
}

func (s *Service) Activate(ctx context.Context, itemID, actor int64) (*model.Item, error) {
	it, err := s.catalog.Activate(ctx, itemID, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("item activated", "item_id", it.ID, "actor", actor)
	s.publishItem(ctx, "activated", it)
	return it, nil
}

func (s *Service) Deactivate(ctx context.Context, itemID, actor int64) (*model.Item, error) {
	it, err := s.catalog.Deactivate(ctx, itemID, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("item deactivated", "item_id", it.ID, "actor", actor)
	s.publishItem(ctx, "deactivated", it)
	return it, nil
}

// Delete removes an item. It reports false when the item does not exist.
func (s *Service) Delete(ctx context.Context, itemID, actor int64) (bool, error) {
	it, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return false, err
	}
	deleted, err := s.catalog.Delete(ctx, itemID, actor)
	if err != nil || !deleted {
		return deleted, err
	}
	s.logger.Info("item deleted", "item_id", itemID, "actor", actor)
	msg := websocket.NewMessage("item", "deleted", itemID, nil)
	if it == nil {
		s.broadcast(msg, staffRoles...)
		return true, nil
	}
	s.publishScoped(ctx, msg, it)
	return true, nil
}

func (s *Service) Redeem(ctx context.Context, req model.RedeemRequest) (*model.Coupon, error) {
	coupon, err := s.catalog.Redeem(ctx, req)
	if err != nil {
		if code := workflow.Code(err); code != "" {
			s.logger.Debug("redeem refused", "item_id", req.ItemID, "user_id", req.UserID, "reason", code)
		}
		return nil, err
	}
	s.logger.Info("item redeemed", "item_id", coupon.ItemID, "user_id", coupon.UserID, "coupon_id", coupon.ID)

	if it, err := s.items.GetByID(ctx, coupon.ItemID); err != nil {
		s.logger.Warn("reload redeemed item", "item_id", coupon.ItemID, "error", err)
	} else if it != nil {
		s.publishItem(ctx, "redeemed", it)
	}
	if s.hub != nil {
		s.hub.SendToUser(coupon.UserID, websocket.NewMessage("coupon", "issued", 0, map[string]any{
			"coupon_id": coupon.ID,
			"code":      coupon.Code,
		}))
	}
	s.notifyCoupon(ctx, coupon)
	return coupon, nil
}

func (s *Service) UseCoupon(ctx context.Context, couponID string, actor int64) (*model.Coupon, error) {
	c, err := s.catalog.UseCoupon(ctx, couponID, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("coupon used", "coupon_id", c.ID, "actor", actor)
	s.publishCoupon("used", c)
	return c, nil
}

// UseCouponByCode marks the coupon carrying code as used. Codes are what
// employees present at the counter, so this is how most coupons are redeemed.
func (s *Service) UseCouponByCode(ctx context.Context, code string, actor int64) (*model.Coupon, error) {
	c, err := s.coupons.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("coupon code %q: %w", code, workflow.ErrNotFound)
	}
	return s.UseCoupon(ctx, c.ID, actor)
}

func (s *Service) CancelCoupon(ctx context.Context, couponID string, actor int64, reason string) (*model.Coupon, error) {
	c, err := s.catalog.CancelCoupon(ctx, couponID, actor, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("coupon cancelled", "coupon_id", c.ID, "actor", actor)
	s.publishCoupon("cancelled", c)
	if it, err := s.items.GetByID(ctx, c.ItemID); err == nil && it != nil {
		s.publishItem(ctx, "restocked", it)
	}
	return c, nil
}

func (s *Service) publishCoupon(action string, c *model.Coupon) {
	msg := websocket.NewMessage("coupon", action, 0, map[string]any{
		"coupon_id": c.ID,
		"item_id":   c.ItemID,
		"status":    c.Status,
	})
	s.broadcast(msg, model.RoleAdmin)
	if s.hub != nil {
		s.hub.SendToUser(c.UserID, msg)
	}
}

func (s *Service) approverRecipients() ([]string, error) {
	if len(s.approverEmails) > 0 {
		return s.approverEmails, nil
	}
	users, err := s.users.List()
	if err != nil {
		return nil, err
	}
	var to []string
	for _, u := range users {
		if u.Role == model.RoleApprover {
			to = append(to, u.Email)
		}
	}
	return to, nil
}

func (s *Service) notifyApprovers(ctx context.Context, req *model.ApprovalRequest) {
	if s.mailer == nil {
		return
	}
	it, err := s.items.GetByID(ctx, req.ItemID)
	if err != nil || it == nil {
		s.logger.Warn("load item for approval e-mail", "item_id", req.ItemID, "error", err)
		return
	}
	to, err := s.approverRecipients()
	if err != nil {
		s.logger.Warn("list approvers", "error", err)
		return
	}
	if err := s.mailer.SendApprovalRequested(ctx, to, it.Name, req.ID, req.FinancialImpact); err != nil {
		s.logger.Error("send approval request e-mail", "request_id", req.ID, "error", err)
	}
}

func (s *Service) notifyRequester(ctx context.Context, req *model.ApprovalRequest, approved bool) {
	if s.mailer == nil {
		return
	}
	u, err := s.users.GetByID(req.RequestedBy)
	if err != nil || u == nil {
		s.logger.Warn("load requester", "user_id", req.RequestedBy, "error", err)
		return
	}
	it, err := s.items.GetByID(ctx, req.ItemID)
	if err != nil || it == nil {
		s.logger.Warn("load item for decision e-mail", "item_id", req.ItemID, "error", err)
		return
	}
	if err := s.mailer.SendApprovalDecision(ctx, u.Email, it.Name, approved, req.Note); err != nil {
		s.logger.Error("send approval decision e-mail", "request_id", req.ID, "error", err)
	}
}

func (s *Service) notifyCoupon(ctx context.Context, c *model.Coupon) {
	if s.mailer == nil {
		return
	}
	u, err := s.users.GetByID(c.UserID)
	if err != nil || u == nil {
		s.logger.Warn("load coupon owner", "user_id", c.UserID, "error", err)
		return
	}
	if err := s.mailer.SendCouponIssued(ctx, u.Email, c.ItemName, c.Code); err != nil {
		s.logger.Error("send coupon e-mail", "coupon_id", c.ID, "error", err)
	}
}
