package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/starstore/internal/auth"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/store"
	"github.com/dukerupert/starstore/internal/workflow"
)

const (
	visibilityAll      = "all"
	visibilityManagers = "managers"
)

type ItemHandler struct {
	svc    *catalog.Service
	logger *slog.Logger
}

func NewItemHandler(svc *catalog.Service, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{svc: svc, logger: logger}
}

type itemRequest struct {
	Name              string           `json:"name"`
	Description       string           `json:"description"`
	Category          string           `json:"category"`
	StarCost          *int             `json:"star_cost"`
	FinancialEstimate *decimal.Decimal `json:"financial_estimate"`
	Image             string           `json:"image"`
	Quantity          *int             `json:"quantity"`
	Visibility        string           `json:"visibility"`
	ManagerIDs        []int64          `json:"manager_ids"`
	RequiresApproval  *bool            `json:"requires_approval"`
	Version           *int             `json:"version"`
}

// toNewItem validates the request and returns the item fields, or a message
// describing the first invalid field.
func (req *itemRequest) toNewItem() (model.NewItem, string) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return model.NewItem{}, "name is required"
	}
	if req.StarCost == nil {
		return model.NewItem{}, "star_cost is required"
	}
	if *req.StarCost < 0 {
		return model.NewItem{}, "star_cost must be >= 0"
	}
	if req.Quantity != nil && *req.Quantity < 0 {
		return model.NewItem{}, "quantity must be >= 0 or null for unlimited"
	}
	estimate := decimal.Zero
	if req.FinancialEstimate != nil {
		estimate = *req.FinancialEstimate
	}
	if estimate.IsNegative() {
		return model.NewItem{}, "financial_estimate must be >= 0"
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = visibilityAll
		if len(req.ManagerIDs) > 0 {
			visibility = visibilityManagers
		}
	}
	switch visibility {
	case visibilityAll:
		if len(req.ManagerIDs) > 0 {
			return model.NewItem{}, `manager_ids must be empty when visibility is "all"`
		}
	case visibilityManagers:
		if len(req.ManagerIDs) == 0 {
			return model.NewItem{}, `visibility "managers" requires at least one manager id`
		}
	default:
		return model.NewItem{}, `visibility must be "all" or "managers"`
	}

	requiresApproval := true
	if req.RequiresApproval != nil {
		requiresApproval = *req.RequiresApproval
	}

	return model.NewItem{
		Name:              name,
		Description:       strings.TrimSpace(req.Description),
		Category:          strings.TrimSpace(req.Category),
		StarCost:          *req.StarCost,
		FinancialEstimate: estimate,
		Image:             strings.TrimSpace(req.Image),
		Quantity:          req.Quantity,
		ManagerIDs:        req.ManagerIDs,
		RequiresApproval:  requiresApproval,
	}, ""
}

// List returns every item, optionally filtered by ?status= and ?category=.
func (h *ItemHandler) List(w http.ResponseWriter, r *http.Request) {
	f := store.ItemFilter{
		Status:   model.ItemStatus(r.URL.Query().Get("status")),
		Category: r.URL.Query().Get("category"),
	}
	if f.Status != "" && !f.Status.IsValid() {
		badRequest(w, "invalid status")
		return
	}
	items, err := h.svc.ListItems(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list items")
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ItemHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	n, msg := req.toNewItem()
	if msg != "" {
		badRequest(w, msg)
		return
	}

	it, err := h.svc.CreateItem(r.Context(), n, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create item")
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

// itemDetail is the staff view of an item: the lifecycle actions that may be
// taken from its current status and how many live coupons it has issued.
type itemDetail struct {
	*model.Item
	AllowedActions []workflow.Trigger `json:"allowed_actions"`
	CouponCount    int                `json:"coupon_count"`
}

// Get returns an item. Staff see every status along with its allowed actions;
// everyone else sees only published items within their manager scope.
func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	ctx := r.Context()
	if !auth.HasRole(ctx, model.RoleAdmin, model.RoleApprover) {
		it, err := h.svc.GetVisibleItem(ctx, id, auth.UserID(ctx))
		if err != nil {
			writeServiceError(w, r, h.logger, err, "get item")
			return
		}
		if it == nil {
			writeError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		writeJSON(w, http.StatusOK, it)
		return
	}

	it, err := h.svc.GetItem(ctx, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get item")
		return
	}
	if it == nil {
		writeError(w, http.StatusNotFound, "not_found", "item not found")
		return
	}
	coupons, err := h.svc.CountCoupons(ctx, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get item")
		return
	}
	actions := workflow.PermittedTriggers(it.Status)
	if actions == nil {
		actions = []workflow.Trigger{}
	}
	writeJSON(w, http.StatusOK, itemDetail{Item: it, AllowedActions: actions, CouponCount: coupons})
}

func (h *ItemHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req itemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.Version == nil {
		badRequest(w, "version is required")
		return
	}
	n, msg := req.toNewItem()
	if msg != "" {
		badRequest(w, msg)
		return
	}

	it, err := h.svc.UpdateItem(r.Context(), id, model.ItemUpdate{NewItem: n, Version: *req.Version}, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "update item")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *ItemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	deleted, err := h.svc.Delete(r.Context(), id, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "delete item")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "item not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approvalRequestBody struct {
	FinancialImpact *decimal.Decimal `json:"financial_impact"`
}

// RequestApproval submits a draft item for review. The financial impact
// defaults to the item's estimate.
func (h *ItemHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var body approvalRequestBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			badRequest(w, "invalid JSON")
			return
		}
	}

	impact := decimal.Zero
	if body.FinancialImpact != nil {
		impact = *body.FinancialImpact
	} else {
		it, err := h.svc.GetItem(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, h.logger, err, "request approval")
			return
		}
		if it == nil {
			writeError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		impact = it.FinancialEstimate
	}
	if impact.IsNegative() {
		badRequest(w, "financial_impact must be >= 0")
		return
	}

	req, err := h.svc.RequestApproval(r.Context(), id, auth.UserID(r.Context()), impact)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "request approval")
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *ItemHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	reqs, err := h.svc.ListItemApprovals(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list approvals")
		return
	}
	if reqs == nil {
		reqs = []model.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *ItemHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Activate, "activate item")
}

func (h *ItemHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Deactivate, "deactivate item")
}

func (h *ItemHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, itemID, actor int64) (*model.Item, error), what string) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	it, err := fn(r.Context(), id, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, what)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// Store lists the active items the caller may redeem.
func (h *ItemHandler) Store(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListVisibleItems(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list store items")
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ItemHandler) Categories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.svc.Categories(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list categories")
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, cats)
}

// Redeem spends the caller's stars on one unit of an item. The balance is
// read from the star ledger.
func (h *ItemHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	ac, _ := auth.FromContext(r.Context())
	coupon, err := h.svc.Redeem(r.Context(), model.RedeemRequest{
		ItemID: id,
		UserID: ac.UserID,
		TeamID: ac.TeamID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err, "redeem item")
		return
	}
	writeJSON(w, http.StatusCreated, coupon)
}
