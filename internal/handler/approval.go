package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/starstore/internal/auth"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/model"
)

type ApprovalHandler struct {
	svc    *catalog.Service
	logger *slog.Logger
}

func NewApprovalHandler(svc *catalog.Service, logger *slog.Logger) *ApprovalHandler {
	return &ApprovalHandler{svc: svc, logger: logger}
}

// List returns approval requests with the given ?status=, pending by default.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.ApprovalStatusPending
	}
	if !status.IsValid() {
		badRequest(w, "status must be pending, approved or rejected")
		return
	}
	reqs, err := h.svc.ListApprovals(r.Context(), status)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list approvals")
		return
	}
	if reqs == nil {
		reqs = []model.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	req, err := h.svc.GetApproval(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get approval")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "not_found", "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type reviewRequest struct {
	Note string `json:"note"`
}

func (h *ApprovalHandler) decodeReview(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return 0, "", false
	}
	var body reviewRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			badRequest(w, "invalid JSON")
			return 0, "", false
		}
	}
	return id, strings.TrimSpace(body.Note), true
}

func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, note, ok := h.decodeReview(w, r)
	if !ok {
		return
	}
	req, err := h.svc.Approve(r.Context(), id, auth.UserID(r.Context()), note)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "approve request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, note, ok := h.decodeReview(w, r)
	if !ok {
		return
	}
	if note == "" {
		badRequest(w, "note is required when rejecting")
		return
	}
	req, err := h.svc.Reject(r.Context(), id, auth.UserID(r.Context()), note)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "reject request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}
