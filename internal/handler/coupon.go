package handler

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/starstore/internal/auth"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/export"
	"github.com/dukerupert/starstore/internal/model"
)

type CouponHandler struct {
	svc    *catalog.Service
	logger *slog.Logger
}

func NewCouponHandler(svc *catalog.Service, logger *slog.Logger) *CouponHandler {
	return &CouponHandler{svc: svc, logger: logger}
}

// couponOwner resolves which user's coupons to read: the caller's own, or for
// admins every coupon unless ?user_id= narrows it.
func couponOwner(r *http.Request) (*int64, error) {
	ac, _ := auth.FromContext(r.Context())
	if ac.Role != model.RoleAdmin {
		return &ac.UserID, nil
	}
	s := r.URL.Query().Get("user_id")
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid user_id")
	}
	return &id, nil
}

func (h *CouponHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, err := couponOwner(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	coupons, err := h.svc.ListCoupons(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list coupons")
		return
	}
	if coupons == nil {
		coupons = []model.Coupon{}
	}
	writeJSON(w, http.StatusOK, coupons)
}

func (h *CouponHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCoupon(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get coupon")
		return
	}
	if c == nil || (!auth.IsAdmin(r.Context()) && c.UserID != auth.UserID(r.Context())) {
		writeError(w, http.StatusNotFound, "not_found", "coupon not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *CouponHandler) Use(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.UseCoupon(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "use coupon")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type useByCodeRequest struct {
	Code string `json:"code"`
}

// UseByCode marks a coupon used given the code the employee presents.
func (h *CouponHandler) UseByCode(w http.ResponseWriter, r *http.Request) {
	var body useByCodeRequest
	if err := decodeJSON(r, &body); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(body.Code))
	if code == "" {
		badRequest(w, "code is required")
		return
	}
	c, err := h.svc.UseCouponByCode(r.Context(), code, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "use coupon")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *CouponHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			badRequest(w, "invalid JSON")
			return
		}
	}
	c, err := h.svc.CancelCoupon(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), strings.TrimSpace(body.Reason))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "cancel coupon")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Export downloads coupons as ?format=csv (default) or xlsx.
func (h *CouponHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	owner, err := couponOwner(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	coupons, err := h.svc.ListCoupons(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "export coupons")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCoupons(&buf, format, coupons); err != nil {
		writeServiceError(w, r, h.logger, err, "export coupons")
		return
	}
	writeAttachment(w, "coupons", format, buf.Bytes())
}

// writeAttachment sends a rendered export as a dated file download.
func writeAttachment(w http.ResponseWriter, name string, format export.Format, data []byte) {
	filename := name + "-" + time.Now().UTC().Format("20060102") + format.Extension()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
