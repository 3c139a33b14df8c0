package handler

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/export"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/store"
)

const maxAuditLimit = 1000

type AuditHandler struct {
	svc    *catalog.Service
	logger *slog.Logger
}

func NewAuditHandler(svc *catalog.Service, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{svc: svc, logger: logger}
}

// parseAuditFilter reads ?item_id=, ?since= (RFC 3339) and ?limit=.
func parseAuditFilter(r *http.Request, defaultLimit int) (store.AuditFilter, string) {
	q := r.URL.Query()
	f := store.AuditFilter{Limit: defaultLimit}

	if s := q.Get("item_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return f, "invalid item_id"
		}
		f.ItemID = &id
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, "since must be an RFC 3339 timestamp"
		}
		f.Since = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, "limit must be a positive integer"
		}
		f.Limit = min(n, maxAuditLimit)
	}
	return f, ""
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	f, msg := parseAuditFilter(r, 200)
	if msg != "" {
		badRequest(w, msg)
		return
	}
	entries, err := h.svc.ListAudit(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list audit log")
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Export downloads the matching audit entries, unlimited unless ?limit= is
// given, as ?format=csv (default) or xlsx.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	f, msg := parseAuditFilter(r, 0)
	if msg != "" {
		badRequest(w, msg)
		return
	}
	entries, err := h.svc.ListAudit(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "export audit log")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteAudit(&buf, format, entries); err != nil {
		writeServiceError(w, r, h.logger, err, "export audit log")
		return
	}
	writeAttachment(w, "audit", format, buf.Bytes())
}
