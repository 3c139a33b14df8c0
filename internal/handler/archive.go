package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/starstore/internal/archive"
	"github.com/dukerupert/starstore/internal/export"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/store"
)

type ArchiveHandler struct {
	manager      *archive.Manager
	archiveStore *store.ArchiveStore
	logger       *slog.Logger
}

func NewArchiveHandler(m *archive.Manager, as *store.ArchiveStore, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{manager: m, archiveStore: as, logger: logger}
}

func (h *ArchiveHandler) archiveError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, archive.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "archives_disabled", err.Error())
	case errors.Is(err, archive.ErrInProgress):
		writeError(w, http.StatusConflict, "archive_in_progress", err.Error())
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger.Error("failed to "+what, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to "+what)
	}
}

type archiveListResponse struct {
	Status   archive.Status  `json:"status"`
	Archives []model.Archive `json:"archives"`
}

func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	archives, err := h.archiveStore.List(50)
	if err != nil {
		h.archiveError(w, err, "list archives")
		return
	}
	if archives == nil {
		archives = []model.Archive{}
	}
	writeJSON(w, http.StatusOK, archiveListResponse{Status: h.manager.Status(), Archives: archives})
}

// Run archives the audit log immediately.
func (h *ArchiveHandler) Run(w http.ResponseWriter, r *http.Request) {
	a, err := h.manager.RunNow(r.Context())
	if err != nil {
		h.archiveError(w, err, "run archive")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Download returns the decrypted workbook of a completed archive.
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	data, err := h.manager.Open(r.Context(), id)
	if err != nil {
		h.archiveError(w, err, "open archive")
		return
	}
	w.Header().Set("Content-Type", export.FormatXLSX.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-archive-%d.xlsx"`, id))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
