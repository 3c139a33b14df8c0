package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dukerupert/starstore/internal/objectstore"
)

const imagePrefix = "items/"

// Sniffed content types accepted for item images.
var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type UploadHandler struct {
	objects  objectstore.Store
	maxBytes int64
	logger   *slog.Logger
}

func NewUploadHandler(objects objectstore.Store, maxBytes int64, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{objects: objects, maxBytes: maxBytes, logger: logger}
}

type uploadResponse struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Upload stores the multipart "file" field as an item image. The content type
// is sniffed from the data, not taken from the client.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the multipart envelope around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+64<<10)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "file exceeds "+strconv.FormatInt(h.maxBytes, 10)+" bytes")
			return
		}
		badRequest(w, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		badRequest(w, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "file exceeds "+strconv.FormatInt(h.maxBytes, 10)+" bytes")
		return
	}

	sniff := make([]byte, 512)
	n, err := io.ReadFull(file, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		badRequest(w, "unreadable file")
		return
	}
	contentType := http.DetectContentType(sniff[:n])
	ext, ok := imageExtensions[contentType]
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "only PNG, JPEG, GIF and WebP images are accepted")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.logger.Error("rewind upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to store file")
		return
	}

	key := imagePrefix + uuid.NewString() + ext
	if err := h.objects.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		h.logger.Error("store upload", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to store file")
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Key:         key,
		URL:         "/media/" + key,
		ContentType: contentType,
		Size:        header.Size,
	})
}

// Media serves a stored item image.
func (h *UploadHandler) Media(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !strings.HasPrefix(key, imagePrefix) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	if _, err := objectstore.CleanKey(key); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	obj, err := h.objects.Get(r.Context(), key)
	if errors.Is(err, objectstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	if err != nil {
		h.logger.Error("read media", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to read file")
		return
	}
	defer obj.Body.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("stream media", "key", key, "error", err)
	}
}
