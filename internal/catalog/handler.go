// internal/catalog/handler.go
package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"libralend/internal/httpx"
	"libralend/internal/storage"
	"libralend/internal/validate"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the /books endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleAddBook)
	r.Get("/", h.handleListBooks)
	r.Get("/{id}", h.handleGetBook)
	r.Put("/{id}", h.handleUpdateBook)
	r.Delete("/{id}", h.handleDeleteBook)
}

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var in BookInput
	if err := httpx.Decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	book, err := h.service.AddBook(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, book)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, book)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var in BookInput
	if err := httpx.Decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, book)
}

func (h *Handler) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("catalog request failed", zap.Error(err))
	}
	if errors.Is(err, validate.ErrInvalid) {
		httpx.Error(w, status, errors.New(validate.Message(err)))
		return
	}
	httpx.Error(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, httpx.ErrBadRequest), errors.Is(err, validate.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrBookNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBookInUse), errors.Is(err, ErrDuplicateBook),
		errors.Is(err, storage.ErrDuplicate), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
