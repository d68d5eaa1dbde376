// internal/membership/handler.go
package membership

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

// Routes mounts the /members endpoints owned by membership. The borrowed-books
// listings under /members belong to the lending handler.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleRegisterMember)
	r.Get("/", h.handleListMembers)
	r.Get("/{id}", h.handleGetMember)
	r.Put("/{id}", h.handleUpdateMember)
	r.Delete("/{id}", h.handleDeleteMember)
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var in MemberInput
	if err := httpx.Decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	member, err := h.service.RegisterMember(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, member)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, members)
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var in MemberInput
	if err := httpx.Decode(r, &in); err != nil {
		h.fail(w, err)
		return
	}

	member, err := h.service.UpdateMember(r.Context(), id, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, member)
}

func (h *Handler) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	if err := h.service.DeleteMember(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("membership request failed", zap.Error(err))
	}
	if errors.Is(err, validate.ErrInvalid) {
		err = errors.New(validate.Message(err))
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	httpx.Error(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, httpx.ErrBadRequest), errors.Is(err, validate.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrMemberNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrMemberInUse), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
