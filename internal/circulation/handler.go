// internal/circulation/handler.go
package circulation

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"libralend/internal/httpx"
	"libralend/internal/models"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	service Service
	retries uint
	logger  *zap.Logger
}

// NewHandler serves the lending API. Borrow and return are attempted up to
// retries times while they fail with Conflict.
func NewHandler(service Service, retries uint, logger *zap.Logger) *Handler {
	return &Handler{service: service, retries: retries, logger: logger}
}

// BorrowResponse is the wire form of a borrow record.
type BorrowResponse struct {
	ID         uuid.UUID  `json:"id"`
	BookID     uuid.UUID  `json:"book_id"`
	MemberID   uuid.UUID  `json:"member_id"`
	BorrowDate time.Time  `json:"borrow_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
}

func toResponses(records []models.BorrowRecord) []BorrowResponse {
	out := make([]BorrowResponse, 0, len(records))
	for _, r := range records {
		out = append(out, BorrowResponse(r))
	}
	return out
}

// Routes mounts the /borrows endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.HandleBorrow)
	r.Post("/{id}/return", h.HandleReturn)
	r.Get("/{id}/history", h.HandleHistory)
	r.Get("/borrowed-books/distinct-titles", h.HandleDistinctTitles)
	r.Get("/borrowed-books/titles-with-count", h.HandleTitleCounts)
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
		BookID   uuid.UUID `json:"book_id"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	id, err := RetryOnConflict(r.Context(), h.retries, func() (uuid.UUID, error) {
		return h.service.BorrowBook(r.Context(), req.MemberID, req.BookID)
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	httpx.JSON(w, http.StatusCreated, map[string]uuid.UUID{"id": id})
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	_, err = RetryOnConflict(r.Context(), h.retries, func() (struct{}, error) {
		return struct{}{}, h.service.ReturnBook(r.Context(), id)
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

// HandleMemberBorrows is mounted under /members by the router.
func (h *Handler) HandleMemberBorrows(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	records, err := h.service.ListOpenBorrowsForMember(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponses(records))
}

func (h *Handler) HandleMemberNameBorrows(w http.ResponseWriter, r *http.Request) {
	name, err := httpx.PathString(r, "name")
	if err != nil {
		h.fail(w, err)
		return
	}

	records, err := h.service.ListOpenBorrowsForMemberName(r.Context(), name)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponses(records))
}

func (h *Handler) HandleDistinctTitles(w http.ResponseWriter, r *http.Request) {
	titles, err := h.service.ListDistinctBorrowedTitles(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, titles)
}

func (h *Handler) HandleTitleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.CountBorrowsByTitle(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, counts)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusConflict && IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("lending request failed", zap.Error(err))
	}
	httpx.Error(w, status, err)
}

// StatusFor maps a lending error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, httpx.ErrBadRequest) {
		return http.StatusBadRequest
	}
	switch KindOf(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrNotAvailable, ErrLimitExceeded:
		return http.StatusBadRequest
	case ErrAlreadyReturned, ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
