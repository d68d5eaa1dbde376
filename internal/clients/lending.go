// Package clients holds typed HTTP clients for the libralend API.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"libralend/internal/consistency"
	"libralend/internal/httpx"
	"libralend/internal/models"
)

var ErrUnexpectedStatus = errors.New("unexpected status code")

// APIError is a non-2xx answer carrying the server's error body.
type APIError struct {
	Status int
	Body   httpx.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Body.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

func (e *APIError) Unwrap() error { return ErrUnexpectedStatus }

// StatusOf returns the HTTP status behind err, or 0 when the request never got
// an answer.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxFails consecutive server failures open the breaker.
	MaxFails uint32
}

// LendingClient talks to a running libralend server. Transport and 5xx
// failures feed a circuit breaker; client errors do not.
type LendingClient struct {
	conn   *resty.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewLendingClient(cfg Config, logger *zap.Logger) *LendingClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFails == 0 {
		cfg.MaxFails = 5
	}

	conn := resty.New().
		SetTransport(otelhttp.NewTransport(&http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     30 * time.Second,
		})).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	c := &LendingClient{conn: conn, logger: logger}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "libralend",
		Timeout: time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFails
		},
		IsSuccessful: func(err error) bool {
			status := StatusOf(err)
			return err == nil || (status > 0 && status < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return c
}

// call runs one request through the breaker. out may be nil.
func (c *LendingClient) call(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		req := c.conn.R().SetContext(ctx).SetError(&httpx.ErrorBody{})
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, fmt.Errorf("execute http request: %w", err)
		}
		if resp.IsError() {
			apiErr := &APIError{Status: resp.StatusCode()}
			if eb, ok := resp.Error().(*httpx.ErrorBody); ok {
				apiErr.Body = *eb
			}
			return nil, apiErr
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *LendingClient) Borrow(ctx context.Context, memberID, bookID uuid.UUID) (uuid.UUID, error) {
	var out struct {
		ID uuid.UUID `json:"id"`
	}
	req := map[string]uuid.UUID{"member_id": memberID, "book_id": bookID}
	if err := c.call(ctx, http.MethodPost, "/borrows", req, &out); err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

func (c *LendingClient) Return(ctx context.Context, borrowID uuid.UUID) error {
	return c.call(ctx, http.MethodPost, "/borrows/"+borrowID.String()+"/return", nil, nil)
}

func (c *LendingClient) History(ctx context.Context, borrowID uuid.UUID) ([]models.Event, error) {
	var out []models.Event
	err := c.call(ctx, http.MethodGet, "/borrows/"+borrowID.String()+"/history", nil, &out)
	return out, err
}

func (c *LendingClient) MemberBorrows(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRecord, error) {
	var out []models.BorrowRecord
	err := c.call(ctx, http.MethodGet, "/members/"+memberID.String()+"/borrowed-books", nil, &out)
	return out, err
}

func (c *LendingClient) MemberBorrowsByName(ctx context.Context, name string) ([]models.BorrowRecord, error) {
	var out []models.BorrowRecord
	path := "/members/by-name/" + url.PathEscape(name) + "/borrowed-books"
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *LendingClient) DistinctTitles(ctx context.Context) ([]string, error) {
	var out []string
	err := c.call(ctx, http.MethodGet, "/borrows/borrowed-books/distinct-titles", nil, &out)
	return out, err
}

func (c *LendingClient) TitleCounts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	err := c.call(ctx, http.MethodGet, "/borrows/borrowed-books/titles-with-count", nil, &out)
	return out, err
}

func (c *LendingClient) AddBook(ctx context.Context, title, author string, copies int) (*models.Book, error) {
	var out models.Book
	req := map[string]any{"title": title, "author": author, "copies": copies}
	if err := c.call(ctx, http.MethodPost, "/books", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *LendingClient) Book(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	var out models.Book
	if err := c.call(ctx, http.MethodGet, "/books/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *LendingClient) RegisterMember(ctx context.Context, name string) (*models.Member, error) {
	var out models.Member
	if err := c.call(ctx, http.MethodPost, "/members", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the server to check the ledger invariants.
func (c *LendingClient) Verify(ctx context.Context) (consistency.Report, error) {
	var out consistency.Report
	err := c.call(ctx, http.MethodGet, "/health/consistency", nil, &out)
	return out, err
}
