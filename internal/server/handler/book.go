package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// BookService is what the book handler needs from the service layer.
type BookService interface {
	Book(key domain.BookKey, depth int) domain.BookSnapshot
	Books() []domain.BookKey
	Resume(ctx context.Context, key domain.BookKey) error
}

// BookHandler serves order book snapshots and operator resumes.
type BookHandler struct {
	books        BookService
	defaultDepth int
	logger       *slog.Logger
}

func NewBookHandler(books BookService, defaultDepth int, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, defaultDepth: defaultDepth, logger: logger.With(slog.String("handler", "books"))}
}

// ListBooks returns every known book.
// GET /api/books
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	keys := h.books.Books()
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]string{"market_id": k.MarketID, "outcome": k.Outcome.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": out})
}

// GetBook returns aggregated depth for one book.
// GET /api/books/{market}/{outcome}?depth=10
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	key, err := bookKey(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get book", err)
		return
	}
	depth := h.defaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "depth must be a non-negative integer")
			return
		}
		depth = n
	}
	writeJSON(w, http.StatusOK, h.books.Book(key, depth))
}

// ResumeBook clears a halt once the book is uncrossed.
// POST /api/books/{market}/{outcome}/resume
func (h *BookHandler) ResumeBook(w http.ResponseWriter, r *http.Request) {
	key, err := bookKey(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "resume book", err)
		return
	}
	if err := h.books.Resume(r.Context(), key); err != nil {
		// Still crossed: the operator has more to do.
		if status := errorStatus(err); status == http.StatusServiceUnavailable {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeServiceError(w, r, h.logger, "resume book", err)
		return
	}
	h.logger.InfoContext(r.Context(), "book resumed by operator", slog.String("book", key.String()))
	writeJSON(w, http.StatusOK, map[string]string{"book": key.String(), "status": "resumed"})
}
