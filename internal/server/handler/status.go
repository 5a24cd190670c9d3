package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// StatusSource exposes runtime counters for the status endpoint.
type StatusSource interface {
	Books() []domain.BookKey
	Halted(key domain.BookKey) error
}

// StatusHandler reports the process mode and engine state.
type StatusHandler struct {
	mode        string
	startedAt   time.Time
	engine      StatusSource
	mapperLen   func() int
	outstanding func() int
}

func NewStatusHandler(mode string, engine StatusSource, mapperLen, outstanding func() int) *StatusHandler {
	return &StatusHandler{
		mode:        mode,
		startedAt:   time.Now().UTC(),
		engine:      engine,
		mapperLen:   mapperLen,
		outstanding: outstanding,
	}
}

// GetStatus returns mode, uptime, halted books and queue sizes.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	books := h.engine.Books()
	halted := []string{}
	for _, k := range books {
		if h.engine.Halted(k) != nil {
			halted = append(halted, k.String())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":               h.mode,
		"uptime_seconds":     int64(time.Since(h.startedAt).Seconds()),
		"books":              len(books),
		"halted_books":       halted,
		"mapper_bindings":    h.mapperLen(),
		"outstanding_trades": h.outstanding(),
	})
}
