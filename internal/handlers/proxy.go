package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker/v2"
	"github.com/trackserver/trackserver/internal/fetch"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/types"
)

// Fetcher retrieves remote documents for the proxy route.
type Fetcher interface {
	Proxy(ctx context.Context, rawURL string) (fetch.Response, error)
}

// ProxyHandler passes remote GPX or KML through, so map clients can overlay
// documents from hosts without CORS headers.
type ProxyHandler struct {
	fetcher Fetcher
}

func NewProxyHandler(fetcher Fetcher) *ProxyHandler {
	return &ProxyHandler{fetcher: fetcher}
}

func ProxyRouter(r chi.Router, handler *ProxyHandler) {
	r.With(RequirePermission(types.PermRead)).Get("/", handler.Proxy)
}

func (h *ProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	resp, err := h.fetcher.Proxy(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		switch {
		case errors.Is(err, fetch.ErrInvalidURL):
			writeError(w, http.StatusBadRequest, "invalid url")
		case errors.Is(err, fetch.ErrNotFound):
			writeError(w, http.StatusNotFound, "remote resource not found")
		case errors.Is(err, fetch.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "remote resource too large")
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			writeError(w, http.StatusServiceUnavailable, "remote fetching temporarily disabled")
		default:
			logging.Ctx(r.Context()).Warn().Err(err).Msg("proxy fetch failed")
			writeError(w, http.StatusBadGateway, "failed to fetch remote resource")
		}
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}
