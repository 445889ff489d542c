package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = 2 * time.Second
	maxStall        = time.Minute
)

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP API of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", m.handleHealth)
	r.Get("/status", m.handleStatus)
	r.Get("/hangs", m.handleHangs)
	r.Put("/foreground/{state}", m.handleForeground)
	r.Post("/stall", m.handleStall)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.PlainText(w, r, "ok")
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, m.Status())
}

func (m *Monitor) handleHangs(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, m.Hangs())
}

func (m *Monitor) handleForeground(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "state") {
	case "foreground":
		m.SetForeground(true)
	case "background":
		m.SetForeground(false)
	default:
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "state must be foreground or background"})
		return
	}
	render.JSON(w, r, m.Status())
}

// handleStall blocks the main loop for the duration given by the query
// parameter, e.g. POST /stall?duration=3s.
func (m *Monitor) handleStall(w http.ResponseWriter, r *http.Request) {
	d, err := time.ParseDuration(r.URL.Query().Get("duration"))
	if err != nil || d <= 0 || d > maxStall {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "duration must be a positive duration up to " + maxStall.String()})
		return
	}
	m.Stall(d)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]float64{"stall_seconds": d.Seconds()})
}

func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("status server shutdown")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
