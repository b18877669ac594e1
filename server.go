// server.go
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rastermaps/tileserv/storage"
	"github.com/rastermaps/tileserv/tiler"
)

// tileServer serves XYZ PNG tiles rendered on demand from rasters held in
// the storage backend. Every request is independent: fetch bytes, open,
// render, release. Degraded renders (bad or partially available data) are
// still answered with a valid black tile, never an HTTP error.
type tileServer struct {
	store  storage.Store
	cfg    Config
	logger *slog.Logger
}

func (s *tileServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/tiles/{asset}/{z}/{x}/{y}.png", s.handleTile)
	return r
}

func (s *tileServer) handleTile(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		http.Error(w, "invalid zoom", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid tile column", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, "invalid tile row", http.StatusBadRequest)
		return
	}

	// Malformed addresses are caller errors, checked before any work.
	if _, err := tiler.Bounds(z, x, y); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	size := s.cfg.DefaultTileSize
	if q := r.URL.Query().Get("size"); q != "" {
		size, err = strconv.Atoi(q)
		if err != nil || size <= 0 {
			http.Error(w, "invalid tile size", http.StatusBadRequest)
			return
		}
	}
	// The engine leaves the upper bound to this layer.
	if size > s.cfg.MaxTileSize {
		http.Error(w, fmt.Sprintf("tile size exceeds maximum of %d", s.cfg.MaxTileSize), http.StatusBadRequest)
		return
	}

	resampling := r.URL.Query().Get("resampling")
	if resampling == "" {
		resampling = s.cfg.Resampling
	}
	rs, err := tiler.ParseResampling(resampling)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := s.store.Fetch(r.Context(), asset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "asset not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to fetch raster", "asset", asset, "error", err)
		http.Error(w, "failed to fetch raster", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	res, err := tiler.Render(data, z, x, y, size, rs)
	if err != nil {
		s.logger.Error("failed to render tile", "asset", asset, "z", z, "x", x, "y", y, "error", err)
		http.Error(w, "failed to render tile", http.StatusInternalServerError)
		return
	}
	renderDuration.Observe(time.Since(start).Seconds())

	if res.Degraded {
		tilesRendered.WithLabelValues("degraded").Inc()
		s.logger.Warn("degraded tile render", "asset", asset, "z", z, "x", x, "y", y, "reason", res.Reason)
		w.Header().Set("X-Tile-Degraded", "1")
	} else {
		tilesRendered.WithLabelValues("ok").Inc()
	}

	// Tiles are immutable per asset, let browsers and proxies cache them.
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	if _, err := w.Write(res.PNG); err != nil {
		s.logger.Debug("failed to write tile response", "error", err)
	}
}
