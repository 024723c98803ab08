package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/internal/export"
	"github.com/koios/shotframe/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultRenderTimeout = 15 * time.Second
	maxBodyBytes         = 4 << 20
)

// Handler serves the device catalog, preview renders and exports.
type Handler struct {
	service       *export.Service
	validator     *Validator
	logger        *zap.Logger
	renderTimeout time.Duration
	statuses      StatusLookup
}

// StatusLookup finds the last published status of an export this process
// does not hold; *redis.Client implements it.
type StatusLookup interface {
	LastStatus(ctx context.Context, exportID string) (*models.ExportStatus, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRenderTimeout bounds how long a preview waits for its images.
func WithRenderTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.renderTimeout = d
		}
	}
}

// WithStatusLookup lets GET /exports/{id} answer for exports started
// elsewhere, such as another server instance reading the same stream.
func WithStatusLookup(l StatusLookup) HandlerOption {
	return func(h *Handler) {
		h.statuses = l
	}
}

// NewHandler creates a new HTTP handler
func NewHandler(service *export.Service, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:       service,
		validator:     NewValidator(service.Catalog(), false, logger),
		logger:        logger,
		renderTimeout: defaultRenderTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers every route on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", instrument("health", h.handleHealth))
	mux.HandleFunc("/devices", instrument("devices", h.handleDevices))
	mux.HandleFunc("/devices/", instrument("device", h.handleDevice))
	mux.HandleFunc("/render", instrument("render", h.handleRender))
	mux.HandleFunc("/exports", instrument("exports", h.handleExports))
	mux.HandleFunc("/exports/", instrument("export", h.handleExportDetails))
	mux.Handle("/metrics", promhttp.Handler())
}

// handleHealth handles GET /health - returns service health status
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "shotframe",
		"exports": h.service.Registry().Len(),
	})
}

// handleDevices handles GET /devices - returns the device catalog
func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	catalog := h.service.Catalog()
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		h.writeJSON(w, http.StatusOK, catalog.Devices())
		return
	}

	spec, ok := catalog.Platform(platform)
	if !ok {
		http.Error(w, "Platform not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, spec.Devices)
}

// handleDevice handles GET /devices/{id}
func (h *Handler) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/devices/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Device ID required", http.StatusBadRequest)
		return
	}

	device, ok := h.service.Catalog().Device(id)
	if !ok {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	pw, ph := device.NaturalSize(models.Portrait)
	lw, lh := device.NaturalSize(models.Landscape)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":     device,
		"resolution": device.Resolution(),
		"portrait":   map[string]int{"width": pw, "height": ph},
		"landscape":  map[string]int{"width": lw, "height": lh},
	})
}

// handleRender handles POST /render - composes one configuration and
// returns the JPEG. ?hq=1 selects high quality.
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cfg models.ScreenshotConfiguration
	if !h.decode(w, r, &cfg) {
		return
	}
	if errs := h.validator.ValidateScreenshot("", cfg); len(errs) > 0 {
		h.writeJSON(w, http.StatusBadRequest, ValidationResponse{Valid: false, Errors: errs})
		return
	}

	quality := compositor.QualityNormal
	if hq, _ := strconv.ParseBool(r.URL.Query().Get("hq")); hq {
		quality = compositor.QualityHigh
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.renderTimeout)
	defer cancel()

	data, err := h.service.Render(ctx, cfg, quality)
	if err != nil {
		h.logger.Error("Failed to render preview",
			zap.String("device_id", cfg.DeviceID),
			zap.Error(err))
		if errors.Is(err, export.ErrUnknownDevice) {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to render", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Failed to write render response", zap.Error(err))
	}
}

// decode reads a JSON body into v, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.logger.Debug("Failed to decode request body", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
