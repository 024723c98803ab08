package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/koios/shotframe/internal/export"
	"github.com/koios/shotframe/internal/remote"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

// DecisionRequest answers an image load timeout.
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// handleExports handles:
// - GET /exports - lists known exports
// - POST /exports - starts a new export
func (h *Handler) handleExports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		exports := h.service.Registry().List()
		statuses := make([]models.ExportStatus, len(exports))
		for i, e := range exports {
			statuses[i] = e.Status()
		}
		h.writeJSON(w, http.StatusOK, statuses)

	case http.MethodPost:
		h.handleStartExport(w, r)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req models.ExportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID != "" {
		if _, exists := h.service.Registry().Get(req.ID); exists {
			http.Error(w, "Export already exists", http.StatusConflict)
			return
		}
	}
	if errs := h.validator.ValidateExportRequest(req); len(errs) > 0 {
		h.writeJSON(w, http.StatusBadRequest, ValidationResponse{Valid: false, Errors: errs})
		return
	}

	e, err := h.service.Start(req)
	if err != nil {
		h.logger.Error("Failed to start export",
			zap.String("set_id", req.SetID),
			zap.Error(err))
		if errors.Is(err, export.ErrUnknownDevice) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to start export", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/exports/"+e.ID())
	h.writeJSON(w, http.StatusAccepted, e.Status())
}

// handleExportDetails handles:
// - GET /exports/{id} - returns the export status
// - DELETE /exports/{id} - forgets the export
// - POST /exports/{id}/decision - answers an image load timeout
// - POST /exports/{id}/retry - restarts a failed export
// - GET /exports/{id}/download?token= - returns the archive URL
func (h *Handler) handleExportDetails(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/exports/")
	pathParts := strings.Split(strings.TrimSuffix(path, "/"), "/")

	if len(pathParts) == 0 || pathParts[0] == "" {
		http.Error(w, "Export ID required", http.StatusBadRequest)
		return
	}
	if len(pathParts) > 2 {
		http.Error(w, "Endpoint not found", http.StatusNotFound)
		return
	}

	exportID := pathParts[0]
	e, err := h.service.Get(exportID)
	if err != nil {
		if len(pathParts) == 1 && r.Method == http.MethodGet {
			h.handleStoredStatus(w, r, exportID)
			return
		}
		http.Error(w, "Export not found", http.StatusNotFound)
		return
	}

	if len(pathParts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.writeJSON(w, http.StatusOK, e.Status())
		case http.MethodDelete:
			if err := h.service.Remove(exportID); err != nil {
				http.Error(w, "Export not found", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch action := pathParts[1]; {
	case action == "decision" && r.Method == http.MethodPost:
		h.handleDecision(w, r, exportID)
	case action == "retry" && r.Method == http.MethodPost:
		h.handleRetry(w, exportID)
	case action == "download" && r.Method == http.MethodGet:
		h.handleDownload(w, r, e)
	case action == "decision", action == "retry", action == "download":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Endpoint not found", http.StatusNotFound)
	}
}

// handleStoredStatus answers GET /exports/{id} from the status store.
func (h *Handler) handleStoredStatus(w http.ResponseWriter, r *http.Request, exportID string) {
	if h.statuses == nil {
		http.Error(w, "Export not found", http.StatusNotFound)
		return
	}
	st, err := h.statuses.LastStatus(r.Context(), exportID)
	if err != nil {
		h.logger.Error("Failed to look up export status",
			zap.String("export_id", exportID),
			zap.Error(err))
		http.Error(w, "Failed to look up export status", http.StatusServiceUnavailable)
		return
	}
	if st == nil {
		http.Error(w, "Export not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, exportID string) {
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision, err := export.ParseDecision(req.Decision)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, ValidationResponse{Valid: false, Errors: []ValidationError{{
			Field:   "decision",
			Message: "Field 'decision' must be one of: abort, render_anyway",
			Code:    "invalid_option",
		}}})
		return
	}

	e, err := h.service.Decide(exportID, decision)
	if err != nil {
		if errors.Is(err, export.ErrNoDecisionPending) {
			http.Error(w, "Export is not waiting for a decision", http.StatusConflict)
			return
		}
		http.Error(w, "Export not found", http.StatusNotFound)
		return
	}

	h.logger.Info("Export decision received",
		zap.String("export_id", exportID),
		zap.String("decision", req.Decision))
	h.writeJSON(w, http.StatusAccepted, e.Status())
}

func (h *Handler) handleRetry(w http.ResponseWriter, exportID string) {
	e, err := h.service.Retry(exportID)
	if err != nil {
		if errors.Is(err, export.ErrNotRetryable) {
			http.Error(w, "Only a failed export can be retried", http.StatusConflict)
			return
		}
		http.Error(w, "Export not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusAccepted, e.Status())
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request, e *export.Export) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	url, err := e.DownloadURL(r.Context(), token)
	if err != nil {
		if errors.Is(err, export.ErrNotReady) {
			http.Error(w, "Export is not ready", http.StatusConflict)
			return
		}
		h.logger.Error("Failed to get download URL",
			zap.String("export_id", e.ID()),
			zap.Error(err))
		var statusErr *remote.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
			http.Error(w, "Download not permitted", http.StatusForbidden)
			return
		}
		http.Error(w, "Failed to get download URL", http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"downloadUrl": url})
}
