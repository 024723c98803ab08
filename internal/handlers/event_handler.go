package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/koios/shotframe/internal/export"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

// EventHandler starts exports for requests arriving on the message stream.
type EventHandler struct {
	service   *export.Service
	validator *Validator
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(service *export.Service, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		service:   service,
		validator: NewValidator(service.Catalog(), false, logger),
		logger:    logger,
	}
}

// Handle validates an export request and starts it in the background.
func (h *EventHandler) Handle(ctx context.Context, request *models.ExportRequest) (*export.Export, error) {
	h.logger.Info("Processing export request",
		zap.String("export_id", request.ID),
		zap.String("set_id", request.SetID),
		zap.Int("shots", len(request.Shots)))

	if request.ID != "" {
		if e, exists := h.service.Registry().Get(request.ID); exists {
			h.logger.Info("Export request already accepted", zap.String("export_id", request.ID))
			return e, nil
		}
	}

	if errs := h.validator.ValidateExportRequest(*request); len(errs) > 0 {
		fields := make([]string, len(errs))
		for i, e := range errs {
			fields[i] = e.Field + ": " + e.Message
		}
		h.logger.Error("Invalid export request",
			zap.String("export_id", request.ID),
			zap.Strings("errors", fields))
		return nil, fmt.Errorf("invalid export request: %s", strings.Join(fields, "; "))
	}

	e, err := h.service.Start(*request)
	if err != nil {
		h.logger.Error("Export request failed",
			zap.String("set_id", request.SetID),
			zap.Error(err))
		return nil, err
	}
	return e, nil
}
