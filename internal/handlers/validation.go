package handlers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

const (
	maxShotsPerExport = 200
	maxLabelLength    = 1000
	maxFilenameLength = 200
	maxFontSize       = 200
)

// ValidationError represents a validation error for a specific field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResponse is returned with 400 when a request body is rejected.
type ValidationResponse struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator checks screenshot configurations against the device catalog.
type Validator struct {
	catalog    *models.DeviceCatalog
	allowFiles bool
	logger     *zap.Logger
}

// NewValidator creates a validator. allowFiles permits local file references
// for image URLs; requests from the network should not set it.
func NewValidator(catalog *models.DeviceCatalog, allowFiles bool, logger *zap.Logger) *Validator {
	return &Validator{catalog: catalog, allowFiles: allowFiles, logger: logger}
}

// ValidateScreenshot checks a single configuration. Field names are prefixed
// with prefix, e.g. "shots[2].".
func (v *Validator) ValidateScreenshot(prefix string, cfg models.ScreenshotConfiguration) []ValidationError {
	var errors []ValidationError
	add := func(field, code, format string, args ...any) {
		errors = append(errors, ValidationError{
			Field:   prefix + field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}

	var device models.DeviceDescriptor
	knownDevice := false
	if cfg.DeviceID == "" {
		add("deviceId", "required", "Field 'deviceId' is required")
	} else if device, knownDevice = v.catalog.Device(cfg.DeviceID); !knownDevice {
		add("deviceId", "unknown_device", "Unknown device '%s'", cfg.DeviceID)
	}

	if cfg.ScreenshotURL == "" {
		add("screenshotUrl", "required", "Field 'screenshotUrl' is required")
	} else if !v.isValidImageRef(cfg.ScreenshotURL) {
		add("screenshotUrl", "invalid_url", "Field 'screenshotUrl' must be an http(s) or data: URL")
	}
	if cfg.BackgroundURL != "" && !v.isValidImageRef(cfg.BackgroundURL) {
		add("backgroundUrl", "invalid_url", "Field 'backgroundUrl' must be an http(s) or data: URL")
	}

	if _, err := models.ParseLabelPosition(string(cfg.LabelPosition)); err != nil {
		add("labelPosition", "invalid_option", "Field 'labelPosition' must be one of: %s", joinPositions())
	}
	orientation, err := models.ParseOrientation(string(cfg.Orientation))
	if err != nil {
		add("orientation", "invalid_option", "Field 'orientation' must be portrait or landscape")
	}
	phoneColor, err := models.ParsePhoneColor(string(cfg.PhoneColor))
	if err != nil {
		add("phoneColor", "invalid_option", "Field 'phoneColor' must be one of: %s", joinColors())
	} else if knownDevice && orientation != "" && !hasFrame(device.Orientation(orientation), phoneColor) {
		// Falls back to another color at render time.
		v.logger.Debug("Phone color not available for device",
			zap.String("device_id", cfg.DeviceID),
			zap.String("phone_color", string(phoneColor)))
	}

	if len(cfg.Label) > maxLabelLength {
		add("label", "too_long", "Field 'label' must be at most %d characters", maxLabelLength)
	}
	if cfg.Font.Size < 0 || cfg.Font.Size > maxFontSize {
		add("font.size", "out_of_range", "Field 'font.size' must be positive and at most %d", maxFontSize)
	}
	if w := cfg.Font.Weight; w != 0 && (w < 100 || w > 900 || w%100 != 0) {
		add("font.weight", "out_of_range", "Field 'font.weight' must be a multiple of 100 between 100 and 900")
	}
	if cfg.Font.Color != "" && !isValidColor(cfg.Font.Color) {
		add("font.color", "invalid_color", "Field 'font.color' must be a valid color (e.g., #FF0000)")
	}
	if cfg.BackgroundColor != "" && !isValidColor(cfg.BackgroundColor) {
		add("backgroundColor", "invalid_color", "Field 'backgroundColor' must be a valid color (e.g., #FF0000)")
	}

	if cfg.Filename != "" {
		if len(cfg.Filename) > maxFilenameLength {
			add("filename", "too_long", "Field 'filename' must be at most %d characters", maxFilenameLength)
		}
		if strings.ContainsAny(cfg.Filename, `/\`) || strings.TrimSpace(cfg.Filename) == "" {
			add("filename", "invalid_filename", "Field 'filename' must not contain path separators")
		}
	}

	return errors
}

// ValidateExportRequest checks the set id and every shot.
func (v *Validator) ValidateExportRequest(req models.ExportRequest) []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(req.SetID) == "" {
		errors = append(errors, ValidationError{
			Field:   "setId",
			Message: "Field 'setId' is required",
			Code:    "required",
		})
	} else if strings.ContainsAny(req.SetID, "/?#") {
		errors = append(errors, ValidationError{
			Field:   "setId",
			Message: "Field 'setId' contains invalid characters",
			Code:    "invalid_id",
		})
	}

	switch {
	case len(req.Shots) == 0:
		errors = append(errors, ValidationError{
			Field:   "shots",
			Message: "At least one shot is required",
			Code:    "required",
		})
	case len(req.Shots) > maxShotsPerExport:
		errors = append(errors, ValidationError{
			Field:   "shots",
			Message: fmt.Sprintf("At most %d shots per export", maxShotsPerExport),
			Code:    "too_many",
		})
	}

	seen := make(map[string]int)
	for i, shot := range req.Shots {
		prefix := fmt.Sprintf("shots[%d].", i)
		errors = append(errors, v.ValidateScreenshot(prefix, shot)...)

		if shot.Filename == "" {
			continue
		}
		if first, dup := seen[shot.Filename]; dup {
			errors = append(errors, ValidationError{
				Field:   prefix + "filename",
				Message: fmt.Sprintf("Filename '%s' is already used by shots[%d]", shot.Filename, first),
				Code:    "duplicate",
			})
			continue
		}
		seen[shot.Filename] = i
	}

	return errors
}

func (v *Validator) isValidImageRef(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"):
		u, err := url.Parse(ref)
		return err == nil && u.Host != ""
	case strings.HasPrefix(ref, "data:image/"):
		return strings.Contains(ref, ",")
	}
	return v.allowFiles
}

// isValidColor accepts every color the compositor can paint.
func isValidColor(color string) bool {
	_, err := compositor.ParseColor(color)
	return err == nil
}

func hasFrame(spec models.OrientationSpec, color models.PhoneColor) bool {
	ref, ok := spec.Frames[color]
	return ok && ref != ""
}

func joinPositions() string {
	names := make([]string, len(models.LabelPositions))
	for i, p := range models.LabelPositions {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func joinColors() string {
	names := make([]string, len(models.PhoneColors))
	for i, c := range models.PhoneColors {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
