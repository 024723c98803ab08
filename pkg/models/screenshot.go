package models

import (
	"fmt"
	"strings"
)

// LabelPosition selects the caption/frame layout of a rendered screenshot.
type LabelPosition string

const (
	LabelAbove           LabelPosition = "above"
	LabelBelow           LabelPosition = "below"
	LabelAboveFullDevice LabelPosition = "above_full_device"
	LabelBelowFullDevice LabelPosition = "below_full_device"
	LabelDevice          LabelPosition = "device"
	LabelAboveScreenshot LabelPosition = "above_screenshot"
	LabelBelowScreenshot LabelPosition = "below_screenshot"
	LabelNone            LabelPosition = "none"
)

// LabelPositions lists every layout in a stable order.
var LabelPositions = []LabelPosition{
	LabelAbove,
	LabelBelow,
	LabelAboveFullDevice,
	LabelBelowFullDevice,
	LabelDevice,
	LabelAboveScreenshot,
	LabelBelowScreenshot,
	LabelNone,
}

// ParseLabelPosition converts a wire value into a LabelPosition.
// The empty string maps to LabelAbove.
func ParseLabelPosition(s string) (LabelPosition, error) {
	if s == "" {
		return LabelAbove, nil
	}
	for _, p := range LabelPositions {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown label position: %q", s)
}

// LayoutCategory groups label positions that share a size-tweak bucket.
type LayoutCategory int

const (
	CategoryCroppedWithText LayoutCategory = iota
	CategoryFullDeviceWithText
	CategoryDeviceOnly
	CategoryScreenshotOnly
)

func (c LayoutCategory) String() string {
	switch c {
	case CategoryCroppedWithText:
		return "cropped-with-text"
	case CategoryFullDeviceWithText:
		return "full-device-with-text"
	case CategoryDeviceOnly:
		return "device-only"
	case CategoryScreenshotOnly:
		return "screenshot-only"
	}
	return "unknown"
}

// Category returns the size-tweak bucket of the position.
func (p LabelPosition) Category() LayoutCategory {
	switch p {
	case LabelAboveFullDevice, LabelBelowFullDevice:
		return CategoryFullDeviceWithText
	case LabelDevice:
		return CategoryDeviceOnly
	case LabelAboveScreenshot, LabelBelowScreenshot, LabelNone:
		return CategoryScreenshotOnly
	default:
		return CategoryCroppedWithText
	}
}

// AnchorBottom reports whether the label sits below the device, in which
// case the frame and the screenshot crop are measured from the bottom edge.
func (p LabelPosition) AnchorBottom() bool {
	switch p {
	case LabelBelow, LabelBelowFullDevice, LabelBelowScreenshot:
		return true
	}
	return false
}

// Orientation of the rendered canvas.
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// ParseOrientation accepts "portrait", "landscape" or "" (portrait).
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(s) {
	case "", string(Portrait):
		return Portrait, nil
	case string(Landscape):
		return Landscape, nil
	}
	return "", fmt.Errorf("unknown orientation: %q", s)
}

// PhoneColor selects the frame artwork variant.
type PhoneColor string

const (
	PhoneBlack PhoneColor = "black"
	PhoneWhite PhoneColor = "white"
	PhoneGold  PhoneColor = "gold"
	PhoneRose  PhoneColor = "rose"
)

// PhoneColors lists the frame colors in fallback order.
var PhoneColors = []PhoneColor{PhoneBlack, PhoneWhite, PhoneGold, PhoneRose}

// ParsePhoneColor converts a wire value into a PhoneColor, defaulting to black.
func ParsePhoneColor(s string) (PhoneColor, error) {
	if s == "" {
		return PhoneBlack, nil
	}
	for _, c := range PhoneColors {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown phone color: %q", s)
}

// Font describes the caption typeface.
type Font struct {
	Name   string  `json:"name" yaml:"name"`
	Weight int     `json:"weight" yaml:"weight"`
	Size   float64 `json:"size" yaml:"size"`
	Color  string  `json:"color" yaml:"color"`
}

// Caption defaults.
const (
	DefaultFontName        = "Helvetica"
	DefaultFontWeight      = 500
	DefaultFontSize        = 16
	DefaultFontColor       = "#333"
	DefaultBackgroundColor = "#fff"
)

// ScreenshotConfiguration is the declarative input of a single rendered shot.
type ScreenshotConfiguration struct {
	DeviceID        string        `json:"deviceId"`
	ScreenshotURL   string        `json:"screenshotUrl"`
	BackgroundURL   string        `json:"backgroundUrl,omitempty"`
	Label           string        `json:"label"`
	LabelPosition   LabelPosition `json:"labelPosition"`
	PhoneColor      PhoneColor    `json:"phoneColor"`
	Font            Font          `json:"font"`
	BackgroundColor string        `json:"backgroundColor"`
	Orientation     Orientation   `json:"orientation"`
	Filename        string        `json:"filename,omitempty"`
}

// WithDefaults returns a copy with every optional field populated.
func (c ScreenshotConfiguration) WithDefaults() ScreenshotConfiguration {
	if c.LabelPosition == "" {
		c.LabelPosition = LabelAbove
	}
	if c.PhoneColor == "" {
		c.PhoneColor = PhoneBlack
	}
	if c.Orientation == "" {
		c.Orientation = Portrait
	}
	if c.Font.Name == "" {
		c.Font.Name = DefaultFontName
	}
	if c.Font.Weight == 0 {
		c.Font.Weight = DefaultFontWeight
	}
	if c.Font.Size == 0 {
		c.Font.Size = DefaultFontSize
	}
	if c.Font.Color == "" {
		c.Font.Color = DefaultFontColor
	}
	if c.BackgroundColor == "" {
		c.BackgroundColor = DefaultBackgroundColor
	}
	return c
}

// DefaultFilename builds the archive entry name for the n-th (1-based) shot.
func DefaultFilename(device DeviceDescriptor, n int) string {
	prefix := device.FilenamePrefix
	if prefix == "" {
		prefix = device.Name
	}
	return fmt.Sprintf("%s - Screenshot %d", prefix, n)
}
