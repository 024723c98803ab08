package models

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed devices.yaml
var defaultCatalogYAML []byte

// DeviceType distinguishes phones from tablets; tablets get a different
// landscape font tweak and an extra screenshot nudge.
type DeviceType string

const (
	DevicePhone  DeviceType = "phone"
	DeviceTablet DeviceType = "tablet"
)

// PixelRect is a rectangle in frame-artwork pixels.
type PixelRect struct {
	Left   float64 `yaml:"left" json:"left"`
	Top    float64 `yaml:"top" json:"top"`
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

// PixelSize is a width/height pair in pixels.
type PixelSize struct {
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

// ScreenFractions locates the screen inside the frame, as fractions of the
// frame's width and height.
type ScreenFractions struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// OrientationSpec holds the per-orientation geometry of a device. Width and
// Height are in points. Frame is the pixel size of the frame artwork and
// Screen the screen cut-out inside it, in the same pixel space.
type OrientationSpec struct {
	Width  float64               `yaml:"width" json:"width"`
	Height float64               `yaml:"height" json:"height"`
	Frame  PixelSize             `yaml:"frame" json:"frame"`
	Screen PixelRect             `yaml:"screen" json:"screen"`
	Frames map[PhoneColor]string `yaml:"frames" json:"frames"`
}

// ScreenFractions returns the screen cut-out relative to the frame size.
func (o OrientationSpec) ScreenFractions() ScreenFractions {
	fw, fh := o.Frame.Width, o.Frame.Height
	if fw <= 0 || fh <= 0 {
		return ScreenFractions{Width: 1, Height: 1}
	}
	return ScreenFractions{
		Left:   o.Screen.Left / fw,
		Top:    o.Screen.Top / fh,
		Width:  o.Screen.Width / fw,
		Height: o.Screen.Height / fh,
	}
}

// FrameRef returns the artwork reference for a color, falling back through
// PhoneColors when the device lacks that variant.
func (o OrientationSpec) FrameRef(color PhoneColor) string {
	if ref, ok := o.Frames[color]; ok && ref != "" {
		return ref
	}
	for _, c := range PhoneColors {
		if ref, ok := o.Frames[c]; ok && ref != "" {
			return ref
		}
	}
	return ""
}

// TweakPair is a portrait/landscape pair of frame scale multipliers.
type TweakPair struct {
	Portrait  float64 `yaml:"portrait" json:"portrait"`
	Landscape float64 `yaml:"landscape" json:"landscape"`
}

// For picks the value for an orientation.
func (p TweakPair) For(o Orientation) float64 {
	if o == Landscape {
		return p.Landscape
	}
	return p.Portrait
}

// SizeTweaks overrides the per-category frame scale for one device.
type SizeTweaks struct {
	FullDevice *TweakPair `yaml:"fullDevice,omitempty" json:"fullDevice,omitempty"`
	DeviceOnly *TweakPair `yaml:"deviceOnly,omitempty" json:"deviceOnly,omitempty"`
}

// DeviceDescriptor is the static description of one device model.
type DeviceDescriptor struct {
	ID                   string          `yaml:"id" json:"id"`
	Name                 string          `yaml:"name" json:"name"`
	FilenamePrefix       string          `yaml:"filenamePrefix" json:"filenamePrefix"`
	Type                 DeviceType      `yaml:"type" json:"type"`
	Platform             string          `yaml:"platform" json:"platform"`
	NaturalMultiplier    float64         `yaml:"naturalMultiplier" json:"naturalMultiplier"`
	DeviceSizeMultiplier float64         `yaml:"deviceSizeMultiplier,omitempty" json:"deviceSizeMultiplier,omitempty"`
	Portrait             OrientationSpec `yaml:"portrait" json:"portrait"`
	Landscape            OrientationSpec `yaml:"landscape" json:"landscape"`
	SizeTweaks           SizeTweaks      `yaml:"sizeTweaks" json:"sizeTweaks"`
}

// IsTablet reports whether the device is a tablet.
func (d DeviceDescriptor) IsTablet() bool {
	return d.Type == DeviceTablet
}

// Orientation returns the geometry for o.
func (d DeviceDescriptor) Orientation(o Orientation) OrientationSpec {
	if o == Landscape {
		return d.Landscape
	}
	return d.Portrait
}

// NaturalSize is the output resolution in pixels. Landscape is the portrait
// natural size transposed.
func (d DeviceDescriptor) NaturalSize(o Orientation) (int, int) {
	m := d.NaturalMultiplier
	if m <= 0 {
		m = 1
	}
	w := int(m*d.Portrait.Width + 0.5)
	h := int(m*d.Portrait.Height + 0.5)
	if o == Landscape {
		return h, w
	}
	return w, h
}

// Resolution formats the portrait natural size as "WxH".
func (d DeviceDescriptor) Resolution() string {
	w, h := d.NaturalSize(Portrait)
	return fmt.Sprintf("%dx%d", w, h)
}

func (d DeviceDescriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Portrait.Width <= 0 || d.Portrait.Height <= 0 {
		return fmt.Errorf("device %s: portrait size must be positive", d.ID)
	}
	for _, o := range []Orientation{Portrait, Landscape} {
		spec := d.Orientation(o)
		if spec.Frame.Width <= 0 || spec.Frame.Height <= 0 {
			return fmt.Errorf("device %s: %s frame size must be positive", d.ID, o)
		}
		if len(spec.Frames) == 0 {
			return fmt.Errorf("device %s: %s has no frame artwork", d.ID, o)
		}
	}
	return nil
}

// PlatformSpec groups devices under a platform such as iOS or Android.
type PlatformSpec struct {
	Name          string             `yaml:"name" json:"name"`
	DefaultDevice string             `yaml:"defaultDevice" json:"defaultDevice"`
	Devices       []DeviceDescriptor `yaml:"devices" json:"devices"`
}

type catalogFile struct {
	Platforms []PlatformSpec `yaml:"platforms"`
}

// DeviceCatalog is a read-only set of device descriptors.
type DeviceCatalog struct {
	platforms []PlatformSpec
	devices   map[string]DeviceDescriptor
	order     []string
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(data []byte) (*DeviceCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse device catalog: %w", err)
	}

	c := &DeviceCatalog{devices: make(map[string]DeviceDescriptor)}
	if err := c.merge(file.Platforms); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *DeviceCatalog) merge(platforms []PlatformSpec) error {
	for _, p := range platforms {
		for i := range p.Devices {
			d := p.Devices[i]
			if d.Platform == "" {
				d.Platform = p.Name
			}
			if err := d.validate(); err != nil {
				return err
			}
			if _, dup := c.devices[d.ID]; dup {
				return fmt.Errorf("duplicate device id: %s", d.ID)
			}
			c.devices[d.ID] = d
			c.order = append(c.order, d.ID)
			p.Devices[i] = d
		}
		if p.DefaultDevice != "" {
			if _, ok := c.devices[p.DefaultDevice]; !ok {
				return fmt.Errorf("platform %s: default device %s not found", p.Name, p.DefaultDevice)
			}
		}
		c.platforms = append(c.platforms, p)
	}
	return nil
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*DeviceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device catalog: %w", err)
	}
	return ParseCatalog(data)
}

// LoadCatalogDir merges every *.yaml file in dir, in name order.
func LoadCatalogDir(dir string) (*DeviceCatalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}

	c := &DeviceCatalog{devices: make(map[string]DeviceDescriptor)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		if err := c.merge(file.Platforms); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
	}
	if len(c.devices) == 0 {
		return nil, fmt.Errorf("no devices found in %s", dir)
	}
	return c, nil
}

// DefaultCatalog returns the built-in iOS and Android catalog.
func DefaultCatalog() *DeviceCatalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded device catalog is invalid: %v", err))
	}
	return c
}

// Device returns a device by id.
func (c *DeviceCatalog) Device(id string) (DeviceDescriptor, bool) {
	d, ok := c.devices[id]
	return d, ok
}

// Devices returns all devices in catalog order.
func (c *DeviceCatalog) Devices() []DeviceDescriptor {
	out := make([]DeviceDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.devices[id])
	}
	return out
}

// Platform returns a platform by name (case-insensitive).
func (c *DeviceCatalog) Platform(name string) (PlatformSpec, bool) {
	for _, p := range c.platforms {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return PlatformSpec{}, false
}

// PlatformNames lists the platform names, sorted.
func (c *DeviceCatalog) PlatformNames() []string {
	names := make([]string, 0, len(c.platforms))
	for _, p := range c.platforms {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
