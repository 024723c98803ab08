package models

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

const testCatalog = `
platforms:
  - name: Test
    defaultDevice: slab
    devices:
      - id: slab
        name: Slab
        filenamePrefix: Slab 5in
        type: phone
        naturalMultiplier: 2
        portrait:
          width: 100
          height: 200
          frame: {width: 120, height: 240}
          screen: {left: 10, top: 20, width: 100, height: 200}
          frames:
            black: /frames/slab.png
        landscape:
          width: 200
          height: 100
          frame: {width: 240, height: 120}
          screen: {left: 20, top: 10, width: 200, height: 100}
          frames:
            black: /frames/slab-landscape.png
`

func writeTestCatalog(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	ids := []string{"iphone4", "iphone5", "iphone6", "iphone6plus", "ipad", "ipadpro",
		"nexus5x", "nexus6p", "nexus7", "nexus9"}
	for _, id := range ids {
		if _, ok := c.Device(id); !ok {
			t.Errorf("device %s missing from default catalog", id)
		}
	}
	if got := len(c.Devices()); got != len(ids) {
		t.Errorf("len(Devices()) = %d, want %d", got, len(ids))
	}

	ios, ok := c.Platform("ios")
	if !ok {
		t.Fatal("expected iOS platform")
	}
	if ios.DefaultDevice != "iphone6" {
		t.Errorf("iOS default = %q, want iphone6", ios.DefaultDevice)
	}
	android, ok := c.Platform("Android")
	if !ok {
		t.Fatal("expected Android platform")
	}
	if android.DefaultDevice != "nexus5x" {
		t.Errorf("Android default = %q, want nexus5x", android.DefaultDevice)
	}
}

func TestDeviceDescriptor_NaturalSize(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		id          string
		orientation Orientation
		w, h        int
	}{
		{"iphone6", Portrait, 750, 1334},
		{"iphone6", Landscape, 1334, 750},
		{"iphone6plus", Portrait, 1242, 2208},
		{"ipad", Landscape, 2048, 1536},
		{"nexus5x", Portrait, 1080, 1920},
	}

	for _, tt := range tests {
		t.Run(tt.id+"/"+string(tt.orientation), func(t *testing.T) {
			d, _ := c.Device(tt.id)
			w, h := d.NaturalSize(tt.orientation)
			if w != tt.w || h != tt.h {
				t.Errorf("NaturalSize = %dx%d, want %dx%d", w, h, tt.w, tt.h)
			}
		})
	}
}

func TestDeviceDescriptor_Platform(t *testing.T) {
	c := DefaultCatalog()
	d, _ := c.Device("nexus9")
	if d.Platform != "Android" {
		t.Errorf("Platform = %q, want Android", d.Platform)
	}
	if !d.IsTablet() {
		t.Error("nexus9 should be a tablet")
	}
	if d.Resolution() != "1536x2048" {
		t.Errorf("Resolution = %q", d.Resolution())
	}
}

func TestOrientationSpec_ScreenFractions(t *testing.T) {
	d, _ := DefaultCatalog().Device("iphone4")
	f := d.Portrait.ScreenFractions()

	want := ScreenFractions{Left: 78.0 / 636, Top: 232.0 / 1192, Width: 484.0 / 636, Height: 728.0 / 1192}
	if math.Abs(f.Left-want.Left) > 1e-9 || math.Abs(f.Top-want.Top) > 1e-9 ||
		math.Abs(f.Width-want.Width) > 1e-9 || math.Abs(f.Height-want.Height) > 1e-9 {
		t.Errorf("ScreenFractions = %+v, want %+v", f, want)
	}

	l := d.Landscape.ScreenFractions()
	if math.Abs(l.Left-want.Top) > 1e-9 || math.Abs(l.Width-want.Height) > 1e-9 {
		t.Errorf("landscape fractions should transpose portrait, got %+v", l)
	}
}

func TestOrientationSpec_FrameRefFallback(t *testing.T) {
	d, _ := DefaultCatalog().Device("nexus5x")
	if got := d.Portrait.FrameRef(PhoneGold); got != "/__static__/devices/Nexus5xBlack.png" {
		t.Errorf("FrameRef(gold) = %q, want black fallback", got)
	}

	iphone, _ := DefaultCatalog().Device("iphone6")
	if got := iphone.Landscape.FrameRef(PhoneRose); got != "/__static__/devices/iPhone6RoseLandscape.png" {
		t.Errorf("FrameRef(rose) = %q", got)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", ": : bad yaml [[["},
		{"missing id", "platforms:\n  - name: X\n    devices:\n      - name: nope\n"},
		{"unknown default", "platforms:\n  - name: X\n    defaultDevice: ghost\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "devices.yaml", testCatalog)

	c, err := LoadCatalog(filepath.Join(dir, "devices.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, ok := c.Device("slab")
	if !ok {
		t.Fatal("expected slab device")
	}
	if d.Platform != "Test" {
		t.Errorf("Platform = %q, want Test", d.Platform)
	}
	if w, h := d.NaturalSize(Portrait); w != 200 || h != 400 {
		t.Errorf("NaturalSize = %dx%d, want 200x400", w, h)
	}
}

func TestLoadCatalog_Missing(t *testing.T) {
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadCatalogDir(t *testing.T) {
	dir := t.TempDir()
	writeTestCatalog(t, dir, "a.yaml", testCatalog)
	writeTestCatalog(t, dir, "notes.txt", "ignored")

	c, err := LoadCatalogDir(dir)
	if err != nil {
		t.Fatalf("LoadCatalogDir: %v", err)
	}
	if len(c.Devices()) != 1 {
		t.Errorf("len(Devices()) = %d, want 1", len(c.Devices()))
	}

	// Same device id twice is rejected.
	writeTestCatalog(t, dir, "b.yaml", testCatalog)
	if _, err := LoadCatalogDir(dir); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestLoadCatalogDir_Empty(t *testing.T) {
	if _, err := LoadCatalogDir(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}
}
