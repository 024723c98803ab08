package compositor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

type fontKey struct {
	family string
	weight int
}

// FontBook resolves caption families to parsed fonts. Families found in the
// fonts directory as "<Family>-<weight>.ttf" (or .otf) are used when present,
// otherwise the embedded Go fonts stand in, picked by weight.
type FontBook struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	fonts map[fontKey]*opentype.Font

	fallbackOnce sync.Once
	fallback     map[string]*opentype.Font
	fallbackErr  error
}

// NewFontBook creates a font book reading extra fonts from dir (may be empty).
func NewFontBook(dir string, logger *zap.Logger) *FontBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FontBook{
		dir:    dir,
		logger: logger,
		fonts:  make(map[fontKey]*opentype.Font),
	}
}

var defaultFontBook = NewFontBook("", nil)

func normalizeFamily(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
}

// Ready reports whether (name, weight) resolves without touching the disk.
func (b *FontBook) Ready(name string, weight int) bool {
	if b.dir == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.fonts[fontKey{normalizeFamily(name), weight}]
	return ok
}

// Load resolves the font for (name, weight), reading the fonts directory if
// needed. Lookups that miss the directory are cached as the fallback font.
func (b *FontBook) Load(name string, weight int) (*opentype.Font, error) {
	key := fontKey{normalizeFamily(name), weight}

	b.mu.Lock()
	if f, ok := b.fonts[key]; ok {
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	f, err := b.loadFile(name, weight)
	if err != nil {
		return nil, err
	}
	if f == nil {
		if f, err = b.fallbackFor(weight); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	b.fonts[key] = f
	b.mu.Unlock()
	return f, nil
}

func (b *FontBook) loadFile(name string, weight int) (*opentype.Font, error) {
	if b.dir == "" {
		return nil, nil
	}
	base := strings.ReplaceAll(strings.TrimSpace(name), " ", "")
	for _, candidate := range []string{
		base + "-" + strconv.Itoa(weight) + ".ttf",
		base + "-" + strconv.Itoa(weight) + ".otf",
		base + ".ttf",
		base + ".otf",
	} {
		path := filepath.Join(b.dir, candidate)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		f, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse font %s: %w", path, err)
		}
		b.logger.Debug("Loaded font", zap.String("path", path))
		return f, nil
	}
	return nil, nil
}

func (b *FontBook) fallbackFor(weight int) (*opentype.Font, error) {
	b.fallbackOnce.Do(func() {
		b.fallback = make(map[string]*opentype.Font)
		for name, data := range map[string][]byte{
			"regular": goregular.TTF,
			"medium":  gomedium.TTF,
			"bold":    gobold.TTF,
		} {
			f, err := opentype.Parse(data)
			if err != nil {
				b.fallbackErr = fmt.Errorf("failed to parse embedded font %s: %w", name, err)
				return
			}
			b.fallback[name] = f
		}
	})
	if b.fallbackErr != nil {
		return nil, b.fallbackErr
	}

	switch {
	case weight >= 700:
		return b.fallback["bold"], nil
	case weight >= 500:
		return b.fallback["medium"], nil
	default:
		return b.fallback["regular"], nil
	}
}

// Face builds a face at size pixels. Faces are not safe for concurrent use,
// so callers get their own.
func (b *FontBook) Face(name string, weight int, size float64) (font.Face, error) {
	f, err := b.Load(name, weight)
	if err != nil {
		return nil, err
	}
	if size < 1 {
		size = 1
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create face: %w", err)
	}
	return face, nil
}
