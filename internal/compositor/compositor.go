// Package compositor renders a screenshot into a device frame with a
// caption and background, at any canvas size.
package compositor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/imageload"
	"github.com/koios/shotframe/internal/metrics"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
)

// Quality selects interpolation and JPEG quality for encoded output.
type Quality int

const (
	QualityNormal Quality = iota
	QualityHigh
)

func (q Quality) jpegQuality() int {
	if q == QualityHigh {
		return 100
	}
	return 80
}

func (q Quality) scaler() xdraw.Scaler {
	if q == QualityHigh {
		return xdraw.CatmullRom
	}
	return xdraw.BiLinear
}

// ContentType of Encode output.
const ContentType = "image/jpeg"

// ImageResolver turns an image reference into a loading Source.
type ImageResolver interface {
	Resolve(ref string) imageload.Source
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithClock sets the clock driving the debounced render.
func WithClock(c clockwork.Clock) Option {
	return func(cp *Compositor) { cp.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cp *Compositor) { cp.logger = l }
}

// WithFonts sets the font book used for captions.
func WithFonts(b *FontBook) Option {
	return func(cp *Compositor) { cp.fonts = b }
}

// WithDebounce sets how long mutations coalesce before a scheduled render.
func WithDebounce(d time.Duration) Option {
	return func(cp *Compositor) { cp.debounce = d }
}

// WithSurface attaches a surface that is re-rendered after every change.
func WithSurface(dst *image.RGBA) Option {
	return func(cp *Compositor) { cp.surface = dst }
}

type state struct {
	label           string
	labelHidden     bool
	position        models.LabelPosition
	fontName        string
	fontWeight      int
	fontSize        float64
	fontColor       string
	backgroundColor string
	phoneColor      models.PhoneColor
	orientation     models.Orientation
	screenshot      imageload.Source
	background      imageload.Source
	frame           imageload.Source
}

// Compositor owns the styling state of one rendered shot. Mutators are
// safe for concurrent use; each schedules a single coalesced re-render of
// the attached surface.
type Compositor struct {
	device   models.DeviceDescriptor
	resolver ImageResolver
	clock    clockwork.Clock
	logger   *zap.Logger
	fonts    *FontBook
	debounce time.Duration

	mu        sync.Mutex
	st        state
	surface   *image.RGBA
	ownSurf   bool
	observers map[int]func(*image.RGBA)
	nextObs   int
	timer     clockwork.Timer
	closed    bool
	fontGen   int

	unsubScreenshot func()
	unsubBackground func()
	unsubFrame      func()

	renderMu sync.Mutex
}

// New creates a compositor for device with the default styling.
func New(device models.DeviceDescriptor, resolver ImageResolver, opts ...Option) *Compositor {
	c := &Compositor{
		device:    device,
		resolver:  resolver,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		fonts:     defaultFontBook,
		observers: make(map[int]func(*image.RGBA)),
		st: state{
			position:        models.LabelAbove,
			fontName:        models.DefaultFontName,
			fontWeight:      models.DefaultFontWeight,
			fontSize:        models.DefaultFontSize,
			fontColor:       models.DefaultFontColor,
			backgroundColor: models.DefaultBackgroundColor,
			phoneColor:      models.PhoneBlack,
			orientation:     models.Portrait,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.mu.Lock()
	c.resolveFrameLocked()
	c.mu.Unlock()
	return c
}

// Device returns the device being rendered.
func (c *Compositor) Device() models.DeviceDescriptor {
	return c.device
}

// Apply sets every styling field from cfg and resolves its image URLs.
func (c *Compositor) Apply(cfg models.ScreenshotConfiguration) {
	cfg = cfg.WithDefaults()
	c.SetOrientation(cfg.Orientation)
	c.SetPhoneColor(cfg.PhoneColor)
	c.SetLabelPosition(cfg.LabelPosition)
	c.SetLabel(cfg.Label)
	c.SetFont(cfg.Font.Name, cfg.Font.Weight)
	c.SetFontSize(cfg.Font.Size)
	c.SetFontColor(cfg.Font.Color)
	c.SetBackgroundColor(cfg.BackgroundColor)
	if cfg.ScreenshotURL != "" && c.resolver != nil {
		c.SetScreenshot(c.resolver.Resolve(cfg.ScreenshotURL))
	}
	if cfg.BackgroundURL != "" && c.resolver != nil {
		c.SetBackground(c.resolver.Resolve(cfg.BackgroundURL))
	} else {
		c.RemoveBackground()
	}
}

func (c *Compositor) mutate(fn func(st *state)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.st)
	c.scheduleLocked()
}

func (c *Compositor) SetLabel(label string) {
	c.mutate(func(st *state) { st.label = label })
}

func (c *Compositor) SetLabelHidden(hidden bool) {
	c.mutate(func(st *state) { st.labelHidden = hidden })
}

func (c *Compositor) SetLabelPosition(p models.LabelPosition) {
	c.mutate(func(st *state) { st.position = p })
}

// SetFont switches the caption family and weight. When the font needs
// loading the caption is hidden until it is ready.
func (c *Compositor) SetFont(name string, weight int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.st.fontName != name || c.st.fontWeight != weight
	c.st.fontName = name
	c.st.fontWeight = weight

	if changed && !c.fonts.Ready(name, weight) {
		c.st.labelHidden = true
		c.fontGen++
		gen := c.fontGen
		go func() {
			if _, err := c.fonts.Load(name, weight); err != nil {
				c.logger.Warn("Font load failed",
					zap.String("font", name),
					zap.Int("weight", weight),
					zap.Error(err))
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.fontGen == gen {
				c.st.labelHidden = false
				c.scheduleLocked()
			}
		}()
	}
	c.scheduleLocked()
}

func (c *Compositor) SetFontSize(size float64) {
	c.mutate(func(st *state) { st.fontSize = size })
}

func (c *Compositor) SetFontColor(color string) {
	c.mutate(func(st *state) { st.fontColor = color })
}

func (c *Compositor) SetBackgroundColor(color string) {
	c.mutate(func(st *state) { st.backgroundColor = color })
}

func (c *Compositor) SetPhoneColor(color models.PhoneColor) {
	if color == "" {
		color = models.PhoneBlack
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.phoneColor == color {
		return
	}
	c.st.phoneColor = color
	c.resolveFrameLocked()
	c.scheduleLocked()
}

func (c *Compositor) SetOrientation(o models.Orientation) {
	if o == "" {
		o = models.Portrait
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.orientation == o {
		return
	}
	c.st.orientation = o
	c.resolveFrameLocked()
	c.scheduleLocked()
}

// SetScreenshot replaces the screenshot layer. The compositor re-renders
// when the source finishes loading.
func (c *Compositor) SetScreenshot(src imageload.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubScreenshot != nil {
		c.unsubScreenshot()
		c.unsubScreenshot = nil
	}
	c.st.screenshot = src
	if src != nil {
		c.unsubScreenshot = src.Subscribe(c.onImageLoaded)
	}
	c.scheduleLocked()
}

// SetBackground replaces the background image layer.
func (c *Compositor) SetBackground(src imageload.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubBackground != nil {
		c.unsubBackground()
		c.unsubBackground = nil
	}
	c.st.background = src
	if src != nil {
		c.unsubBackground = src.Subscribe(c.onImageLoaded)
	}
	c.scheduleLocked()
}

func (c *Compositor) RemoveBackground() {
	c.SetBackground(nil)
}

func (c *Compositor) resolveFrameLocked() {
	if c.unsubFrame != nil {
		c.unsubFrame()
		c.unsubFrame = nil
	}
	c.st.frame = nil
	if c.resolver == nil {
		return
	}
	ref := c.device.Orientation(c.st.orientation).FrameRef(c.st.phoneColor)
	if ref == "" {
		return
	}
	c.st.frame = c.resolver.Resolve(ref)
	c.unsubFrame = c.st.frame.Subscribe(c.onImageLoaded)
}

func (c *Compositor) onImageLoaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleLocked()
}

// ImagesLoaded reports whether the screenshot and, when set, the background
// image are decoded. Frame artwork is not waited for.
func (c *Compositor) ImagesLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.screenshot == nil || !c.st.screenshot.Loaded() {
		return false
	}
	if c.st.background != nil && !c.st.background.Loaded() {
		return false
	}
	return true
}

// OnRender registers fn to receive the surface after each scheduled render.
func (c *Compositor) OnRender(fn func(*image.RGBA)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Close cancels any pending render and drops image subscriptions.
func (c *Compositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for _, unsub := range []func(){c.unsubScreenshot, c.unsubBackground, c.unsubFrame} {
		if unsub != nil {
			unsub()
		}
	}
	c.unsubScreenshot, c.unsubBackground, c.unsubFrame = nil, nil, nil
}

// scheduleLocked (re)arms the single pending render. Nothing is scheduled
// when no surface or observer would see the result.
func (c *Compositor) scheduleLocked() {
	if c.closed || (c.surface == nil && len(c.observers) == 0) {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.clock.AfterFunc(c.debounce, c.flush)
}

func (c *Compositor) flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	// A surface made here follows the orientation; a caller's is kept as is.
	w, h := c.device.NaturalSize(c.st.orientation)
	if c.surface == nil || (c.ownSurf && c.surface.Bounds() != image.Rect(0, 0, w, h)) {
		c.surface = image.NewRGBA(image.Rect(0, 0, w, h))
		c.ownSurf = true
	}
	surface := c.surface
	st := c.st
	observers := make([]func(*image.RGBA), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	c.renderMu.Lock()
	c.draw(surface, st, QualityNormal)
	c.renderMu.Unlock()

	for _, fn := range observers {
		fn(surface)
	}
}

// Size returns the natural output size for the current orientation.
func (c *Compositor) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device.NaturalSize(c.st.orientation)
}

// Layout computes the geometry a render into a w x h canvas would use.
func (c *Compositor) Layout(w, h int) Layout {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()
	layout, _ := c.layout(st, float64(w), float64(h))
	return layout
}

// Render draws the current state into dst, sized to dst's bounds.
func (c *Compositor) Render(dst xdraw.Image) {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()
	c.draw(dst, st, QualityNormal)
}

// Encode renders at the natural size and returns JPEG bytes.
func (c *Compositor) Encode(q Quality) ([]byte, error) {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()

	w, h := c.device.NaturalSize(st.orientation)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("device %s has no natural size", c.device.ID)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c.draw(img, st, q)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q.jpegQuality()}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	metrics.RenderedBytes.Observe(float64(buf.Len()))
	return buf.Bytes(), nil
}

func (c *Compositor) frameSize(st state) (float64, float64) {
	if st.frame != nil {
		if img := st.frame.Image(); img != nil {
			b := img.Bounds()
			return float64(b.Dx()), float64(b.Dy())
		}
	}
	spec := c.device.Orientation(st.orientation)
	return spec.Frame.Width, spec.Frame.Height
}

func (c *Compositor) layout(st state, w, h float64) (Layout, func()) {
	frameW, frameH := c.frameSize(st)
	var faces []func()
	in := layoutInput{
		device:      c.device,
		orientation: st.orientation,
		position:    st.position,
		fontSize:    st.fontSize,
		label:       st.label,
		width:       w,
		height:      h,
		frameW:      frameW,
		frameH:      frameH,
		measure: func(size float64) MeasureFunc {
			face, err := c.fonts.Face(st.fontName, st.fontWeight, size)
			if err != nil {
				c.logger.Warn("Font unavailable", zap.String("font", st.fontName), zap.Error(err))
				return func(string) float64 { return 0 }
			}
			faces = append(faces, func() { face.Close() })
			return measureWith(face)
		},
	}
	l := computeLayout(in)
	return l, func() {
		for _, closeFace := range faces {
			closeFace()
		}
	}
}

// draw renders st into dst. Layers whose images are missing or still
// loading are skipped.
func (c *Compositor) draw(dst xdraw.Image, st state, q Quality) {
	start := time.Now()
	defer func() {
		metrics.RenderDuration.WithLabelValues(string(st.position)).Observe(time.Since(start).Seconds())
	}()

	bounds := dst.Bounds()
	origin := bounds.Min
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	if w <= 0 || h <= 0 {
		return
	}
	scaler := q.scaler()

	l, release := c.layout(st, w, h)
	defer release()

	fill(dst, colorOr(st.backgroundColor, defaultBackground))

	if st.background != nil {
		if bg := st.background.Image(); bg != nil {
			b := bg.Bounds()
			r := coverRect(float64(b.Dx()), float64(b.Dy()), w, h)
			drawScaled(dst, r.rect(origin), bg, b, scaler)
		}
	}

	if l.HasFrame && l.FrameVisible && st.frame != nil {
		if frame := st.frame.Image(); frame != nil {
			drawScaled(dst, l.Frame.rect(origin), frame, frame.Bounds(), scaler)
		}
	}

	if l.DrawText && !st.labelHidden && len(l.Lines) > 0 {
		face, err := c.fonts.Face(st.fontName, st.fontWeight, l.FontSize)
		if err != nil {
			c.logger.Warn("Font unavailable", zap.String("font", st.fontName), zap.Error(err))
		} else {
			drawLines(dst, origin, face, colorOr(st.fontColor, defaultFontColor), l)
			face.Close()
		}
	}

	if st.screenshot != nil {
		if shot := st.screenshot.Image(); shot != nil {
			b := shot.Bounds()
			src, out := placeScreenshot(float64(b.Dx()), float64(b.Dy()), l.Screenshot, l.AnchorBottom)
			if l.Shadow {
				drawShadow(dst, out.rect(origin), shadowColor, shadowBlur)
			}
			drawScaled(dst, out.rect(origin), shot, src.rect(b.Min), scaler)
		}
	}
}
