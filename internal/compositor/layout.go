package compositor

import (
	"math"

	"github.com/koios/shotframe/pkg/models"
)

// Layout constants, in canvas pixels unless stated otherwise.
const (
	fontScale            = 0.0125
	lineHeightRatio      = 1.4
	textMaxWidthRatio    = 0.9
	textXRatio           = 0.05
	textPaddingLines     = 1.5
	textDevicePadding    = 6.0
	frameEdgeOffsetDips  = 20.0
	phoneLandscapeTweak  = 1.2
	tabletLandscapeTweak = 1.8
	minSizeMultiplier    = 0.05
	maxSizeMultiplier    = 1.0
	aspectTolerance      = 0.1
	shadowBlur           = 20.0
)

// RectF is a rectangle with float coordinates.
type RectF struct {
	X, Y, W, H float64
}

// Layout is the fully resolved geometry of one render.
type Layout struct {
	Width, Height float64
	FontSize      float64
	LineHeight    float64
	TextX         float64
	TextMaxWidth  float64
	TextPadding   float64
	TextHeight    float64
	Lines         []Line

	// DrawText is false for layouts without a caption; TextTop is the
	// baseline of the first line.
	DrawText bool
	TextTop  float64

	// Frame is placed for every layout except none. FrameVisible is false
	// for the screenshot-only layouts, which keep the frame box for sizing.
	HasFrame     bool
	FrameVisible bool
	Frame        RectF
	Multiplier   float64

	Screenshot   RectF
	Shadow       bool
	AnchorBottom bool
}

type layoutInput struct {
	device      models.DeviceDescriptor
	orientation models.Orientation
	position    models.LabelPosition
	fontSize    float64
	label       string
	width       float64
	height      float64
	// frameW/frameH is the frame artwork size: the loaded image when
	// available, otherwise the catalog value.
	frameW, frameH float64
	measure        func(size float64) MeasureFunc
}

// layoutFunc positions the caption for one label position and marks which
// frame and shadow treatment it gets.
type layoutFunc func(l *Layout)

func layoutFor(p models.LabelPosition) layoutFunc {
	switch p {
	case models.LabelAbove:
		return layoutAbove
	case models.LabelBelow:
		return layoutBelow
	case models.LabelAboveFullDevice:
		return layoutAboveFullDevice
	case models.LabelBelowFullDevice:
		return layoutBelowFullDevice
	case models.LabelDevice:
		return layoutDevice
	case models.LabelAboveScreenshot:
		return layoutAboveScreenshot
	case models.LabelBelowScreenshot:
		return layoutBelowScreenshot
	case models.LabelNone:
		return layoutNone
	}
	return layoutAbove
}

func textAtTop(l *Layout) {
	l.DrawText = true
	l.TextTop = l.TextPadding
}

func textAtBottom(l *Layout) {
	l.DrawText = true
	l.AnchorBottom = true
	l.TextTop = l.Height - l.TextHeight
}

func layoutAbove(l *Layout) {
	textAtTop(l)
	l.HasFrame, l.FrameVisible = true, true
}

func layoutBelow(l *Layout) {
	textAtBottom(l)
	l.HasFrame, l.FrameVisible = true, true
}

func layoutAboveFullDevice(l *Layout) {
	textAtTop(l)
	l.HasFrame, l.FrameVisible = true, true
}

func layoutBelowFullDevice(l *Layout) {
	textAtBottom(l)
	l.HasFrame, l.FrameVisible = true, true
}

func layoutDevice(l *Layout) {
	l.HasFrame, l.FrameVisible = true, true
}

func layoutAboveScreenshot(l *Layout) {
	textAtTop(l)
	l.HasFrame = true
	l.Shadow = true
}

func layoutBelowScreenshot(l *Layout) {
	textAtBottom(l)
	l.HasFrame = true
	l.Shadow = true
}

func layoutNone(l *Layout) {}

// computeLayout resolves text, frame and screenshot placement.
func computeLayout(in layoutInput) Layout {
	w, h := in.width, in.height

	fontSize := w * fontScale * in.fontSize
	if in.orientation == models.Landscape {
		tweak := phoneLandscapeTweak
		if in.device.IsTablet() {
			tweak = tabletLandscapeTweak
		}
		fontSize = math.Min(w, h) / tweak * fontScale * in.fontSize
	}
	lineHeight := fontSize * lineHeightRatio

	l := Layout{
		Width:        w,
		Height:       h,
		FontSize:     fontSize,
		LineHeight:   lineHeight,
		TextX:        w * textXRatio,
		TextMaxWidth: w * textMaxWidthRatio,
		TextPadding:  lineHeight * textPaddingLines,
	}

	if in.position != models.LabelNone {
		var measure MeasureFunc = func(string) float64 { return 0 }
		if in.measure != nil {
			measure = in.measure(fontSize)
		}
		l.Lines = Wrap(in.label, l.TextMaxWidth, measure)
		l.TextHeight = float64(len(l.Lines)) * lineHeight
	}

	layoutFor(in.position)(&l)

	if !l.HasFrame {
		l.Screenshot = RectF{W: w, H: h}
		return l
	}

	m := sizeMultiplier(in.device, in.position, in.orientation, l.TextHeight, h)
	l.Multiplier = m

	frameW := w * m
	aspectW, aspectH := in.frameW, in.frameH
	if aspectW <= 0 {
		aspectW = 1
	}
	frameH := frameW / aspectW * aspectH
	frameLeft := (w - frameW) / 2

	naturalW, _ := in.device.NaturalSize(in.orientation)
	dips := 0.0
	if naturalW > 0 {
		dips = in.device.NaturalMultiplier / (float64(naturalW) / w)
	}

	var offset float64
	if in.position != models.LabelDevice {
		offset = l.TextPadding + textDevicePadding + l.TextHeight - frameEdgeOffsetDips*dips
	} else if in.orientation == models.Landscape {
		offset = (h - frameH) / 2
	}

	var frameTop float64
	if l.AnchorBottom {
		if in.position == models.LabelBelowScreenshot && in.orientation == models.Landscape {
			offset *= 1.5
		}
		frameTop = h - frameH - offset
	} else {
		frameTop = offset
	}
	l.Frame = RectF{X: frameLeft, Y: frameTop, W: frameW, H: frameH}

	screen := in.device.Orientation(in.orientation).ScreenFractions()
	screenTop := frameH * screen.Top
	shot := RectF{
		X: frameLeft + frameW*screen.Left,
		Y: frameTop + screenTop,
		W: frameW * screen.Width,
		H: frameH * screen.Height,
	}

	if !l.FrameVisible {
		shot.W = frameW * 0.90
		shot.H = frameH * 0.84
		shot.X = (w - shot.W) / 2
		if l.AnchorBottom {
			screenTop = -screenTop
			shot.Y += screenTop + lineHeight*3
			if in.device.IsTablet() {
				shot.Y += screenTop + lineHeight*4
			}
		} else {
			shot.Y -= screenTop - lineHeight/2
		}
	}
	l.Screenshot = shot
	return l
}

// sizeMultiplier scales the frame box relative to the canvas width. Full
// device layouts shrink further by the share of the canvas the caption
// takes. The result stays within [0.05, 1].
func sizeMultiplier(d models.DeviceDescriptor, p models.LabelPosition, o models.Orientation, textHeight, canvasHeight float64) float64 {
	m := d.DeviceSizeMultiplier
	if m <= 0 {
		m = 1
	}

	switch p.Category() {
	case models.CategoryFullDeviceWithText:
		pair := models.TweakPair{Portrait: 0.84, Landscape: 0.95}
		if d.SizeTweaks.FullDevice != nil {
			pair = *d.SizeTweaks.FullDevice
		}
		m = pair.For(o)
		if canvasHeight > 0 {
			m -= textHeight / canvasHeight
		}
	case models.CategoryDeviceOnly:
		pair := models.TweakPair{Portrait: 0.92, Landscape: 1}
		if d.SizeTweaks.DeviceOnly != nil {
			pair = *d.SizeTweaks.DeviceOnly
		}
		m = pair.For(o)
	}

	return math.Max(minSizeMultiplier, math.Min(maxSizeMultiplier, m))
}

// placeScreenshot maps a src image of srcW x srcH into dst. When the aspect
// ratios differ by more than the tolerance, a taller source is cropped and
// a wider source shrinks the destination height; anchorBottom keeps the
// bottom edge instead of the top one.
func placeScreenshot(srcW, srcH float64, dst RectF, anchorBottom bool) (src RectF, out RectF) {
	src = RectF{W: srcW, H: srcH}
	out = dst
	if srcW <= 0 || srcH <= 0 {
		return src, out
	}

	dstH := dst.H
	if dstH == 0 {
		dstH = 1
	}
	targetAspect := dst.W / dstH
	sourceAspect := srcW / srcH
	if math.Abs(sourceAspect-targetAspect) <= aspectTolerance {
		return src, out
	}

	srcDiff := srcW/targetAspect - srcH
	dstDiff := dst.W/sourceAspect - dst.H

	if srcDiff < 0 {
		src.H += srcDiff
	} else {
		out.H += dstDiff
	}

	if anchorBottom {
		if dstDiff < 0 {
			out.Y -= dstDiff
		} else {
			src.Y -= srcDiff
		}
	}
	return src, out
}
