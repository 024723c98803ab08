package compositor

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

var shadowColor = color.NRGBA{R: 0x99, G: 0x99, B: 0x99, A: 0xff}

func (r RectF) rect(origin image.Point) image.Rectangle {
	x0 := int(math.Round(r.X))
	y0 := int(math.Round(r.Y))
	x1 := int(math.Round(r.X + r.W))
	y1 := int(math.Round(r.Y + r.H))
	return image.Rect(x0, y0, x1, y1).Add(origin)
}

func fill(dst xdraw.Image, c color.Color) {
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, xdraw.Src)
}

// drawScaled draws the src sub-rectangle into the dst rectangle. Rectangles
// reaching outside dst are clipped by the scaler.
func drawScaled(dst xdraw.Image, dr image.Rectangle, src image.Image, sr image.Rectangle, scaler xdraw.Scaler) {
	sr = sr.Intersect(src.Bounds())
	if dr.Empty() || sr.Empty() {
		return
	}
	scaler.Scale(dst, dr, src, sr, xdraw.Over, nil)
}

// coverRect scales an srcW x srcH image to cover a w x h canvas, centred.
func coverRect(srcW, srcH, w, h float64) RectF {
	if srcW <= 0 || srcH <= 0 {
		return RectF{W: w, H: h}
	}
	scale := math.Max(w/srcW, h/srcH)
	dw, dh := srcW*scale, srcH*scale
	return RectF{X: (w - dw) / 2, Y: (h - dh) / 2, W: dw, H: dh}
}

// drawShadow paints a blurred rectangle under r. Three box passes of radius
// blur/2 approximate the gaussian a canvas shadow uses.
func drawShadow(dst xdraw.Image, r image.Rectangle, c color.Color, blur float64) {
	if r.Empty() {
		return
	}
	radius := int(math.Round(blur / 2))
	if radius < 1 {
		xdraw.Draw(dst, r, image.NewUniform(c), image.Point{}, xdraw.Over)
		return
	}

	pad := radius * 3
	mask := image.NewAlpha(r.Inset(-pad))
	xdraw.Draw(mask, r, image.Opaque, image.Point{}, xdraw.Src)
	for i := 0; i < 3; i++ {
		boxBlurH(mask, radius)
		boxBlurV(mask, radius)
	}
	xdraw.DrawMask(dst, mask.Bounds(), image.NewUniform(c), image.Point{}, mask, mask.Bounds().Min, xdraw.Over)
}

func boxBlurH(m *image.Alpha, radius int) {
	b := m.Bounds()
	w := b.Dx()
	row := make([]uint8, w)
	span := 2*radius + 1
	for y := 0; y < b.Dy(); y++ {
		off := y * m.Stride
		copy(row, m.Pix[off:off+w])
		sum := 0
		for x := -radius; x <= radius; x++ {
			sum += int(at(row, x))
		}
		for x := 0; x < w; x++ {
			m.Pix[off+x] = uint8(sum / span)
			sum += int(at(row, x+radius+1)) - int(at(row, x-radius))
		}
	}
}

func boxBlurV(m *image.Alpha, radius int) {
	b := m.Bounds()
	h := b.Dy()
	col := make([]uint8, h)
	span := 2*radius + 1
	for x := 0; x < b.Dx(); x++ {
		for y := 0; y < h; y++ {
			col[y] = m.Pix[y*m.Stride+x]
		}
		sum := 0
		for y := -radius; y <= radius; y++ {
			sum += int(at(col, y))
		}
		for y := 0; y < h; y++ {
			m.Pix[y*m.Stride+x] = uint8(sum / span)
			sum += int(at(col, y+radius+1)) - int(at(col, y-radius))
		}
	}
}

func at(s []uint8, i int) uint8 {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func measureWith(face font.Face) MeasureFunc {
	return func(s string) float64 {
		return fixedToFloat(font.MeasureString(face, s))
	}
}

func fixedToFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}

// drawLines draws wrapped caption lines centred within the text box, each
// at its baseline.
func drawLines(dst xdraw.Image, origin image.Point, face font.Face, c color.Color, l Layout) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
	}
	y := l.TextTop
	for _, line := range l.Lines {
		x := l.TextX + (l.TextMaxWidth-line.Width)/2
		d.Dot = fixed.Point26_6{
			X: fixed.Int26_6(math.Round((x + float64(origin.X)) * 64)),
			Y: fixed.Int26_6(math.Round((y + float64(origin.Y)) * 64)),
		}
		d.DrawString(line.Text)
		y += l.LineHeight
	}
}
