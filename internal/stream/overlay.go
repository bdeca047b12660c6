package stream

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	boxColor   = color.RGBA{R: 255, G: 48, B: 48, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	labelBack  = color.RGBA{A: 180}
)

// DrawRegions returns jpegData with a box around each region and label
// above the first one. The input is returned unchanged if it can't be decoded.
func DrawRegions(jpegData []byte, regions []image.Rectangle, label string) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, r := range regions {
		drawBox(rgba, r.Intersect(bounds), boxColor, 2)
	}

	if label != "" && len(regions) > 0 {
		drawLabel(rgba, regions[0].Min.X, regions[0].Min.Y-14, label)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}

	return buf.Bytes()
}

func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	if r.Empty() {
		return
	}

	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}

	src := image.NewUniform(c)
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string) {
	b := img.Bounds()
	x = max(x, b.Min.X)
	y = max(y, b.Min.Y)

	back := image.Rect(x, y, x+len(label)*7+4, y+14).Intersect(b)
	draw.Draw(img, back, image.NewUniform(labelBack), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + 2), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
