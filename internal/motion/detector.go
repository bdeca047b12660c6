package motion

import (
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"homeguard/internal/camera"
	"homeguard/internal/metrics"
)

// Config tunes a Detector.
type Config struct {
	// MinArea is the smallest moving region, in presentation pixels.
	MinArea int
	// SkipFrames is the number of frames between two full analyses.
	SkipFrames int
	// History is the number of frames the background average spans.
	History int
	// Sensitivity is the per-pixel difference that marks foreground.
	Sensitivity int
	// DetectShadows ignores moderately darker pixels.
	DetectShadows bool
	// WarmupFrames are learned before motion can be reported.
	WarmupFrames int
	// BlurRadius of the box blur applied before analysis; 0 disables it.
	BlurRadius int
	// MaxWidth caps the analysis width; 0 analyses at full resolution.
	MaxWidth int
}

// Detector runs an Analyzer over a camera's frames. It decodes and
// downscales frames, applies the subsampling policy and maps regions back to
// presentation coordinates. It is safe for concurrent use, though frames are
// expected from a single capture loop.
type Detector struct {
	cfg      Config
	analyzer Analyzer

	mu    sync.Mutex
	model *Model
	count uint64
}

// NewDetector creates a detector. A nil analyzer selects the background subtractor.
func NewDetector(cfg Config, analyzer Analyzer) *Detector {
	if cfg.History <= 0 {
		cfg.History = 500
	}

	if cfg.SkipFrames < 0 {
		cfg.SkipFrames = 0
	}

	if analyzer == nil {
		analyzer = NewBackgroundSubtractor(cfg.Sensitivity, cfg.DetectShadows, cfg.WarmupFrames)
	}

	return &Detector{cfg: cfg, analyzer: analyzer}
}

// Process analyses one frame. Every (SkipFrames+1)-th frame gets a full
// analysis; the others only feed the background model at a reduced rate.
func (d *Detector) Process(f camera.Frame) (Result, error) {
	img, err := f.Decode()
	if err != nil {
		return Result{}, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}

	gray, scale := d.prepare(img)

	d.mu.Lock()
	defer d.mu.Unlock()

	full := d.count%uint64(d.cfg.SkipFrames+1) == 0
	d.count++

	rate := 1 / float64(d.cfg.History)

	if !full {
		d.model = d.analyzer.Learn(gray, d.model, Params{LearningRate: rate / float64(d.cfg.SkipFrames+1)})

		return Result{Skipped: true}, nil
	}

	// Areas shrink with the square of the downscale factor.
	minArea := int(float64(d.cfg.MinArea) * scale * scale)

	started := time.Now()

	var res Result
	res, d.model = d.analyzer.Analyze(gray, d.model, Params{LearningRate: rate, MinArea: minArea})

	metrics.ObserveAnalysis(time.Since(started), res.Motion)

	if scale != 1 {
		for i, r := range res.Regions {
			res.Regions[i] = scaleRect(r, 1/scale, img.Bounds())
		}

		res.Area = int(float64(res.Area) / (scale * scale))
	}

	return res, nil
}

// Reset drops the background model, for example after the camera reconnects.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.model = nil
	d.count = 0
}

// prepare converts img to a blurred grayscale image no wider than MaxWidth
// and returns the factor applied to the width.
func (d *Detector) prepare(img image.Image) (*image.Gray, float64) {
	gray := toGray(img)
	scale := 1.0

	b := gray.Bounds()
	if d.cfg.MaxWidth > 0 && b.Dx() > d.cfg.MaxWidth {
		scale = float64(d.cfg.MaxWidth) / float64(b.Dx())
		h := max(1, int(float64(b.Dy())*scale))

		small := image.NewGray(image.Rect(0, 0, d.cfg.MaxWidth, h))
		xdraw.ApproxBiLinear.Scale(small, small.Bounds(), gray, b, xdraw.Src, nil)
		gray = small
	}

	if d.cfg.BlurRadius > 0 {
		gray = boxBlur(gray, d.cfg.BlurRadius)
	}

	return gray, scale
}

// toGray returns the luma of img. JPEG frames decode to YCbCr, whose Y plane
// is used directly.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()

	switch src := img.(type) {
	case *image.Gray:
		if b.Min == (image.Point{}) {
			return src
		}
	case *image.YCbCr:
		out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		for y := range b.Dy() {
			off := src.YOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], src.Y[off:off+b.Dx()])
		}

		return out
	}

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	return out
}

// boxBlur applies a separable box blur of the given radius.
func boxBlur(src *image.Gray, radius int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]uint8, w*h)
	out := image.NewGray(image.Rect(0, 0, w, h))

	for y := range h {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		blurLine(row, tmp[y*w:(y+1)*w], radius)
	}

	col := make([]uint8, h)
	res := make([]uint8, h)

	for x := range w {
		for y := range h {
			col[y] = tmp[y*w+x]
		}

		blurLine(col, res, radius)

		for y := range h {
			out.Pix[y*out.Stride+x] = res[y]
		}
	}

	return out
}

// blurLine averages each element with its neighbours within radius,
// clamping the window at the edges.
func blurLine(in, out []uint8, radius int) {
	n := len(in)

	var sum, count int

	for i := 0; i <= radius && i < n; i++ {
		sum += int(in[i])
		count++
	}

	for i := range n {
		out[i] = uint8(sum / count)

		if j := i + radius + 1; j < n {
			sum += int(in[j])
			count++
		}

		if j := i - radius; j >= 0 {
			sum -= int(in[j])
			count--
		}
	}
}

// scaleRect multiplies r by factor and clips it to bounds.
func scaleRect(r image.Rectangle, factor float64, bounds image.Rectangle) image.Rectangle {
	scaled := image.Rect(
		int(float64(r.Min.X)*factor),
		int(float64(r.Min.Y)*factor),
		int(float64(r.Max.X)*factor+0.5),
		int(float64(r.Max.Y)*factor+0.5),
	)

	return scaled.Add(bounds.Min).Intersect(bounds)
}
