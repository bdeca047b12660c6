package motion

import (
	"image"
)

// Shadow band: pixels darker than the background by a ratio in
// [shadowLow, shadowHigh) are treated as shadow, not foreground.
const (
	shadowLow  = 0.5
	shadowHigh = 0.9
)

// BackgroundSubtractor is the default Analyzer: running-average background,
// absolute difference threshold, dilation and connected components.
type BackgroundSubtractor struct {
	// Sensitivity is the per-pixel intensity difference that marks foreground.
	Sensitivity int
	// DetectShadows suppresses moderately darker pixels.
	DetectShadows bool
	// WarmupFrames are learned before any motion is reported.
	WarmupFrames int
	// DilatePasses grows the foreground mask to merge nearby blobs.
	DilatePasses int
}

// NewBackgroundSubtractor returns a subtractor with the given sensitivity.
func NewBackgroundSubtractor(sensitivity int, detectShadows bool, warmup int) *BackgroundSubtractor {
	if sensitivity <= 0 {
		sensitivity = 25
	}

	if warmup < 1 {
		warmup = 1
	}

	return &BackgroundSubtractor{
		Sensitivity:   sensitivity,
		DetectShadows: detectShadows,
		WarmupFrames:  warmup,
		DilatePasses:  2,
	}
}

// Learn implements Analyzer.
func (b *BackgroundSubtractor) Learn(frame *image.Gray, model *Model, p Params) *Model {
	if !model.fits(frame) {
		return newModel(frame)
	}

	model.accumulate(frame, float32(p.LearningRate))

	return model
}

// Analyze implements Analyzer.
func (b *BackgroundSubtractor) Analyze(frame *image.Gray, model *Model, p Params) (Result, *Model) {
	if !model.fits(frame) {
		return Result{Warmup: true}, newModel(frame)
	}

	if model.Frames < b.WarmupFrames {
		// Learn quickly while warming up so the first frames dominate.
		model.accumulate(frame, 1/float32(model.Frames+1))

		return Result{Warmup: true}, model
	}

	mask := b.foreground(frame, model)
	for range b.DilatePasses {
		mask = dilate(mask, model.Width, model.Height)
	}

	model.accumulate(frame, float32(p.LearningRate))

	var res Result

	for _, blob := range components(mask, model.Width, model.Height) {
		if blob.area < p.MinArea {
			continue
		}

		res.Regions = append(res.Regions, blob.rect)
		res.Area += blob.area
	}

	res.Motion = len(res.Regions) > 0

	return res, model
}

func (b *BackgroundSubtractor) foreground(frame *image.Gray, model *Model) []bool {
	mask := make([]bool, model.Width*model.Height)
	threshold := float32(b.Sensitivity)

	for y := range model.Height {
		row := frame.Pix[y*frame.Stride:]

		for x := range model.Width {
			i := y*model.Width + x
			bg := model.Mean[i]
			px := float32(row[x])

			diff := px - bg
			if diff < 0 {
				diff = -diff
			}

			if diff <= threshold {
				continue
			}

			if b.DetectShadows && px < bg {
				if ratio := px / bg; ratio >= shadowLow && ratio < shadowHigh {
					continue
				}
			}

			mask[i] = true
		}
	}

	return mask
}

// dilate applies one 3x3 dilation.
func dilate(mask []bool, w, h int) []bool {
	out := make([]bool, len(mask))

	for y := range h {
		for x := range w {
			if !mask[y*w+x] {
				continue
			}

			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}

				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx >= 0 && nx < w {
						out[ny*w+nx] = true
					}
				}
			}
		}
	}

	return out
}

type blob struct {
	rect image.Rectangle
	area int
}

// components labels 8-connected foreground regions.
func components(mask []bool, w, h int) []blob {
	seen := make([]bool, len(mask))
	stack := make([]int, 0, 1024)

	var blobs []blob

	for start, on := range mask {
		if !on || seen[start] {
			continue
		}

		seen[start] = true
		stack = append(stack[:0], start)

		sx, sy := start%w, start/w
		bl := blob{rect: image.Rect(sx, sy, sx+1, sy+1)}

		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			bl.area++

			x, y := i%w, i/w
			bl.rect = bl.rect.Union(image.Rect(x, y, x+1, y+1))

			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}

				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}

					if j := ny*w + nx; mask[j] && !seen[j] {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}

		blobs = append(blobs, bl)
	}

	return blobs
}
