package motion

import (
	"image"
)

// Result is the outcome of analysing one frame.
type Result struct {
	// Motion is set when at least one region reached the minimum area.
	Motion bool `json:"motion"`
	// Regions are the bounding boxes of the moving areas.
	Regions []image.Rectangle `json:"regions,omitempty"`
	// Area is the total pixel area of Regions.
	Area int `json:"area"`
	// Warmup is set while the background model is still being learned.
	Warmup bool `json:"warmup,omitempty"`
	// Skipped is set for frames that only updated the model.
	Skipped bool `json:"skipped,omitempty"`
}

// Params are the per-call analysis settings.
type Params struct {
	// LearningRate is the weight of the new frame in the background average.
	LearningRate float64
	// MinArea is the smallest region, in analysed pixels, that counts as motion.
	MinArea int
}

// Analyzer compares frames against an accumulated background model.
// Implementations keep no state between calls; the model carries it.
type Analyzer interface {
	// Analyze reports motion in frame and returns the updated model.
	// A nil or mismatched model is replaced by one seeded from frame.
	Analyze(frame *image.Gray, model *Model, p Params) (Result, *Model)
	// Learn updates the model without looking for motion.
	Learn(frame *image.Gray, model *Model, p Params) *Model
}

// Model is a per-pixel running average of the static scene.
type Model struct {
	Width  int
	Height int
	Mean   []float32
	// Frames is the number of frames folded into the model.
	Frames int
}

func newModel(frame *image.Gray) *Model {
	b := frame.Bounds()
	m := &Model{
		Width:  b.Dx(),
		Height: b.Dy(),
		Mean:   make([]float32, b.Dx()*b.Dy()),
		Frames: 1,
	}

	for y := range m.Height {
		row := frame.Pix[(y)*frame.Stride:]
		for x := range m.Width {
			m.Mean[y*m.Width+x] = float32(row[x])
		}
	}

	return m
}

func (m *Model) fits(frame *image.Gray) bool {
	return m != nil && m.Width == frame.Bounds().Dx() && m.Height == frame.Bounds().Dy()
}

// accumulate folds frame into the model with the given weight.
func (m *Model) accumulate(frame *image.Gray, rate float32) {
	for y := range m.Height {
		row := frame.Pix[y*frame.Stride:]
		mean := m.Mean[y*m.Width : (y+1)*m.Width]

		for x := range mean {
			mean[x] += rate * (float32(row[x]) - mean[x])
		}
	}

	m.Frames++
}
