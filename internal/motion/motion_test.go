package motion

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"homeguard/internal/camera"
)

func scene(w, h int, block image.Rectangle) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 100}), image.Point{}, draw.Src)

	if !block.Empty() {
		draw.Draw(img, block, image.NewUniform(color.Gray{Y: 240}), image.Point{}, draw.Src)
	}

	return img
}

func frameOf(t *testing.T, seq uint64, img image.Image) camera.Frame {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))

	f, err := camera.NewFrame(seq, time.Now(), buf.Bytes())
	require.NoError(t, err)

	return f
}

// TestBackgroundSubtractorFindsBlock reports a bright block against a learned scene.
func TestBackgroundSubtractorFindsBlock(t *testing.T) {
	t.Parallel()

	a := NewBackgroundSubtractor(25, false, 1)
	p := Params{LearningRate: 0.01, MinArea: 50}

	res, model := a.Analyze(scene(64, 48, image.Rectangle{}), nil, p)
	require.True(t, res.Warmup)
	require.False(t, res.Motion)

	block := image.Rect(20, 10, 40, 30)
	res, _ = a.Analyze(scene(64, 48, block), model, p)
	require.True(t, res.Motion)
	require.Len(t, res.Regions, 1)
	require.True(t, res.Regions[0].Overlaps(block))
	require.GreaterOrEqual(t, res.Area, block.Dx()*block.Dy())
}

// TestBackgroundSubtractorShadows ignores moderately darker pixels when asked to.
func TestBackgroundSubtractorShadows(t *testing.T) {
	t.Parallel()

	shadowed := scene(32, 32, image.Rectangle{})
	draw.Draw(shadowed, image.Rect(8, 8, 24, 24), image.NewUniform(color.Gray{Y: 70}), image.Point{}, draw.Src)

	p := Params{LearningRate: 0.01}

	for _, tc := range []struct {
		shadows bool
		motion  bool
	}{{shadows: true, motion: false}, {shadows: false, motion: true}} {
		a := NewBackgroundSubtractor(25, tc.shadows, 1)
		_, model := a.Analyze(scene(32, 32, image.Rectangle{}), nil, p)
		res, _ := a.Analyze(shadowed, model, p)
		require.Equal(t, tc.motion, res.Motion, "shadows=%v", tc.shadows)
	}
}

// TestComponentsSeparatesBlobs labels diagonal neighbours together and distant pixels apart.
func TestComponentsSeparatesBlobs(t *testing.T) {
	t.Parallel()

	const w, h = 6, 4

	mask := make([]bool, w*h)
	mask[0*w+0] = true
	mask[1*w+1] = true
	mask[3*w+5] = true

	blobs := components(mask, w, h)
	require.Len(t, blobs, 2)
	require.Equal(t, 2, blobs[0].area)
	require.Equal(t, image.Rect(0, 0, 2, 2), blobs[0].rect)
	require.Equal(t, image.Rect(5, 3, 6, 4), blobs[1].rect)
}

// TestDetectorWarmup never reports motion before the model has learned the scene.
func TestDetectorWarmup(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Sensitivity: 25, WarmupFrames: 3, History: 100}, nil)
	block := image.Rect(10, 10, 40, 40)

	for i := range 3 {
		res, err := d.Process(frameOf(t, uint64(i), scene(64, 64, block)))
		require.NoError(t, err)
		require.True(t, res.Warmup, i)
		require.False(t, res.Motion, i)
	}
}

// TestDetectorSkipFrames analyses one frame in SkipFrames+1 and still reports motion in time.
func TestDetectorSkipFrames(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Sensitivity: 25, WarmupFrames: 1, SkipFrames: 2, History: 100}, nil)
	empty := scene(64, 64, image.Rectangle{})
	moving := scene(64, 64, image.Rect(16, 16, 48, 48))

	res, err := d.Process(frameOf(t, 0, empty))
	require.NoError(t, err)
	require.False(t, res.Skipped)

	for i := 1; i <= 2; i++ {
		res, err = d.Process(frameOf(t, uint64(i), empty))
		require.NoError(t, err)
		require.True(t, res.Skipped, i)
	}

	var detected bool

	for i := 3; i < 6; i++ {
		res, err = d.Process(frameOf(t, uint64(i), moving))
		require.NoError(t, err)
		detected = detected || res.Motion
	}

	require.True(t, detected)
}

// TestDetectorMinArea drops regions smaller than MinArea.
func TestDetectorMinArea(t *testing.T) {
	t.Parallel()

	small := image.Rect(30, 30, 36, 36)

	for _, tc := range []struct {
		minArea int
		motion  bool
	}{{minArea: 10, motion: true}, {minArea: 2000, motion: false}} {
		d := NewDetector(Config{Sensitivity: 25, WarmupFrames: 1, MinArea: tc.minArea, History: 100}, nil)

		_, err := d.Process(frameOf(t, 0, scene(96, 96, image.Rectangle{})))
		require.NoError(t, err)

		res, err := d.Process(frameOf(t, 1, scene(96, 96, small)))
		require.NoError(t, err)
		require.Equal(t, tc.motion, res.Motion, "minArea=%d", tc.minArea)
	}
}

// TestDetectorScalesRegions maps regions found on a downscaled frame back to full size.
func TestDetectorScalesRegions(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Sensitivity: 25, WarmupFrames: 1, MaxWidth: 80, BlurRadius: 1, History: 100}, nil)
	block := image.Rect(100, 60, 200, 160)

	_, err := d.Process(frameOf(t, 0, scene(320, 240, image.Rectangle{})))
	require.NoError(t, err)

	res, err := d.Process(frameOf(t, 1, scene(320, 240, block)))
	require.NoError(t, err)
	require.True(t, res.Motion)

	for _, r := range res.Regions {
		require.True(t, r.In(image.Rect(0, 0, 320, 240)), r)
		require.True(t, r.Overlaps(block), r)
	}

	require.Greater(t, res.Area, 80*80)
}

// TestDetectorReset relearns the scene after a reset.
func TestDetectorReset(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Sensitivity: 25, WarmupFrames: 1, History: 100}, nil)

	_, err := d.Process(frameOf(t, 0, scene(32, 32, image.Rectangle{})))
	require.NoError(t, err)

	d.Reset()

	res, err := d.Process(frameOf(t, 1, scene(32, 32, image.Rect(4, 4, 28, 28))))
	require.NoError(t, err)
	require.True(t, res.Warmup)
	require.False(t, res.Motion)
}

// TestDetectorRejectsGarbage wraps decode failures.
func TestDetectorRejectsGarbage(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{}, nil)
	_, err := d.Process(camera.Frame{Seq: 9, Data: []byte("nope")})
	require.Error(t, err)
}
