// Package motion detects moving regions in camera frames.
//
// An Analyzer holds the algorithm and is stateless between calls; the
// background Model carries everything it learned. Detector wraps an Analyzer
// for one camera: it decodes and downscales frames, runs full analysis only
// on every (SkipFrames+1)-th frame while still feeding the model with the
// others, and reports regions in the camera's own coordinates.
package motion
