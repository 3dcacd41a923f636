package igbh

import "math"

// StepLR is a stepped learning rate schedule: the rate starts at Initial and
// is multiplied by Gamma every StepSize epochs.
type StepLR struct {
	Initial  float64
	StepSize int
	Gamma    float64
}

// At returns the learning rate in effect at the given epoch (zero-based).
func (s StepLR) At(epoch int) float64 {
	return s.Initial * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}
