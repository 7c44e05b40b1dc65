package stages

import "math"

// Confidence is a weighted mean of evidence values in [0,1]. Evidence with no
// weight is ignored, and an empty Confidence scores 0.
type Confidence struct {
	sum    float64
	weight float64
}

// Add records one piece of evidence.
func (c *Confidence) Add(value, weight float64) {
	if weight <= 0 {
		return
	}
	c.sum += clamp01(value) * weight
	c.weight += weight
}

// Score returns the current confidence rounded to three decimals.
func (c Confidence) Score() float64 {
	if c.weight == 0 {
		return 0
	}
	return math.Round(c.sum/c.weight*1000) / 1000
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
