package palfi

import "math"

// Measurement is what the capture interrupt latches over one run.
type Measurement struct {
	StartVal   uint16
	EndVal     uint16
	StartCount int
	EndCount   int
}

// Capture window, in edges.
const (
	StartCount = 20
	EndCount   = 160
)

// TargetPeriod is the trimmed resonance period the trim value aims for.
const TargetPeriod = 7452.0

// PulseWidth converts a latched measurement into the mean period, in
// milliseconds per 1000 edges, given the capture timer frequency. The timer
// counts freely so the difference is taken modulo 2^16.
func PulseWidth(m Measurement, refHz float64) float64 {
	periods := float64(m.EndCount-m.StartCount) * refHz
	if periods <= 0 {
		return 0
	}
	delta := float64(m.EndVal - m.StartVal)
	return delta / periods * 1000
}

// TrimValue interpolates the trim capacitor setting between the untrimmed
// (tlow) and fully trimmed (thigh) periods. Results outside int8 saturate;
// degenerate inputs give 0.
func TrimValue(tlow, thigh float64) int8 {
	tl2 := tlow * tlow
	th2 := thigh * thigh
	v := (((TargetPeriod * TargetPeriod) / tl2) - 1) / ((th2 / tl2) - 1) * 127
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt8:
		return math.MaxInt8
	case v <= math.MinInt8:
		return math.MinInt8
	default:
		return int8(v)
	}
}
