package pcm

import "math"

// DBToLinear converts a gain in decibels to an amplitude multiplier
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// Gain scales samples in place and clamps the result to [-1, 1]
func Gain(samples []float32, gain float64) {
	if gain == 1 {
		return
	}
	for i, s := range samples {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = float32(v)
	}
}

// Resample changes playback speed by rate using linear interpolation.
// A rate of 2 halves the number of samples; pitch shifts with speed.
func Resample(samples []float32, rate float64) []float32 {
	if rate <= 0 || rate == 1 || len(samples) == 0 {
		return samples
	}
	n := int(math.Floor(float64(len(samples)) / rate))
	if n == 0 {
		n = 1
	}
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * rate
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// PeakLevel returns the largest absolute sample value
func PeakLevel(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// RMSLevel returns the root-mean-square level of the samples
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
