package spectral

// DefaultAlpha is the EWMA weight given to each new spectrum.
const DefaultAlpha = 0.01

// NoiseFloor tracks an exponentially weighted moving average per bin.
type NoiseFloor struct {
	alpha  float64
	values []float64
}

// NewNoiseFloor returns a zeroed tracker for n bins.
func NewNoiseFloor(n int, alpha float64) *NoiseFloor {
	return &NoiseFloor{alpha: alpha, values: make([]float64, n)}
}

// Update folds powers into the floor. A length mismatch resets the floor
// to zero at the new length before folding.
func (f *NoiseFloor) Update(powers []float64) {
	if len(powers) != len(f.values) {
		f.Reset(len(powers))
	}
	a := f.alpha
	for i, p := range powers {
		f.values[i] = (1-a)*f.values[i] + a*p
	}
}

// Reset zeroes the floor and resizes it to n bins.
func (f *NoiseFloor) Reset(n int) {
	if cap(f.values) >= n {
		f.values = f.values[:n]
		clear(f.values)
		return
	}
	f.values = make([]float64, n)
}

// SetAlpha changes the weight used by subsequent updates.
func (f *NoiseFloor) SetAlpha(alpha float64) { f.alpha = alpha }

// Alpha returns the current weight.
func (f *NoiseFloor) Alpha() float64 { return f.alpha }

// Values exposes the live floor. It is overwritten by the next Update.
func (f *NoiseFloor) Values() []float64 { return f.values }
