package spectral

// Shift reorders a natural-order spectrum so DC sits at index n/2, the
// layout display adapters expect.
func Shift(dst, src []float64) []float64 {
	n := len(src)
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	half := n / 2
	for i := 0; i < n; i++ {
		dst[i] = src[(i+n-half)%n]
	}
	return dst
}

// ShiftFloat32 is Shift with narrowing to float32 for the wire.
func ShiftFloat32(dst []float32, src []float64) []float32 {
	n := len(src)
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	half := n / 2
	for i := 0; i < n; i++ {
		dst[i] = float32(src[(i+n-half)%n])
	}
	return dst
}
