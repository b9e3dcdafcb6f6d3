package spectral

import (
	"fmt"
	"math"
	"strings"
)

// Window names a tapering function applied before the FFT.
type Window string

const (
	Hamming     Window = "hamming"
	Hann        Window = "hann"
	Blackman    Window = "blackman"
	Rectangular Window = "rectangular"
)

// ParseWindow accepts a window name case-insensitively.
func ParseWindow(s string) (Window, error) {
	w := Window(strings.ToLower(strings.TrimSpace(s)))
	switch w {
	case Hamming, Hann, Blackman, Rectangular:
		return w, nil
	case "hanning":
		return Hann, nil
	case "none", "rect":
		return Rectangular, nil
	}
	return "", fmt.Errorf("unknown window %q", s)
}

// Coefficients returns the symmetric window of length n.
func (w Window) Coefficients(n int) []float64 {
	c := make([]float64, n)
	if n == 1 {
		c[0] = 1
		return c
	}
	d := float64(n - 1)
	for i := range c {
		x := 2 * math.Pi * float64(i) / d
		switch w {
		case Hann:
			c[i] = 0.5 - 0.5*math.Cos(x)
		case Blackman:
			c[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
		case Rectangular:
			c[i] = 1
		default:
			c[i] = 0.54 - 0.46*math.Cos(x)
		}
	}
	return c
}
