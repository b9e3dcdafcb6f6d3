package spectral

import (
	"fmt"
	"math"
	"math/bits"

	dspfft "github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT is a forward transform planned for one size. Forward writes the
// unnormalised DFT of src into dst; both have the planned length.
type FFT interface {
	Forward(dst, src []complex128)
}

// Planner builds FFTs for a given size. Planners must produce the same
// numeric result; they differ only in speed.
type Planner interface {
	Name() string
	Plan(n int) (FFT, error)
}

// DefaultPlanners lists every backend compiled into the binary.
func DefaultPlanners() []Planner {
	return []Planner{Radix2{}, Gonum{}, GoDSP{}}
}

// Radix2 is an iterative Cooley-Tukey transform for power-of-two sizes
// with precomputed twiddles and bit-reversal table.
type Radix2 struct{}

func (Radix2) Name() string { return "radix2" }

func (Radix2) Plan(n int) (FFT, error) {
	if n < 1 || n&(n-1) != 0 {
		return nil, fmt.Errorf("radix2: size %d is not a power of two", n)
	}
	p := &radix2Plan{
		n:       n,
		rev:     make([]int, n),
		twiddle: make([]complex128, n/2),
	}
	shift := bits.UintSize - bits.Len(uint(n-1))
	for i := 0; i < n; i++ {
		if n > 1 {
			p.rev[i] = int(bits.Reverse(uint(i)) >> shift)
		}
	}
	for k := range p.twiddle {
		angle := -2 * math.Pi * float64(k) / float64(n)
		p.twiddle[k] = complex(math.Cos(angle), math.Sin(angle))
	}
	return p, nil
}

type radix2Plan struct {
	n       int
	rev     []int
	twiddle []complex128
}

func (p *radix2Plan) Forward(dst, src []complex128) {
	n := p.n
	for i := 0; i < n; i++ {
		dst[p.rev[i]] = src[i]
	}
	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := n / size
		for i := 0; i < n; i += size {
			k := 0
			for j := i; j < i+half; j++ {
				t := dst[j+half] * p.twiddle[k]
				dst[j+half] = dst[j] - t
				dst[j] += t
				k += step
			}
		}
	}
}

// Gonum wraps gonum's mixed-radix complex FFT.
type Gonum struct{}

func (Gonum) Name() string { return "gonum" }

func (Gonum) Plan(n int) (FFT, error) {
	if n < 1 {
		return nil, fmt.Errorf("gonum: invalid size %d", n)
	}
	return &gonumPlan{fft: fourier.NewCmplxFFT(n)}, nil
}

type gonumPlan struct {
	fft *fourier.CmplxFFT
}

func (p *gonumPlan) Forward(dst, src []complex128) {
	p.fft.Coefficients(dst, src)
}

// GoDSP wraps github.com/mjibson/go-dsp, which handles arbitrary sizes via
// Bluestein for non powers of two.
type GoDSP struct{}

func (GoDSP) Name() string { return "godsp" }

func (GoDSP) Plan(n int) (FFT, error) {
	if n < 1 {
		return nil, fmt.Errorf("godsp: invalid size %d", n)
	}
	return godspPlan{}, nil
}

type godspPlan struct{}

func (godspPlan) Forward(dst, src []complex128) {
	copy(dst, dspfft.FFT(src))
}
