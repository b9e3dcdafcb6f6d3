package spectral

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Candidate is a planned FFT together with the planner that built it.
type Candidate struct {
	Name string
	FFT  FFT
}

// Selector picks one candidate for a block size. Implementations must be
// free of side effects on the numeric output.
type Selector interface {
	Select(n int, candidates []Candidate) (Candidate, error)
}

// FastestOf times each candidate on a synthetic block and keeps the
// quickest. Rounds is the number of transforms per candidate.
type FastestOf struct {
	Rounds int
}

func (s FastestOf) Select(n int, candidates []Candidate) (Candidate, error) {
	switch len(candidates) {
	case 0:
		return Candidate{}, errors.New("no fft backend available")
	case 1:
		return candidates[0], nil
	}

	rounds := s.Rounds
	if rounds <= 0 {
		rounds = 8
	}

	src := make([]complex128, n)
	for i := range src {
		phase := 2 * math.Pi * 0.1234 * float64(i)
		src[i] = complex(math.Cos(phase), math.Sin(phase))
	}
	dst := make([]complex128, n)

	best := candidates[0]
	bestTime := time.Duration(math.MaxInt64)
	for _, c := range candidates {
		c.FFT.Forward(dst, src) // warm-up
		start := time.Now()
		for r := 0; r < rounds; r++ {
			c.FFT.Forward(dst, src)
		}
		if elapsed := time.Since(start); elapsed < bestTime {
			best, bestTime = c, elapsed
		}
	}
	return best, nil
}

// Fixed always selects the named backend.
type Fixed struct {
	Name string
}

func (s Fixed) Select(n int, candidates []Candidate) (Candidate, error) {
	for _, c := range candidates {
		if c.Name == s.Name {
			return c, nil
		}
	}
	return Candidate{}, fmt.Errorf("fft backend %q cannot handle size %d", s.Name, n)
}

// plan builds every candidate the planners can produce for size n.
func plan(n int, planners []Planner) []Candidate {
	out := make([]Candidate, 0, len(planners))
	for _, p := range planners {
		f, err := p.Plan(n)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Name: p.Name(), FFT: f})
	}
	return out
}
