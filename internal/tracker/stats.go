package tracker

import "math"

// runningStats accumulates mean and variance with Welford's method.
type runningStats struct {
	count int
	mean  float64
	m2    float64
}

func (s *runningStats) add(x float64) {
	s.count++
	delta := x - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (x - s.mean)
}

// stddev is the sample standard deviation; zero below two samples.
func (s *runningStats) stddev() float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.count-1))
}

// zScore of the newest price against the whole window, for display only.
func zScore(history []float64) float64 {
	if len(history) < 2 {
		return 0
	}
	var s runningStats
	for _, p := range history {
		s.add(p)
	}
	sd := s.stddev()
	if sd == 0 {
		return 0
	}
	return (history[len(history)-1] - s.mean) / sd
}

// percentDrop is the percentage decrease from ref to current.
// Negative when the price rose.
func percentDrop(ref, current float64) float64 {
	return (ref - current) / ref * 100
}
