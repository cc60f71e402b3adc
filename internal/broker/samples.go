package broker

import (
	"math"
	"sort"
)

// rollingSample is a bounded FIFO window over recent observations.
// Not self-synchronized: the topic appends and reads under its mutex.
type rollingSample struct {
	values []float64
	max    int
}

func newRollingSample(capacity int) *rollingSample {
	return &rollingSample{
		values: make([]float64, 0, capacity),
		max:    capacity,
	}
}

func (s *rollingSample) add(v float64) {
	if len(s.values) >= s.max {
		s.values = s.values[1:]
	}
	s.values = append(s.values, v)
}

func (s *rollingSample) size() int {
	return len(s.values)
}

func (s *rollingSample) avg() float64 {
	if len(s.values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.values {
		sum += v
	}
	return sum / float64(len(s.values))
}

// percentile returns the q-quantile of the window at index floor(q*n),
// clamped to the last element. An empty window reports 0.
func (s *rollingSample) percentile(q float64) float64 {
	n := len(s.values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, s.values)
	sort.Float64s(sorted)

	idx := int(math.Floor(q * float64(n)))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
