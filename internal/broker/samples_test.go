package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingSample_Empty(t *testing.T) {
	s := newRollingSample(10)

	assert.Equal(t, 0, s.size())
	assert.Equal(t, 0.0, s.avg())
	assert.Equal(t, 0.0, s.percentile(0.95))
	assert.Equal(t, 0.0, s.percentile(0.99))
}

func TestRollingSample_Avg(t *testing.T) {
	s := newRollingSample(10)
	for _, v := range []float64{1, 2, 3, 4} {
		s.add(v)
	}

	assert.Equal(t, 4, s.size())
	assert.InDelta(t, 2.5, s.avg(), 1e-9)
}

func TestRollingSample_TrimsOldest(t *testing.T) {
	s := newRollingSample(3)
	for _, v := range []float64{10, 20, 30, 40} {
		s.add(v)
	}

	require.Equal(t, 3, s.size())
	// 10 was evicted; window is 20, 30, 40.
	assert.InDelta(t, 30.0, s.avg(), 1e-9)
}

func TestRollingSample_Percentile(t *testing.T) {
	s := newRollingSample(200)
	// Insert out of order; percentile sorts a copy.
	for i := 100; i >= 1; i-- {
		s.add(float64(i))
	}

	// Index is floor(q*n) on the sorted window, clamped to the end.
	assert.Equal(t, 96.0, s.percentile(0.95))
	assert.Equal(t, 100.0, s.percentile(0.99))
	assert.Equal(t, 1.0, s.percentile(0.0))
	assert.Equal(t, 100.0, s.percentile(1.0))
}

func TestRollingSample_PercentileSingleValue(t *testing.T) {
	s := newRollingSample(5)
	s.add(7.5)

	assert.Equal(t, 7.5, s.percentile(0.95))
	assert.Equal(t, 7.5, s.percentile(0.99))
	assert.InDelta(t, 7.5, s.avg(), 1e-9)
}

func TestRollingSample_PercentileDoesNotReorderWindow(t *testing.T) {
	s := newRollingSample(5)
	s.add(3)
	s.add(1)
	s.add(2)

	_ = s.percentile(0.5)

	// Eviction order must still be FIFO, not sorted.
	s.add(4)
	s.add(5)
	s.add(6)
	require.Equal(t, 5, s.size())
	assert.InDelta(t, (1+2+4+5+6)/5.0, s.avg(), 1e-9)
}
