package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Duration(0), ExponentialBackoff(0, base, max, 0))
	assert.Equal(t, time.Second, ExponentialBackoff(1, base, max, 0))
	assert.Equal(t, 2*time.Second, ExponentialBackoff(2, base, max, 0))
	assert.Equal(t, 8*time.Second, ExponentialBackoff(4, base, max, 0))
	assert.Equal(t, max, ExponentialBackoff(10, base, max, 0))
}

func TestExponentialBackoff_JitterStaysBounded(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	for i := 0; i < 50; i++ {
		d := ExponentialBackoff(3, base, max, 0.1)
		// 4s +/- 5%
		assert.GreaterOrEqual(t, d, 3800*time.Millisecond)
		assert.LessOrEqual(t, d, 4200*time.Millisecond)
	}
}

func TestClampDuration(t *testing.T) {
	lo, hi := time.Second, time.Minute

	assert.Equal(t, lo, ClampDuration(time.Millisecond, lo, hi))
	assert.Equal(t, hi, ClampDuration(time.Hour, lo, hi))
	assert.Equal(t, 30*time.Second, ClampDuration(30*time.Second, lo, hi))
}
