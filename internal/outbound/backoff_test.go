package outbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDoublesToCap(t *testing.T) {
	d := backoffInitial
	assert.Equal(t, 2*time.Second, nextBackoff(d))
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))
	assert.Equal(t, backoffMax, nextBackoff(40*time.Second))
	assert.Equal(t, backoffMax, nextBackoff(backoffMax))
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	lo := time.Duration(float64(base) * (1 - backoffJitter))
	hi := time.Duration(float64(base) * (1 + backoffJitter))
	for i := 0; i < 100; i++ {
		d := jittered(base)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}
