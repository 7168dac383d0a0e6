package trainer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHingeLoss(t *testing.T) {
	t.Run("satisfied margin", func(t *testing.T) {
		loss, gPos, gNeg := HingeLoss(2, 0)
		assert.Equal(t, 0.0, loss)
		assert.Equal(t, 0.0, gPos)
		assert.Equal(t, 0.0, gNeg)
	})

	t.Run("violated margin", func(t *testing.T) {
		loss, gPos, gNeg := HingeLoss(0, 0)
		assert.Equal(t, 1.0, loss)
		assert.Equal(t, -1.0, gPos)
		assert.Equal(t, 1.0, gNeg)
	})
}

func TestSoftmaxLoss(t *testing.T) {
	loss, gPos, gNeg := SoftmaxLoss(0, 0)
	assert.InDelta(t, math.Log(2), loss, 1e-12)
	assert.InDelta(t, -0.5, gPos, 1e-12)
	assert.InDelta(t, 0.5, gNeg, 1e-12)

	// A confidently correct pair contributes almost no loss.
	loss, gPos, _ = SoftmaxLoss(20, 0)
	assert.Less(t, loss, 1e-6)
	assert.Greater(t, gPos, -1e-6)
}

func TestRoundFloat16(t *testing.T) {
	assert.Equal(t, 0.0, roundFloat16(0))
	assert.Equal(t, 1.0, roundFloat16(1))
	assert.Equal(t, -2.5, roundFloat16(-2.5))
	assert.Equal(t, 0.0999755859375, roundFloat16(0.1))

	// Rounding is idempotent.
	for _, v := range []float64{0.1, 3.14159, -0.001, 123.456} {
		once := roundFloat16(v)
		assert.Equal(t, once, roundFloat16(once))
	}
}
