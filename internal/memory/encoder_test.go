package memory

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEncoderDeterministic(t *testing.T) {
	enc := NewHashEncoder(384)

	a := enc.Encode("momentum signal for AAPL")
	b := enc.Encode("momentum signal for AAPL")

	require.Len(t, a, 384)
	assert.Equal(t, a, b, "identical text must encode identically")
}

func TestHashEncoderDistinctTexts(t *testing.T) {
	enc := NewHashEncoder(64)

	a := enc.Encode("breakout on TSLA")
	b := enc.Encode("mean reversion on TSLA")

	assert.NotEqual(t, a, b)
}

func TestHashEncoderUnitNorm(t *testing.T) {
	enc := NewHashEncoder(128)

	vec := enc.Encode("anything")
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-3)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Degenerate inputs
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}
