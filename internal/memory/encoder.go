package memory

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
)

// Encoder turns text into a dense vector. Encoding must be
// deterministic for a fixed model configuration so that identical text
// always lands at the same point in the index.
type Encoder interface {
	Encode(text string) []float32
	Dimension() int
}

// HashEncoder is the fallback encoder used when no embedding model is
// available. It seeds a PRNG from the SHA-256 of the text and fills a
// vector of the configured dimension, L2-normalized. Similarity
// queries against hash vectors only match identical text, which is the
// documented degraded behavior.
type HashEncoder struct {
	dimension int
}

// NewHashEncoder creates a deterministic hash-seeded encoder.
func NewHashEncoder(dimension int) *HashEncoder {
	return &HashEncoder{dimension: dimension}
}

// Encode returns a reproducible pseudo-random unit vector for the text.
func (e *HashEncoder) Encode(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))

	rng := rand.New(rand.NewSource(seed))
	vec := make([]float32, e.dimension)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Dimension returns the configured vector dimension.
func (e *HashEncoder) Dimension() int {
	return e.dimension
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Returns 0 when either vector is zero or dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
