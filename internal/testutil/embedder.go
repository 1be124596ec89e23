package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/knowla/knowla/internal/embedding"
)

// HashProvider is a deterministic embedding.Provider for tests. Identical
// texts embed to identical unit vectors, so exact-content queries score
// cosine similarity 1.0 while distinct texts land far apart.
type HashProvider struct{}

var _ embedding.Provider = HashProvider{}

// Embed derives a unit vector from a hash of the text.
func (HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, embedding.VectorDimension)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
