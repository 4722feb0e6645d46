package shed

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_H3DeterministicFromSeed(t *testing.T) {
	h1 := NewH3(rand.New(rand.NewSource(42)))
	h2 := NewH3(rand.New(rand.NewSource(42)))

	data := []byte{1, 2, 3, 4, 5}
	assert.Equal(t, h1.Hash(data), h2.Hash(data))
}

func Test_H3DifferentSeedsDiffer(t *testing.T) {
	h1 := NewH3(rand.New(rand.NewSource(1)))
	h2 := NewH3(rand.New(rand.NewSource(2)))

	data := []byte{9, 9, 9, 9}
	assert.NotEqual(t, h1.Hash(data), h2.Hash(data))
}

func Test_BitmapEstimateEmpty(t *testing.T) {
	var b Bitmap
	assert.Equal(t, float64(0), b.Estimate())
}

func Test_BitmapEstimateTracksCardinality(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h3 := NewH3(rng)

	var b Bitmap
	const n = 2000
	seen := make(map[uint16]bool)
	for i := 0; i < n; i++ {
		data := []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
		h := h3.Hash(data)
		seen[h] = true
		b.Set(h)
	}

	est := b.Estimate()
	// Linear counting degrades once distinct hashes approach the bitmap's
	// bit count; at n=2000 against 2^15 bits it should still be within a
	// generous band of the true distinct-hash count.
	assert.InDelta(t, float64(len(seen)), est, float64(len(seen))*0.25)
}

func Test_BitmapFullIsSaturated(t *testing.T) {
	var b Bitmap
	for i := 0; i < BitmapBits; i++ {
		b.Set(uint16(i))
	}
	assert.Equal(t, float64(BitmapBits), b.Estimate())
}

func Test_BitmapSetIsIdempotent(t *testing.T) {
	var b Bitmap
	b.Set(100)
	b.Set(100)
	assert.True(t, b.IsSet(100))
	assert.False(t, b.IsSet(101))
}

func Test_BitmapReset(t *testing.T) {
	var b Bitmap
	b.Set(5)
	b.Reset()
	assert.False(t, b.IsSet(5))
	assert.Equal(t, float64(0), b.Estimate())
}
