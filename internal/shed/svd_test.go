package shed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconstruct(res SVDResult) [][]float64 {
	m := len(res.U)
	n := len(res.W)
	out := make([][]float64, m)
	for i := 0; i < m; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			var s float64
			for k := 0; k < n; k++ {
				s += res.U[i][k] * res.W[k] * res.V[j][k]
			}
			out[i][j] = s
		}
	}
	return out
}

func Test_DecomposeReconstructsMatrix(t *testing.T) {
	a := [][]float64{
		{1, 2},
		{3, 4},
		{5, 6},
	}
	res := Decompose(a)
	require.Equal(t, 0, res.FailedIndex)

	got := reconstruct(res)
	for i := range a {
		for j := range a[i] {
			assert.InDelta(t, a[i][j], got[i][j], 1e-8)
		}
	}
}

func Test_DecomposeSingularValuesNonNegative(t *testing.T) {
	a := [][]float64{
		{2, 0},
		{0, 3},
		{1, 1},
	}
	res := Decompose(a)
	for _, w := range res.W {
		assert.GreaterOrEqual(t, w, 0.0)
	}
}

func Test_SolveLeastSquaresExactFit(t *testing.T) {
	// y = 2*x1 + 3*x2 exactly.
	a := [][]float64{
		{1, 0},
		{0, 1},
		{1, 1},
		{2, 1},
	}
	y := []float64{2, 3, 5, 7}

	beta := SolveLeastSquares(a, y)
	require.Len(t, beta, 2)
	assert.InDelta(t, 2.0, beta[0], 1e-6)
	assert.InDelta(t, 3.0, beta[1], 1e-6)
}

func Test_SolveLeastSquaresOverdeterminedNoisyFit(t *testing.T) {
	a := [][]float64{
		{1, 1},
		{1, 2},
		{1, 3},
		{1, 4},
		{1, 5},
	}
	y := []float64{2.1, 3.9, 6.1, 7.9, 10.1}

	beta := SolveLeastSquares(a, y)
	require.Len(t, beta, 2)
	// Approximately y = 2x, small intercept.
	assert.InDelta(t, 2.0, beta[1], 0.2)
}

func Test_PythagBasic(t *testing.T) {
	assert.InDelta(t, 5.0, pythag(3, 4), 1e-9)
	assert.InDelta(t, 0.0, pythag(0, 0), 1e-9)
}

func Test_SignMatchesNRConvention(t *testing.T) {
	assert.Equal(t, 3.0, sign(3, 1))
	assert.Equal(t, -3.0, sign(3, -1))
	assert.Equal(t, 3.0, sign(-3, 1))
}
