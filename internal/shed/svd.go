package shed

import "math"

// SVDResult is the outcome of Decompose: A = U * diag(W) * V^T, plus the
// index (1-based, matching the classic algorithm's convention; 0 means
// "every singular value converged") of the first singular value that
// failed to converge within the iteration budget (spec.md §9 "the
// implementer should preserve the 30-iteration bound and the 'return
// index of the failing singular value' behaviour so the caller can
// continue with the subset that did converge").
type SVDResult struct {
	U           [][]float64 // m x n
	W           []float64   // n singular values
	V           [][]float64 // n x n
	FailedIndex int
}

const svdMaxIterations = 30

func sign(a, b float64) float64 {
	if b >= 0 {
		return math.Abs(a)
	}
	return -math.Abs(a)
}

func pythag(a, b float64) float64 {
	absA, absB := math.Abs(a), math.Abs(b)
	switch {
	case absA > absB:
		r := absB / absA
		return absA * math.Sqrt(1+r*r)
	case absB != 0:
		r := absA / absB
		return absB * math.Sqrt(1+r*r)
	default:
		return 0
	}
}

// Decompose computes the singular value decomposition of an m x n matrix
// a (m >= n) via Householder bidiagonalization followed by an
// implicit-shift QR sweep over the bidiagonal form - the Golub-Reinsch
// algorithm, per spec.md §4.9/§9. a is not modified; a fresh copy is
// decomposed in place internally.
//
// Indexing follows the algorithm's original 1-based convention (arrays
// sized n+1/m+1, index 0 unused) to keep the translation of the
// reference algorithm faithful and easy to audit against it.
func Decompose(a [][]float64) SVDResult {
	m := len(a)
	n := 0
	if m > 0 {
		n = len(a[0])
	}

	// 1-based working copy.
	u := make([][]float64, m+1)
	for i := range u {
		u[i] = make([]float64, n+1)
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			u[i+1][j+1] = a[i][j]
		}
	}

	v := make([][]float64, n+1)
	for i := range v {
		v[i] = make([]float64, n+1)
	}
	w := make([]float64, n+1)
	rv1 := make([]float64, n+1)

	var g, scale, anorm float64
	var l int

	for i := 1; i <= n; i++ {
		l = i + 1
		rv1[i] = scale * g
		g, scale = 0, 0
		var s float64

		if i <= m {
			for k := i; k <= m; k++ {
				scale += math.Abs(u[k][i])
			}
			if scale != 0 {
				for k := i; k <= m; k++ {
					u[k][i] /= scale
					s += u[k][i] * u[k][i]
				}
				f := u[i][i]
				g = -sign(math.Sqrt(s), f)
				h := f*g - s
				u[i][i] = f - g
				for j := l; j <= n; j++ {
					s = 0
					for k := i; k <= m; k++ {
						s += u[k][i] * u[k][j]
					}
					f = s / h
					for k := i; k <= m; k++ {
						u[k][j] += f * u[k][i]
					}
				}
				for k := i; k <= m; k++ {
					u[k][i] *= scale
				}
			}
		}
		w[i] = scale * g

		g, s, scale = 0, 0, 0
		if i <= m && i != n {
			for k := l; k <= n; k++ {
				scale += math.Abs(u[i][k])
			}
			if scale != 0 {
				for k := l; k <= n; k++ {
					u[i][k] /= scale
					s += u[i][k] * u[i][k]
				}
				f := u[i][l]
				g = -sign(math.Sqrt(s), f)
				h := f*g - s
				u[i][l] = f - g
				for k := l; k <= n; k++ {
					rv1[k] = u[i][k] / h
				}
				for j := l; j <= m; j++ {
					s = 0
					for k := l; k <= n; k++ {
						s += u[j][k] * u[i][k]
					}
					for k := l; k <= n; k++ {
						u[j][k] += s * rv1[k]
					}
				}
				for k := l; k <= n; k++ {
					u[i][k] *= scale
				}
			}
		}
		anorm = math.Max(anorm, math.Abs(w[i])+math.Abs(rv1[i]))
	}

	for i := n; i >= 1; i-- {
		if i < n {
			if g != 0 {
				for j := l; j <= n; j++ {
					v[j][i] = (u[i][j] / u[i][l]) / g
				}
				for j := l; j <= n; j++ {
					var s float64
					for k := l; k <= n; k++ {
						s += u[i][k] * v[k][j]
					}
					for k := l; k <= n; k++ {
						v[k][j] += s * v[k][i]
					}
				}
			}
			for j := l; j <= n; j++ {
				v[i][j] = 0
				v[j][i] = 0
			}
		}
		v[i][i] = 1
		g = rv1[i]
		l = i
	}

	minMN := n
	if m < n {
		minMN = m
	}
	for i := minMN; i >= 1; i-- {
		l = i + 1
		g = w[i]
		for j := l; j <= n; j++ {
			u[i][j] = 0
		}
		if g != 0 {
			g = 1 / g
			for j := l; j <= n; j++ {
				var s float64
				for k := l; k <= m; k++ {
					s += u[k][i] * u[k][j]
				}
				f := (s / u[i][i]) * g
				for k := i; k <= m; k++ {
					u[k][j] += f * u[k][i]
				}
			}
			for j := i; j <= m; j++ {
				u[j][i] *= g
			}
		} else {
			for j := i; j <= m; j++ {
				u[j][i] = 0
			}
		}
		u[i][i]++
	}

	failedIndex := 0

	for k := n; k >= 1; k-- {
		var its int
	convergenceLoop:
		for its = 1; its <= svdMaxIterations; its++ {
			flag := true
			var nm int
			for l = k; l >= 1; l-- {
				nm = l - 1
				if math.Abs(rv1[l])+anorm == anorm {
					flag = false
					break
				}
				if nm >= 1 && math.Abs(w[nm])+anorm == anorm {
					break
				}
			}

			if flag {
				c, s := 0.0, 1.0
				for i := l; i <= k; i++ {
					f := s * rv1[i]
					rv1[i] = c * rv1[i]
					if math.Abs(f)+anorm == anorm {
						break
					}
					g = w[i]
					h := pythag(f, g)
					w[i] = h
					h = 1 / h
					c = g * h
					s = -f * h
					for j := 1; j <= m; j++ {
						y := u[j][nm]
						z := u[j][i]
						u[j][nm] = y*c + z*s
						u[j][i] = z*c - y*s
					}
				}
			}

			z := w[k]
			if l == k {
				if z < 0 {
					w[k] = -z
					for j := 1; j <= n; j++ {
						v[j][k] = -v[j][k]
					}
				}
				break convergenceLoop
			}

			if its == svdMaxIterations {
				failedIndex = k
				break convergenceLoop
			}

			x := w[l]
			nm = k - 1
			y := w[nm]
			g = rv1[nm]
			h := rv1[k]
			f := ((y-z)*(y+z) + (g-h)*(g+h)) / (2 * h * y)
			g = pythag(f, 1)
			f = ((x-z)*(x+z) + h*((y/(f+sign(g, f)))-h)) / x
			c, s := 1.0, 1.0

			for j := l; j <= nm; j++ {
				i := j + 1
				g = rv1[i]
				y = w[i]
				h = s * g
				g = c * g
				z = pythag(f, h)
				rv1[j] = z
				c = f / z
				s = h / z
				f = x*c + g*s
				g = g*c - x*s
				h = y * s
				y *= c
				for jj := 1; jj <= n; jj++ {
					x2 := v[jj][j]
					z2 := v[jj][i]
					v[jj][j] = x2*c + z2*s
					v[jj][i] = z2*c - x2*s
				}
				z = pythag(f, h)
				w[j] = z
				if z != 0 {
					z = 1 / z
					c = f * z
					s = h * z
				}
				f = c*g + s*y
				x = c*y - s*g
				for jj := 1; jj <= m; jj++ {
					y2 := u[jj][j]
					z2 := u[jj][i]
					u[jj][j] = y2*c + z2*s
					u[jj][i] = z2*c - y2*s
				}
			}
			rv1[l] = 0
			rv1[k] = f
			w[k] = x
		}
	}

	// Convert back to 0-based output.
	outU := make([][]float64, m)
	for i := 0; i < m; i++ {
		outU[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			outU[i][j] = u[i+1][j+1]
		}
	}
	outV := make([][]float64, n)
	for i := 0; i < n; i++ {
		outV[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			outV[i][j] = v[i+1][j+1]
		}
	}
	outW := make([]float64, n)
	for i := 0; i < n; i++ {
		outW[i] = w[i+1]
	}

	return SVDResult{U: outU, W: outW, V: outV, FailedIndex: failedIndex}
}

// SolveLeastSquares solves Uβ ≈ y by SVD, zeroing the contribution of any
// singular value at or below a small relative tolerance (spec.md §4.9
// "small singular values are tolerated"). If Decompose reports a
// non-converged singular value, that singular value and every one after
// it (positions FailedIndex onward, 1-based) are left out of the solution
// rather than failing the whole fit (spec.md §9
// "continue with the subset that did converge").
func SolveLeastSquares(a [][]float64, y []float64) []float64 {
	res := Decompose(a)
	n := len(res.W)

	maxW := 0.0
	for _, wi := range res.W {
		if wi > maxW {
			maxW = wi
		}
	}
	tol := maxW * 1e-12

	// tmp = U^T y / w, zeroing negligible or non-converged singular values.
	tmp := make([]float64, n)
	for j := 0; j < n; j++ {
		if res.W[j] <= tol {
			continue
		}
		if res.FailedIndex != 0 && j+1 >= res.FailedIndex {
			continue
		}
		var s float64
		for i := range res.U {
			s += res.U[i][j] * y[i]
		}
		tmp[j] = s / res.W[j]
	}

	beta := make([]float64, n)
	for j := 0; j < n; j++ {
		var s float64
		for k := 0; k < n; k++ {
			s += res.V[j][k] * tmp[k]
		}
		beta[j] = s
	}
	return beta
}
