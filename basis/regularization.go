package basis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Regularization returns the smoothness matrix
//
//	R[n,m] = integral_0^dmax phi_n''(r) phi_m''(r) dr
//
// in closed form. With x = pi r / dmax the integral reduces to
//
//	R = (pi/dmax) [16nm I1 - 8nm^2 I2(n,m) - 8n^2m I2(m,n) + 4n^2m^2 I4(n,m)]
//
// where I1, I2, I4 are the integrals over [0, pi] of cos(nx)cos(mx),
// x cos(nx) sin(mx) and x^2 sin(nx) sin(mx).
func (f Family) Regularization(nterms int) (*mat.SymDense, error) {
	if nterms < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidTerms, nterms)
	}
	r := mat.NewSymDense(nterms, nil)
	for i := 0; i < nterms; i++ {
		for j := i; j < nterms; j++ {
			r.SetSym(i, j, f.regEntry(i+1, j+1))
		}
	}
	return r, nil
}

func (f Family) regEntry(n, m int) float64 {
	nf, mf := float64(n), float64(m)
	i1 := 0.0
	if n == m {
		i1 = math.Pi / 2
	}
	sum := 16*nf*mf*i1 -
		8*nf*mf*mf*xCosSin(n, m) -
		8*nf*nf*mf*xCosSin(m, n) +
		4*nf*nf*mf*mf*x2SinSin(n, m)
	return math.Pi / f.dmax * sum
}

// parity returns (-1)^k.
func parity(k int) float64 {
	if k%2 == 0 {
		return 1
	}
	return -1
}

// xSin returns integral_0^pi x sin(kx) dx for integer k.
func xSin(k int) float64 {
	if k == 0 {
		return 0
	}
	return -math.Pi * parity(k) / float64(k)
}

// x2Cos returns integral_0^pi x^2 cos(kx) dx for integer k.
func x2Cos(k int) float64 {
	if k == 0 {
		return math.Pi * math.Pi * math.Pi / 3
	}
	return 2 * math.Pi * parity(k) / float64(k*k)
}

// xCosSin returns integral_0^pi x cos(nx) sin(mx) dx.
func xCosSin(n, m int) float64 {
	return 0.5 * (xSin(m+n) + xSin(m-n))
}

// x2SinSin returns integral_0^pi x^2 sin(nx) sin(mx) dx.
func x2SinSin(n, m int) float64 {
	return 0.5 * (x2Cos(n-m) - x2Cos(n+m))
}

// Overlap returns integral_0^dmax phi_n(r) phi_m(r) dr in closed form.
// The phi_n are not mutually orthogonal; phi_n(r)/r are.
func (f Family) Overlap(n, m int) float64 {
	mustTerm(n)
	mustTerm(m)
	s := f.dmax / math.Pi
	return 4 * s * s * s * x2SinSin(n, m)
}
