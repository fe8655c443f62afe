// Package basis implements the sine basis used to expand P(r) and its
// closed-form Fourier transforms.
//
// P(r) is written as sum_n c_n * phi_n(r) with
//
//	phi_n(r) = 2 r sin(pi n r / dmax),  0 <= r <= dmax
//
// and the intensity is the matching sum of the transformed functions
//
//	Phi_n(q) = 8 pi^2 / q * dmax * n * (-1)^(n+1) * sin(q dmax) / ((pi n)^2 - (q dmax)^2)
//
// Terms are 1-based (n >= 1) everywhere in this package. Everything here is a
// pure function of its inputs.
package basis

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidDmax is returned when dmax is not a finite positive number.
	ErrInvalidDmax = errors.New("basis: dmax must be finite and > 0")

	// ErrInvalidTerms is returned when a term count below 1 is requested.
	ErrInvalidTerms = errors.New("basis: number of terms must be >= 1")

	// ErrInvalidTerm is returned by CheckTerm for an index below 1.
	ErrInvalidTerm = errors.New("basis: term index must be >= 1")

	// ErrEmptyGrid is returned when a matrix is requested for zero sample points.
	ErrEmptyGrid = errors.New("basis: empty sample grid")
)

// singularTol is the relative distance of (q dmax)^2 from (pi n)^2 under which
// Transform switches to the analytic limit. It balances cancellation in the
// direct formula against the first-order error of the limit value.
const singularTol = 1e-8

// Family is the basis for one dmax. The zero value is not usable; build it
// with NewFamily.
type Family struct {
	dmax float64
}

// NewFamily returns the basis family supported on [0, dmax].
func NewFamily(dmax float64) (Family, error) {
	if math.IsNaN(dmax) || math.IsInf(dmax, 0) || dmax <= 0 {
		return Family{}, fmt.Errorf("%w (got %g)", ErrInvalidDmax, dmax)
	}
	return Family{dmax: dmax}, nil
}

// Dmax returns the support limit of the family.
func (f Family) Dmax() float64 { return f.dmax }

// CheckTerm reports whether n is a valid term index. The scalar functions
// (Phi, PhiPrime, PhiSecond, Transform, SmearedTransform) panic with this
// error instead of returning it; callers taking indices from input check first.
func CheckTerm(n int) error {
	if n < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidTerm, n)
	}
	return nil
}

func mustTerm(n int) {
	if err := CheckTerm(n); err != nil {
		panic(err)
	}
}

// sign returns (-1)^(n+1).
func sign(n int) float64 {
	if n%2 == 0 {
		return -1
	}
	return 1
}

// Phi returns phi_n(r). It is zero outside [0, dmax].
func (f Family) Phi(n int, r float64) float64 {
	mustTerm(n)
	if r < 0 || r > f.dmax {
		return 0
	}
	return 2 * r * math.Sin(math.Pi*float64(n)*r/f.dmax)
}

// PhiPrime returns d phi_n / dr.
func (f Family) PhiPrime(n int, r float64) float64 {
	mustTerm(n)
	if r < 0 || r > f.dmax {
		return 0
	}
	k := math.Pi * float64(n) / f.dmax
	return 2*math.Sin(k*r) + 2*k*r*math.Cos(k*r)
}

// PhiSecond returns d^2 phi_n / dr^2 = 4k cos(kr) - 2k^2 r sin(kr), k = pi n / dmax.
func (f Family) PhiSecond(n int, r float64) float64 {
	mustTerm(n)
	if r < 0 || r > f.dmax {
		return 0
	}
	k := math.Pi * float64(n) / f.dmax
	return 4*k*math.Cos(k*r) - 2*k*k*r*math.Sin(k*r)
}

// Transform returns Phi_n(q), the Fourier transform of phi_n.
//
// q = 0 and q dmax = pi n are removable singularities; both return the
// analytic limit.
func (f Family) Transform(n int, q float64) float64 {
	mustTerm(n)
	return f.transform(n, q, math.Sin(q*f.dmax))
}

// transform evaluates Phi_n(q) with sin(q dmax) supplied by the caller so a
// whole row of terms shares one sine evaluation.
func (f Family) transform(n int, q, sinQD float64) float64 {
	nf := float64(n)
	if q == 0 {
		return 8 * f.dmax * f.dmax * sign(n) / nf
	}
	qd := q * f.dmax
	pn := math.Pi * nf
	den := (pn - qd) * (pn + qd)
	if math.Abs(den) <= singularTol*pn*pn {
		return 4 * math.Pi * f.dmax / q
	}
	return 8 * math.Pi * math.Pi / q * f.dmax * nf * sign(n) * sinQD / den
}

// transformRow fills dst[j] = Phi_{j+1}(q).
func (f Family) transformRow(q float64, dst []float64) {
	s := math.Sin(q * f.dmax)
	for j := range dst {
		dst[j] = f.transform(j+1, q, s)
	}
}

// DesignMatrix returns A with A[i,j] = Phi_{j+1}(q_i), optionally smeared.
// A nil smearing means no smearing.
func (f Family) DesignMatrix(q []float64, nterms int, s Smearing) (*mat.Dense, error) {
	if nterms < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidTerms, nterms)
	}
	if len(q) == 0 {
		return nil, ErrEmptyGrid
	}
	if s == nil {
		s = NoSmearing{}
	}
	a := mat.NewDense(len(q), nterms, nil)
	for i, qi := range q {
		s.fill(f, qi, a.RawRowView(i))
	}
	return a, nil
}

// RealSpaceMatrix returns M with M[i,j] = phi_{j+1}(r_i), so that M c
// evaluates P(r) on the grid.
func (f Family) RealSpaceMatrix(r []float64, nterms int) (*mat.Dense, error) {
	if nterms < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidTerms, nterms)
	}
	if len(r) == 0 {
		return nil, ErrEmptyGrid
	}
	m := mat.NewDense(len(r), nterms, nil)
	for i, ri := range r {
		row := m.RawRowView(i)
		for j := range row {
			row[j] = f.Phi(j+1, ri)
		}
	}
	return m, nil
}

// PhiVector fills dst[j] = phi_{j+1}(r) and returns dst.
func (f Family) PhiVector(r float64, dst []float64) []float64 {
	for j := range dst {
		dst[j] = f.Phi(j+1, r)
	}
	return dst
}

// TransformVector fills dst[j] = Phi_{j+1}(q) and returns dst.
func (f Family) TransformVector(q float64, dst []float64) []float64 {
	f.transformRow(q, dst)
	return dst
}
