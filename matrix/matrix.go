// Package matrix holds the gonum kernels behind the regularized normal
// equations: whitening a design matrix, forming Gram matrices, and a
// Jacobi-scaled Cholesky solve that refuses singular or ill-conditioned
// systems instead of returning NaNs.
package matrix

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultMaxCondition is the largest accepted condition number of the
// (diagonally scaled) normal matrix.
const DefaultMaxCondition = 1e13

// MatrixLine frames the blocks written by PrintMatrix and FormatVector.
const MatrixLine = "------------------------------------------------------------------"

var (
	// ErrSingular is returned when a system cannot be factorized or its
	// condition number exceeds the configured limit.
	ErrSingular = errors.New("matrix: singular or ill-conditioned system")

	// ErrDimensionMismatch indicates incompatible operand sizes.
	ErrDimensionMismatch = errors.New("matrix: dimension mismatch")
)

// Whiten returns a copy of a with row i divided by sigma[i].
func Whiten(a mat.Matrix, sigma []float64) (*mat.Dense, error) {
	r, c := a.Dims()
	if len(sigma) != r {
		return nil, fmt.Errorf("%w: %d rows, %d weights", ErrDimensionMismatch, r, len(sigma))
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, _ int, v float64) float64 { return v / sigma[i] }, a)
	return out, nil
}

// Gram returns aᵀa as a symmetric matrix.
func Gram(a mat.Matrix) *mat.SymDense {
	_, c := a.Dims()
	g := mat.NewSymDense(c, nil)
	g.SymOuterK(1, a.T())
	return g
}

// QuadForm returns xᵀ s x.
func QuadForm(s mat.Symmetric, x mat.Vector) float64 {
	return mat.Inner(x, s, x)
}

// SPDSolution is the result of SolveSPD.
type SPDSolution struct {
	// X solves a x = b.
	X *mat.VecDense
	// Inverse is a⁻¹.
	Inverse *mat.SymDense
	// Cond is the condition number of the diagonally scaled matrix.
	Cond float64
}

// SolveSPD solves a x = b for a symmetric positive definite a and returns
// a⁻¹ alongside. The matrix is scaled to unit diagonal before the Cholesky
// factorization; maxCond <= 0 selects DefaultMaxCondition.
func SolveSPD(a mat.Symmetric, b mat.Vector, maxCond float64) (*SPDSolution, error) {
	n := a.SymmetricDim()
	if b.Len() != n {
		return nil, fmt.Errorf("%w: %dx%d system, rhs %d", ErrDimensionMismatch, n, n, b.Len())
	}
	if maxCond <= 0 {
		maxCond = DefaultMaxCondition
	}

	d := make([]float64, n)
	for i := range d {
		aii := a.At(i, i)
		if !(aii > 0) || math.IsInf(aii, 0) {
			return nil, fmt.Errorf("%w: diagonal %d is %g", ErrSingular, i, aii)
		}
		d[i] = 1 / math.Sqrt(aii)
	}
	scaled := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			scaled.SetSym(i, j, a.At(i, j)*d[i]*d[j])
		}
	}

	var ch mat.Cholesky
	if ok := ch.Factorize(scaled); !ok {
		return nil, fmt.Errorf("%w: cholesky factorization failed", ErrSingular)
	}
	cond := ch.Cond()
	if math.IsNaN(cond) || cond > maxCond {
		return nil, fmt.Errorf("%w: condition number %.3g exceeds %.3g", ErrSingular, cond, maxCond)
	}

	bs := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		bs.SetVec(i, b.AtVec(i)*d[i])
	}
	var y mat.VecDense
	if err := ch.SolveVecTo(&y, bs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	x := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x.SetVec(i, y.AtVec(i)*d[i])
	}

	var inv mat.SymDense
	if err := ch.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, inv.At(i, j)*d[i]*d[j])
		}
	}
	return &SPDSolution{X: x, Inverse: cov, Cond: cond}, nil
}
