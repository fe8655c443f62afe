package inversion

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/CK6170/PrInvert-go/basis"
	"github.com/CK6170/PrInvert-go/matrix"
	"github.com/CK6170/PrInvert-go/models"
)

// Option tunes the linear solve.
type Option func(*options)

type options struct {
	maxCond float64
}

// WithMaxCondition sets the largest accepted condition number of the scaled
// normal matrix. Values <= 0 restore matrix.DefaultMaxCondition.
func WithMaxCondition(c float64) Option {
	return func(o *options) {
		if c > 0 {
			o.maxCond = c
		} else {
			o.maxCond = matrix.DefaultMaxCondition
		}
	}
}

func newOptions(opts []Option) options {
	o := options{maxCond: matrix.DefaultMaxCondition}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// System is the assembled, alpha-independent part of the normal equations
//
//	(AᵀWA + αR) c = AᵀWy,  W = diag(1/σ²)
//
// for one dataset and one configuration. A System is read-only after
// Assemble and may be shared between goroutines.
type System struct {
	Family basis.Family
	// Config is the configuration the system was built for, with Alpha zeroed.
	Config models.Config

	Q, Y, Sigma []float64

	// Design is A; with a fitted background its last column is all ones.
	Design *mat.Dense
	// Weighted is W^½A and WeightedY is W^½y.
	Weighted  *mat.Dense
	WeightedY *mat.VecDense

	Data *mat.SymDense // AᵀWA
	RHS  *mat.VecDense // AᵀWy
	Reg  *mat.SymDense // R, zero row and column for the background
}

// Assemble builds the system for the in-range points of ds. Y holds I(q)
// minus the fixed background.
func Assemble(ds *models.Dataset, cfg models.Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ds == nil {
		return nil, fmt.Errorf("%w: no dataset", ErrInvalidData)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	q, y, sigma := ds.Active()
	for k, s := range sigma {
		if !(s > 0) {
			return nil, fmt.Errorf("%w: sigma at q=%g is %g, must be > 0", ErrInvalidData, q[k], s)
		}
	}
	params := cfg.Parameters()
	if len(q) < params {
		return nil, fmt.Errorf("%w: %d points in range for %d parameters", ErrInsufficientData, len(q), params)
	}

	fam, err := basis.NewFamily(cfg.Dmax)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	a, err := fam.DesignMatrix(q, cfg.NTerms, cfg.Smearing())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	reg, err := fam.Regularization(cfg.NTerms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if cfg.EstimateBackground {
		a = withConstantColumn(a)
		reg = padSym(reg, params)
	}

	yw := mat.NewVecDense(len(y), nil)
	for k := range y {
		y[k] -= cfg.Background
		yw.SetVec(k, y[k]/sigma[k])
	}
	aw, err := matrix.Whiten(a, sigma)
	if err != nil {
		return nil, err
	}
	rhs := mat.NewVecDense(params, nil)
	rhs.MulVec(aw.T(), yw)

	cfg.Alpha = 0
	return &System{
		Family:    fam,
		Config:    cfg,
		Q:         q,
		Y:         y,
		Sigma:     sigma,
		Design:    a,
		Weighted:  aw,
		WeightedY: yw,
		Data:      matrix.Gram(aw),
		RHS:       rhs,
		Reg:       reg,
	}, nil
}

func withConstantColumn(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c+1, nil)
	out.Slice(0, r, 0, c).(*mat.Dense).Copy(a)
	for i := 0; i < r; i++ {
		out.Set(i, c, 1)
	}
	return out
}

func padSym(s *mat.SymDense, n int) *mat.SymDense {
	out := mat.NewSymDense(n, nil)
	k := s.SymmetricDim()
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			out.SetSym(i, j, s.At(i, j))
		}
	}
	return out
}

// Points returns the number of in-range data points.
func (s *System) Points() int { return len(s.Q) }

// Parameters returns the number of fitted parameters.
func (s *System) Parameters() int { return s.Data.SymmetricDim() }

// Solution holds the solved parameters of one alpha.
type Solution struct {
	Alpha float64
	// Params are the basis coefficients followed by the background when fitted.
	Params []float64
	// Covariance is (AᵀWA + αR)⁻¹ over all parameters.
	Covariance *mat.SymDense
	Cond       float64
	NTerms     int
}

// Coefficients returns a copy of the basis coefficients.
func (s *Solution) Coefficients() []float64 {
	return append([]float64(nil), s.Params[:s.NTerms]...)
}

// Background returns the fitted background and its standard error, or zeros
// when no background was fitted.
func (s *Solution) Background() (float64, float64) {
	if len(s.Params) == s.NTerms {
		return 0, 0
	}
	return s.Params[s.NTerms], math.Sqrt(math.Max(0, s.Covariance.At(s.NTerms, s.NTerms)))
}

// Solve solves the normal equations at alpha.
func (s *System) Solve(alpha float64, opts ...Option) (*Solution, error) {
	return s.solve(alpha, newOptions(opts))
}

func (s *System) solve(alpha float64, o options) (*Solution, error) {
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) || alpha < 0 {
		return nil, fmt.Errorf("%w: alpha must be >= 0 (got %g)", ErrConfiguration, alpha)
	}
	n := s.Parameters()
	var ar mat.SymDense
	ar.ScaleSym(alpha, s.Reg)
	normal := mat.NewSymDense(n, nil)
	normal.AddSym(s.Data, &ar)

	res, err := matrix.SolveSPD(normal, s.RHS, o.maxCond)
	if err != nil {
		if errors.Is(err, matrix.ErrSingular) {
			return nil, fmt.Errorf("%w: nterms=%d alpha=%g: %w", ErrSingularSystem, s.Config.NTerms, alpha, err)
		}
		return nil, err
	}
	return &Solution{
		Alpha:      alpha,
		Params:     append([]float64(nil), res.X.RawVector().Data...),
		Covariance: res.Inverse,
		Cond:       res.Cond,
		NTerms:     s.Config.NTerms,
	}, nil
}

// ChiSquare returns the weighted residual sum of squares per degree of
// freedom.
func (s *System) ChiSquare(sol *Solution) (float64, error) {
	dof := s.Points() - s.Parameters()
	if dof <= 0 {
		return 0, fmt.Errorf("%w: %d points, %d parameters leave no degrees of freedom",
			ErrInsufficientData, s.Points(), s.Parameters())
	}
	var r mat.VecDense
	r.MulVec(s.Weighted, mat.NewVecDense(len(sol.Params), sol.Params))
	r.SubVec(&r, s.WeightedY)
	return mat.Dot(&r, &r) / float64(dof), nil
}

// SuggestedAlpha returns trace(AᵀWA)/trace(R) over the basis terms: the alpha
// at which the smoothness penalty weighs as much as the data.
func (s *System) SuggestedAlpha() float64 {
	var td, tr float64
	for i := 0; i < s.Config.NTerms; i++ {
		td += s.Data.At(i, i)
		tr += s.Reg.At(i, i)
	}
	return td / tr
}

// Oscillation returns s·(cᵀRc)/(cᵀAᵀWAc) over the basis terms, with s the
// suggested alpha. It is dimensionless, does not depend on the overall scale
// of the data and is non-increasing in the alpha the coefficients were
// solved at.
func (s *System) Oscillation(coeffs []float64) float64 {
	n := s.Config.NTerms
	c := mat.NewVecDense(n, append([]float64(nil), coeffs[:n]...))
	den := matrix.QuadForm(s.Data.SliceSym(0, n), c)
	if !(den > 0) {
		return 0
	}
	return s.SuggestedAlpha() * matrix.QuadForm(s.Reg.SliceSym(0, n), c) / den
}

// Solve assembles the system for ds and cfg and solves it at cfg.Alpha.
func Solve(ds *models.Dataset, cfg models.Config, opts ...Option) (*Solution, error) {
	sys, err := Assemble(ds, cfg)
	if err != nil {
		return nil, err
	}
	return sys.Solve(cfg.Alpha, opts...)
}

// SuggestAlpha assembles the system for ds and cfg and returns its
// suggested alpha.
func SuggestAlpha(ds *models.Dataset, cfg models.Config) (float64, error) {
	sys, err := Assemble(ds, cfg)
	if err != nil {
		return 0, err
	}
	return sys.SuggestedAlpha(), nil
}
