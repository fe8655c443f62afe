package inversion

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"

	"github.com/CK6170/PrInvert-go/basis"
	"github.com/CK6170/PrInvert-go/models"
)

// DiagnosticPoints is the number of r samples behind the shape diagnostics.
const DiagnosticPoints = 100

// Result is an immutable snapshot of one inversion. It evaluates P(r) and
// I(q) on its own and stays valid after the Invertor changes.
type Result struct {
	Config       models.Config
	Coefficients []float64
	// Covariance covers the basis coefficients only.
	Covariance *mat.SymDense

	// Background is the fitted constant when Config.EstimateBackground is
	// set, otherwise Config.Background.
	Background    float64
	BackgroundErr float64

	ChiSquare   float64
	Oscillation float64
	// PositiveFraction is the share of interior r samples where P(r) >= 0.
	PositiveFraction float64
	// PositiveErrFraction is the share where P(r) exceeds its own error.
	PositiveErrFraction float64
	SuggestedAlpha      float64
	Peaks               int
	Rg                  float64
	IQ0                 float64
	Points              int
	Elapsed             time.Duration

	family basis.Family
}

// Restore rebuilds a Result from stored coefficients and covariance and
// recomputes the shape diagnostics. Fit statistics that need the data
// (ChiSquare, Oscillation, SuggestedAlpha, Points) are left for the caller.
func Restore(cfg models.Config, coeffs []float64, cov *mat.SymDense) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(coeffs) != cfg.NTerms {
		return nil, fmt.Errorf("%w: %d coefficients for nterms=%d", ErrConfiguration, len(coeffs), cfg.NTerms)
	}
	if cov == nil {
		cov = mat.NewSymDense(cfg.NTerms, nil)
	}
	if cov.SymmetricDim() != cfg.NTerms {
		return nil, fmt.Errorf("%w: covariance is %dx%d for nterms=%d",
			ErrConfiguration, cov.SymmetricDim(), cov.SymmetricDim(), cfg.NTerms)
	}
	fam, err := basis.NewFamily(cfg.Dmax)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	r := &Result{
		Config:       cfg,
		Coefficients: append([]float64(nil), coeffs...),
		Covariance:   mat.NewSymDense(cfg.NTerms, nil),
		Background:   cfg.Background,
		family:       fam,
	}
	r.Covariance.CopySym(cov)
	r.shape()
	return r, nil
}

func newResult(sys *System, sol *Solution, cfg models.Config) *Result {
	n := cfg.NTerms
	r := &Result{
		Config:         cfg,
		Coefficients:   sol.Coefficients(),
		Covariance:     mat.NewSymDense(n, nil),
		Background:     cfg.Background,
		Oscillation:    sys.Oscillation(sol.Params),
		SuggestedAlpha: sys.SuggestedAlpha(),
		Points:         sys.Points(),
		family:         sys.Family,
	}
	r.Covariance.CopySym(sol.Covariance.SliceSym(0, n))
	if cfg.EstimateBackground {
		r.Background, r.BackgroundErr = sol.Background()
	}
	r.shape()
	return r
}

// shape fills the diagnostics that depend on the coefficients alone.
func (r *Result) shape() {
	d := r.family.Dmax()
	pos, posErr := 0, 0
	for k := 0; k < DiagnosticPoints; k++ {
		x := (float64(k) + 0.5) * d / DiagnosticPoints
		p := r.Pr(x)
		if p >= 0 {
			pos++
		}
		if p > 0 && p > r.PrErr(x) {
			posErr++
		}
	}
	r.PositiveFraction = float64(pos) / DiagnosticPoints
	r.PositiveErrFraction = float64(posErr) / DiagnosticPoints

	x, p, _ := r.PrCurve(DiagnosticPoints + 1)
	r.Peaks = countPeaks(p)
	r.Rg = radiusOfGyration(x, p)

	phi0 := r.family.TransformVector(0, make([]float64, len(r.Coefficients)))
	r.IQ0 = floats.Dot(phi0, r.Coefficients)
}

func countPeaks(p []float64) int {
	peaks := 0
	for k := 1; k+1 < len(p); k++ {
		if p[k] > p[k-1] && p[k] >= p[k+1] {
			peaks++
		}
	}
	return peaks
}

// radiusOfGyration returns sqrt(∫r²P / 2∫P), or 0 when P does not integrate
// to a positive value.
func radiusOfGyration(x, p []float64) float64 {
	norm := integrate.Simpsons(x, p)
	if !(norm > 0) {
		return 0
	}
	r2p := make([]float64, len(x))
	for k := range x {
		r2p[k] = x[k] * x[k] * p[k]
	}
	rg2 := integrate.Simpsons(x, r2p) / (2 * norm)
	if !(rg2 > 0) {
		return 0
	}
	return math.Sqrt(rg2)
}

// Dmax returns the support limit of P(r).
func (r *Result) Dmax() float64 { return r.family.Dmax() }

// Pr returns P(r).
func (r *Result) Pr(x float64) float64 {
	return floats.Dot(r.family.PhiVector(x, make([]float64, len(r.Coefficients))), r.Coefficients)
}

// PrErr returns the standard error of P(r) propagated from the covariance.
func (r *Result) PrErr(x float64) float64 {
	phi := mat.NewVecDense(len(r.Coefficients), r.family.PhiVector(x, make([]float64, len(r.Coefficients))))
	return math.Sqrt(math.Max(0, mat.Inner(phi, r.Covariance, phi)))
}

// Iq returns the unsmeared model intensity including the background.
func (r *Result) Iq(q float64) float64 {
	row := r.family.TransformVector(q, make([]float64, len(r.Coefficients)))
	return floats.Dot(row, r.Coefficients) + r.Background
}

// IqErr returns the standard error of Iq. The background variance is added
// without its covariance with the coefficients.
func (r *Result) IqErr(q float64) float64 {
	row := mat.NewVecDense(len(r.Coefficients), r.family.TransformVector(q, make([]float64, len(r.Coefficients))))
	v := mat.Inner(row, r.Covariance, row) + r.BackgroundErr*r.BackgroundErr
	return math.Sqrt(math.Max(0, v))
}

// IqSmeared returns the model intensity with the configured slit smearing.
func (r *Result) IqSmeared(q float64) float64 {
	a, err := r.family.DesignMatrix([]float64{q}, len(r.Coefficients), r.Config.Smearing())
	if err != nil {
		return math.NaN()
	}
	return floats.Dot(a.RawRowView(0), r.Coefficients) + r.Background
}

// PrCurve samples P(r) and its error on points evenly spaced over [0, dmax].
func (r *Result) PrCurve(points int) (x, p, dp []float64) {
	if points < 2 {
		points = 2
	}
	x = make([]float64, points)
	floats.Span(x, 0, r.family.Dmax())
	p = make([]float64, points)
	dp = make([]float64, points)
	for k, xk := range x {
		p[k] = r.Pr(xk)
		dp[k] = r.PrErr(xk)
	}
	return x, p, dp
}
