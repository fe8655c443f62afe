package inversion

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"

	"github.com/CK6170/PrInvert-go/basis"
	"github.com/CK6170/PrInvert-go/models"
)

var reference = []float64{1.0, -0.5, 0.2, 0.0, 0.05}

func logGrid(lo, hi float64, n int) []float64 {
	q := make([]float64, n)
	floats.LogSpan(q, lo, hi)
	return q
}

// synthetic returns I(q) = sum c_n Phi_n(q) + background with unit sigma, or
// with Gaussian noise of relative size noise when rng is set.
func synthetic(t *testing.T, dmax float64, c, q []float64, background, noise float64, rng *rand.Rand) models.Dataset {
	t.Helper()
	f, err := basis.NewFamily(dmax)
	require.NoError(t, err)
	ds := models.Dataset{Q: q, I: make([]float64, len(q)), Sigma: make([]float64, len(q))}
	row := make([]float64, len(c))
	for k, qk := range q {
		ds.I[k] = floats.Dot(f.TransformVector(qk, row), c) + background
		ds.Sigma[k] = 1
	}
	if rng == nil {
		return ds
	}
	floor := 1e-3 * floats.Max(ds.I)
	for k, v := range ds.I {
		ds.Sigma[k] = noise * math.Max(math.Abs(v), floor)
		ds.I[k] = v + ds.Sigma[k]*rng.NormFloat64()
	}
	return ds
}

func newInvertor(t *testing.T, ds models.Dataset, cfg models.Config) *Invertor {
	t.Helper()
	iv := New()
	require.NoError(t, iv.SetData(ds))
	require.NoError(t, iv.SetConfig(cfg))
	return iv
}

func TestExactRecovery(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	iv := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5})

	res, err := iv.Invert()
	require.NoError(t, err)
	require.Len(t, res.Coefficients, 5)
	for i, want := range reference {
		assert.InDelta(t, want, res.Coefficients[i], 1e-6, "c[%d]", i)
	}
	assert.InDelta(t, 0, res.ChiSquare, 1e-6)
	assert.Equal(t, 50, res.Points)
	assert.Equal(t, 1.0, res.PositiveFraction)
	assert.Equal(t, 5, res.Covariance.SymmetricDim())

	for _, q := range []float64{0.01, 0.05, 0.2} {
		want := synthetic(t, 100, reference, []float64{q}, 0, 0, nil).I[0]
		got, err := iv.Iq(q)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-8*math.Abs(want))
	}
}

func TestSolveMatchesInvertor(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	cfg := models.Config{Dmax: 100, NTerms: 5, Alpha: 1e-3}
	sol, err := Solve(&ds, cfg)
	require.NoError(t, err)
	res, err := newInvertor(t, ds, cfg).Invert()
	require.NoError(t, err)
	assert.Equal(t, sol.Coefficients(), res.Coefficients)
	assert.Equal(t, 1e-3, sol.Alpha)
	assert.Greater(t, sol.Cond, 1.0)
}

func TestInsufficientData(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.01, 0.2, 5), 0, 0, nil)

	_, err := Solve(&ds, models.Config{Dmax: 100, NTerms: 10})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 10}).Invert()
	assert.ErrorIs(t, err, ErrInsufficientData)

	// Points equal to parameters solve but leave no degrees of freedom.
	_, err = newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5}).Invert()
	assert.ErrorIs(t, err, ErrInsufficientData)

	// The fit window counts, not the raw point count.
	wide := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	wide.QMax = models.Float(0.006)
	_, err = newInvertor(t, wide, models.Config{Dmax: 100, NTerms: 5}).Invert()
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSetConfigRejectsBadValues(t *testing.T) {
	iv := New()
	for name, cfg := range map[string]models.Config{
		"zero terms":     {Dmax: 100, NTerms: 0},
		"zero dmax":      {Dmax: 0, NTerms: 5},
		"negative dmax":  {Dmax: -10, NTerms: 5},
		"negative alpha": {Dmax: 100, NTerms: 5, Alpha: -1},
		"negative slit":  {Dmax: 100, NTerms: 5, SlitWidth: -1},
		"too many terms": {Dmax: 100, NTerms: models.MaxTerms + 1},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, iv.SetConfig(cfg), ErrConfiguration)
		})
	}
}

func TestInvalidSigma(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 20), 0, 0, nil)
	ds.Sigma[3] = 0
	_, err := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5}).Invert()
	assert.ErrorIs(t, err, ErrInvalidData)

	// Zero sigma outside the fit window is ignored.
	ds.QMin = models.Float(ds.Q[4])
	_, err = newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5}).Invert()
	assert.NoError(t, err)
}

func TestStateErrors(t *testing.T) {
	iv := New()
	_, err := iv.Invert()
	assert.ErrorIs(t, err, ErrState)
	_, err = iv.Pr(10)
	assert.ErrorIs(t, err, ErrState)
	_, err = iv.Dataset()
	assert.ErrorIs(t, err, ErrState)
	assert.ErrorIs(t, iv.SetAlpha(1), ErrState)

	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	require.NoError(t, iv.SetData(ds))
	_, err = iv.Invert()
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, iv.SetConfig(models.Config{Dmax: 100, NTerms: 5}))
	for _, eval := range []func(float64) (float64, error){iv.Pr, iv.PrErr, iv.Iq, iv.IqErr, iv.IqSmeared} {
		_, err := eval(0.1)
		assert.ErrorIs(t, err, ErrState)
	}
	_, err = iv.Invert()
	require.NoError(t, err)
	_, err = iv.Pr(10)
	assert.NoError(t, err)

	require.NoError(t, iv.SetAlpha(0.1))
	_, err = iv.Result()
	assert.ErrorIs(t, err, ErrState, "changing the config drops the result")
}

func TestInvertIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 60), 0, 0.01, rng)
	iv := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 8, Alpha: 1e-2})

	a, err := iv.Invert()
	require.NoError(t, err)
	b, err := iv.Invert()
	require.NoError(t, err)
	assert.Equal(t, a.Coefficients, b.Coefficients)
	assert.Equal(t, a.Covariance.RawSymmetric().Data, b.Covariance.RawSymmetric().Data)
	assert.Equal(t, a.ChiSquare, b.ChiSquare)
	assert.Equal(t, a.Oscillation, b.Oscillation)
	assert.Equal(t, a.PositiveFraction, b.PositiveFraction)
}

func TestRegularizationIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 60), 0, 0.01, rng)
	iv := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 8})
	s, err := iv.SuggestedAlpha()
	require.NoError(t, err)
	require.Greater(t, s, 0.0)

	alphas := make([]float64, 25)
	floats.LogSpan(alphas, 1e-8*s, 1e2*s)
	prevOsc, prevChi := math.Inf(1), 0.0
	for _, a := range alphas {
		require.NoError(t, iv.SetAlpha(a))
		res, err := iv.Invert()
		require.NoError(t, err, "alpha=%g", a)
		assert.LessOrEqual(t, res.Oscillation, prevOsc*(1+1e-9)+1e-15, "alpha=%g", a)
		assert.GreaterOrEqual(t, res.ChiSquare, prevChi*(1-1e-9)-1e-12, "alpha=%g", a)
		prevOsc, prevChi = res.Oscillation, res.ChiSquare
	}
}

func TestOscillationIsScaleFree(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	cfg := models.Config{Dmax: 100, NTerms: 5, Alpha: 1e-3}
	base, err := newInvertor(t, ds, cfg).Invert()
	require.NoError(t, err)

	scaled := ds.Clone()
	floats.Scale(1000, scaled.I)
	res, err := newInvertor(t, scaled, cfg).Invert()
	require.NoError(t, err)
	assert.InDelta(t, base.Oscillation, res.Oscillation, 1e-9*base.Oscillation)
	assert.InDelta(t, 1000*base.Coefficients[0], res.Coefficients[0], 1e-6*math.Abs(res.Coefficients[0]))
}

func TestSingularSystem(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	iv := New(WithMaxCondition(2))
	require.NoError(t, iv.SetData(ds))
	require.NoError(t, iv.SetConfig(models.Config{Dmax: 100, NTerms: 5}))
	_, err := iv.Invert()
	assert.ErrorIs(t, err, ErrSingularSystem)
}

func TestBackground(t *testing.T) {
	q := logGrid(0.005, 0.3, 50)
	ds := synthetic(t, 100, reference, q, 250, 0, nil)

	t.Run("fixed", func(t *testing.T) {
		res, err := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5, Background: 250}).Invert()
		require.NoError(t, err)
		assert.InDeltaSlice(t, reference, res.Coefficients, 1e-6)
		assert.Equal(t, 250.0, res.Background)
		assert.InDelta(t, ds.I[10], res.Iq(q[10]), 1e-6*ds.I[10])
	})

	t.Run("estimated", func(t *testing.T) {
		res, err := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5, EstimateBackground: true}).Invert()
		require.NoError(t, err)
		assert.InDeltaSlice(t, reference, res.Coefficients, 1e-6)
		assert.InDelta(t, 250, res.Background, 1e-5)
		assert.Greater(t, res.BackgroundErr, 0.0)
		assert.Equal(t, 5, res.Covariance.SymmetricDim())
	})
}

func TestResultDiagnostics(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	res, err := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5}).Invert()
	require.NoError(t, err)

	x, p, dp := res.PrCurve(201)
	require.Len(t, x, 201)
	assert.Equal(t, 0.0, x[0])
	assert.Equal(t, 100.0, x[200])
	assert.InDelta(t, 0, p[0], 1e-12)
	assert.InDelta(t, 0, p[200], 1e-9)
	for _, v := range dp {
		assert.GreaterOrEqual(t, v, 0.0)
	}

	// I(0) is 4π∫P.
	assert.InDelta(t, 4*math.Pi*integrate.Simpsons(x, p), res.IQ0, 1e-5*res.IQ0)
	assert.InDelta(t, res.IQ0, res.Iq(0), 1e-9*res.IQ0)

	assert.Greater(t, res.Rg, 0.0)
	assert.Less(t, res.Rg, 100.0)
	assert.GreaterOrEqual(t, res.Peaks, 1)
	assert.LessOrEqual(t, res.PositiveErrFraction, res.PositiveFraction)
	assert.Greater(t, res.SuggestedAlpha, 0.0)
	assert.Equal(t, res.Iq(0.05), res.IqSmeared(0.05))
}

func TestZeroIntensityCountsAsPositive(t *testing.T) {
	ds := synthetic(t, 100, make([]float64, 5), logGrid(0.005, 0.3, 40), 0, 0, nil)
	res, err := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5, Alpha: 1e-3}).Invert()
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 5), res.Coefficients)
	assert.Equal(t, 1.0, res.PositiveFraction)
	assert.Zero(t, res.PositiveErrFraction)
}

func TestSmearedInversion(t *testing.T) {
	cfg := models.Config{Dmax: 100, NTerms: 5, SlitHeight: 0.02}
	f, err := basis.NewFamily(100)
	require.NoError(t, err)
	q := logGrid(0.005, 0.3, 50)
	a, err := f.DesignMatrix(q, 5, cfg.Smearing())
	require.NoError(t, err)
	ds := models.Dataset{Q: q, I: make([]float64, len(q)), Sigma: make([]float64, len(q))}
	for k := range q {
		ds.I[k] = floats.Dot(a.RawRowView(k), reference)
		ds.Sigma[k] = 1
	}

	res, err := newInvertor(t, ds, cfg).Invert()
	require.NoError(t, err)
	assert.InDeltaSlice(t, reference, res.Coefficients, 1e-6)
	assert.InDelta(t, ds.I[20], res.IqSmeared(q[20]), 1e-6*math.Abs(ds.I[20]))
}

func TestCloneIsIndependent(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	iv := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5})
	orig, err := iv.Invert()
	require.NoError(t, err)

	s, err := iv.SuggestedAlpha()
	require.NoError(t, err)
	c := iv.Clone()
	require.NoError(t, c.SetAlpha(s))
	other, err := c.Invert()
	require.NoError(t, err)
	assert.NotEqual(t, orig.Coefficients, other.Coefficients)

	got, err := iv.Result()
	require.NoError(t, err)
	assert.Same(t, orig, got)
	assert.Equal(t, 0.0, iv.Config().Alpha)

	cds, err := c.Dataset()
	require.NoError(t, err)
	cds.I[0] = -1
	ids, err := iv.Dataset()
	require.NoError(t, err)
	assert.NotEqual(t, -1.0, ids.I[0])
}

func TestSetDataCopies(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	iv := newInvertor(t, ds, models.Config{Dmax: 100, NTerms: 5})
	ds.I[0] = 0
	res, err := iv.Invert()
	require.NoError(t, err)
	assert.InDeltaSlice(t, reference, res.Coefficients, 1e-6)
}

func TestRestoreRegeneratesCurves(t *testing.T) {
	ds := synthetic(t, 100, reference, logGrid(0.005, 0.3, 50), 0, 0, nil)
	cfg := models.Config{Dmax: 100, NTerms: 5, Alpha: 1e-4}
	res, err := newInvertor(t, ds, cfg).Invert()
	require.NoError(t, err)

	back, err := Restore(cfg, res.Coefficients, res.Covariance)
	require.NoError(t, err)
	for _, r := range []float64{5, 33, 70} {
		assert.Equal(t, res.Pr(r), back.Pr(r))
		assert.Equal(t, res.PrErr(r), back.PrErr(r))
	}
	assert.Equal(t, res.Rg, back.Rg)
	assert.Equal(t, res.PositiveFraction, back.PositiveFraction)

	_, err = Restore(cfg, res.Coefficients[:3], nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}
