// Package inversion recovers P(r) from I(q) by regularized linear least
// squares on the sine basis of package basis.
//
// An Invertor owns one dataset and one configuration. Invert solves the
// normal equations once and returns a Result; the assembled system is kept
// between calls and rebuilt only when the data or any setting other than
// alpha changes, so alpha scans only pay for the factorization.
//
// An Invertor is not safe for concurrent use. Clone it per goroutine.
package inversion

import (
	"fmt"
	"time"

	"github.com/CK6170/PrInvert-go/models"
)

// Invertor is the stateful front end of the solver.
type Invertor struct {
	opts   options
	data   *models.Dataset
	cfg    models.Config
	hasCfg bool
	sys    *System
	last   *Result
}

// New returns an Invertor with no data and no configuration.
func New(opts ...Option) *Invertor {
	return &Invertor{opts: newOptions(opts)}
}

// SetData stores a private copy of ds and drops any previous result.
func (iv *Invertor) SetData(ds models.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	c := ds.Clone()
	iv.data = &c
	iv.sys = nil
	iv.last = nil
	return nil
}

// SetConfig validates and stores cfg and drops any previous result.
func (iv *Invertor) SetConfig(cfg models.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if iv.sys != nil && !sameSystem(iv.sys.Config, cfg) {
		iv.sys = nil
	}
	iv.cfg = cfg
	iv.hasCfg = true
	iv.last = nil
	return nil
}

// SetAlpha changes only the regularization weight.
func (iv *Invertor) SetAlpha(alpha float64) error {
	if !iv.hasCfg {
		return fmt.Errorf("%w: no configuration set", ErrState)
	}
	cfg := iv.cfg
	cfg.Alpha = alpha
	return iv.SetConfig(cfg)
}

func sameSystem(a, b models.Config) bool {
	a.Alpha, b.Alpha = 0, 0
	return a == b
}

// Config returns the current configuration.
func (iv *Invertor) Config() models.Config { return iv.cfg }

// Dataset returns a copy of the current dataset.
func (iv *Invertor) Dataset() (models.Dataset, error) {
	if iv.data == nil {
		return models.Dataset{}, fmt.Errorf("%w: no data set", ErrState)
	}
	return iv.data.Clone(), nil
}

// System returns the assembled system for the current data and config.
func (iv *Invertor) System() (*System, error) {
	if iv.data == nil {
		return nil, fmt.Errorf("%w: no data set", ErrState)
	}
	if !iv.hasCfg {
		return nil, fmt.Errorf("%w: no configuration set", ErrState)
	}
	if iv.sys == nil {
		sys, err := Assemble(iv.data, iv.cfg)
		if err != nil {
			return nil, err
		}
		iv.sys = sys
	}
	return iv.sys, nil
}

// SuggestedAlpha returns trace(AᵀWA)/trace(R) for the current data and config.
func (iv *Invertor) SuggestedAlpha() (float64, error) {
	sys, err := iv.System()
	if err != nil {
		return 0, err
	}
	return sys.SuggestedAlpha(), nil
}

// Invert solves at the configured alpha and returns the result.
func (iv *Invertor) Invert() (*Result, error) {
	start := time.Now()
	sys, err := iv.System()
	if err != nil {
		return nil, err
	}
	sol, err := sys.solve(iv.cfg.Alpha, iv.opts)
	if err != nil {
		return nil, err
	}
	chi2, err := sys.ChiSquare(sol)
	if err != nil {
		return nil, err
	}
	res := newResult(sys, sol, iv.cfg)
	res.ChiSquare = chi2
	res.Elapsed = time.Since(start)
	iv.last = res
	return res, nil
}

// Result returns the last successful result.
func (iv *Invertor) Result() (*Result, error) {
	if iv.last == nil {
		return nil, fmt.Errorf("%w: no inversion has been run", ErrState)
	}
	return iv.last, nil
}

// Pr returns P(r) from the last inversion.
func (iv *Invertor) Pr(r float64) (float64, error) {
	res, err := iv.Result()
	if err != nil {
		return 0, err
	}
	return res.Pr(r), nil
}

// PrErr returns the error on P(r) from the last inversion.
func (iv *Invertor) PrErr(r float64) (float64, error) {
	res, err := iv.Result()
	if err != nil {
		return 0, err
	}
	return res.PrErr(r), nil
}

// Iq returns the unsmeared I(q) from the last inversion.
func (iv *Invertor) Iq(q float64) (float64, error) {
	res, err := iv.Result()
	if err != nil {
		return 0, err
	}
	return res.Iq(q), nil
}

// IqErr returns the error on I(q) from the last inversion.
func (iv *Invertor) IqErr(q float64) (float64, error) {
	res, err := iv.Result()
	if err != nil {
		return 0, err
	}
	return res.IqErr(q), nil
}

// IqSmeared returns the slit-smeared I(q) from the last inversion.
func (iv *Invertor) IqSmeared(q float64) (float64, error) {
	res, err := iv.Result()
	if err != nil {
		return 0, err
	}
	return res.IqSmeared(q), nil
}

// Clone returns an independent Invertor with the same data, configuration
// and last result. The assembled system and result are immutable and shared.
func (iv *Invertor) Clone() *Invertor {
	c := &Invertor{
		opts:   iv.opts,
		cfg:    iv.cfg,
		hasCfg: iv.hasCfg,
		sys:    iv.sys,
		last:   iv.last,
	}
	if iv.data != nil {
		d := iv.data.Clone()
		c.data = &d
	}
	return c
}
