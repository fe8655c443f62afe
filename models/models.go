// Package models defines the JSON/YAML documents shared between the CLI,
// the web server and the inversion core.
//
// A Job bundles the scattering data, the inversion configuration and
// optional search controls; it is what `prinvert invert` reads from disk and
// what POST /api/jobs accepts.
package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/CK6170/PrInvert-go/basis"
)

// MaxTerms bounds the number of basis functions. Beyond this the normal
// matrix is too poorly conditioned to be useful.
const MaxTerms = 50

var (
	// ErrConfiguration is returned for out-of-range inversion or search
	// parameters. Values are rejected, never clamped.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidData is returned for malformed scattering data.
	ErrInvalidData = errors.New("invalid scattering data")
)

// Dataset is a 1D scattering curve. QMin/QMax optionally restrict the fit
// window (inclusive); points outside are kept but not fitted.
type Dataset struct {
	Q     []float64 `json:"q" yaml:"q"`
	I     []float64 `json:"i" yaml:"i"`
	Sigma []float64 `json:"sigma" yaml:"sigma"`
	QMin  *float64  `json:"qmin,omitempty" yaml:"qmin,omitempty"`
	QMax  *float64  `json:"qmax,omitempty" yaml:"qmax,omitempty"`
}

// Float returns a pointer to v, for filling QMin/QMax.
func Float(v float64) *float64 { return &v }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Validate checks array lengths and that every value is finite.
func (d *Dataset) Validate() error {
	if len(d.Q) == 0 {
		return fmt.Errorf("%w: no data points", ErrInvalidData)
	}
	if len(d.I) != len(d.Q) || len(d.Sigma) != len(d.Q) {
		return fmt.Errorf("%w: array lengths differ (q=%d, i=%d, sigma=%d)",
			ErrInvalidData, len(d.Q), len(d.I), len(d.Sigma))
	}
	for k := range d.Q {
		if !finite(d.Q[k]) || !finite(d.I[k]) || !finite(d.Sigma[k]) {
			return fmt.Errorf("%w: non-finite value at point %d", ErrInvalidData, k)
		}
	}
	if d.QMin != nil && d.QMax != nil && *d.QMin > *d.QMax {
		return fmt.Errorf("%w: qmin %g > qmax %g", ErrInvalidData, *d.QMin, *d.QMax)
	}
	return nil
}

// InRange reports whether q lies inside the fit window.
func (d *Dataset) InRange(q float64) bool {
	if d.QMin != nil && q < *d.QMin {
		return false
	}
	if d.QMax != nil && q > *d.QMax {
		return false
	}
	return true
}

// Active returns copies of the in-window points.
func (d *Dataset) Active() (q, i, sigma []float64) {
	for k, qk := range d.Q {
		if !d.InRange(qk) {
			continue
		}
		q = append(q, qk)
		i = append(i, d.I[k])
		sigma = append(sigma, d.Sigma[k])
	}
	return q, i, sigma
}

// Clone returns a deep copy.
func (d Dataset) Clone() Dataset {
	out := Dataset{
		Q:     append([]float64(nil), d.Q...),
		I:     append([]float64(nil), d.I...),
		Sigma: append([]float64(nil), d.Sigma...),
	}
	if d.QMin != nil {
		out.QMin = Float(*d.QMin)
	}
	if d.QMax != nil {
		out.QMax = Float(*d.QMax)
	}
	return out
}

// Config holds the scalar controls of one inversion.
//
// Background is a fixed constant subtracted from I(q) before fitting and
// added back on output. With EstimateBackground the constant is fitted
// instead, as an extra unregularized parameter.
type Config struct {
	Dmax               float64 `json:"dmax" yaml:"dmax"`
	Alpha              float64 `json:"alpha" yaml:"alpha"`
	NTerms             int     `json:"nterms" yaml:"nterms"`
	SlitHeight         float64 `json:"slit_height,omitempty" yaml:"slit_height,omitempty"`
	SlitWidth          float64 `json:"slit_width,omitempty" yaml:"slit_width,omitempty"`
	SlitPoints         int     `json:"slit_points,omitempty" yaml:"slit_points,omitempty"`
	Background         float64 `json:"background,omitempty" yaml:"background,omitempty"`
	EstimateBackground bool    `json:"estimate_background,omitempty" yaml:"estimate_background,omitempty"`
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	switch {
	case !finite(c.Dmax) || c.Dmax <= 0:
		return fmt.Errorf("%w: dmax must be > 0 (got %g)", ErrConfiguration, c.Dmax)
	case !finite(c.Alpha) || c.Alpha < 0:
		return fmt.Errorf("%w: alpha must be >= 0 (got %g)", ErrConfiguration, c.Alpha)
	case c.NTerms < 1 || c.NTerms > MaxTerms:
		return fmt.Errorf("%w: nterms must be in [1, %d] (got %d)", ErrConfiguration, MaxTerms, c.NTerms)
	case !finite(c.SlitHeight) || c.SlitHeight < 0:
		return fmt.Errorf("%w: slit height must be >= 0 (got %g)", ErrConfiguration, c.SlitHeight)
	case !finite(c.SlitWidth) || c.SlitWidth < 0:
		return fmt.Errorf("%w: slit width must be >= 0 (got %g)", ErrConfiguration, c.SlitWidth)
	case c.SlitPoints < 0 || c.SlitPoints == 1:
		return fmt.Errorf("%w: slit points must be 0 (default) or >= 2 (got %d)", ErrConfiguration, c.SlitPoints)
	case !finite(c.Background):
		return fmt.Errorf("%w: background must be finite", ErrConfiguration)
	}
	return nil
}

// Smearing returns the smearing variant selected by the slit parameters.
func (c Config) Smearing() basis.Smearing {
	if c.SlitHeight > 0 || c.SlitWidth > 0 {
		return basis.SlitSmearing{Height: c.SlitHeight, Width: c.SlitWidth, Points: c.SlitPoints}
	}
	return basis.NoSmearing{}
}

// Parameters returns the number of fitted parameters.
func (c Config) Parameters() int {
	if c.EstimateBackground {
		return c.NTerms + 1
	}
	return c.NTerms
}

// SearchSpec controls the (nterms, alpha) search. Zero values select the
// defaults documented on each field.
type SearchSpec struct {
	// OscillationTarget is the ceiling on the oscillation diagnostic. Required.
	OscillationTarget float64 `json:"oscillation_target" yaml:"oscillation_target"`
	// NTermsMin/NTermsMax bound the term counts tried (default: config nterms).
	NTermsMin int `json:"nterms_min,omitempty" yaml:"nterms_min,omitempty"`
	NTermsMax int `json:"nterms_max,omitempty" yaml:"nterms_max,omitempty"`
	// AlphaMin/AlphaMax bound alpha (default: 1e-10 and 10 times the suggested alpha).
	AlphaMin float64 `json:"alpha_min,omitempty" yaml:"alpha_min,omitempty"`
	AlphaMax float64 `json:"alpha_max,omitempty" yaml:"alpha_max,omitempty"`
	// Budget is the number of trials per nterms (default 20).
	Budget int `json:"budget,omitempty" yaml:"budget,omitempty"`
	// Tolerance is the stopping width of the alpha bracket in decades (default 0.01).
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	// Workers is the number of nterms values searched concurrently (default 1).
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// Validate rejects out-of-range search controls.
func (s SearchSpec) Validate() error {
	switch {
	case !finite(s.OscillationTarget) || s.OscillationTarget <= 0:
		return fmt.Errorf("%w: oscillation target must be > 0 (got %g)", ErrConfiguration, s.OscillationTarget)
	case s.NTermsMin < 0 || s.NTermsMax < 0 || s.NTermsMax > MaxTerms:
		return fmt.Errorf("%w: nterms range [%d, %d] invalid", ErrConfiguration, s.NTermsMin, s.NTermsMax)
	case s.NTermsMin > 0 && s.NTermsMax > 0 && s.NTermsMin > s.NTermsMax:
		return fmt.Errorf("%w: nterms_min %d > nterms_max %d", ErrConfiguration, s.NTermsMin, s.NTermsMax)
	case !finite(s.AlphaMin) || !finite(s.AlphaMax) || s.AlphaMin < 0 || s.AlphaMax < 0:
		return fmt.Errorf("%w: alpha bounds must be >= 0", ErrConfiguration)
	case s.AlphaMin > 0 && s.AlphaMax > 0 && s.AlphaMin >= s.AlphaMax:
		return fmt.Errorf("%w: alpha_min %g >= alpha_max %g", ErrConfiguration, s.AlphaMin, s.AlphaMax)
	case s.Budget < 0 || s.Workers < 0:
		return fmt.Errorf("%w: budget and workers must be >= 0", ErrConfiguration)
	case !finite(s.Tolerance) || s.Tolerance < 0:
		return fmt.Errorf("%w: tolerance must be >= 0", ErrConfiguration)
	}
	return nil
}

// Job is one unit of work: data, configuration and an optional search.
// EstimateAlpha replaces Config.Alpha with the estimated alpha before a
// fixed inversion; EstimateNTerms replaces both NTerms and Alpha. Neither
// has an effect when Search is set.
type Job struct {
	Name           string      `json:"name,omitempty" yaml:"name,omitempty"`
	Data           Dataset     `json:"data" yaml:"data"`
	Config         Config      `json:"config" yaml:"config"`
	EstimateAlpha  bool        `json:"estimate_alpha,omitempty" yaml:"estimate_alpha,omitempty"`
	EstimateNTerms bool        `json:"estimate_nterms,omitempty" yaml:"estimate_nterms,omitempty"`
	Search         *SearchSpec `json:"search,omitempty" yaml:"search,omitempty"`
}

// Validate checks every part of the job.
func (j *Job) Validate() error {
	if err := j.Data.Validate(); err != nil {
		return err
	}
	if err := j.Config.Validate(); err != nil {
		return err
	}
	if j.Search != nil {
		return j.Search.Validate()
	}
	return nil
}
