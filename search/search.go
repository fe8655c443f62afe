// Package search picks the number of basis terms and the regularization
// weight for an inversion.
//
// For every term count in range it looks for the smallest alpha whose
// solution meets the oscillation target, bisecting alpha on a log scale.
// Oscillation falls and chi² rises with alpha, so that alpha is also the
// best-fitting feasible one. Across term counts the lowest chi² wins.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/models"
)

var (
	// ErrNoFeasibleSolution is returned when no trial meets the oscillation target.
	ErrNoFeasibleSolution = errors.New("no feasible (nterms, alpha) found")

	// ErrAborted is returned when the context ends before the search does.
	// It wraps the context error.
	ErrAborted = errors.New("search aborted")
)

const (
	DefaultBudget    = 20
	DefaultTolerance = 0.01

	// Default alpha range as multiples of the suggested alpha.
	defaultAlphaLow  = 1e-10
	defaultAlphaHigh = 10

	// Relative slack before an oscillation change counts against monotonicity.
	monotonicSlack = 1e-9
)

// Verdict classifies a trial.
type Verdict int

const (
	Feasible Verdict = iota
	Infeasible
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Feasible:
		return "feasible"
	case Infeasible:
		return "infeasible"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// Trial is one evaluated (nterms, alpha) point.
type Trial struct {
	NTerms      int           `json:"nterms"`
	Alpha       float64       `json:"alpha"`
	ChiSquare   float64       `json:"chi2"`
	Oscillation float64       `json:"oscillation"`
	Verdict     Verdict       `json:"verdict"`
	Err         string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Outcome is the result of a successful search.
type Outcome struct {
	Best *inversion.Result
	// Trials are ordered by nterms, then by evaluation order.
	Trials []Trial
	// Spec is the search spec with defaults filled in.
	Spec models.SearchSpec
}

// Option configures a Search.
type Option func(*Search)

// WithLogger sets the logger used for per-trial debug output.
func WithLogger(l zerolog.Logger) Option { return func(s *Search) { s.log = l } }

// WithMetrics sets the Prometheus collectors to update.
func WithMetrics(m *Metrics) Option { return func(s *Search) { s.metrics = m } }

// WithProgress registers a callback invoked after every trial. Calls are
// serialized even when several workers run.
func WithProgress(fn func(Trial)) Option { return func(s *Search) { s.progress = fn } }

// WithWorkers sets how many term counts are searched concurrently when the
// spec does not say.
func WithWorkers(n int) Option {
	return func(s *Search) {
		if n > 0 {
			s.workers = n
		}
	}
}

// Search runs parameter searches over one Invertor. After a successful Run
// the Invertor holds the winning configuration and result.
type Search struct {
	iv       *inversion.Invertor
	log      zerolog.Logger
	metrics  *Metrics
	progress func(Trial)
	workers  int

	mu sync.Mutex
}

// New returns a Search over iv, which must already hold data and a
// configuration.
func New(iv *inversion.Invertor, opts ...Option) *Search {
	s := &Search{iv: iv, log: zerolog.Nop(), workers: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Search) resolve(spec models.SearchSpec) (models.SearchSpec, error) {
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	cfg := s.iv.Config()
	if err := cfg.Validate(); err != nil {
		return spec, fmt.Errorf("%w: invertor configuration: %w", inversion.ErrState, err)
	}
	if spec.NTermsMin == 0 {
		spec.NTermsMin = cfg.NTerms
	}
	if spec.NTermsMax == 0 {
		spec.NTermsMax = max(spec.NTermsMin, cfg.NTerms)
	}
	if spec.NTermsMin > spec.NTermsMax {
		return spec, fmt.Errorf("%w: nterms range [%d, %d] is empty", models.ErrConfiguration, spec.NTermsMin, spec.NTermsMax)
	}
	if spec.Budget == 0 {
		spec.Budget = DefaultBudget
	}
	if spec.Tolerance == 0 {
		spec.Tolerance = DefaultTolerance
	}
	if spec.Workers == 0 {
		spec.Workers = s.workers
	}
	spec.Workers = min(spec.Workers, spec.NTermsMax-spec.NTermsMin+1)
	return spec, nil
}

// Run searches the (nterms, alpha) plane described by spec.
func (s *Search) Run(ctx context.Context, spec models.SearchSpec) (*Outcome, error) {
	spec, err := s.resolve(spec)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ActiveSearch.Inc()
		defer s.metrics.ActiveSearch.Dec()
	}
	start := time.Now()
	s.log.Debug().
		Int("nterms_min", spec.NTermsMin).
		Int("nterms_max", spec.NTermsMax).
		Float64("target", spec.OscillationTarget).
		Int("workers", spec.Workers).
		Msg("search started")

	out, err := s.run(ctx, spec)
	s.finish(out, err, time.Since(start))
	return out, err
}

func (s *Search) run(ctx context.Context, spec models.SearchSpec) (*Outcome, error) {
	inner, cancel := context.WithCancel(ctx)
	defer cancel()

	dims := make([]*dimension, spec.NTermsMax-spec.NTermsMin+1)
	sem := make(chan struct{}, spec.Workers)
	var wg sync.WaitGroup
	for k := range dims {
		d := &dimension{search: s, spec: spec, iv: s.iv.Clone(), nterms: spec.NTermsMin + k}
		dims[k] = d
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-inner.Done():
				d.err = fmt.Errorf("%w: %w", ErrAborted, inner.Err())
				return
			}
			if d.err = d.run(inner); d.err != nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	out := &Outcome{Spec: spec}
	var fatal error
	for _, d := range dims {
		out.Trials = append(out.Trials, d.trials...)
		if d.err != nil && (fatal == nil || errors.Is(fatal, ErrAborted) && !errors.Is(d.err, ErrAborted)) {
			fatal = d.err
		}
		if d.best != nil && (out.Best == nil || d.best.ChiSquare < out.Best.ChiSquare) {
			out.Best = d.best
		}
	}
	if err := ctx.Err(); err != nil && (fatal == nil || errors.Is(fatal, ErrAborted)) {
		return out, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if fatal != nil {
		return out, fatal
	}
	if out.Best == nil {
		return out, fmt.Errorf("%w: oscillation target %g, nterms [%d, %d], %d trials",
			ErrNoFeasibleSolution, spec.OscillationTarget, spec.NTermsMin, spec.NTermsMax, len(out.Trials))
	}

	if err := s.iv.SetConfig(out.Best.Config); err != nil {
		return out, err
	}
	best, err := s.iv.Invert()
	if err != nil {
		return out, err
	}
	out.Best = best
	return out, nil
}

func (s *Search) finish(out *Outcome, err error, elapsed time.Duration) {
	status := "ok"
	switch {
	case errors.Is(err, ErrAborted):
		status = "aborted"
	case errors.Is(err, ErrNoFeasibleSolution):
		status = "no_feasible"
	case err != nil:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.Searches.WithLabelValues(status).Inc()
		if err == nil {
			s.metrics.BestAlpha.Set(out.Best.Config.Alpha)
		}
	}
	ev := s.log.Info().Str("status", status).Dur("elapsed", elapsed)
	if out != nil {
		ev = ev.Int("trials", len(out.Trials))
	}
	if err == nil {
		ev = ev.Int("nterms", out.Best.Config.NTerms).
			Float64("alpha", out.Best.Config.Alpha).
			Float64("chi2", out.Best.ChiSquare).
			Float64("oscillation", out.Best.Oscillation)
	} else {
		ev = ev.Err(err)
	}
	ev.Msg("search finished")
}

func (s *Search) record(t Trial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Trials.WithLabelValues(t.Verdict.String()).Inc()
		s.metrics.TrialDuration.Observe(t.Elapsed.Seconds())
	}
	s.log.Debug().
		Int("nterms", t.NTerms).
		Float64("alpha", t.Alpha).
		Float64("chi2", t.ChiSquare).
		Float64("oscillation", t.Oscillation).
		Stringer("verdict", t.Verdict).
		Msg("trial")
	if s.progress != nil {
		s.progress(t)
	}
}

// dimension searches alpha for one term count on its own Invertor.
type dimension struct {
	search *Search
	spec   models.SearchSpec
	iv     *inversion.Invertor
	nterms int

	used   int
	trials []Trial
	best   *inversion.Result
	err    error
}

func recoverable(err error) bool {
	return errors.Is(err, inversion.ErrSingularSystem) || errors.Is(err, inversion.ErrInsufficientData)
}

func (d *dimension) run(ctx context.Context) error {
	cfg := d.iv.Config()
	cfg.NTerms = d.nterms
	if err := d.iv.SetConfig(cfg); err != nil {
		return err
	}
	suggested, err := d.iv.SuggestedAlpha()
	if recoverable(err) {
		d.search.log.Debug().Int("nterms", d.nterms).Err(err).Msg("term count skipped")
		return nil
	}
	if err != nil {
		return err
	}

	lo, hi := d.spec.AlphaMin, d.spec.AlphaMax
	if lo == 0 {
		lo = defaultAlphaLow * suggested
	}
	if hi == 0 {
		hi = defaultAlphaHigh * suggested
	}
	if !(lo < hi) {
		return fmt.Errorf("%w: alpha range [%g, %g] is empty for nterms=%d", models.ErrConfiguration, lo, hi, d.nterms)
	}
	return d.bisect(ctx, lo, hi)
}

// trial inverts at alpha. A nil result with a nil error is a failed trial.
func (d *dimension) trial(ctx context.Context, alpha float64) (*inversion.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := d.iv.SetAlpha(alpha); err != nil {
		return nil, err
	}
	d.used++
	start := time.Now()
	res, err := d.iv.Invert()
	t := Trial{NTerms: d.nterms, Alpha: alpha, Elapsed: time.Since(start)}
	switch {
	case err == nil:
		t.ChiSquare, t.Oscillation = res.ChiSquare, res.Oscillation
		t.Verdict = Infeasible
		if res.Oscillation <= d.spec.OscillationTarget {
			t.Verdict = Feasible
			if d.best == nil || res.ChiSquare < d.best.ChiSquare {
				d.best = res
			}
		}
	case recoverable(err):
		t.Verdict = Failed
		t.Err = err.Error()
	default:
		return nil, err
	}
	d.trials = append(d.trials, t)
	d.search.record(t)
	return res, nil
}

func oscillation(res *inversion.Result) float64 {
	if res == nil {
		return math.Inf(1)
	}
	return res.Oscillation
}

func (d *dimension) bisect(ctx context.Context, lo, hi float64) error {
	target := d.spec.OscillationTarget

	hiRes, err := d.trial(ctx, hi)
	if err != nil {
		return err
	}
	if hiRes == nil {
		return d.scan(ctx, lo, hi)
	}
	if hiRes.Oscillation > target {
		// Smaller alpha only oscillates more.
		return nil
	}
	loRes, err := d.trial(ctx, lo)
	if err != nil {
		return err
	}
	oscLo, oscHi := oscillation(loRes), hiRes.Oscillation
	if oscLo < oscHi*(1-monotonicSlack) {
		return d.scan(ctx, lo, hi)
	}
	if oscLo <= target {
		return nil
	}

	for d.used < d.spec.Budget && math.Log10(hi/lo) > d.spec.Tolerance {
		mid := math.Sqrt(lo * hi)
		res, err := d.trial(ctx, mid)
		if err != nil {
			return err
		}
		osc := oscillation(res)
		if res != nil && (osc > oscLo*(1+monotonicSlack) || osc < oscHi*(1-monotonicSlack)) {
			return d.scan(ctx, lo, hi)
		}
		if osc <= target {
			hi, oscHi = mid, osc
		} else {
			lo, oscLo = mid, osc
		}
	}
	return nil
}

// scan spends the rest of the budget on log-spaced alphas over [lo, hi].
func (d *dimension) scan(ctx context.Context, lo, hi float64) error {
	d.search.log.Debug().Int("nterms", d.nterms).Msg("oscillation not monotonic in alpha, scanning")
	n := d.spec.Budget - d.used
	switch {
	case n <= 0:
		return nil
	case n == 1:
		_, err := d.trial(ctx, math.Sqrt(lo*hi))
		return err
	}
	step := math.Log(hi/lo) / float64(n-1)
	for k := 0; k < n; k++ {
		if _, err := d.trial(ctx, lo*math.Exp(step*float64(k))); err != nil {
			return err
		}
	}
	return nil
}
