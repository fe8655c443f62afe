package search

import (
	"errors"
	"math"
	"time"

	"github.com/CK6170/PrInvert-go/inversion"
)

const (
	estimateShrink = 0.33
	estimateSteps  = 10
	// Starting alpha when the invertor has none.
	estimateSeed = 1e-4
)

// Estimate is the outcome of EstimateAlpha.
type Estimate struct {
	Alpha     float64
	Suggested float64
	// Warning is set when the estimate is close to the suggested alpha, which
	// usually means dmax is too small.
	Warning string
	Elapsed time.Duration
}

// EstimateAlpha guesses a regularization weight for nterms terms without an
// oscillation target. Starting at the suggested alpha it shrinks alpha by
// a constant factor while P(r) keeps a single peak and returns the last
// single-peak value. iv is not modified.
func EstimateAlpha(iv *inversion.Invertor, nterms int) (*Estimate, error) {
	start := time.Now()
	pr := iv.Clone()
	cfg := pr.Config()
	cfg.NTerms = nterms
	if cfg.Alpha <= 0 {
		cfg.Alpha = estimateSeed
	}
	if err := pr.SetConfig(cfg); err != nil {
		return nil, err
	}

	initialAlpha, initialPeaks := cfg.Alpha, 0
	if res, err := pr.Invert(); err == nil {
		initialPeaks = res.Peaks
	} else if !errors.Is(err, inversion.ErrSingularSystem) {
		return nil, err
	}

	suggested, err := pr.SuggestedAlpha()
	if err != nil {
		return nil, err
	}
	peaks, err := peaksAt(pr, suggested)
	if err != nil {
		return nil, err
	}
	est := &Estimate{Alpha: suggested, Suggested: suggested}
	if peaks > 1 {
		est.Elapsed = time.Since(start)
		return est, nil
	}

	found := false
	for i := 1; i <= estimateSteps; i++ {
		alpha := math.Pow(estimateShrink, float64(i)) * suggested
		peaks, err := peaksAt(pr, alpha)
		if errors.Is(err, inversion.ErrSingularSystem) || (err == nil && peaks > 1) {
			found = true
			break
		}
		if err != nil {
			return nil, err
		}
		est.Alpha = alpha
	}
	if !found && initialPeaks == 1 && initialAlpha < est.Alpha {
		est.Alpha = initialAlpha
	}
	if found && est.Alpha >= 0.5*suggested {
		est.Warning = "estimated alpha is too large; try increasing dmax"
	}
	est.Elapsed = time.Since(start)
	return est, nil
}

func peaksAt(iv *inversion.Invertor, alpha float64) (int, error) {
	if err := iv.SetAlpha(alpha); err != nil {
		return 0, err
	}
	res, err := iv.Invert()
	if err != nil {
		return 0, err
	}
	return res.Peaks, nil
}
