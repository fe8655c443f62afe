package search

import (
	"context"
	"fmt"
	"time"

	"github.com/CK6170/PrInvert-go/inversion"
)

const (
	ntermsFloor = 10
	ntermsCap   = 50
	// Scanning stops at the first term count oscillating more than this.
	ntermsOscStop = 10
	// Term counts oscillating less than this are acceptable.
	ntermsOscOK = 3
)

// TermsEstimate is the outcome of EstimateNTerms.
type TermsEstimate struct {
	NTerms int
	Alpha  float64
	// Candidates lists the acceptable term counts the median was taken from.
	Candidates []int
	// Warning is set when no term count was acceptable and the configured
	// one was kept.
	Warning string
	Elapsed time.Duration
}

// EstimateNTerms guesses a term count without an oscillation target. Each
// count from 10 up to min(points, 50) is inverted at its EstimateAlpha
// value until the oscillation exceeds 10; the median of the counts that
// stayed below 3 wins. When none did, the configured count is kept with
// its estimated alpha. iv is not modified.
func EstimateNTerms(ctx context.Context, iv *inversion.Invertor) (*TermsEstimate, error) {
	start := time.Now()
	ds, err := iv.Dataset()
	if err != nil {
		return nil, err
	}
	hi := min(len(ds.Q), ntermsCap)
	lo := min(ntermsFloor, hi)

	var cands []int
	alphas := map[int]float64{}
	for k := lo; k < hi; k++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		est, err := EstimateAlpha(iv, k)
		if recoverable(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pr := iv.Clone()
		cfg := pr.Config()
		cfg.NTerms, cfg.Alpha = k, est.Alpha
		if err := pr.SetConfig(cfg); err != nil {
			return nil, err
		}
		res, err := pr.Invert()
		if recoverable(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.Oscillation > ntermsOscStop {
			break
		}
		if res.Oscillation < ntermsOscOK {
			cands = append(cands, k)
			alphas[k] = est.Alpha
		}
	}

	if len(cands) == 0 {
		nterms := iv.Config().NTerms
		est, err := EstimateAlpha(iv, nterms)
		if err != nil {
			return nil, err
		}
		return &TermsEstimate{
			NTerms:  nterms,
			Alpha:   est.Alpha,
			Warning: "could not estimate the number of terms",
			Elapsed: time.Since(start),
		}, nil
	}
	n := cands[len(cands)/2]
	return &TermsEstimate{NTerms: n, Alpha: alphas[n], Candidates: cands, Elapsed: time.Since(start)}, nil
}
