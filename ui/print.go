package ui

import (
	"fmt"
	"io"

	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/matrix"
	"github.com/CK6170/PrInvert-go/search"
)

// PrintTrialLine prints a single in-place (carriage-return) line for one
// search trial: cyan when feasible, purple when over the oscillation
// target, red when the solve failed.
func PrintTrialLine(t search.Trial) {
	color := cyan
	switch t.Verdict {
	case search.Infeasible:
		color = purple
	case search.Failed:
		color = red
	}
	line := fmt.Sprintf("\r%s[N=%02d] alpha=%-11.4e chi2=%-11.4e osc=%-11.4e %-10s", color,
		t.NTerms, t.Alpha, t.ChiSquare, t.Oscillation, t.Verdict)
	line += "          " + reset
	fmt.Fprint(Out, line)
}

// PrintResult writes a summary of res to w.
func PrintResult(w io.Writer, res *inversion.Result) {
	cfg := res.Config
	fmt.Fprintln(w, matrix.MatrixLine)
	fmt.Fprintf(w, "%sdmax=%g  nterms=%d  alpha=%.4e%s\n", blue, cfg.Dmax, cfg.NTerms, cfg.Alpha, reset)
	fmt.Fprintln(w, matrix.MatrixLine)
	fmt.Fprintf(w, "chi2/dof            %.6g\n", res.ChiSquare)
	fmt.Fprintf(w, "oscillation         %.6g\n", res.Oscillation)
	fmt.Fprintf(w, "positive fraction   %.3f\n", res.PositiveFraction)
	fmt.Fprintf(w, "1-sigma positive    %.3f\n", res.PositiveErrFraction)
	fmt.Fprintf(w, "suggested alpha     %.4e\n", res.SuggestedAlpha)
	fmt.Fprintf(w, "Rg                  %.6g\n", res.Rg)
	fmt.Fprintf(w, "I(0)                %.6g\n", res.IQ0)
	fmt.Fprintf(w, "peaks               %d\n", res.Peaks)
	if cfg.EstimateBackground {
		fmt.Fprintf(w, "background          %.6g +- %.3g\n", res.Background, res.BackgroundErr)
	} else if cfg.Background != 0 {
		fmt.Fprintf(w, "background (fixed)  %.6g\n", res.Background)
	}
	fmt.Fprintf(w, "points              %d\n", res.Points)
	fmt.Fprintf(w, "elapsed             %s\n", res.Elapsed)
	fmt.Fprintln(w, matrix.FormatVector("Coefficients", res.Coefficients, ""))
	if res.Peaks > 1 {
		fmt.Fprintf(w, "%sP(r) has %d peaks; consider a larger alpha%s\n", orange, res.Peaks, reset)
	}
	if res.PositiveFraction < 0.9 {
		fmt.Fprintf(w, "%sP(r) is negative over %.0f%% of [0, dmax]%s\n", orange, 100*(1-res.PositiveFraction), reset)
	}
}
