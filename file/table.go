package file

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/models"
)

// DefaultTablePoints is the number of P(r) rows WritePr emits by default.
const DefaultTablePoints = 100

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func optional(v *float64) string {
	if v == nil {
		return "None"
	}
	return formatFloat(*v)
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WritePr writes res as a P(r) table: "#key=value" header lines, one
// "#C_i=value+-variance" line per coefficient, then rows "r P(r) dP(r)" at
// r = k*dmax/points for k in [0, points). qmin and qmax are the fit window
// and may be nil.
func WritePr(w io.Writer, res *inversion.Result, qmin, qmax *float64, points int) error {
	if points < 1 {
		points = DefaultTablePoints
	}
	cfg := res.Config
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "#d_max=%s\n", formatFloat(cfg.Dmax))
	fmt.Fprintf(bw, "#nfunc=%d\n", cfg.NTerms)
	fmt.Fprintf(bw, "#alpha=%s\n", formatFloat(cfg.Alpha))
	fmt.Fprintf(bw, "#chi2=%s\n", formatFloat(res.ChiSquare))
	fmt.Fprintf(bw, "#elapsed=%s\n", formatFloat(res.Elapsed.Seconds()))
	fmt.Fprintf(bw, "#qmin=%s\n", optional(qmin))
	fmt.Fprintf(bw, "#qmax=%s\n", optional(qmax))
	fmt.Fprintf(bw, "#slit_height=%s\n", formatFloat(cfg.SlitHeight))
	fmt.Fprintf(bw, "#slit_width=%s\n", formatFloat(cfg.SlitWidth))
	fmt.Fprintf(bw, "#background=%s\n", formatFloat(res.Background))
	fmt.Fprintf(bw, "#has_bck=%d\n", boolFlag(cfg.EstimateBackground))
	fmt.Fprintf(bw, "#alpha_estimate=%s\n", formatFloat(res.SuggestedAlpha))
	for i, c := range res.Coefficients {
		fmt.Fprintf(bw, "#C_%d=%s+-%s\n", i, formatFloat(c), formatFloat(res.Covariance.At(i, i)))
	}
	fmt.Fprintln(bw, "<r>  <Pr>  <dPr>")
	step := cfg.Dmax / float64(points)
	for k := 0; k < points; k++ {
		r := float64(k) * step
		fmt.Fprintf(bw, "%g  %g  %g\n", r, res.Pr(r), res.PrErr(r))
	}
	return bw.Flush()
}

// PrTable is the parsed header of a P(r) table.
type PrTable struct {
	Result     *inversion.Result
	QMin, QMax *float64
}

// ReadPr parses the header written by WritePr and rebuilds the result. Only
// the covariance diagonal is stored in the table, so errors on P(r) from a
// table ignore correlations between coefficients.
func ReadPr(r io.Reader) (*PrTable, error) {
	var (
		cfg      models.Config
		coeffs   []float64
		variance []float64
		chi2     float64
		elapsed  float64
		suggest  float64
		bck      float64
		table    PrTable
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text[1:], "=")
		if !ok {
			continue
		}
		var err error
		switch {
		case key == "d_max":
			cfg.Dmax, err = strconv.ParseFloat(value, 64)
		case key == "nfunc":
			cfg.NTerms, err = strconv.Atoi(value)
			if err == nil && (cfg.NTerms < 1 || cfg.NTerms > models.MaxTerms) {
				err = fmt.Errorf("nfunc %d out of range", cfg.NTerms)
			}
			if err == nil {
				coeffs = make([]float64, cfg.NTerms)
				variance = make([]float64, cfg.NTerms)
			}
		case key == "alpha":
			cfg.Alpha, err = strconv.ParseFloat(value, 64)
		case key == "chi2":
			chi2, err = strconv.ParseFloat(value, 64)
		case key == "elapsed":
			elapsed, err = strconv.ParseFloat(value, 64)
		case key == "alpha_estimate":
			suggest, err = strconv.ParseFloat(value, 64)
		case key == "qmin":
			table.QMin = parseOptional(value)
		case key == "qmax":
			table.QMax = parseOptional(value)
		case key == "slit_height":
			cfg.SlitHeight, err = strconv.ParseFloat(value, 64)
		case key == "slit_width":
			cfg.SlitWidth, err = strconv.ParseFloat(value, 64)
		case key == "background":
			bck, err = strconv.ParseFloat(value, 64)
		case key == "has_bck":
			cfg.EstimateBackground = strings.TrimSpace(value) == "1"
		case strings.HasPrefix(key, "C_"):
			err = parseCoefficient(key, value, coeffs, variance)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	if coeffs == nil {
		return nil, fmt.Errorf("%w: no #nfunc header", ErrFormat)
	}
	if !cfg.EstimateBackground {
		cfg.Background = bck
	}

	cov := mat.NewSymDense(cfg.NTerms, nil)
	for i, v := range variance {
		cov.SetSym(i, i, v)
	}
	res, err := inversion.Restore(cfg, coeffs, cov)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	res.Background = bck
	res.ChiSquare = chi2
	res.SuggestedAlpha = suggest
	res.Elapsed = time.Duration(elapsed * float64(time.Second))
	table.Result = res
	return &table, nil
}

func parseOptional(v string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	return &f
}

func parseCoefficient(key, value string, coeffs, variance []float64) error {
	if coeffs == nil {
		return fmt.Errorf("%s before #nfunc", key)
	}
	i, err := strconv.Atoi(strings.TrimPrefix(key, "C_"))
	if err != nil || i < 0 || i >= len(coeffs) {
		return fmt.Errorf("bad coefficient index %q", key)
	}
	val, errStr, ok := strings.Cut(value, "+-")
	if !ok {
		return fmt.Errorf("coefficient %d has no error", i)
	}
	if coeffs[i], err = strconv.ParseFloat(val, 64); err != nil {
		return err
	}
	variance[i], err = strconv.ParseFloat(errStr, 64)
	return err
}
