package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CK6170/PrInvert-go/analysis"
	"github.com/CK6170/PrInvert-go/file"
	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/matrix"
	"github.com/CK6170/PrInvert-go/models"
	"github.com/CK6170/PrInvert-go/search"
	"github.com/CK6170/PrInvert-go/ui"
)

// App version variables. Set these at build time with -ldflags if desired.
var (
	AppVersion = "dev"
	AppBuild   = "local"
)

var (
	invertOut     string
	invertPr      string
	invertPlotDir string
	invertTrials  string
	invertTarget  float64
	invertWorkers int
	invertPoints  int
	invertTimeout time.Duration
	invertDebug   bool
	invertForce   bool
	invertEstAlph bool
	invertEstTerm bool
	showPoints    int
	showTable     bool
)

var rootCmd = &cobra.Command{
	Use:   "prinvert",
	Short: "P(r) inversion of small-angle scattering data",
	Long: `prinvert estimates the pair-distance distribution P(r) of a particle
from a measured scattering curve I(q) by regularized linear least squares
on a sine basis.`,
	SilenceUsage: true,
}

var invertCmd = &cobra.Command{
	Use:   "invert <job.yaml|job.json>",
	Short: "Invert one job document",
	Long: `Invert the data of a job document. When the job has a search section
(or --search is given) nterms and alpha are chosen against the oscillation
target; otherwise the configured alpha is used as given. With
--estimate-alpha (or estimate_alpha in the job) alpha is estimated first;
--estimate-nterms estimates both nterms and alpha.

Press ESC during a search to stop it.

Example usage:
  prinvert invert sphere.yaml --out sphere_result.json --pr sphere_pr.txt
  prinvert invert sphere.yaml --search 1.5 --workers 4 --plot-dir plots`,
	Args: cobra.ExactArgs(1),
	RunE: runInvert,
}

var showCmd = &cobra.Command{
	Use:   "show <result.json|pr.txt>",
	Short: "Print a saved result record or P(r) table",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s [build %s]\n", AppVersion, AppBuild)
	},
}

func init() {
	rootCmd.AddCommand(invertCmd, showCmd, versionCmd)

	f := invertCmd.Flags()
	f.StringVarP(&invertOut, "out", "o", "", "write the result record (JSON) to this path")
	f.StringVar(&invertPr, "pr", "", "write the P(r) table to this path")
	f.StringVar(&invertPlotDir, "plot-dir", "", "write P(r) and I(q) plots (PNG) into this directory")
	f.StringVar(&invertTrials, "trials", "", "append search trials (CSV) to this path")
	f.Float64Var(&invertTarget, "search", 0, "oscillation target; enables the search when the job has none")
	f.IntVar(&invertWorkers, "workers", 0, "term counts searched concurrently (default: job setting)")
	f.IntVar(&invertPoints, "points", file.DefaultTablePoints, "rows in the P(r) table and plots")
	f.DurationVar(&invertTimeout, "timeout", 0, "abort the run after this long (0 = no limit)")
	f.BoolVar(&invertDebug, "debug", false, "debug logging and matrix dumps")
	f.BoolVarP(&invertForce, "force", "f", false, "overwrite existing outputs without asking")
	f.BoolVar(&invertEstAlph, "estimate-alpha", false, "estimate alpha instead of using the configured value")
	f.BoolVar(&invertEstTerm, "estimate-nterms", false, "estimate nterms and alpha instead of using the configured values")

	showCmd.Flags().IntVar(&showPoints, "points", 20, "P(r) rows to print")
	showCmd.Flags().BoolVar(&showTable, "table", false, "print the full P(r) table instead of the summary")
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: ui.NewRedWriter(os.Stderr), TimeFormat: time.Kitchen}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func runInvert(cmd *cobra.Command, args []string) error {
	log := newLogger(invertDebug)
	job, err := file.LoadJob(args[0])
	if err != nil {
		return err
	}
	ui.Debugf(invertDebug, "Loaded job: %s (%d points)\n", args[0], len(job.Data.Q))

	job.EstimateAlpha = job.EstimateAlpha || invertEstAlph
	job.EstimateNTerms = job.EstimateNTerms || invertEstTerm
	if invertTarget > 0 {
		if job.Search == nil {
			job.Search = &models.SearchSpec{}
		}
		job.Search.OscillationTarget = invertTarget
	}
	for _, p := range []string{invertOut, invertPr} {
		if !confirmOverwrite(p) {
			return fmt.Errorf("not overwriting %s", p)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if invertTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, invertTimeout)
		defer cancel()
	}

	opts := analysis.Options{
		ResultPath:  invertOut,
		PrPath:      invertPr,
		PlotDir:     invertPlotDir,
		TrialLog:    invertTrials,
		TablePoints: invertPoints,
		Workers:     invertWorkers,
		App:         AppVersion,
		Debug:       invertDebug,
		Out:         ui.Out,
		Logger:      log,
	}
	if job.Search != nil {
		ui.Greenf("Searching nterms/alpha for %s (ESC to stop)\n", job.Name)
		ui.WatchEscape(ctx, cancel)
		opts.Progress = ui.PrintTrialLine
	}

	rep, err := analysis.Run(ctx, job, opts)
	if job.Search != nil {
		fmt.Fprintln(ui.Out)
	}
	if err != nil {
		if rep != nil && len(rep.Trials) > 0 {
			ui.Warningf("%d trials evaluated\n", len(rep.Trials))
		}
		if errors.Is(err, search.ErrAborted) {
			ui.Warningf("Run stopped: %v\n", err)
		}
		return err
	}
	for _, p := range rep.Files {
		ui.Greenf("wrote %s\n", p)
	}
	return nil
}

// confirmOverwrite asks before replacing an existing file. Without a
// keyboard the answer is no unless --force was given.
func confirmOverwrite(path string) bool {
	if path == "" || invertForce {
		return true
	}
	if _, err := os.Stat(path); err != nil {
		return true
	}
	return ui.NextYN(fmt.Sprintf("%s exists. Overwrite? (Y/N)", filepath.Base(path))) == 'Y'
}

func runShow(cmd *cobra.Command, args []string) error {
	name, saved, res, err := loadShown(args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if showTable {
		return file.WritePr(w, res, nil, nil, showPoints)
	}
	fmt.Fprintf(w, "%s %s\n", name, saved)
	ui.PrintResult(w, res)
	printPr(w, name, res)
	return nil
}

// loadShown reads a result record (.json) or a P(r) table (anything else).
func loadShown(path string) (name, saved string, res *inversion.Result, err error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		rec, err := file.LoadResult(path)
		if err != nil {
			return "", "", nil, err
		}
		res, err := rec.Result()
		if err != nil {
			return "", "", nil, err
		}
		return rec.Name, fmt.Sprintf("(saved %s by %s)", rec.SavedAt.Format(time.RFC3339), rec.App), res, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", "", nil, err
	}
	defer func() { _ = f.Close() }()
	table, err := file.ReadPr(f)
	if err != nil {
		return "", "", nil, fmt.Errorf("%s: %w", path, err)
	}
	name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return name, "(P(r) table, coefficient variances only)", table.Result, nil
}

func printPr(w io.Writer, name string, res *inversion.Result) {
	r, p, dp := res.PrCurve(showPoints)
	sb := &strings.Builder{}
	sb.WriteString(matrix.MatrixLine + "\n")
	fmt.Fprintf(sb, "P(r) %s\n", name)
	for k := range r {
		fmt.Fprintf(sb, "%12.5g  % .6e  %.3e\n", r[k], p[k], dp[k])
	}
	sb.WriteString(matrix.MatrixLine + "\n")
	fmt.Fprint(w, sb.String())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		ui.Errorf("Error: %v\n", err)
		os.Exit(1)
	}
}
