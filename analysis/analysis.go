// Package analysis runs one inversion job end to end.
//
// It is shared by the CLI and the web server and is responsible for:
// - Building an Invertor from a job document
// - Choosing alpha (fixed, estimated, or searched against an oscillation target)
// - Writing the optional outputs (result record, P(r) table, plots, trial log)
package analysis

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/PrInvert-go/file"
	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/matrix"
	"github.com/CK6170/PrInvert-go/models"
	"github.com/CK6170/PrInvert-go/report"
	"github.com/CK6170/PrInvert-go/search"
	"github.com/CK6170/PrInvert-go/ui"
)

// Options controls how a job is run and which outputs are written. Empty
// paths skip the corresponding output.
type Options struct {
	ResultPath  string
	PrPath      string
	PlotDir     string
	TrialLog    string
	TablePoints int

	// Workers overrides the job's search workers when > 0.
	Workers int
	// App is stored in the result record.
	App string
	// Debug dumps the normal matrix and covariance to Out.
	Debug bool
	// Out receives the printed summary. Nil prints nothing.
	Out io.Writer

	Logger   zerolog.Logger
	Metrics  *search.Metrics
	Progress func(search.Trial)
}

// Report is what Run produced.
type Report struct {
	Name   string
	Result *inversion.Result
	// Trials is empty unless the job carried a search.
	Trials []search.Trial
	// Estimate is set when the job asked for alpha to be estimated.
	Estimate *search.Estimate
	// Terms is set when the job asked for the term count to be estimated.
	Terms *search.TermsEstimate
	// Files lists the outputs written, in order.
	Files []string
}

// Run validates job, inverts it and writes the requested outputs. When the
// job has a search section the search picks nterms and alpha; otherwise the
// configured values are used unless the job opts into EstimateNTerms or
// EstimateAlpha. A failed search still returns
// the report with its trials alongside the error.
func Run(ctx context.Context, job *models.Job, opts Options) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger.With().Str("job", job.Name).Logger()
	rep := &Report{Name: job.Name}

	iv := inversion.New()
	if err := iv.SetData(job.Data); err != nil {
		return nil, err
	}
	if err := iv.SetConfig(job.Config); err != nil {
		return nil, err
	}

	var err error
	if job.Search != nil {
		err = runSearch(ctx, iv, job, opts, log, rep)
	} else {
		err = runFixed(ctx, iv, job, log, rep)
	}
	if err != nil {
		if opts.TrialLog != "" && len(rep.Trials) > 0 {
			if lerr := file.AppendTrials(opts.TrialLog, rep.Trials); lerr != nil {
				log.Warn().Err(lerr).Msg("trial log not written")
			} else {
				rep.Files = append(rep.Files, opts.TrialLog)
			}
		}
		return rep, err
	}

	log.Info().
		Int("nterms", rep.Result.Config.NTerms).
		Float64("alpha", rep.Result.Config.Alpha).
		Float64("chi2", rep.Result.ChiSquare).
		Float64("oscillation", rep.Result.Oscillation).
		Dur("elapsed", rep.Result.Elapsed).
		Msg("inversion done")

	if opts.Out != nil {
		if rep.Estimate != nil && rep.Estimate.Warning != "" {
			fmt.Fprintf(opts.Out, "warning: %s\n", rep.Estimate.Warning)
		}
		if rep.Terms != nil && rep.Terms.Warning != "" {
			fmt.Fprintf(opts.Out, "warning: %s\n", rep.Terms.Warning)
		}
		printSummary(opts.Out, iv, rep.Result, opts.Debug)
	}
	if err := writeOutputs(job, opts, rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func runSearch(ctx context.Context, iv *inversion.Invertor, job *models.Job, opts Options, log zerolog.Logger, rep *Report) error {
	spec := *job.Search
	if opts.Workers > 0 {
		spec.Workers = opts.Workers
	}
	s := search.New(iv,
		search.WithLogger(log),
		search.WithMetrics(opts.Metrics),
		search.WithProgress(opts.Progress),
	)
	out, err := s.Run(ctx, spec)
	if out != nil {
		rep.Trials = out.Trials
	}
	if err != nil {
		return fmt.Errorf("search %s: %w", job.Name, err)
	}
	rep.Result = out.Best
	return nil
}

func runFixed(ctx context.Context, iv *inversion.Invertor, job *models.Job, log zerolog.Logger, rep *Report) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", search.ErrAborted, err)
	}
	if job.EstimateNTerms {
		te, err := search.EstimateNTerms(ctx, iv)
		if err != nil {
			return fmt.Errorf("estimate nterms: %w", err)
		}
		log.Debug().Int("nterms", te.NTerms).Float64("alpha", te.Alpha).Ints("candidates", te.Candidates).Msg("nterms estimated")
		if te.Warning != "" {
			log.Warn().Msg(te.Warning)
		}
		cfg := iv.Config()
		cfg.NTerms, cfg.Alpha = te.NTerms, te.Alpha
		if err := iv.SetConfig(cfg); err != nil {
			return err
		}
		rep.Terms = te
	} else if job.EstimateAlpha {
		est, err := search.EstimateAlpha(iv, job.Config.NTerms)
		if err != nil {
			return fmt.Errorf("estimate alpha: %w", err)
		}
		log.Debug().Float64("alpha", est.Alpha).Float64("suggested", est.Suggested).Msg("alpha estimated")
		if est.Warning != "" {
			log.Warn().Msg(est.Warning)
		}
		if err := iv.SetAlpha(est.Alpha); err != nil {
			return err
		}
		rep.Estimate = est
	}
	res, err := iv.Invert()
	if err != nil {
		return fmt.Errorf("invert %s: %w", job.Name, err)
	}
	rep.Result = res
	return nil
}

func printSummary(w io.Writer, iv *inversion.Invertor, res *inversion.Result, debug bool) {
	if debug {
		if sys, err := iv.System(); err == nil {
			matrix.PrintMatrix(w, sys.Data, "Normal Matrix (A^T W A)")
			matrix.PrintMatrix(w, sys.Reg, "Regularization Matrix (R)")
		}
		matrix.PrintMatrix(w, res.Covariance, "Covariance")
	}
	ui.PrintResult(w, res)
}

func writeOutputs(job *models.Job, opts Options, rep *Report) error {
	res := rep.Result
	if opts.ResultPath != "" {
		if err := file.SaveResult(opts.ResultPath, file.NewRecord(job.Name, opts.App, res)); err != nil {
			return err
		}
		rep.Files = append(rep.Files, opts.ResultPath)
	}
	if opts.PrPath != "" {
		if err := writePrFile(opts.PrPath, res, &job.Data, opts.TablePoints); err != nil {
			return err
		}
		rep.Files = append(rep.Files, opts.PrPath)
	}
	if opts.PlotDir != "" {
		paths, err := writePlots(opts.PlotDir, job, res, opts.TablePoints)
		rep.Files = append(rep.Files, paths...)
		if err != nil {
			return err
		}
	}
	if opts.TrialLog != "" && len(rep.Trials) > 0 {
		if err := file.AppendTrials(opts.TrialLog, rep.Trials); err != nil {
			return err
		}
		rep.Files = append(rep.Files, opts.TrialLog)
	}
	return nil
}

func writePrFile(path string, res *inversion.Result, ds *models.Dataset, points int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create P(r) table: %w", err)
	}
	if err := file.WritePr(f, res, ds.QMin, ds.QMax, points); err != nil {
		_ = f.Close()
		return fmt.Errorf("write P(r) table: %w", err)
	}
	return f.Close()
}

func writePlots(dir string, job *models.Job, res *inversion.Result, points int) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("plot dir: %w", err)
	}
	name := job.Name
	if name == "" {
		name = "job-" + time.Now().Format("20060102-150405")
	}
	if points < 1 {
		points = file.DefaultTablePoints
	}
	var written []string
	pr, err := report.PrPlot(res, points)
	if err != nil {
		return written, err
	}
	prPath := filepath.Join(dir, name+"_pr.png")
	if err := report.Save(pr, prPath); err != nil {
		return written, err
	}
	written = append(written, prPath)

	iq, err := report.IqPlot(res, &job.Data)
	if err != nil {
		return written, err
	}
	iqPath := filepath.Join(dir, name+"_iq.png")
	if err := report.Save(iq, iqPath); err != nil {
		return written, err
	}
	return append(written, iqPath), nil
}
