package file

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/models"
)

// RecordVersion is the current result record layout.
const RecordVersion = 1

// Record is the on-disk form of an inversion result.
type Record struct {
	Version int       `json:"version"`
	App     string    `json:"app,omitempty"`
	Name    string    `json:"name,omitempty"`
	SavedAt time.Time `json:"saved_at"`

	Config       models.Config `json:"config"`
	Coefficients []float64     `json:"coefficients"`
	Covariance   [][]float64   `json:"covariance"`

	Background          float64 `json:"background"`
	BackgroundErr       float64 `json:"background_err"`
	ChiSquare           float64 `json:"chi2"`
	Oscillation         float64 `json:"oscillation"`
	PositiveFraction    float64 `json:"positive_fraction"`
	PositiveErrFraction float64 `json:"positive_err_fraction"`
	SuggestedAlpha      float64 `json:"suggested_alpha"`
	Peaks               int     `json:"peaks"`
	Rg                  float64 `json:"rg"`
	IQ0                 float64 `json:"iq0"`
	Points              int     `json:"points"`
	ElapsedNS           int64   `json:"elapsed_ns"`
}

// NewRecord captures res. app is recorded as the producing version.
func NewRecord(name, app string, res *inversion.Result) *Record {
	n := res.Covariance.SymmetricDim()
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
		for j := range cov[i] {
			cov[i][j] = res.Covariance.At(i, j)
		}
	}
	return &Record{
		Version:             RecordVersion,
		App:                 app,
		Name:                name,
		SavedAt:             time.Now().UTC(),
		Config:              res.Config,
		Coefficients:        append([]float64(nil), res.Coefficients...),
		Covariance:          cov,
		Background:          res.Background,
		BackgroundErr:       res.BackgroundErr,
		ChiSquare:           res.ChiSquare,
		Oscillation:         res.Oscillation,
		PositiveFraction:    res.PositiveFraction,
		PositiveErrFraction: res.PositiveErrFraction,
		SuggestedAlpha:      res.SuggestedAlpha,
		Peaks:               res.Peaks,
		Rg:                  res.Rg,
		IQ0:                 res.IQ0,
		Points:              res.Points,
		ElapsedNS:           res.Elapsed.Nanoseconds(),
	}
}

// Result rebuilds the inversion result the record was made from.
func (r *Record) Result() (*inversion.Result, error) {
	if r.Version != RecordVersion {
		return nil, fmt.Errorf("%w: record version %d, want %d", ErrFormat, r.Version, RecordVersion)
	}
	n := len(r.Covariance)
	cov := mat.NewSymDense(max(n, 1), nil)
	for i, row := range r.Covariance {
		if len(row) != n {
			return nil, fmt.Errorf("%w: covariance row %d has %d entries, want %d", ErrFormat, i, len(row), n)
		}
		for j := i; j < n; j++ {
			cov.SetSym(i, j, row[j])
		}
	}
	if n == 0 {
		cov = nil
	}
	res, err := inversion.Restore(r.Config, r.Coefficients, cov)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	res.Background = r.Background
	res.BackgroundErr = r.BackgroundErr
	res.ChiSquare = r.ChiSquare
	res.Oscillation = r.Oscillation
	res.SuggestedAlpha = r.SuggestedAlpha
	res.Points = r.Points
	res.Elapsed = time.Duration(r.ElapsedNS)
	return res, nil
}

// SaveResult writes rec as indented JSON.
func SaveResult(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// LoadResult reads a record written by SaveResult.
func LoadResult(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("%s: %w: record version %d, want %d", path, ErrFormat, rec.Version, RecordVersion)
	}
	return &rec, nil
}
