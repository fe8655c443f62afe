package server

import (
	"time"

	"github.com/CK6170/PrInvert-go/inversion"
	"github.com/CK6170/PrInvert-go/models"
	"github.com/CK6170/PrInvert-go/search"
)

// APIError is the canonical error envelope returned by JSON endpoints.
type APIError struct {
	Error string `json:"error"`
}

// HealthResponse is returned by /api/health to confirm the server is running.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Version   string    `json:"version,omitempty"`
	Jobs      int       `json:"jobs"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitResponse is returned by POST /api/jobs. JobID is used for every
// later call about the job.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// ResultDTO is the scalar part of an inversion result.
type ResultDTO struct {
	Config              models.Config `json:"config"`
	Coefficients        []float64     `json:"coefficients"`
	Variance            []float64     `json:"variance"`
	Background          float64       `json:"background"`
	BackgroundErr       float64       `json:"backgroundErr"`
	ChiSquare           float64       `json:"chi2"`
	Oscillation         float64       `json:"oscillation"`
	PositiveFraction    float64       `json:"positiveFraction"`
	PositiveErrFraction float64       `json:"positiveErrFraction"`
	SuggestedAlpha      float64       `json:"suggestedAlpha"`
	Peaks               int           `json:"peaks"`
	Rg                  float64       `json:"rg"`
	IQ0                 float64       `json:"iq0"`
	Points              int           `json:"points"`
	ElapsedMS           float64       `json:"elapsedMs"`
}

func newResultDTO(res *inversion.Result) *ResultDTO {
	if res == nil {
		return nil
	}
	variance := make([]float64, len(res.Coefficients))
	for i := range variance {
		variance[i] = res.Covariance.At(i, i)
	}
	return &ResultDTO{
		Config:              res.Config,
		Coefficients:        res.Coefficients,
		Variance:            variance,
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
		ElapsedMS:           float64(res.Elapsed.Microseconds()) / 1000,
	}
}

// JobDTO is the view of a job returned by GET /api/jobs/{id}.
type JobDTO struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Created        time.Time      `json:"created"`
	Started        *time.Time     `json:"started,omitempty"`
	Ended          *time.Time     `json:"ended,omitempty"`
	Search         bool           `json:"search"`
	Trials         []search.Trial `json:"trials,omitempty"`
	Result         *ResultDTO     `json:"result,omitempty"`
	EstimatedAlpha *float64       `json:"estimatedAlpha,omitempty"`
	EstimatedTerms *int           `json:"estimatedNTerms,omitempty"`
}

func newJobDTO(rec JobRecord, withTrials bool) JobDTO {
	dto := JobDTO{
		ID:      rec.ID,
		Name:    rec.Job.Name,
		Status:  string(rec.Status),
		Error:   rec.Err,
		Created: rec.Created,
		Search:  rec.Job.Search != nil,
	}
	if !rec.Started.IsZero() {
		dto.Started = &rec.Started
	}
	if !rec.Ended.IsZero() {
		dto.Ended = &rec.Ended
	}
	if withTrials {
		dto.Trials = rec.Trials
	}
	if rec.Report != nil {
		dto.Result = newResultDTO(rec.Report.Result)
		if rec.Report.Estimate != nil {
			dto.EstimatedAlpha = models.Float(rec.Report.Estimate.Alpha)
		}
		if t := rec.Report.Terms; t != nil {
			dto.EstimatedAlpha = models.Float(t.Alpha)
			dto.EstimatedTerms = &t.NTerms
		}
	}
	return dto
}

// PrResponse is the P(r) curve of a finished job.
type PrResponse struct {
	R   []float64 `json:"r"`
	Pr  []float64 `json:"pr"`
	DPr []float64 `json:"dpr"`
}

// IqResponse is the fitted I(q) on the job's own q values.
type IqResponse struct {
	Q    []float64 `json:"q"`
	I    []float64 `json:"i"`
	IErr []float64 `json:"iErr"`
}

// DoneEvent is the data of a "done" WebSocket event.
type DoneEvent struct {
	Status string     `json:"status"`
	Result *ResultDTO `json:"result,omitempty"`
}
