// Package server exposes the inversion engine over HTTP.
//
// Jobs are submitted as JSON or YAML documents, run in the background (one
// goroutine each, bounded by a slot semaphore) and polled or streamed:
// - POST /api/jobs, GET /api/jobs, GET /api/jobs/{id}, POST /api/jobs/{id}/cancel
// - GET /api/jobs/{id}/pr, /iq, /table and /plot/{kind}.png for finished jobs
// - GET /ws/jobs streams trial/done/error events
// - GET /metrics serves the Prometheus registry
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gonum.org/v1/plot"

	"github.com/CK6170/PrInvert-go/analysis"
	"github.com/CK6170/PrInvert-go/file"
	"github.com/CK6170/PrInvert-go/models"
	"github.com/CK6170/PrInvert-go/report"
	"github.com/CK6170/PrInvert-go/search"
)

const (
	maxBody          = 8 << 20
	maxCurvePoints   = 10000
	defaultMaxJobs   = 2
	defaultCurvePts  = 100
	requestIDHeader  = "X-Request-ID"
	contentTypeJSON  = "application/json"
	contentTypePlain = "text/plain; charset=utf-8"
)

// Options configures a Server. Zero values select defaults.
type Options struct {
	// WebDir, when set, is served at / as static files.
	WebDir string
	// Version is reported by /api/health.
	Version string
	// MaxJobs bounds the jobs running at once (default 2).
	MaxJobs int
	// Workers overrides the search workers of every job when > 0.
	Workers int
	// Journal, when set, gets one JSON line per finished job.
	Journal string
	Logger  zerolog.Logger
}

type Server struct {
	router *mux.Router
	opts   Options
	log    zerolog.Logger

	store   *JobStore
	ws      *WSHub
	reg     *prometheus.Registry
	metrics *search.Metrics

	slots  chan struct{}
	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

func New(opts Options) *Server {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = defaultMaxJobs
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		router:  mux.NewRouter(),
		opts:    opts,
		log:     opts.Logger,
		store:   NewJobStore(),
		ws:      NewWSHub(),
		reg:     reg,
		metrics: search.NewMetrics(reg),
		slots:   make(chan struct{}, opts.MaxJobs),
		base:    base,
		stop:    stop,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/pr", s.handlePr).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/iq", s.handleIq).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/table", s.handleTable).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/plot/{kind:pr|iq}.png", s.handlePlot).Methods(http.MethodGet)
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, APIError{Error: "not found"})
	})

	s.router.HandleFunc("/ws/jobs", s.handleWSJobs)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	if s.opts.WebDir != "" {
		fs := http.FileServer(http.Dir(s.opts.WebDir))
		s.router.PathPrefix("/").Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Avoid stale UI/assets after updates.
			p := r.URL.Path
			if p == "/" || strings.HasSuffix(p, ".html") || strings.HasSuffix(p, ".js") || strings.HasSuffix(p, ".css") {
				w.Header().Set("Cache-Control", "no-store")
			}
			fs.ServeHTTP(w, r)
		}))
	}
}

func (s *Server) Handler() http.Handler { return s.router }

// Close cancels every job and waits for their goroutines to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

type ctxKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		id, _ := r.Context().Value(ctxKey{}).(string)
		s.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// responseWrapper captures HTTP status codes for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConfiguration), errors.Is(err, models.ErrInvalidData), errors.Is(err, file.ErrFormat):
		status = http.StatusBadRequest
	case errors.Is(err, errNotFinished):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, APIError{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		OK:        true,
		Version:   s.opts.Version,
		Jobs:      len(s.store.List()),
		Timestamp: time.Now(),
	})
}

// readJob decodes a job from the request body: YAML when the content type
// says so, JSON otherwise.
func readJob(r *http.Request) (*models.Job, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	isYAML := strings.Contains(mt, "yaml")
	job, err := file.DecodeJob(b, !isYAML)
	if err != nil {
		return nil, err
	}
	if q := r.URL.Query().Get("name"); q != "" {
		job.Name = q
	}
	return job, nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	job, err := readJob(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.writeJSON(w, http.StatusServiceUnavailable, APIError{Error: "server is shutting down"})
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	rec := s.store.Put(job, cancel)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info().Str("job_id", rec.ID).Str("job", job.Name).Bool("search", job.Search != nil).Msg("job submitted")
	go s.runJob(ctx, cancel, rec.ID, job)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: rec.ID, Status: string(statusQueued)})
}

func (s *Server) runJob(ctx context.Context, cancel context.CancelFunc, id string, job *models.Job) {
	defer s.wg.Done()
	defer cancel()
	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finishJob(id, nil, fmt.Errorf("%w: %w", search.ErrAborted, ctx.Err()))
		return
	}
	_ = s.store.Update(id, func(r *JobRecord) {
		r.Status = statusRunning
		r.Started = time.Now().UTC()
	})

	rep, err := analysis.Run(ctx, job, analysis.Options{
		Workers: s.opts.Workers,
		Logger:  s.log.With().Str("job_id", id).Logger(),
		Metrics: s.metrics,
		Progress: func(t search.Trial) {
			_ = s.store.Update(id, func(r *JobRecord) { r.Trials = append(r.Trials, t) })
			s.ws.Broadcast(WSMessage{Type: eventTrial, JobID: id, Data: t})
		},
	})
	s.finishJob(id, rep, err)
}

func (s *Server) finishJob(id string, rep *analysis.Report, err error) {
	status := statusDone
	switch {
	case errors.Is(err, search.ErrAborted):
		status = statusCancelled
	case err != nil:
		status = statusFailed
	}
	_ = s.store.Update(id, func(r *JobRecord) {
		r.Status = status
		r.Ended = time.Now().UTC()
		if err != nil {
			r.Err = err.Error()
		}
		if rep != nil && err == nil {
			r.Report = rep
		}
	})

	s.journal(id)
	if err != nil {
		s.log.Warn().Str("job_id", id).Str("status", string(status)).Err(err).Msg("job ended")
		s.ws.Broadcast(WSMessage{Type: eventError, JobID: id, Data: DoneEvent{Status: string(status)}})
		return
	}
	s.log.Info().Str("job_id", id).Msg("job done")
	s.ws.Broadcast(WSMessage{Type: eventDone, JobID: id, Data: DoneEvent{Status: string(status), Result: newResultDTO(rep.Result)}})
}

func (s *Server) journal(id string) {
	if s.opts.Journal == "" {
		return
	}
	rec, ok := s.store.Get(id)
	if !ok {
		return
	}
	line, err := json.Marshal(newJobDTO(rec, false))
	if err == nil {
		err = file.AppendToFile(s.opts.Journal, string(line))
	}
	if err != nil {
		s.log.Warn().Err(err).Str("journal", s.opts.Journal).Msg("journal write failed")
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	recs := s.store.List()
	out := make([]JobDTO, len(recs))
	for i, rec := range recs {
		out[i] = newJobDTO(rec, false)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.store.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, errJobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, newJobDTO(rec, true))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled, err := s.store.Cancel(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

var errNotFinished = errors.New("job has no result yet")

// finished returns the record of a job that completed with a result.
func (s *Server) finished(r *http.Request) (JobRecord, error) {
	rec, ok := s.store.Get(mux.Vars(r)["id"])
	if !ok {
		return JobRecord{}, errJobNotFound
	}
	if rec.Report == nil || rec.Report.Result == nil {
		return JobRecord{}, fmt.Errorf("%w (status %s)", errNotFinished, rec.Status)
	}
	return rec, nil
}

func curvePoints(r *http.Request) (int, error) {
	v := r.URL.Query().Get("points")
	if v == "" {
		return defaultCurvePts, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 2 || n > maxCurvePoints {
		return 0, fmt.Errorf("%w: points must be an integer in [2, %d]", models.ErrConfiguration, maxCurvePoints)
	}
	return n, nil
}

func (s *Server) handlePr(w http.ResponseWriter, r *http.Request) {
	rec, err := s.finished(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	n, err := curvePoints(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	x, p, dp := rec.Report.Result.PrCurve(n)
	s.writeJSON(w, http.StatusOK, PrResponse{R: x, Pr: p, DPr: dp})
}

func (s *Server) handleIq(w http.ResponseWriter, r *http.Request) {
	rec, err := s.finished(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := rec.Report.Result
	q, _, _ := rec.Job.Data.Active()
	out := IqResponse{Q: q, I: make([]float64, len(q)), IErr: make([]float64, len(q))}
	for k, qk := range q {
		out.I[k] = res.IqSmeared(qk)
		out.IErr[k] = res.IqErr(qk)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	rec, err := s.finished(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	n, err := curvePoints(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypePlain)
	_ = file.WritePr(w, rec.Report.Result, rec.Job.Data.QMin, rec.Job.Data.QMax, n)
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.finished(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := rec.Report.Result
	var p *plot.Plot
	if mux.Vars(r)["kind"] == "iq" {
		p, err = report.IqPlot(res, &rec.Job.Data)
	} else {
		p, err = report.PrPlot(res, defaultCurvePts)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := report.WritePNG(p, w); err != nil {
		s.log.Warn().Err(err).Msg("plot write failed")
	}
}

// WebDirExists reports whether dir is a directory.
func WebDirExists(dir string) bool {
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}
