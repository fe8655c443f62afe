package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/CK6170/PrInvert-go/basis"
	"github.com/CK6170/PrInvert-go/models"
)

func testJob(t *testing.T) models.Job {
	t.Helper()
	f, err := basis.NewFamily(100)
	require.NoError(t, err)
	c := []float64{1, -0.5, 0.2, 0, 0.05}
	q := make([]float64, 50)
	floats.LogSpan(q, 0.005, 0.3)
	ds := models.Dataset{Q: q, I: make([]float64, len(q)), Sigma: make([]float64, len(q))}
	row := make([]float64, len(c))
	for k, qk := range q {
		ds.I[k] = floats.Dot(f.TransformVector(qk, row), c)
		ds.Sigma[k] = 1e-3 + 0.01*math.Abs(ds.I[k])
	}
	return models.Job{Name: "sphere", Data: ds, Config: models.Config{Dmax: 100, NTerms: 5, Alpha: 1e-3}}
}

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func submit(t *testing.T, ts *httptest.Server, job models.Job) string {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func waitStatus(t *testing.T, ts *httptest.Server, id, status string) JobDTO {
	t.Helper()
	var job JobDTO
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/jobs/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var dto JobDTO
		if json.NewDecoder(resp.Body).Decode(&dto) != nil {
			return false
		}
		job = dto
		return job.Status == status
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Options{Version: "1.2.3"})
	var h HealthResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", &h))
	assert.True(t, h.OK)
	assert.Equal(t, "1.2.3", h.Version)
	assert.Zero(t, h.Jobs)
}

func TestJobLifecycle(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "jobs.jsonl")
	_, ts := newTestServer(t, Options{Journal: journal})
	id := submit(t, ts, testJob(t))

	job := waitStatus(t, ts, id, string(statusDone))
	require.NotNil(t, job.Result)
	assert.Equal(t, "sphere", job.Name)
	assert.Equal(t, 5, job.Result.Config.NTerms)
	assert.Len(t, job.Result.Variance, 5)
	assert.NotNil(t, job.Started)
	assert.NotNil(t, job.Ended)

	var pr PrResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/jobs/"+id+"/pr?points=20", &pr))
	assert.Len(t, pr.R, 20)
	assert.Len(t, pr.DPr, 20)
	assert.InDelta(t, 100.0, pr.R[19], 1e-9)

	var iq IqResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/jobs/"+id+"/iq", &iq))
	assert.Len(t, iq.Q, 50)

	resp, err := http.Get(ts.URL + "/api/jobs/" + id + "/table?points=10")
	require.NoError(t, err)
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.HasPrefix(string(text), "#d_max=100\n"))

	resp, err = http.Get(ts.URL + "/api/jobs/" + id + "/plot/iq.png")
	require.NoError(t, err)
	png, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	var list []JobDTO
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/jobs", &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(journal)
		return err == nil && strings.Contains(string(data), id)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitYAML(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	doc := `
data:
  q: [0.01, 0.02, 0.03, 0.04, 0.05, 0.06]
  i: [10, 8, 5, 3, 2, 1]
  sigma: [0.1, 0.1, 0.1, 0.1, 0.1, 0.1]
config: {dmax: 80, nterms: 2, alpha: 0.001}
`
	resp, err := http.Post(ts.URL+"/api/jobs?name=yaml-job", "application/yaml", strings.NewReader(doc))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	job := waitStatus(t, ts, out.JobID, string(statusDone))
	assert.Equal(t, "yaml-job", job.Name)
}

func TestSubmitRejectsBadJobs(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	for name, body := range map[string]string{
		"malformed": `{"data":`,
		"invalid":   `{"data":{"q":[0.1],"i":[1],"sigma":[1]},"config":{"dmax":0,"nterms":3}}`,
		"lengths":   `{"data":{"q":[0.1,0.2],"i":[1],"sigma":[1,1]},"config":{"dmax":10,"nterms":1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var apiErr APIError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
			assert.NotEmpty(t, apiErr.Error)
		})
	}
}

func TestUnknownJob(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	var apiErr APIError
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/jobs/nope", &apiErr))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/jobs/nope/pr", &apiErr))
	resp, err := http.Post(ts.URL+"/api/jobs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelQueuedJob(t *testing.T) {
	s, ts := newTestServer(t, Options{MaxJobs: 1})
	s.slots <- struct{}{} // hold the only slot so the job stays queued
	id := submit(t, ts, testJob(t))

	var apiErr APIError
	assert.Equal(t, http.StatusConflict, getJSON(t, ts.URL+"/api/jobs/"+id+"/pr", &apiErr))

	resp, err := http.Post(ts.URL+"/api/jobs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.True(t, out["cancelled"])

	job := waitStatus(t, ts, id, string(statusCancelled))
	assert.Contains(t, job.Error, "aborted")
	<-s.slots

	resp, err = http.Post(ts.URL+"/api/jobs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	out = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.False(t, out["cancelled"], "a finished job cannot be cancelled again")
}

func TestBadCurvePoints(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	id := submit(t, ts, testJob(t))
	waitStatus(t, ts, id, string(statusDone))
	var apiErr APIError
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/jobs/"+id+"/pr?points=1", &apiErr))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/jobs/"+id+"/pr?points=abc", &apiErr))
}

func TestSearchJobStreamsTrials(t *testing.T) {
	s, ts := newTestServer(t, Options{Workers: 2})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ws.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	job := testJob(t)
	job.Search = &models.SearchSpec{OscillationTarget: 1e6, NTermsMin: 4, NTermsMax: 6}
	id := submit(t, ts, job)

	trials := 0
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Second)))
	for {
		var msg struct {
			Type  string          `json:"type"`
			JobID string          `json:"jobId"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, id, msg.JobID)
		if msg.Type == eventTrial {
			trials++
			continue
		}
		require.Equal(t, eventDone, msg.Type)
		var done DoneEvent
		require.NoError(t, json.Unmarshal(msg.Data, &done))
		assert.Equal(t, string(statusDone), done.Status)
		require.NotNil(t, done.Result)
		break
	}
	assert.Positive(t, trials)

	dto := waitStatus(t, ts, id, string(statusDone))
	assert.True(t, dto.Search)
	assert.Len(t, dto.Trials, trials)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "prinvert_searches_total")
	assert.Contains(t, string(body), "prinvert_search_trials_total")
}

func TestEstimatedAlphaIsReported(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	job := testJob(t)
	job.Config.Alpha = 0
	dto := waitStatus(t, ts, submit(t, ts, job), string(statusDone))
	assert.Nil(t, dto.EstimatedAlpha)
	require.NotNil(t, dto.Result)
	assert.Zero(t, dto.Result.Config.Alpha)

	job.EstimateAlpha = true
	dto = waitStatus(t, ts, submit(t, ts, job), string(statusDone))
	require.NotNil(t, dto.EstimatedAlpha)
	assert.Equal(t, *dto.EstimatedAlpha, dto.Result.Config.Alpha)
}

func TestFailedSearchReportsError(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	job := testJob(t)
	job.Search = &models.SearchSpec{OscillationTarget: 1e-15}
	id := submit(t, ts, job)
	dto := waitStatus(t, ts, id, string(statusFailed))
	assert.Contains(t, dto.Error, "no feasible")
	assert.NotEmpty(t, dto.Trials)
	assert.Nil(t, dto.Result)
}
