package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CK6170/PrInvert-go/analysis"
	"github.com/CK6170/PrInvert-go/models"
	"github.com/CK6170/PrInvert-go/search"
)

type jobStatus string

const (
	statusQueued    jobStatus = "queued"
	statusRunning   jobStatus = "running"
	statusDone      jobStatus = "done"
	statusFailed    jobStatus = "failed"
	statusCancelled jobStatus = "cancelled"
)

var errJobNotFound = errors.New("job not found")

// JobRecord is one submitted job and, once finished, its report.
type JobRecord struct {
	ID      string
	Job     *models.Job
	Status  jobStatus
	Err     string
	Trials  []search.Trial
	Report  *analysis.Report
	Created time.Time
	Started time.Time
	Ended   time.Time

	cancel context.CancelFunc
}

// JobStore keeps jobs in memory for the lifetime of the server.
type JobStore struct {
	mu sync.RWMutex
	m  map[string]*JobRecord
}

func NewJobStore() *JobStore {
	return &JobStore{m: make(map[string]*JobRecord)}
}

// Put stores job under a fresh id with status queued.
func (s *JobStore) Put(job *models.Job, cancel context.CancelFunc) *JobRecord {
	rec := &JobRecord{
		ID:      uuid.NewString(),
		Job:     job,
		Status:  statusQueued,
		Created: time.Now().UTC(),
		cancel:  cancel,
	}
	s.mu.Lock()
	s.m[rec.ID] = rec
	s.mu.Unlock()
	return rec
}

// Get returns a snapshot of the record. The Trials slice is copied; Job and
// Report are shared and must be treated as read-only.
func (s *JobStore) Get(id string) (JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[id]
	if !ok {
		return JobRecord{}, false
	}
	snap := *r
	snap.Trials = append([]search.Trial(nil), r.Trials...)
	return snap, true
}

// List returns snapshots of every job, newest first, without trials.
func (s *JobStore) List() []JobRecord {
	s.mu.RLock()
	out := make([]JobRecord, 0, len(s.m))
	for _, r := range s.m {
		snap := *r
		snap.Trials = nil
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// Update safely mutates an existing record under a write lock.
func (s *JobStore) Update(id string, fn func(r *JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return errJobNotFound
	}
	fn(r)
	return nil
}

// Cancel stops a queued or running job. It reports false when the job is
// unknown or already finished.
func (s *JobStore) Cancel(id string) (bool, error) {
	s.mu.RLock()
	r, ok := s.m[id]
	var cancel context.CancelFunc
	active := false
	if ok {
		cancel = r.cancel
		active = r.Status == statusQueued || r.Status == statusRunning
	}
	s.mu.RUnlock()
	if !ok {
		return false, errJobNotFound
	}
	if !active {
		return false, nil
	}
	cancel()
	return true, nil
}
