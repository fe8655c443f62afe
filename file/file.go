// Package file persists jobs, inversion results and search logs.
//
// Jobs are read from YAML (or JSON, which YAML accepts). Results are stored
// as a versioned JSON record that can regenerate P(r), and as the plain
// "#key=value" P(r) table other SAS tools read.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CK6170/PrInvert-go/models"
)

// ErrFormat is returned for files that parse but do not hold what was asked for.
var ErrFormat = errors.New("file: unrecognized format")

// LoadJob reads and validates a job document. Files ending in .json are
// decoded strictly as JSON, everything else as YAML.
func LoadJob(path string) (*models.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	job, err := DecodeJob(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if job.Name == "" {
		job.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return job, nil
}

// DecodeJob decodes and validates a job document.
func DecodeJob(data []byte, isJSON bool) (*models.Job, error) {
	var job models.Job
	if isJSON {
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// PersistJob overwrites path with job as YAML.
func PersistJob(path string, job *models.Job) error {
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

// AppendToFile appends content and a newline to file, creating it if needed.
func AppendToFile(file, content string) error {
	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(content + "\n"); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}
