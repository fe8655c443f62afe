package file

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/CK6170/PrInvert-go/search"
)

var trialHeader = []string{"nterms", "alpha", "chi2", "oscillation", "verdict", "elapsed_s", "error"}

// WriteTrials writes the search trials as CSV with a header row.
func WriteTrials(w io.Writer, trials []search.Trial) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(trialHeader); err != nil {
		return err
	}
	for _, t := range trials {
		if err := cw.Write(trialRow(t)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// AppendTrials appends trials to a CSV file, writing the header only when
// the file is new or empty.
func AppendTrials(path string, trials []search.Trial) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open trial log: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat trial log: %w", err)
	}
	if info.Size() > 0 {
		cw := csv.NewWriter(f)
		for _, t := range trials {
			if err := cw.Write(trialRow(t)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}
	return WriteTrials(f, trials)
}

func trialRow(t search.Trial) []string {
	return []string{
		strconv.Itoa(t.NTerms),
		strconv.FormatFloat(t.Alpha, 'g', -1, 64),
		strconv.FormatFloat(t.ChiSquare, 'g', -1, 64),
		strconv.FormatFloat(t.Oscillation, 'g', -1, 64),
		t.Verdict.String(),
		strconv.FormatFloat(t.Elapsed.Seconds(), 'g', 6, 64),
		t.Err,
	}
}
