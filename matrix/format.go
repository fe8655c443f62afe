package matrix

import (
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// FormatVector renders values one per line between MatrixLine rules.
// An empty format uses "% .6e".
func FormatVector(title string, values []float64, format string) string {
	if format == "" {
		format = "% .6e"
	}
	sb := &strings.Builder{}
	sb.WriteString(MatrixLine + "\n")
	sb.WriteString(title + "\n")
	for i, v := range values {
		fmt.Fprintf(sb, "[%03d]  "+format+"\n", i, v)
	}
	sb.WriteString(MatrixLine)
	return sb.String()
}

// PrintMatrix dumps m to w, trimmed to 12 rows and 8 columns.
func PrintMatrix(w io.Writer, m mat.Matrix, title string) {
	r, c := m.Dims()
	fmt.Fprintln(w, MatrixLine)
	fmt.Fprintln(w, title, " (", r, "x", c, ")")
	maxRows := r
	if maxRows > 12 {
		maxRows = 12
	}
	maxCols := c
	if maxCols > 8 {
		maxCols = 8
	}
	for i := 0; i < maxRows; i++ {
		line := fmt.Sprintf("[%03d]", i)
		for j := 0; j < maxCols; j++ {
			line += fmt.Sprintf(" % .4e", m.At(i, j))
		}
		if c > maxCols {
			line += " ..."
		}
		fmt.Fprintln(w, line)
	}
	if r > maxRows {
		fmt.Fprintln(w, "...")
	}
	fmt.Fprintln(w, MatrixLine)
}
