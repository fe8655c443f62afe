// Package ui prints colored terminal output for the prinvert CLI.
package ui

import (
	"fmt"
	"io"
	"os"
)

// Out receives everything the helpers print.
var Out io.Writer = os.Stdout

const (
	reset  = "\033[0m"
	red    = "\033[31m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	purple = "\033[95m"
	cyan   = "\033[96m"
	green  = "\033[92m"
	orange = "\033[93m"
)

func colorf(color, format string, a ...interface{}) {
	fmt.Fprint(Out, color)
	fmt.Fprintf(Out, format, a...)
	fmt.Fprint(Out, reset)
}

// RedWriter wraps an io.Writer and emits red-colored output.
type RedWriter struct{ w io.Writer }

func (r RedWriter) Write(p []byte) (int, error) {
	out := append([]byte(red), p...)
	out = append(out, []byte(reset)...)
	if _, err := r.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewRedWriter returns a RedWriter wrapping the provided io.Writer.
func NewRedWriter(w io.Writer) RedWriter { return RedWriter{w: w} }

// Debugf prints a yellow debug message when enabled is true.
func Debugf(enabled bool, format string, a ...interface{}) {
	if enabled {
		colorf(yellow, "[DEBUG] "+format, a...)
	}
}

// Greenf prints a light green message.
func Greenf(format string, a ...interface{}) { colorf(green, format, a...) }

// Warningf prints a bright yellow/orange warning.
func Warningf(format string, a ...interface{}) { colorf(orange, format, a...) }

// Errorf prints a red message.
func Errorf(format string, a ...interface{}) { colorf(red, format, a...) }
