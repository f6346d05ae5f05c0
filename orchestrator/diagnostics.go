package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultDiagnosticsFile is written next to the working directory.
const DefaultDiagnosticsFile = "picgo_error.log"

// Report is one failure written to the diagnostics file.
type Report struct {
	Operation string
	RequestID string
	Source    string
	Device    string
	Code      string
	Err       error
	Stack     []byte
	At        time.Time
}

// Diagnostics appends failure reports to a plain-text file. Old content is
// rotated out by size.
type Diagnostics struct {
	mu   sync.Mutex
	path string
	w    io.WriteCloser
}

// NewDiagnostics opens path lazily; the file is created on the first report.
func NewDiagnostics(path string) *Diagnostics {
	if path == "" {
		path = DefaultDiagnosticsFile
	}
	return &Diagnostics{
		path: path,
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    5, // MB
			MaxBackups: 3,
		},
	}
}

// Path returns the file reports are written to.
func (d *Diagnostics) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Write appends r as a single block.
func (d *Diagnostics) Write(r Report) error {
	if d == nil {
		return nil
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== %s %s failed ===\n", r.At.Format(time.RFC3339), r.Operation)
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	line("request", r.RequestID)
	line("model", r.Source)
	line("device", r.Device)
	line("code", r.Code)
	if r.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", r.Err)
	}
	if len(r.Stack) > 0 {
		b.WriteString("stack:\n")
		b.Write(r.Stack)
		if r.Stack[len(r.Stack)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	b.WriteByte('\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := io.WriteString(d.w, b.String())
	return err
}

// Close releases the file handle.
func (d *Diagnostics) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.w.Close()
}
