// Package scalars is the training log sink: a scalar time series keyed by
// the global step, appended incrementally as JSON objects and consumed by
// speakergen-plots (or any tool that reads the same format).
//
// Writing is best-effort: a broken sink is reported once through klog and
// never aborts training.
package scalars

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileName within the log directory.
const FileName = "training_plot_points.json"

// Point is one scalar measurement.
type Point struct {
	// MetricName of this point, e.g. "recon_loss".
	MetricName string

	// MetricType groups related metrics for plotting, e.g. "loss".
	MetricType string

	// Step is the global step the metric was measured at.
	Step float64

	// Value measured.
	Value float64
}

// Writer appends points to <dir>/training_plot_points.json.
// The zero value (or a Writer whose file could not be opened) discards
// everything silently after a single warning.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	disabled bool
}

// NewWriter creates (or appends to) the sink in dir. It never fails: on any
// error it warns and returns a disabled writer.
func NewWriter(dir string) *Writer {
	w := &Writer{}
	if err := os.MkdirAll(dir, 0770); err != nil {
		klog.Warningf("scalar sink disabled, cannot create log dir %q: %v", dir, err)
		w.disabled = true
		return w
	}
	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		klog.Warningf("scalar sink disabled, cannot open %q: %v", path, err)
		w.disabled = true
		return w
	}
	w.file = file
	w.enc = json.NewEncoder(file)
	return w
}

// Add appends the given points. Failures disable the writer after one
// warning; training is never interrupted.
func (w *Writer) Add(points ...Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled || w.enc == nil {
		return
	}
	for _, point := range points {
		if err := w.enc.Encode(point); err != nil {
			klog.Warningf("scalar sink disabled after write failure: %v", err)
			w.disabled = true
			return
		}
	}
}

// Close flushes and closes the sink. Safe on a disabled writer.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.disabled = true
}

// Load parses every point stored in the sink file at path.
func Load(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open scalar sink %q", path)
	}
	defer func() { _ = f.Close() }()
	var points []Point
	dec := json.NewDecoder(f)
	for {
		var point Point
		err = dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse scalar sink %q", path)
		}
		points = append(points, point)
	}
	return points, nil
}

// LoadFromDir loads the sink from its standard location under dir.
func LoadFromDir(dir string) ([]Point, error) {
	return Load(filepath.Join(dir, FileName))
}
