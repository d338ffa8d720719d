// internal/sink/sink.go

package sink

import "strconv"

// Step is an optional training step attached to a metric record.
// The zero value means "no step".
type Step struct {
	n   int64
	set bool
}

// NoStep is the absent step.
var NoStep = Step{}

// At returns a step set to n.
func At(n int64) Step {
	return Step{n: n, set: true}
}

// Value returns the step and whether it is set.
func (s Step) Value() (int64, bool) {
	return s.n, s.set
}

// IsSet reports whether the step carries a value.
func (s Step) IsSet() bool {
	return s.set
}

func (s Step) String() string {
	if !s.set {
		return "-"
	}
	return strconv.FormatInt(s.n, 10)
}

// LocalWriter is the local structured-log backend (sink A).
// Implementations write to files below a run directory.
type LocalWriter interface {
	// WriteScalar records one (tag, value, step) point.
	WriteScalar(tag string, value float64, step Step) error

	// WriteHParams records one hyperparameter set paired with its summary metrics.
	WriteHParams(hparams map[string]any, metrics map[string]float64) error

	// FlushAndClose flushes pending data and releases the underlying files.
	FlushAndClose() error
}

// InitOptions carries the arguments of a remote session initialisation.
type InitOptions struct {
	Project        string
	ExperimentName string
	Config         map[string]any
	LogDir         string
}

// Tracker is a remote experiment-tracking backend (sink B).
// A Tracker is process-wide; each Init starts one run.
type Tracker interface {
	Init(opts InitOptions) (Run, error)
}

// Run is a live remote tracking session.
type Run interface {
	// Log records a mapping of metrics, optionally at a step.
	Log(values map[string]float64, step Step) error

	// Config returns the live configuration store of the run.
	Config() ConfigStore

	// Finish signals end-of-run completion.
	Finish() error
}

// ConfigStore is the mutable key/value configuration of a remote run.
type ConfigStore interface {
	Set(key string, value any) error
}
