// Package trainlog forwards training metrics to a local event file and a
// remote experiment tracker at the same time. Either sink may be missing or
// failing; the other keeps working and the caller never sees an error.
package trainlog

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/orgoj/trainlog/internal/tracker"
)

// Step is an optional training step.
type Step = sink.Step

// NoStep is the absent step.
var NoStep = sink.NoStep

// At returns a step set to n.
func At(n int64) Step { return sink.At(n) }

// probeTracker resolves the process-wide remote backend, can be mocked in tests
var probeTracker = tracker.Probe

// Logger is the dual-sink façade. All methods are safe to call on a Logger
// whose sinks failed to initialise; such calls do nothing.
type Logger struct {
	mu     sync.RWMutex
	local  sink.LocalWriter
	remote sink.Run

	experimentName string
	config         map[string]any
	log            *logger.AppLogger
}

// Create builds a Logger for a run stored in logDir. Both sinks are enabled
// unless switched off with WithLocal or WithRemote. Without WithTracker the
// remote backend comes from the environment, see tracker.Probe.
func Create(logDir string, opts ...Option) *Logger {
	o := Options{
		LogDir:    logDir,
		UseLocal:  true,
		UseRemote: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Tracker == nil && o.UseRemote && o.LogDir != "" {
		if t, ok := probeTracker(); ok {
			o.Tracker = t
		}
	}
	return New(o)
}

// New builds a Logger from explicit options. It never fails: a sink that
// cannot be initialised is left unset and a diagnostic is written.
func New(o Options) *Logger {
	if o.ExperimentName == "" {
		if o.LogDir != "" {
			o.ExperimentName = filepath.Base(o.LogDir)
		} else {
			o.ExperimentName = DefaultExperimentName
		}
	}
	if o.Project == "" {
		o.Project = DefaultProject
	}
	if o.NewLocal == nil {
		o.NewLocal = defaultLocalFactory
	}
	if o.AppLogger == nil {
		o.AppLogger = logger.GetAppLogger()
	}

	l := &Logger{
		experimentName: o.ExperimentName,
		config:         make(map[string]any, len(o.Config)),
		log:            o.AppLogger,
	}
	for k, v := range o.Config {
		l.config[k] = v
	}

	if o.LogDir == "" {
		return l
	}

	if o.UseLocal {
		var w sink.LocalWriter
		err := l.guard(sinkLocal, opInit, func() (err error) {
			w, err = o.NewLocal(o.LogDir, o.FlushInterval)
			if err == nil && w == nil {
				err = fmt.Errorf("local sink factory returned no writer")
			}
			return err
		})
		if err == nil {
			l.local = w
			l.log.Info("local sink: writing events to %s", o.LogDir)
		}
	}

	if o.UseRemote && o.Tracker != nil {
		var run sink.Run
		err := l.guard(sinkRemote, opInit, func() (err error) {
			run, err = o.Tracker.Init(sink.InitOptions{
				Project:        o.Project,
				ExperimentName: o.ExperimentName,
				Config:         l.config,
				LogDir:         o.LogDir,
			})
			if err == nil && run == nil {
				err = fmt.Errorf("tracker returned no run")
			}
			return err
		})
		if err == nil {
			l.remote = run
			l.log.Info("remote sink: tracking experiment %s", o.ExperimentName)
		}
	}

	return l
}

// WithLogger creates a Logger, passes it to fn and closes it on every exit
// path of fn, including a panic. fn's error is returned unchanged.
func WithLogger(logDir string, fn func(*Logger) error, opts ...Option) error {
	l := Create(logDir, opts...)
	defer l.Close()
	return fn(l)
}

// LogScalar records one value under tag.
func (l *Logger) LogScalar(tag string, value float64, step Step) {
	local, remote := l.handles()
	if local != nil {
		_ = l.guard(sinkLocal, opLogScalar, func() error {
			return local.WriteScalar(tag, value, step)
		})
	}
	if remote != nil {
		_ = l.guard(sinkRemote, opLogScalar, func() error {
			return remote.Log(map[string]float64{tag: value}, step)
		})
	}
}

// AddScalar is LogScalar under the name single-sink writers use.
func (l *Logger) AddScalar(tag string, value float64, step Step) {
	l.LogScalar(tag, value, step)
}

// LogDict records a batch of metrics at one step. The local sink gets one
// write per tag in sorted tag order and the first failing tag drops the
// remaining tags of the batch. The remote sink gets the whole batch in one
// call.
func (l *Logger) LogDict(metrics map[string]float64, step Step) {
	local, remote := l.handles()
	if local != nil {
		_ = l.guard(sinkLocal, opLogDict, func() error {
			for _, tag := range sortedKeys(metrics) {
				if err := local.WriteScalar(tag, metrics[tag], step); err != nil {
					return fmt.Errorf("tag %s: %w", tag, err)
				}
			}
			return nil
		})
	}
	if remote != nil {
		_ = l.guard(sinkRemote, opLogDict, func() error {
			return remote.Log(metrics, step)
		})
	}
}

// LogHParams records a hyperparameter set with optional summary metrics.
// On the remote sink every hyperparameter is stored in the run configuration
// and the metrics, when there are any, are logged without a step.
func (l *Logger) LogHParams(hparams map[string]any, metrics map[string]float64) {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	local, remote := l.handles()
	if local != nil {
		_ = l.guard(sinkLocal, opLogHParams, func() error {
			return local.WriteHParams(hparams, metrics)
		})
	}
	if remote != nil {
		_ = l.guard(sinkRemote, opLogHParams, func() error {
			cfg := remote.Config()
			for _, k := range sortedKeys(hparams) {
				if err := cfg.Set(k, hparams[k]); err != nil {
					return fmt.Errorf("config %s: %w", k, err)
				}
			}
			if len(metrics) > 0 {
				return remote.Log(metrics, NoStep)
			}
			return nil
		})
	}
}

// Close flushes and releases both sinks. Each sink is released at most once,
// so calling Close again is a no-op.
func (l *Logger) Close() {
	l.mu.Lock()
	local, remote := l.local, l.remote
	l.local, l.remote = nil, nil
	l.mu.Unlock()

	if local != nil {
		_ = l.guard(sinkLocal, opClose, local.FlushAndClose)
	}
	if remote != nil {
		_ = l.guard(sinkRemote, opClose, remote.Finish)
	}
}

// ExperimentName returns the resolved experiment name.
func (l *Logger) ExperimentName() string {
	return l.experimentName
}

// LocalActive reports whether the local sink is set.
func (l *Logger) LocalActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.local != nil
}

// RemoteActive reports whether the remote sink is set.
func (l *Logger) RemoteActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.remote != nil
}

func (l *Logger) handles() (sink.LocalWriter, sink.Run) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.local, l.remote
}

// guard runs fn, turning an error or a panic into a diagnostic and a
// failure count. The error is returned for callers that need to know.
func (l *Logger) guard(sinkName, op string, fn func() error) (err error) {
	sinkCalls.WithLabelValues(sinkName, op).Inc()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			return
		}
		sinkFailures.WithLabelValues(sinkName, op).Inc()
		if op == opInit {
			l.log.Warn("%s sink: failed to %s, continuing without it: %v", sinkName, actions[op], err)
		} else {
			l.log.Error("%s sink: failed to %s: %v", sinkName, actions[op], err)
		}
	}()
	return fn()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
