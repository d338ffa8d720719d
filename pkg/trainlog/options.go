package trainlog

import (
	"time"

	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/eventfile"
	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/sink"
)

const (
	// DefaultExperimentName is used when neither an experiment name nor a
	// log directory is given.
	DefaultExperimentName = "trainlog_run"

	// DefaultProject is the project passed to the remote tracker.
	DefaultProject = "trainlog"
)

// LocalFactory opens the local sink in dir.
type LocalFactory func(dir string, flushInterval time.Duration) (sink.LocalWriter, error)

// Options holds everything New needs. Zero values of the string, duration
// and factory fields are replaced by defaults; UseLocal and UseRemote are
// taken literally.
type Options struct {
	LogDir         string
	ExperimentName string
	Project        string
	Config         map[string]any

	UseLocal  bool
	UseRemote bool

	FlushInterval time.Duration
	NewLocal      LocalFactory

	// Tracker is the remote backend. nil means no remote backend is
	// available and sink B stays unset.
	Tracker sink.Tracker

	AppLogger *logger.AppLogger
}

// Option customises Create.
type Option func(*Options)

// WithExperimentName sets the experiment name.
func WithExperimentName(name string) Option {
	return func(o *Options) { o.ExperimentName = name }
}

// WithConfig sets the experiment configuration handed to the remote tracker.
func WithConfig(cfg map[string]any) Option {
	return func(o *Options) { o.Config = cfg }
}

// WithLocal enables or disables the local sink.
func WithLocal(enabled bool) Option {
	return func(o *Options) { o.UseLocal = enabled }
}

// WithRemote enables or disables the remote sink.
func WithRemote(enabled bool) Option {
	return func(o *Options) { o.UseRemote = enabled }
}

// WithProject sets the remote project name.
func WithProject(project string) Option {
	return func(o *Options) { o.Project = project }
}

// WithFlushInterval sets how often the local sink flushes.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Options) { o.FlushInterval = d }
}

// WithLocalFactory replaces the local sink constructor.
func WithLocalFactory(f LocalFactory) Option {
	return func(o *Options) { o.NewLocal = f }
}

// WithTracker sets the remote backend instead of probing the environment.
func WithTracker(t sink.Tracker) Option {
	return func(o *Options) { o.Tracker = t }
}

// WithAppLogger sets where diagnostics go.
func WithAppLogger(l *logger.AppLogger) Option {
	return func(o *Options) { o.AppLogger = l }
}

// FromConfig translates a loaded configuration file into options. The
// remote tracker is not built here; use WithTracker for that.
func FromConfig(cfg *config.Config) []Option {
	local := cfg.Local
	return []Option{
		WithExperimentName(cfg.Experiment.Name),
		WithProject(cfg.Experiment.Project),
		WithConfig(cfg.Experiment.Config),
		WithLocal(local.Enabled),
		WithRemote(cfg.Remote.Enabled),
		WithFlushInterval(cfg.FlushInterval()),
		WithLocalFactory(func(dir string, flushInterval time.Duration) (sink.LocalWriter, error) {
			return eventfile.New(eventfile.Options{
				Dir:           dir,
				FlushInterval: flushInterval,
				Format:        local.Format,
				Rotation:      local.Rotation,
				ExcludeTags:   local.ExcludeTags,
			})
		}),
	}
}

func defaultLocalFactory(dir string, flushInterval time.Duration) (sink.LocalWriter, error) {
	return eventfile.New(eventfile.Options{Dir: dir, FlushInterval: flushInterval})
}
