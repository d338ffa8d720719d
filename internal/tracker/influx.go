// internal/tracker/influx.go

package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/orgoj/trainlog/internal/tagfilter"
	"golang.org/x/time/rate"
)

func init() {
	Register("influx", NewInfluxTracker)
}

// Measurements written by the InfluxDB tracker.
const (
	measurementRun     = "run"
	measurementMetrics = "metrics"
	measurementConfig  = "config"

	// stepField holds the training step on metric points. A metric with
	// this tag is written as stepMetricField instead.
	stepField       = "_step"
	stepMetricField = "_step_metric"
)

// influxWriteTimeout bounds each blocking write.
const influxWriteTimeout = 10 * time.Second

var newInfluxClient = func(url, token string) influxdb2.Client {
	return influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(influxWriteTimeout/time.Second)))
}

// InfluxTracker writes runs as points into an InfluxDB v2 bucket:
// one "metrics" point per log call, "config" points for configuration
// updates and "run" points marking start and finish.
type InfluxTracker struct {
	cfg    config.RemoteSink
	filter *tagfilter.Filter
}

// NewInfluxTracker validates the InfluxDB settings. No client is created until Init.
func NewInfluxTracker(cfg config.RemoteSink) (sink.Tracker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required for InfluxDB tracker")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("org and bucket are required for InfluxDB tracker")
	}
	filter, err := tagfilter.New(cfg.ExcludeTags)
	if err != nil {
		return nil, err
	}
	return &InfluxTracker{cfg: cfg, filter: filter}, nil
}

// Init creates the client and records a "running" run point with the
// initial configuration.
func (t *InfluxTracker) Init(opts sink.InitOptions) (sink.Run, error) {
	client := newInfluxClient(t.cfg.URL, t.cfg.Token)

	run := &influxRun{
		client:   client,
		writeAPI: client.WriteAPIBlocking(t.cfg.Org, t.cfg.Bucket),
		tags:     runTags(opts.Project, opts.ExperimentName, uuid.NewString()),
		config:   copyConfig(opts.Config),
		filter:   t.filter,
		limiter:  newLimiter(t.cfg.RateLimit),
		now:      time.Now,
	}

	fields := map[string]interface{}{"state": "running", "log_dir": opts.LogDir}
	if err := run.write(measurementRun, fields); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	for _, k := range sortedKeys(run.config) {
		if err := run.write(measurementConfig, map[string]interface{}{k: influxValue(run.config[k])}); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to record run config: %w", err)
		}
	}
	return run, nil
}

// runTags omits empty values, line protocol has no empty tag values.
func runTags(project, experiment, runID string) map[string]string {
	tags := map[string]string{"run_id": runID}
	if project != "" {
		tags["project"] = project
	}
	if experiment != "" {
		tags["experiment"] = experiment
	}
	return tags
}

type influxRun struct {
	mu       sync.Mutex
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	tags     map[string]string
	config   map[string]any
	filter   *tagfilter.Filter
	limiter  *rate.Limiter
	finished bool

	now func() time.Time
}

// Log writes one metrics point. Non-finite values have no line protocol
// representation and are dropped.
func (r *influxRun) Log(values map[string]float64, step sink.Step) error {
	values = r.filter.Apply(values)
	fields := make(map[string]interface{}, len(values)+1)
	for tag, v := range values {
		if finite(v) {
			fields[tag] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if v, ok := fields[stepField]; ok {
		delete(fields, stepField)
		name := stepMetricField
		for {
			if _, taken := fields[name]; !taken {
				break
			}
			name += "_"
		}
		fields[name] = v
	}
	if n, ok := step.Value(); ok {
		fields[stepField] = n
	}
	return r.write(measurementMetrics, fields)
}

func (r *influxRun) Config() sink.ConfigStore {
	return influxConfig{run: r}
}

// Finish records the "finished" state and closes the client.
func (r *influxRun) Finish() error {
	err := r.write(measurementRun, map[string]interface{}{"state": "finished"})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrRunFinished
	}
	r.finished = true
	r.client.Close()
	return err
}

func (r *influxRun) write(measurement string, fields map[string]interface{}) error {
	if err := wait(r.limiter); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrRunFinished
	}

	p := influxdb2.NewPoint(measurement, r.tags, fields, r.now())
	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()
	if err := r.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write %s: %w", measurement, err)
	}
	return nil
}

type influxConfig struct {
	run *influxRun
}

// Set updates the run configuration and writes it as a config point.
func (c influxConfig) Set(key string, value any) error {
	c.run.mu.Lock()
	if c.run.finished {
		c.run.mu.Unlock()
		return ErrRunFinished
	}
	c.run.config[key] = value
	c.run.mu.Unlock()

	return c.run.write(measurementConfig, map[string]interface{}{key: influxValue(value)})
}

// influxValue keeps the field types line protocol supports and formats
// everything else as a string.
func influxValue(v any) interface{} {
	switch v := v.(type) {
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		if finite(float64(v)) {
			return v
		}
		return fmt.Sprint(v)
	case float64:
		if finite(v) {
			return v
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

var _ sink.Tracker = (*InfluxTracker)(nil)
