// internal/tracker/gelf.go

package tracker

import (
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/orgoj/trainlog/internal/tagfilter"
	"golang.org/x/time/rate"
	"gopkg.in/Graylog2/go-gelf.v2/gelf"
)

func init() {
	Register("gelf", NewGelfTracker)
}

// Variables for factories to allow mocking in tests
var gelfUDPWriterFactory = gelf.NewUDPWriter
var gelfTCPWriterFactory = gelf.NewTCPWriter

// dialGelf opens the writer for a run, can be mocked in tests
var dialGelf = (*GelfTracker).dial

// Function to set compression, can be mocked in tests
var setUDPCompression = func(writer *gelf.UDPWriter, compType gelf.CompressType) {
	writer.CompressionType = compType
}

// GELF syslog levels used for run messages.
const (
	gelfLevelInfo   int32 = 6
	gelfLevelNotice int32 = 5
)

// GelfTracker ships runs to a Graylog-compatible collector. Every log call
// becomes one GELF message whose additional fields carry the metric values.
type GelfTracker struct {
	cfg      config.RemoteSink
	hostName string
	filter   *tagfilter.Filter
}

// NewGelfTracker validates the GELF settings. No connection is made until Init.
func NewGelfTracker(cfg config.RemoteSink) (sink.Tracker, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for GELF tracker")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("valid port is required for GELF tracker")
	}
	filter, err := tagfilter.New(cfg.ExcludeTags)
	if err != nil {
		return nil, err
	}

	hostName, err := os.Hostname()
	if err != nil {
		hostName = "unknown"
	}

	return &GelfTracker{
		cfg:      cfg,
		hostName: hostName,
		filter:   filter,
	}, nil
}

func (t *GelfTracker) dial() (gelf.Writer, error) {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	if t.cfg.Protocol == "tcp" {
		tcpWriter, err := gelfTCPWriterFactory(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to create GELF TCP writer: %w", err)
		}
		return tcpWriter, nil
	}

	udpWriter, err := gelfUDPWriterFactory(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create GELF UDP writer: %w", err)
	}
	switch t.cfg.CompressionType {
	case "gzip":
		setUDPCompression(udpWriter, gelf.CompressGzip)
	case "zlib":
		setUDPCompression(udpWriter, gelf.CompressZlib)
	default:
		setUDPCompression(udpWriter, gelf.CompressNone)
	}
	return udpWriter, nil
}

// Init opens the writer and announces the run with its configuration.
func (t *GelfTracker) Init(opts sink.InitOptions) (sink.Run, error) {
	writer, err := dialGelf(t)
	if err != nil {
		return nil, err
	}

	run := &gelfRun{
		writer:     writer,
		hostName:   t.hostName,
		runID:      uuid.NewString(),
		project:    opts.Project,
		experiment: opts.ExperimentName,
		config:     copyConfig(opts.Config),
		maxShort:   t.cfg.MaxMessageSize,
		filter:     t.filter,
		limiter:    newLimiter(t.cfg.RateLimit),
		now:        time.Now,
	}

	extra := map[string]interface{}{"_log_dir": opts.LogDir}
	for k, name := range fieldNames("_config_", sortedKeys(run.config)) {
		extra[name] = gelfValue(run.config[k])
	}
	if err := run.send("init", gelfLevelNotice, extra); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to announce run: %w", err)
	}
	return run, nil
}

type gelfRun struct {
	mu         sync.Mutex
	writer     gelf.Writer
	hostName   string
	runID      string
	project    string
	experiment string
	config     map[string]any
	maxShort   int
	filter     *tagfilter.Filter
	limiter    *rate.Limiter
	finished   bool

	now func() time.Time
}

// Log sends one message per call; excluded tags are dropped and an
// emptied mapping sends nothing.
func (r *gelfRun) Log(values map[string]float64, step sink.Step) error {
	values = r.filter.Apply(values)
	if len(values) == 0 {
		return nil
	}

	extra := make(map[string]interface{}, len(values)+1)
	for tag, name := range fieldNames("_metric_", sortedKeys(values)) {
		if v := values[tag]; finite(v) {
			extra[name] = v
		} else {
			extra[name] = fmt.Sprint(v)
		}
	}
	if n, ok := step.Value(); ok {
		extra["_step"] = n
	}
	return r.send("metrics", gelfLevelInfo, extra)
}

func (r *gelfRun) Config() sink.ConfigStore {
	return gelfConfig{run: r}
}

// Finish announces completion and closes the writer.
func (r *gelfRun) Finish() error {
	sendErr := r.send("finish", gelfLevelNotice, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrRunFinished
	}
	r.finished = true
	closeErr := r.writer.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

func (r *gelfRun) send(kind string, level int32, extra map[string]interface{}) error {
	if err := wait(r.limiter); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrRunFinished
	}

	now := r.now()
	msg := &gelf.Message{
		Version:  "1.1",
		Host:     r.hostName,
		Short:    r.shortMessage(kind, extra),
		TimeUnix: float64(now.UnixNano()) / 1e9,
		Level:    level,
		Extra: map[string]interface{}{
			"_kind":       kind,
			"_run_id":     r.runID,
			"_project":    r.project,
			"_experiment": r.experiment,
		},
	}
	for k, v := range extra {
		msg.Extra[k] = v
	}
	return r.writer.WriteMessage(msg)
}

// shortMessage is "<experiment> <kind>: <fields>", truncated to maxShort.
func (r *gelfRun) shortMessage(kind string, extra map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(r.experiment)
	sb.WriteString(" ")
	sb.WriteString(kind)
	if len(extra) > 0 {
		sb.WriteString(":")
		for _, k := range sortedKeys(extra) {
			sb.WriteString(" ")
			sb.WriteString(strings.TrimPrefix(k, "_"))
			sb.WriteString("=")
			sb.WriteString(fmt.Sprint(extra[k]))
		}
	}
	if r.maxShort > 0 {
		return truncateString(sb.String(), r.maxShort)
	}
	return sb.String()
}

type gelfConfig struct {
	run *gelfRun
}

// Set updates the run configuration and publishes the change.
func (c gelfConfig) Set(key string, value any) error {
	c.run.mu.Lock()
	if c.run.finished {
		c.run.mu.Unlock()
		return ErrRunFinished
	}
	c.run.config[key] = value
	c.run.mu.Unlock()

	return c.run.send("config", gelfLevelInfo, map[string]interface{}{
		"_config_key":   key,
		"_config_value": gelfValue(value),
	})
}

var invalidFieldChars = regexp.MustCompile(`[^\w\.\-]`)

// fieldName maps a metric tag onto the GELF additional field alphabet.
func fieldName(tag string) string {
	return invalidFieldChars.ReplaceAllString(tag, "_")
}

// fieldNames assigns each key a distinct prefixed field name. Keys that are
// valid field names keep them; a rewritten key that collides with another
// gets the FNV-32a hash of the key appended. keys must be sorted.
func fieldNames(prefix string, keys []string) map[string]string {
	names := make(map[string]string, len(keys))
	taken := make(map[string]bool, len(keys))
	for _, k := range keys {
		if fieldName(k) == k {
			names[k] = prefix + k
			taken[prefix+k] = true
		}
	}
	for _, k := range keys {
		if _, ok := names[k]; ok {
			continue
		}
		name := prefix + fieldName(k)
		if taken[name] {
			h := fnv.New32a()
			_, _ = h.Write([]byte(k))
			name = fmt.Sprintf("%s_%08x", name, h.Sum32())
		}
		for taken[name] {
			name += "_"
		}
		names[k] = name
		taken[name] = true
	}
	return names
}

// gelfValue keeps scalar types and flattens everything else to a string,
// GELF doesn't support complex data types.
func gelfValue(v any) interface{} {
	switch v := v.(type) {
	case string, int, int32, int64, uint, uint32, uint64, bool:
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

// truncateString truncates a string to at most maxLength bytes, appending
// "...truncated" when there is room for it. The cut never splits a rune.
func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}

	const ellipsis = "...truncated"

	// Not enough space for ellipsis, just cut
	if maxLength <= len(ellipsis) {
		return s[:runeBoundary(s, maxLength)]
	}

	return s[:runeBoundary(s, maxLength-len(ellipsis))] + ellipsis
}

// runeBoundary moves n back to the start of the rune it falls inside.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

var _ sink.Tracker = (*GelfTracker)(nil)
