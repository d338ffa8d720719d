// internal/eventfile/writer.go

package eventfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/orgoj/trainlog/internal/tagfilter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFlushInterval matches the flush period of common event writers.
const DefaultFlushInterval = 10 * time.Second

// ErrClosed is returned by calls on a closed Writer.
var ErrClosed = errors.New("eventfile: writer is closed")

// Record kinds.
const (
	KindScalar  = "scalar"
	KindHParams = "hparams"
)

// Options configures a Writer.
type Options struct {
	Dir           string
	FlushInterval time.Duration
	Format        string // "json" (default) or "text"
	Rotation      config.LogRotation
	ExcludeTags   []string
}

// Writer appends scalar and hyperparameter records to an event file in a
// run directory. Data is buffered and flushed every FlushInterval.
type Writer struct {
	mu     sync.Mutex
	file   io.WriteCloser // *os.File or *lumberjack.Logger
	buf    *bufio.Writer
	format string
	path   string
	filter *tagfilter.Filter
	closed bool

	stop chan struct{}
	done chan struct{}

	now func() time.Time
}

// Variables for system lookups to allow overriding in tests
var (
	hostname = os.Hostname
	getpid   = os.Getpid
)

// New creates the event file below opts.Dir and starts the flush loop.
// The directory must exist.
func New(opts Options) (*Writer, error) {
	if opts.Dir == "" {
		return nil, errors.New("event writer requires a directory")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("event writer directory %s: %w", opts.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("event writer path %s is not a directory", opts.Dir)
	}
	if opts.Format == "" {
		opts.Format = "json"
	}
	if opts.Format != "json" && opts.Format != "text" {
		return nil, fmt.Errorf("invalid event file format: %s", opts.Format)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	filter, err := tagfilter.New(opts.ExcludeTags)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(opts.Dir, FileName())
	file, err := openFile(path, opts.Rotation)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		file:   file,
		buf:    bufio.NewWriter(file),
		format: opts.Format,
		path:   path,
		filter: filter,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go w.flushLoop(opts.FlushInterval)
	return w, nil
}

// FileName returns the event file name for this process.
func FileName() string {
	host, err := hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("events.trainlog.%s.%d.log", host, getpid())
}

// openFile picks a rotating lumberjack writer when any rotation limit is
// configured and a plain append-mode file otherwise.
func openFile(path string, rot config.LogRotation) (io.WriteCloser, error) {
	maxSizeMB, err := rotationSizeMB(rot.MaxSize)
	if err != nil {
		return nil, err
	}
	maxAgeDays := 0
	if rot.MaxAge != "" {
		age, err := config.ParseDuration(rot.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("invalid rotation.max_age '%s': %w", rot.MaxAge, err)
		}
		maxAgeDays = int(age.Hours() / 24)
		if maxAgeDays == 0 {
			// lumberjack works in whole days
			maxAgeDays = 1
		}
	}

	if maxSizeMB > 0 || maxAgeDays > 0 || rot.MaxBackups > 0 {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     maxAgeDays,
			Compress:   rot.Compress,
			LocalTime:  false,
		}, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file %s: %w", path, err)
	}
	return file, nil
}

// rotationSizeMB reads max_size as a plain MB count, falling back to a
// size with units converted down to MB (minimum 1).
func rotationSizeMB(maxSize string) (int, error) {
	if maxSize == "" {
		return 0, nil
	}
	if mb, err := strconv.Atoi(maxSize); err == nil {
		if mb < 0 {
			return 0, fmt.Errorf("invalid rotation.max_size '%s'", maxSize)
		}
		return mb, nil
	}
	sizeBytes, err := config.ParseSize(maxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid rotation.max_size '%s': %w", maxSize, err)
	}
	mb := int(sizeBytes / (1024 * 1024))
	if sizeBytes > 0 && mb == 0 {
		mb = 1
	}
	return mb, nil
}

func (w *Writer) flushLoop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				_ = w.buf.Flush()
			}
			w.mu.Unlock()
		case <-w.stop:
			return
		}
	}
}

// WriteScalar appends one scalar record. Excluded tags are skipped.
func (w *Writer) WriteScalar(tag string, value float64, step sink.Step) error {
	if w.filter.Excluded(tag) {
		return nil
	}
	record := map[string]interface{}{
		"kind":  KindScalar,
		"tag":   tag,
		"value": jsonNumber(value),
	}
	if n, ok := step.Value(); ok {
		record["step"] = n
	}
	return w.write(record)
}

// WriteHParams appends one hyperparameter record paired with its metrics.
func (w *Writer) WriteHParams(hparams map[string]any, metrics map[string]float64) error {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	m := make(map[string]interface{}, len(metrics))
	for k, v := range metrics {
		m[k] = jsonNumber(v)
	}
	record := map[string]interface{}{
		"kind":    KindHParams,
		"hparams": jsonValue(hparams),
		"metrics": m,
	}
	return w.write(record)
}

func (w *Writer) write(record map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	record["time"] = w.now().UTC().Format(time.RFC3339Nano)

	var line []byte
	if w.format == "json" {
		var err error
		line, err = json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal event record to JSON: %w", err)
		}
	} else {
		line = formatText(record)
	}
	line = append(line, '\n')

	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("failed to write event record: %w", err)
	}
	return nil
}

// Flush writes buffered records to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.buf.Flush()
}

// FlushAndClose stops the flush loop, flushes and closes the file.
func (w *Writer) FlushAndClose() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.stop)
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.mu.Unlock()

	<-w.done
	return errors.Join(flushErr, closeErr)
}

// Path returns the event file path.
func (w *Writer) Path() string {
	return w.path
}

// jsonNumber keeps finite values numeric; NaN and infinities have no JSON
// number form and are written as strings.
func jsonNumber(v float64) interface{} {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return v
}

// jsonValue applies jsonNumber to every float inside v, descending into
// nested maps and slices. Other values are returned unchanged.
func jsonValue(v any) any {
	switch v := v.(type) {
	case float64:
		return jsonNumber(v)
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return jsonNumber(float64(v))
		}
		return v
	case map[string]any:
		if v == nil {
			return v
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = jsonValue(item)
		}
		return out
	case map[string]float64:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = jsonNumber(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonValue(item)
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = jsonNumber(item)
		}
		return out
	}
	return v
}

// formatText converts the record map into a single text line.
// Example: [TIME] SCALAR: train/loss step=3 value=0.25
func formatText(record map[string]interface{}) []byte {
	var sb strings.Builder

	sb.WriteString("[")
	sb.WriteString(fmt.Sprint(record["time"]))
	sb.WriteString("] ")
	sb.WriteString(strings.ToUpper(fmt.Sprint(record["kind"])))
	sb.WriteString(":")
	if tag, ok := record["tag"].(string); ok {
		sb.WriteString(" ")
		sb.WriteString(tag)
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		if k == "time" || k == "kind" || k == "tag" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(formatValue(record[k]))
	}
	return []byte(sb.String())
}

// formatValue converts different types to string for text output.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, " ") {
			return strconv.Quote(v)
		}
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "<nil>"
	default:
		jsonBytes, err := json.Marshal(v)
		if err == nil {
			return string(jsonBytes)
		}
		return fmt.Sprintf("%v", v)
	}
}

// Ensure Writer implements the sink.LocalWriter interface.
var _ sink.LocalWriter = (*Writer)(nil)
