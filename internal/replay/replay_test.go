package replay

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/orgoj/trainlog/internal/eventfile"
	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	method  string
	tag     string
	value   float64
	step    sink.Step
	metrics map[string]float64
	hparams map[string]any
}

type recordingLogger struct {
	calls []recordedCall
}

func (r *recordingLogger) LogScalar(tag string, value float64, step sink.Step) {
	r.calls = append(r.calls, recordedCall{method: "scalar", tag: tag, value: value, step: step})
}

func (r *recordingLogger) LogDict(metrics map[string]float64, step sink.Step) {
	r.calls = append(r.calls, recordedCall{method: "dict", metrics: metrics, step: step})
}

func (r *recordingLogger) LogHParams(hparams map[string]any, metrics map[string]float64) {
	r.calls = append(r.calls, recordedCall{method: "hparams", hparams: hparams, metrics: metrics})
}

func quietLogger(buf *bytes.Buffer) *logger.AppLogger {
	return logger.NewAppLogger(buf, logger.INFO)
}

func TestReplay_AllShapes(t *testing.T) {
	input := `{"tag":"loss","value":0.5,"step":3}
{"tag":"lr","value":0.001}

{"metrics":{"a":1,"b":2},"step":4}
{"hparams":{"lr":0.01,"opt":"adam"},"metrics":{"acc":0.9}}
{"hparams":{"seed":7}}
`
	var rec recordingLogger
	var diag bytes.Buffer
	res, err := Replay(context.Background(), strings.NewReader(input), &rec, quietLogger(&diag))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, diag.String())
	assert.Equal(t, []recordedCall{
		{method: "scalar", tag: "loss", value: 0.5, step: sink.At(3)},
		{method: "scalar", tag: "lr", value: 0.001, step: sink.NoStep},
		{method: "dict", metrics: map[string]float64{"a": 1, "b": 2}, step: sink.At(4)},
		{method: "hparams", hparams: map[string]any{"lr": 0.01, "opt": "adam"}, metrics: map[string]float64{"acc": 0.9}},
		{method: "hparams", hparams: map[string]any{"seed": float64(7)}},
	}, rec.calls)
}

func TestReplay_MalformedLinesAreSkipped(t *testing.T) {
	input := strings.Join([]string{
		`{"tag":"loss","value":1,"step":1}`,
		`not json`,
		`{"tag":"loss"}`,
		`{"foo":"bar"}`,
		`{"tag":"loss","value":1,"step":1.5}`,
		`{"tag":"loss","value":2,"step":2}`,
	}, "\n")

	var rec recordingLogger
	var diag bytes.Buffer
	res, err := Replay(context.Background(), strings.NewReader(input), &rec, quietLogger(&diag))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 4, res.Skipped)
	require.Len(t, res.Errors, 4)
	lines := []int{res.Errors[0].Line, res.Errors[1].Line, res.Errors[2].Line, res.Errors[3].Line}
	assert.Equal(t, []int{2, 3, 4, 5}, lines)
	assert.ErrorIs(t, res.Errors[2], ErrUnrecognised)
	assert.Contains(t, diag.String(), "replay: skipping line 2:")
	assert.Len(t, rec.calls, 2)
}

func TestReplay_InvalidTagsAndHParams(t *testing.T) {
	input := `{"tag":"","value":1}
{"tag":"loss\n","value":1}
{"metrics":{"ok":1,"bad\u0000":2}}
{"hparams":{" opt ":"adam\u0007"},"metrics":{"acc":0.5}}`

	var rec recordingLogger
	var diag bytes.Buffer
	res, err := Replay(context.Background(), strings.NewReader(input), &rec, quietLogger(&diag))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, map[string]any{"opt": "adam"}, rec.calls[0].hparams, "hparams are sanitised")
}

func TestReplay_NonFiniteStrings(t *testing.T) {
	input := `{"tag":"loss","value":"NaN","step":1}
{"metrics":{"up":"+Inf","down":"-Inf"}}
{"tag":"x","value":"abc"}`
	var rec recordingLogger
	var diag bytes.Buffer
	res, err := Replay(context.Background(), strings.NewReader(input), &rec, quietLogger(&diag))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, math.IsNaN(rec.calls[0].value))
	assert.True(t, math.IsInf(rec.calls[1].metrics["up"], 1))
	assert.True(t, math.IsInf(rec.calls[1].metrics["down"], -1))
}

func TestReplay_EventFile(t *testing.T) {
	dir := t.TempDir()
	w, err := eventfile.New(eventfile.Options{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, w.WriteScalar("loss", 0.25, sink.At(1)))
	require.NoError(t, w.WriteScalar("reward", math.Inf(1), sink.NoStep))
	require.NoError(t, w.WriteHParams(map[string]any{"lr": 0.1}, nil))
	require.NoError(t, w.FlushAndClose())

	f, err := os.Open(w.Path())
	require.NoError(t, err)
	defer f.Close()

	var rec recordingLogger
	var diag bytes.Buffer
	res, err := Replay(context.Background(), f, &rec, quietLogger(&diag))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied, diag.String())

	require.Len(t, rec.calls, 3)
	assert.Equal(t, recordedCall{method: "scalar", tag: "loss", value: 0.25, step: sink.At(1)}, rec.calls[0])
	assert.True(t, math.IsInf(rec.calls[1].value, 1))
	assert.Equal(t, sink.NoStep, rec.calls[1].step)
	assert.Equal(t, "hparams", rec.calls[2].method)
	assert.Equal(t, map[string]any{"lr": 0.1}, rec.calls[2].hparams)
	assert.Equal(t, map[string]float64{}, rec.calls[2].metrics)
}

func TestReplay_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec recordingLogger
	res, err := Replay(ctx, strings.NewReader(`{"tag":"a","value":1}`), &rec, quietLogger(&bytes.Buffer{}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Applied)
	assert.Empty(t, rec.calls)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestReplay_ReadError(t *testing.T) {
	var rec recordingLogger
	_, err := Replay(context.Background(), failingReader{}, &rec, quietLogger(&bytes.Buffer{}))
	assert.ErrorContains(t, err, "disk gone")
}
