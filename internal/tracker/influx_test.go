package tracker

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInflux records line protocol bodies posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	query  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = append(f.query, r.URL.RawQuery)
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"code":"internal error","message":"boom"}`))
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		f.lines = append(f.lines, line)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeInflux) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func influxSettings(url string) config.RemoteSink {
	return config.RemoteSink{Enabled: true, Backend: "influx", URL: url, Token: "t0k", Org: "ml", Bucket: "runs"}
}

func startInflux(t *testing.T) (*fakeInflux, *httptest.Server) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func TestNewInfluxTracker_ValidationErrors(t *testing.T) {
	_, err := NewInfluxTracker(config.RemoteSink{Org: "o", Bucket: "b"})
	assert.Error(t, err, "missing url")

	_, err = NewInfluxTracker(config.RemoteSink{URL: "http://x"})
	assert.Error(t, err, "missing org/bucket")
}

func TestInfluxTracker_RunLifecycle(t *testing.T) {
	fake, srv := startInflux(t)

	tr, err := NewInfluxTracker(influxSettings(srv.URL))
	require.NoError(t, err)

	run, err := tr.Init(sink.InitOptions{
		Project:        "walker",
		ExperimentName: "exp1",
		Config:         map[string]any{"batch_size": 32},
		LogDir:         "/tmp/runs/exp1",
	})
	require.NoError(t, err)

	lines := fake.snapshot()
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "run,"), lines[0])
	assert.Contains(t, lines[0], "experiment=exp1")
	assert.Contains(t, lines[0], "project=walker")
	assert.Contains(t, lines[0], `state="running"`)
	assert.True(t, strings.HasPrefix(lines[1], "config,"), lines[1])
	assert.Contains(t, lines[1], "batch_size=32i")
	assert.Contains(t, fake.query[0], "org=ml")
	assert.Contains(t, fake.query[0], "bucket=runs")

	require.NoError(t, run.Log(map[string]float64{"loss": 0.5, "bad": math.Inf(1)}, sink.At(3)))
	lines = fake.snapshot()
	metrics := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(metrics, "metrics,"), metrics)
	assert.Contains(t, metrics, "loss=0.5")
	assert.Contains(t, metrics, "_step=3i")
	assert.NotContains(t, metrics, "bad=", "non-finite values are dropped")

	require.NoError(t, run.Config().Set("optimizer", "Adam"))
	lines = fake.snapshot()
	assert.Contains(t, lines[len(lines)-1], `optimizer="Adam"`)

	require.NoError(t, run.Finish())
	lines = fake.snapshot()
	assert.Contains(t, lines[len(lines)-1], `state="finished"`)

	assert.ErrorIs(t, run.Finish(), ErrRunFinished)
	assert.ErrorIs(t, run.Log(map[string]float64{"loss": 1}, sink.NoStep), ErrRunFinished)
}

func TestInfluxRun_LogWithoutFiniteValuesSkipsWrite(t *testing.T) {
	fake, srv := startInflux(t)
	tr, err := NewInfluxTracker(influxSettings(srv.URL))
	require.NoError(t, err)
	run, err := tr.Init(sink.InitOptions{ExperimentName: "exp"})
	require.NoError(t, err)
	defer run.Finish()

	before := len(fake.snapshot())
	require.NoError(t, run.Log(map[string]float64{"nan": math.NaN()}, sink.At(1)))
	assert.Len(t, fake.snapshot(), before)
}

func TestInfluxRun_LogKeepsMetricNamedLikeStep(t *testing.T) {
	fake, srv := startInflux(t)
	tr, err := NewInfluxTracker(influxSettings(srv.URL))
	require.NoError(t, err)
	run, err := tr.Init(sink.InitOptions{ExperimentName: "exp"})
	require.NoError(t, err)
	defer run.Finish()

	require.NoError(t, run.Log(map[string]float64{"_step": 0.25, "_step_metric": 0.5}, sink.At(9)))
	lines := fake.snapshot()
	metrics := lines[len(lines)-1]
	assert.Contains(t, metrics, "_step=9i")
	assert.Contains(t, metrics, "_step_metric=0.5")
	assert.Contains(t, metrics, "_step_metric_=0.25")

	require.NoError(t, run.Log(map[string]float64{"_step": 0.75}, sink.NoStep))
	lines = fake.snapshot()
	metrics = lines[len(lines)-1]
	assert.Contains(t, metrics, "_step_metric=0.75")
	assert.NotContains(t, metrics, "_step=")
}

func TestInfluxTracker_InitFailsOnServerError(t *testing.T) {
	fake, srv := startInflux(t)
	fake.status = http.StatusInternalServerError

	tr, err := NewInfluxTracker(influxSettings(srv.URL))
	require.NoError(t, err)
	run, err := tr.Init(sink.InitOptions{ExperimentName: "exp"})
	assert.Error(t, err)
	assert.Nil(t, run)
}

func TestInfluxValue(t *testing.T) {
	assert.Equal(t, "x", influxValue("x"))
	assert.Equal(t, 3, influxValue(3))
	assert.Equal(t, 1.5, influxValue(1.5))
	assert.Equal(t, "NaN", influxValue(math.NaN()))
	assert.Equal(t, "[1 2]", influxValue([]int{1, 2}))
}
