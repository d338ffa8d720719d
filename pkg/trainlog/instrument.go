package trainlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink and operation label values.
const (
	sinkLocal  = "local"
	sinkRemote = "remote"

	opInit       = "init"
	opLogScalar  = "log_scalar"
	opLogDict    = "log_dict"
	opLogHParams = "log_hparams"
	opClose      = "close"
)

var (
	sinkCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlog_sink_calls_total",
		Help: "Number of calls forwarded to a sink, by sink and operation.",
	}, []string{"sink", "op"})

	sinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainlog_sink_failures_total",
		Help: "Number of sink calls that returned an error or panicked, by sink and operation.",
	}, []string{"sink", "op"})
)

// actions are the human-readable names used in diagnostics.
var actions = map[string]string{
	opInit:       "initialise",
	opLogScalar:  "log scalar",
	opLogDict:    "log metrics",
	opLogHParams: "log hyperparameters",
	opClose:      "close",
}
