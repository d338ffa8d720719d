// internal/tracker/tracker.go

package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/sink"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownBackend is returned by New for an unregistered backend name.
	ErrUnknownBackend = errors.New("tracker: unknown backend")

	// ErrRunFinished is returned by calls on a finished run.
	ErrRunFinished = errors.New("tracker: run is finished")
)

// Factory builds a Tracker from the remote sink configuration.
type Factory func(cfg config.RemoteSink) (sink.Tracker, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. Registering the same name
// twice replaces the previous factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the tracker selected by cfg.Backend.
func New(cfg config.RemoteSink) (sink.Tracker, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: '%s' (available: %v)", ErrUnknownBackend, cfg.Backend, Backends())
	}
	return f(cfg)
}

// newLimiter converts a per-second limit into a limiter; 0 means unlimited.
func newLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

func wait(l *rate.Limiter) error {
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	return l.Wait(context.Background())
}

// copyConfig snapshots the caller's config so later mutation does not leak
// into the run.
func copyConfig(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
