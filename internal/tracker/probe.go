// internal/tracker/probe.go

package tracker

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/sink"
)

// Environment variables read by Probe.
const (
	EnvTracker       = "TRAINLOG_TRACKER"
	EnvGelfAddr      = "TRAINLOG_GELF_ADDR"
	EnvGelfProtocol  = "TRAINLOG_GELF_PROTOCOL"
	EnvInfluxURL     = "TRAINLOG_INFLUX_URL"
	EnvInfluxToken   = "TRAINLOG_INFLUX_TOKEN"
	EnvInfluxOrg     = "TRAINLOG_INFLUX_ORG"
	EnvInfluxBucket  = "TRAINLOG_INFLUX_BUCKET"
	EnvTrackerRateHz = "TRAINLOG_TRACKER_RATE_LIMIT"
)

var (
	probeOnce    sync.Once
	probeTracker sink.Tracker
	probeOK      bool
)

// Probe reports whether a remote tracker is available to this process and
// returns it. It is evaluated once; when no tracker can be built a single
// warning is written to the application logger and every later call
// returns false.
func Probe() (sink.Tracker, bool) {
	probeOnce.Do(func() {
		probeTracker, probeOK = probe(os.Getenv, logger.GetAppLogger())
	})
	return probeTracker, probeOK
}

func probe(getenv func(string) string, appLogger *logger.AppLogger) (sink.Tracker, bool) {
	cfg, err := SettingsFromEnv(getenv)
	if err != nil {
		appLogger.Warn("Remote tracker is not available: %v. Remote logging is disabled for this process.", err)
		return nil, false
	}
	t, err := New(cfg)
	if err != nil {
		appLogger.Warn("Remote tracker '%s' is not available: %v. Remote logging is disabled for this process.", cfg.Backend, err)
		return nil, false
	}
	return t, true
}

// SettingsFromEnv builds remote sink settings from TRAINLOG_* variables.
func SettingsFromEnv(getenv func(string) string) (config.RemoteSink, error) {
	cfg := config.Default().Remote
	cfg.Backend = getenv(EnvTracker)
	if cfg.Backend == "" {
		return cfg, fmt.Errorf("%s is not set", EnvTracker)
	}

	if v := getenv(EnvTrackerRateHz); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid %s '%s'", EnvTrackerRateHz, v)
		}
		cfg.RateLimit = n
	}

	switch cfg.Backend {
	case "gelf":
		addr := getenv(EnvGelfAddr)
		if addr == "" {
			return cfg, fmt.Errorf("%s is not set", EnvGelfAddr)
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s '%s': %w", EnvGelfAddr, addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid port in %s '%s'", EnvGelfAddr, addr)
		}
		cfg.Host, cfg.Port = host, port
		if p := getenv(EnvGelfProtocol); p != "" {
			cfg.Protocol = p
		}
	case "influx":
		cfg.URL = getenv(EnvInfluxURL)
		cfg.Token = getenv(EnvInfluxToken)
		cfg.Org = getenv(EnvInfluxOrg)
		cfg.Bucket = getenv(EnvInfluxBucket)
	}
	return cfg, nil
}
