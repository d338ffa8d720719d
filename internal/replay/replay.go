// Package replay feeds recorded metrics back through a Logger. It reads JSON
// lines, including the JSON event files written by the local sink, so a run
// recorded offline can be shipped to a tracker later.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/orgoj/trainlog/internal/eventfile"
	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/sink"
	"github.com/orgoj/trainlog/internal/validation"
)

// maxLineSize bounds a single input line.
const maxLineSize = 4 * 1024 * 1024

// Logger is the part of the metric logger that replay drives.
type Logger interface {
	LogScalar(tag string, value float64, step sink.Step)
	LogDict(metrics map[string]float64, step sink.Step)
	LogHParams(hparams map[string]any, metrics map[string]float64)
}

// Result summarises a replay.
type Result struct {
	Applied int
	Skipped int
	Errors  []*LineError
}

// LineError describes a line that could not be replayed.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ErrUnrecognised is returned for a JSON object that is none of the known entry shapes.
var ErrUnrecognised = errors.New("entry has no tag, metrics or hparams")

// entry is the union of all accepted line shapes.
type entry struct {
	Kind    string            `json:"kind"`
	Tag     *string           `json:"tag"`
	Value   *number           `json:"value"`
	Step    *int64            `json:"step"`
	Metrics map[string]number `json:"metrics"`
	HParams map[string]any    `json:"hparams"`
}

// number accepts JSON numbers and the strings "NaN", "+Inf" and "-Inf".
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*n = number(math.NaN())
		case "+Inf", "Inf":
			*n = number(math.Inf(1))
		case "-Inf":
			*n = number(math.Inf(-1))
		default:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid number %q", s)
			}
			*n = number(f)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func (e *entry) step() sink.Step {
	if e.Step == nil {
		return sink.NoStep
	}
	return sink.At(*e.Step)
}

func floats(in map[string]number) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = float64(v)
	}
	return out
}

// apply validates e against limits and forwards it to l.
func (e *entry) apply(l Logger, limits validation.Limits) error {
	switch {
	case e.Kind == eventfile.KindHParams || e.HParams != nil:
		if e.HParams == nil {
			return errors.New("hparams entry without hparams")
		}
		hparams, err := limits.SanitizeHParams(e.HParams)
		if err != nil {
			return fmt.Errorf("hparams: %w", err)
		}
		metrics := floats(e.Metrics)
		if err := limits.ValidateTags(metrics); err != nil {
			return err
		}
		l.LogHParams(hparams, metrics)
	case e.Kind == eventfile.KindScalar || e.Tag != nil:
		if e.Tag == nil {
			return errors.New("scalar entry without tag")
		}
		if err := limits.ValidateTag(*e.Tag); err != nil {
			return err
		}
		if e.Value == nil {
			return fmt.Errorf("scalar entry %s without value", *e.Tag)
		}
		l.LogScalar(*e.Tag, float64(*e.Value), e.step())
	case e.Metrics != nil:
		metrics := floats(e.Metrics)
		if err := limits.ValidateTags(metrics); err != nil {
			return err
		}
		l.LogDict(metrics, e.step())
	default:
		return ErrUnrecognised
	}
	return nil
}

// Replay reads r line by line and forwards every entry to l. Blank lines
// are ignored; malformed lines are reported to appLogger and skipped.
// It stops early when ctx is cancelled or r fails.
func Replay(ctx context.Context, r io.Reader, l Logger, appLogger *logger.AppLogger) (Result, error) {
	if appLogger == nil {
		appLogger = logger.GetAppLogger()
	}

	limits := validation.DefaultLimits()
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var e entry
		err := json.Unmarshal(line, &e)
		if err == nil {
			err = e.apply(l, limits)
		}
		if err != nil {
			lineErr := &LineError{Line: lineNo, Err: err}
			res.Errors = append(res.Errors, lineErr)
			res.Skipped++
			appLogger.Warn("replay: skipping %v", lineErr)
			continue
		}
		res.Applied++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("replay: read error after line %d: %w", lineNo, err)
	}
	return res, nil
}
