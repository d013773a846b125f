// Package console is the operator's line-oriented control over the gaze and
// blink values the gateway reports.
//
// Commands, one per line:
//
//	<x> <y>     set gaze
//	b | blink   toggle blink
//	(empty)     print the current values
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/telemetry"
)

const (
	Prompt = "gaze> "
	Usage  = "format:  <x(float)> <y(float)>  |  b"
)

type Console struct {
	state   *telemetry.OverrideState
	in      io.Reader
	out     io.Writer
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(state *telemetry.OverrideState, in io.Reader, out io.Writer, m *metrics.Metrics, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{state: state, in: in, out: out, metrics: m, log: logger}
}

// Run prompts and applies commands until the input ends or ctx is done. End
// of input returns nil; the gateway keeps running without a console.
//
// Reads from the input are not interruptible, so on cancellation the reader
// goroutine is left blocked until the input closes.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		c.write(Prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read console input: %w", err)
			}
			c.log.Info("console input closed")
			return nil
		case line := <-lines:
			c.write(c.Handle(line) + "\n")
		}
	}
}

// Handle applies one command line and returns the reply.
func (c *Console) Handle(line string) string {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return "current: " + format(c.state.Get())
	case "b", "blink":
		v := c.state.ToggleBlink()
		c.changed(v)
		return fmt.Sprintf("blink: %t", v.Blinking)
	}

	x, y, ok := parseGaze(line)
	if !ok {
		return Usage
	}
	v := c.state.SetGaze(x, y)
	c.changed(v)
	return fmt.Sprintf("gaze: %s %s", formatFloat(v.X), formatFloat(v.Y))
}

func (c *Console) changed(v telemetry.Override) {
	c.metrics.Inc(metrics.OverrideUpdated)
	c.log.Info("override updated", "x", v.X, "y", v.Y, "blink", v.Blinking)
}

func (c *Console) write(s string) {
	if c.out == nil {
		return
	}
	_, _ = io.WriteString(c.out, s)
}

func parseGaze(line string) (x, y float64, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, false
	}
	x, errX := strconv.ParseFloat(fields[0], 64)
	y, errY := strconv.ParseFloat(fields[1], 64)
	if errX != nil || errY != nil || !finite(x) || !finite(y) {
		return 0, 0, false
	}
	return x, y, true
}

// finite rejects NaN and infinities, which JSON cannot carry.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func format(v telemetry.Override) string {
	return fmt.Sprintf("x=%s y=%s blink=%t", formatFloat(v.X), formatFloat(v.Y), v.Blinking)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
