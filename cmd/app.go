package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/accel/sim"
	"github.com/smazurov/edgeprobe/internal/capture"
	"github.com/smazurov/edgeprobe/internal/capture/fakedev"
	"github.com/smazurov/edgeprobe/internal/devices"
	"github.com/smazurov/edgeprobe/internal/events"
	"github.com/smazurov/edgeprobe/internal/logging"
	"github.com/smazurov/edgeprobe/internal/metrics"
	"github.com/smazurov/edgeprobe/internal/metrics/exporters"
)

// app is what one command invocation runs with: its options, where
// narration and errors go, and the event bus feeding the metrics.
type app struct {
	opts   *Options
	out    io.Writer
	errOut io.Writer
	bus    *events.Bus
	logger *slog.Logger

	// newRuntime, newOpener, listDevices and watchDevices are replaced
	// in tests.
	newRuntime   func() (accel.Runtime, error)
	newOpener    func() (capture.Opener, error)
	listDevices  func() ([]devices.Description, error)
	watchDevices func(ctx context.Context, fn func(devices.Change)) error

	metricsServer *exporters.Server
	cleanup       []func()
}

func newApp(opts *Options, out, errOut io.Writer) *app {
	bus := events.New()
	a := &app{
		opts:   opts,
		out:    out,
		errOut: errOut,
		bus:    bus,
		logger: logging.GetLogger("cli"),
	}
	a.newRuntime = a.runtimeFromOptions
	a.newOpener = a.openerFromOptions
	a.listDevices = devices.List
	a.watchDevices = devices.Watch

	a.cleanup = append(a.cleanup, metrics.Subscribe(bus))
	logging.SetLogCallback(func(e logging.LogEntry) {
		bus.Publish(events.LogEntryEvent{
			Timestamp:  e.Timestamp,
			Level:      e.Level,
			Module:     e.Module,
			Message:    e.Message,
			Attributes: e.Attributes,
		})
	})
	a.cleanup = append(a.cleanup, func() { logging.SetLogCallback(nil) })
	return a
}

// serveMetrics starts the metrics endpoint when one is configured.
func (a *app) serveMetrics() error {
	if a.opts.MetricsAddr == "" {
		return nil
	}
	srv, err := exporters.Listen(a.opts.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to serve metrics on %s: %w", a.opts.MetricsAddr, err)
	}
	a.metricsServer = srv
	return nil
}

func (a *app) close() {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func (a *app) runtimeFromOptions() (accel.Runtime, error) {
	switch a.opts.AccelBackend {
	case "", "sim":
		return sim.New(a.opts.simConfig())
	default:
		return nil, accel.NewError(accel.StatusNotSupported, "create",
			fmt.Sprintf("unknown accelerator backend %q", a.opts.AccelBackend))
	}
}

func (a *app) openerFromOptions() (capture.Opener, error) {
	switch a.opts.CaptureBackend {
	case "", "v4l2":
		return capture.V4L2Opener(), nil
	case "fake":
		return fakedev.New().Opener(), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", a.opts.CaptureBackend)
	}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}

func (a *app) errorf(format string, args ...any) {
	fmt.Fprintf(a.errOut, format, args...)
}

// statusExit maps err to the process exit status: accelerator failures exit
// with their status code, everything else with 1.
func statusExit(err error) int {
	if err == nil {
		return 0
	}
	var ae *accel.Error
	if errors.As(err, &ae) && ae.Status != accel.StatusSuccess {
		return int(ae.Status)
	}
	return 1
}

// failureExit exits 1 on any failure.
func failureExit(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func closeRuntime(logger *slog.Logger, rt accel.Runtime) {
	if err := rt.Close(); err != nil {
		logger.Warn("Failed to close accelerator runtime", "error", err)
	}
}
