// Package pipeline runs the camera and accelerator integration loop: it
// brings up the accelerator and the capture manager, captures frames at a
// caller-controlled interval, optionally pushes every frame through a
// configured network group, and reports what happened.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/capture"
	"github.com/smazurov/edgeprobe/internal/events"
	"github.com/smazurov/edgeprobe/internal/logging"
)

// statWindow is how many leading bytes of a frame are averaged.
const statWindow = 1000

// Config describes one run.
type Config struct {
	Device string
	Width  uint32
	Height uint32
	// Frames is the number of frames to capture. Zero captures until the
	// context is cancelled.
	Frames int
	// Interval is the pause after each frame.
	Interval time.Duration
	// CaptureTimeout bounds a single capture. Zero waits forever.
	CaptureTimeout time.Duration
}

// Runner owns one pipeline run. It is not safe for concurrent use except
// for SetInterval, which may be called from any goroutine.
type Runner struct {
	cfg      Config
	mgr      *capture.Manager
	rt       accel.Runtime
	group    accel.NetworkGroup
	bus      *events.Bus
	observer Observer
	logger   *slog.Logger
	runID    string
	interval atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithRuntime attaches the accelerator. Without it the run is capture only.
func WithRuntime(rt accel.Runtime) Option {
	return func(r *Runner) {
		r.rt = rt
	}
}

// WithNetworkGroup sends every captured frame through g.
func WithNetworkGroup(g accel.NetworkGroup) Option {
	return func(r *Runner) {
		r.group = g
	}
}

// WithBus publishes frame, error, inference and telemetry events to bus.
func WithBus(bus *events.Bus) Option {
	return func(r *Runner) {
		r.bus = bus
	}
}

// WithObserver receives progress callbacks.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a runner that captures through mgr. mgr must be closed.
func New(mgr *capture.Manager, cfg Config, opts ...Option) *Runner {
	id := uuid.New().String()
	r := &Runner{
		cfg:      cfg,
		mgr:      mgr,
		observer: NopObserver{},
		runID:    id,
		logger:   logging.GetLogger("pipeline").With("run_id", id),
	}
	r.interval.Store(int64(cfg.Interval))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID identifies this run in logs, events and the report.
func (r *Runner) RunID() string {
	return r.runID
}

// SetInterval changes the pause between frames, taking effect after the
// frame in progress. Negative values are treated as zero.
func (r *Runner) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if old := time.Duration(r.interval.Swap(int64(d))); old != d {
		r.logger.Info("Capture interval changed", "from", old, "to", d)
	}
}

// Interval returns the current pause between frames.
func (r *Runner) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// Run executes the pipeline. Setup failures are returned together with the
// partial report; per-frame failures are counted and the loop goes on.
// Cancelling ctx ends the loop early and is not an error.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		RunID:   r.runID,
		Device:  r.cfg.Device,
		Started: time.Now(),
	}
	defer func() {
		rep.Duration = time.Since(rep.Started)
		rep.Warnings = recentWarnings(rep.Started)
	}()

	var dev accel.Device
	if r.rt != nil {
		var err error
		if dev, err = r.setupAccel(rep); err != nil {
			return rep, err
		}
	}

	if err := r.setupCamera(rep); err != nil {
		return rep, err
	}
	defer r.mgr.Close()

	buf := r.allocate(rep)
	r.captureLoop(ctx, rep, buf)

	if dev != nil {
		r.telemetry(rep, dev)
	}

	r.mgr.Stop()
	rep.Stats = r.mgr.Stats()
	r.logger.Info("Pipeline run finished",
		"captured", rep.Captured,
		"failed", rep.Failed,
		"dropped", rep.Stats.DroppedFrames,
		"interrupted", rep.Interrupted)
	return rep, nil
}

func (r *Runner) setupAccel(rep *Report) (accel.Device, error) {
	devices, err := r.rt.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, accel.NewError(accel.StatusOutOfPhysicalDevices, "devices", "no accelerator devices found")
	}

	dev := devices[0]
	info := AccelInfo{DeviceID: dev.ID()}
	if id, err := dev.Identify(); err == nil {
		info.Identity = &id
	} else {
		r.logger.Warn("Identify failed", "device", dev.ID(), "error", err)
	}
	rep.Accel = &info
	r.observer.AccelReady(info)
	return dev, nil
}

func (r *Runner) setupCamera(rep *Report) error {
	if err := r.mgr.Open(r.cfg.Device, r.cfg.Width, r.cfg.Height); err != nil {
		return r.cameraFailed(err)
	}
	if err := r.mgr.Configure(); err != nil {
		return r.cameraFailed(err)
	}
	if err := r.mgr.Start(); err != nil {
		return r.cameraFailed(err)
	}

	rep.Camera = CameraInfo{
		Capabilities: r.mgr.Capabilities(),
		Requested:    r.mgr.Requested(),
		Format:       r.mgr.Format(),
		RingSize:     r.mgr.RingSize(),
	}
	r.observer.CameraReady(rep.Camera)
	return nil
}

func (r *Runner) cameraFailed(err error) error {
	r.publishCaptureError(err)
	r.mgr.Close()
	return err
}

// allocate prepares the staging buffer for one RGB-sized frame, trying DMA
// memory first when an accelerator is attached.
func (r *Runner) allocate(rep *Report) *accel.Buffer {
	f := r.mgr.Format()
	size := int(f.Width) * int(f.Height) * 3

	var buf *accel.Buffer
	var dmaErr error
	if r.rt != nil {
		buf, dmaErr = accel.AllocateWithFallback(r.rt, size, size)
		if dmaErr != nil {
			r.logger.Warn("DMA allocation failed, using heap buffer", "size", size, "error", dmaErr)
		}
	} else {
		buf = accel.NewBuffer(size, accel.StorageHeap)
	}

	rep.Buffer = BufferInfo{Size: buf.Len(), Storage: buf.Storage(), DMAError: dmaErr}
	r.observer.BufferReady(rep.Buffer)
	return buf
}

func (r *Runner) captureLoop(ctx context.Context, rep *Report, buf *accel.Buffer) {
	for i := 0; r.cfg.Frames == 0 || i < r.cfg.Frames; i++ {
		if ctx.Err() != nil {
			rep.Interrupted = true
			return
		}

		stat := r.captureOne(ctx, i, buf)
		if stat.Err != nil {
			if ctx.Err() != nil {
				rep.Interrupted = true
				return
			}
			rep.Failed++
		} else {
			rep.Captured++
			if stat.Inference != nil && stat.Inference.Err == nil {
				rep.Inferences++
			}
		}
		r.observer.FrameDone(stat)

		if r.cfg.Frames != 0 && i == r.cfg.Frames-1 {
			return
		}
		if !sleepCtx(ctx, r.Interval()) {
			rep.Interrupted = true
			return
		}
	}
}

func (r *Runner) captureOne(ctx context.Context, index int, buf *accel.Buffer) FrameStat {
	stat := FrameStat{Index: index}
	droppedBefore := r.mgr.Stats().DroppedFrames

	fctx := ctx
	if r.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.cfg.CaptureTimeout)
		defer cancel()
	}

	start := time.Now()
	data, err := r.mgr.CaptureFrame(fctx)
	captured := time.Now()
	stat.Capture = captured.Sub(start)
	if err != nil {
		stat.Err = err
		if ctx.Err() == nil {
			r.logger.Warn("Frame capture failed", "frame", index, "error", err)
			r.publishCaptureError(err)
		}
		return stat
	}

	stats := r.mgr.Stats()
	stat.Size = len(data)
	stat.Sequence = stats.LastSequence
	stat.Dropped = stats.DroppedFrames - droppedBefore
	stat.Mean, stat.Small = frameMean(data)

	n := copy(buf.Bytes(), data)
	if r.group != nil {
		stat.Inference = r.infer(ctx, index, buf.Bytes()[:n])
	}
	stat.Process = time.Since(captured)

	if r.bus != nil {
		r.bus.Publish(events.FrameCapturedEvent{
			RunID:          r.runID,
			DevicePath:     r.cfg.Device,
			Index:          index,
			Sequence:       stat.Sequence,
			Size:           stat.Size,
			Mean:           stat.Mean,
			CaptureLatency: stat.Capture,
			Dropped:        stat.Dropped,
			Timestamp:      captured,
		})
	}
	return stat
}

// infer writes input to the first input stream and reads every output
// stream once.
func (r *Runner) infer(ctx context.Context, index int, input []byte) *InferenceStat {
	res := &InferenceStat{InputBytes: len(input)}
	start := time.Now()

	res.Err = func() error {
		inputs := r.group.Inputs()
		if len(inputs) == 0 {
			return accel.NewError(accel.StatusInvalidOperation, "infer", "network group has no input streams")
		}
		if err := inputs[0].Write(ctx, input); err != nil {
			return err
		}
		for _, out := range r.group.Outputs() {
			result := make([]byte, out.Info().FrameSize)
			if err := out.Read(ctx, result); err != nil {
				return err
			}
			res.OutputBytes += len(result)
		}
		return nil
	}()
	res.Latency = time.Since(start)

	if res.Err != nil {
		r.logger.Warn("Inference failed", "frame", index, "network_group", r.group.Name(), "error", res.Err)
	}
	if r.bus != nil {
		ev := events.InferenceCompletedEvent{
			RunID:        r.runID,
			NetworkGroup: r.group.Name(),
			Index:        index,
			InputBytes:   res.InputBytes,
			OutputBytes:  res.OutputBytes,
			Latency:      res.Latency,
			Timestamp:    time.Now(),
		}
		if res.Err != nil {
			ev.Error = res.Err.Error()
		}
		r.bus.Publish(ev)
	}
	return res
}

func (r *Runner) telemetry(rep *Report, dev accel.Device) {
	t := TelemetryInfo{DeviceID: dev.ID()}
	if temp, err := dev.ChipTemperature(); err == nil {
		t.Temperature = &temp
	} else {
		r.logger.Warn("Temperature reading failed", "device", dev.ID(), "error", err)
	}
	if arch, err := dev.Architecture(); err == nil {
		t.Architecture = arch
	} else {
		r.logger.Warn("Architecture query failed", "device", dev.ID(), "error", err)
	}

	rep.Telemetry = &t
	r.observer.Telemetry(t)

	if r.bus != nil && t.Temperature != nil {
		r.bus.Publish(events.AccelTelemetryEvent{
			DeviceID:  t.DeviceID,
			TS0:       t.Temperature.TS0,
			TS1:       t.Temperature.TS1,
			Timestamp: time.Now(),
		})
	}
}

func (r *Runner) publishCaptureError(err error) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.CaptureErrorEvent{
		RunID:      r.runID,
		DevicePath: r.cfg.Device,
		Code:       string(capture.CodeOf(err)),
		Error:      err.Error(),
		Timestamp:  time.Now(),
	})
}

// StateObserver returns a capture state observer that republishes
// transitions of device on bus.
func StateObserver(bus *events.Bus, device string) func(from, to capture.State) {
	return func(from, to capture.State) {
		bus.Publish(events.CaptureStateChangedEvent{
			DevicePath: device,
			From:       from.String(),
			To:         to.String(),
			Timestamp:  time.Now(),
		})
	}
}

// frameMean averages the first statWindow bytes. Frames no larger than the
// window are reported as small and get a zero mean.
func frameMean(data []byte) (float64, bool) {
	if len(data) <= statWindow {
		return 0, true
	}
	var sum uint64
	for _, b := range data[:statWindow] {
		sum += uint64(b)
	}
	return float64(sum) / statWindow, false
}

// sleepCtx waits d and reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
