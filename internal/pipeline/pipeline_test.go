package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/accel/sim"
	"github.com/smazurov/edgeprobe/internal/capture"
	"github.com/smazurov/edgeprobe/internal/capture/fakedev"
	"github.com/smazurov/edgeprobe/internal/events"
	"github.com/smazurov/edgeprobe/internal/pipeline"
)

const device = "/dev/fake0"

func vga(frames int) pipeline.Config {
	return pipeline.Config{Device: device, Width: 640, Height: 480, Frames: frames}
}

func newRuntime(t *testing.T, mutate func(*sim.Config)) *sim.Runtime {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.Latency = 0
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := sim.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

// recorder collects observer callbacks in order.
type recorder struct {
	mu     sync.Mutex
	steps  []string
	frames []pipeline.FrameStat
	buffer pipeline.BufferInfo
	camera pipeline.CameraInfo
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *recorder) AccelReady(pipeline.AccelInfo) { r.add("accel") }
func (r *recorder) CameraReady(c pipeline.CameraInfo) {
	r.camera = c
	r.add("camera")
}
func (r *recorder) BufferReady(b pipeline.BufferInfo) {
	r.buffer = b
	r.add("buffer")
}
func (r *recorder) FrameDone(f pipeline.FrameStat) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.add("frame")
}
func (r *recorder) Telemetry(pipeline.TelemetryInfo) { r.add("telemetry") }

func TestRunIntegration(t *testing.T) {
	dev := fakedev.New()
	rt := newRuntime(t, nil)
	rec := &recorder{}

	mgr := capture.NewManager(dev.Opener())
	r := pipeline.New(mgr, vga(5), pipeline.WithRuntime(rt), pipeline.WithObserver(rec))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 5, rep.Captured)
	require.Zero(t, rep.Failed)
	require.False(t, rep.Interrupted)
	require.Equal(t, r.RunID(), rep.RunID)
	require.NotEmpty(t, rep.RunID)

	require.NotNil(t, rep.Accel)
	require.NotNil(t, rep.Accel.Identity)
	require.Equal(t, "Hailo-8", rep.Accel.Identity.BoardName)

	require.Equal(t, uint32(640), rep.Camera.Format.Width)
	require.Equal(t, uint32(480), rep.Camera.Format.Height)
	require.Equal(t, capture.DefaultBufferCount, rep.Camera.RingSize)

	require.Equal(t, accel.StorageDMA, rep.Buffer.Storage)
	require.Equal(t, 640*480*3, rep.Buffer.Size)
	require.NoError(t, rep.Buffer.DMAError)

	require.NotNil(t, rep.Telemetry)
	require.Equal(t, "HAILO8", rep.Telemetry.Architecture)
	require.NotNil(t, rep.Telemetry.Temperature)

	require.Equal(t, uint64(5), rep.Stats.FramesCaptured)
	require.Equal(t, []string{"accel", "camera", "buffer", "frame", "frame", "frame", "frame", "frame", "telemetry"}, rec.steps)

	for i, f := range rec.frames {
		require.Equal(t, i, f.Index)
		require.NoError(t, f.Err)
		require.Equal(t, 640*480*2, f.Size)
		require.False(t, f.Small)
		require.Nil(t, f.Inference)
	}

	// manager is released and the fake device saw no leaks
	require.Equal(t, capture.StateClosed, mgr.State())
	require.Zero(t, dev.Mapped())
	require.Zero(t, dev.OpenHandles())
}

func TestRunFrameMean(t *testing.T) {
	dev := fakedev.New()
	dev.Fill = func(_ uint32, region []byte) {
		for i := range region {
			region[i] = 100
		}
	}
	rec := &recorder{}

	r := pipeline.New(capture.NewManager(dev.Opener()), vga(1), pipeline.WithObserver(rec))
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.frames, 1)
	require.InDelta(t, 100.0, rec.frames[0].Mean, 1e-9)
}

func TestRunSmallFrames(t *testing.T) {
	dev := fakedev.New()
	dev.BytesUsed = func(uint32, uint32) uint32 { return 600 }
	rec := &recorder{}

	r := pipeline.New(capture.NewManager(dev.Opener()), vga(2), pipeline.WithObserver(rec))
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Captured)

	for _, f := range rec.frames {
		require.True(t, f.Small)
		require.Equal(t, 600, f.Size)
		require.Zero(t, f.Mean)
	}
}

func TestRunWithoutAccelerator(t *testing.T) {
	rec := &recorder{}
	r := pipeline.New(capture.NewManager(fakedev.New().Opener()), vga(2), pipeline.WithObserver(rec))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, rep.Accel)
	require.Nil(t, rep.Telemetry)
	require.Equal(t, accel.StorageHeap, rep.Buffer.Storage)
	require.Equal(t, []string{"camera", "buffer", "frame", "frame"}, rec.steps)
}

func TestRunDMAFallback(t *testing.T) {
	rt := newRuntime(t, func(c *sim.Config) { c.DMA = false })

	r := pipeline.New(capture.NewManager(fakedev.New().Opener()), vga(1), pipeline.WithRuntime(rt))
	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, accel.StorageHeap, rep.Buffer.Storage)
	require.Equal(t, 640*480*3, rep.Buffer.Size)
	require.Error(t, rep.Buffer.DMAError)
	require.Equal(t, accel.StatusDMAMappingUnavailable, accel.StatusOf(rep.Buffer.DMAError))
}

func TestRunNegotiatedSizeDrivesBuffer(t *testing.T) {
	dev := fakedev.New()
	dev.Adjust = func(f capture.Format) capture.Format {
		f.Width, f.Height = 320, 240
		return f
	}

	r := pipeline.New(capture.NewManager(dev.Opener()), vga(1))
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(640), rep.Camera.Requested.Width)
	require.Equal(t, uint32(320), rep.Camera.Format.Width)
	require.Equal(t, 320*240*3, rep.Buffer.Size)
}

func TestRunNoAcceleratorDevices(t *testing.T) {
	dev := fakedev.New()
	r := pipeline.New(capture.NewManager(dev.Opener()), vga(1), pipeline.WithRuntime(emptyRuntime{}))

	_, err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, accel.StatusOutOfPhysicalDevices, accel.StatusOf(err))
	require.Zero(t, dev.Counters().Opens, "camera must not be touched when the accelerator is missing")
}

func TestRunCameraSetupFailure(t *testing.T) {
	dev := fakedev.New()
	dev.StreamOnErr = errors.New("stream on refused")

	bus := events.New()
	errs := make(chan events.CaptureErrorEvent, 1)
	defer bus.Subscribe(func(e events.CaptureErrorEvent) { errs <- e })()

	mgr := capture.NewManager(dev.Opener())
	r := pipeline.New(mgr, vga(3), pipeline.WithBus(bus))

	rep, err := r.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, capture.ErrStreamStart, capture.CodeOf(err))
	require.Zero(t, rep.Captured)
	require.Equal(t, capture.StateClosed, mgr.State())
	require.Zero(t, dev.Mapped())
	require.Zero(t, dev.OpenHandles())

	select {
	case e := <-errs:
		require.Equal(t, string(capture.ErrStreamStart), e.Code)
		require.Equal(t, r.RunID(), e.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("capture error event not published")
	}
}

func TestRunFrameFailuresAreCounted(t *testing.T) {
	dev := fakedev.New()
	dev.DequeueErr = errors.New("dequeue broke")
	rec := &recorder{}

	r := pipeline.New(capture.NewManager(dev.Opener()), vga(3), pipeline.WithObserver(rec))
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.Captured)
	require.Equal(t, 3, rep.Failed)
	require.Len(t, rec.frames, 3)
	for _, f := range rec.frames {
		require.Equal(t, capture.ErrDequeue, capture.CodeOf(f.Err))
	}
}

func TestRunInference(t *testing.T) {
	rt := newRuntime(t, nil)
	modelPath := filepath.Join(t.TempDir(), "resnet_v1_50.hef")
	require.NoError(t, os.WriteFile(modelPath, []byte("HEF"), 0o644))
	model, err := rt.LoadModel(modelPath)
	require.NoError(t, err)
	groups, err := rt.Configure(context.Background(), model)
	require.NoError(t, err)
	require.NotEmpty(t, groups)

	bus := events.New()
	inferences := make(chan events.InferenceCompletedEvent, 8)
	defer bus.Subscribe(func(e events.InferenceCompletedEvent) { inferences <- e })()

	rec := &recorder{}
	r := pipeline.New(capture.NewManager(fakedev.New().Opener()), vga(3),
		pipeline.WithRuntime(rt),
		pipeline.WithNetworkGroup(groups[0]),
		pipeline.WithBus(bus),
		pipeline.WithObserver(rec))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Inferences)

	outSize := 0
	for _, out := range groups[0].Outputs() {
		outSize += out.Info().FrameSize
	}
	for _, f := range rec.frames {
		require.NotNil(t, f.Inference)
		require.NoError(t, f.Inference.Err)
		require.Equal(t, 640*480*2, f.Inference.InputBytes)
		require.Equal(t, outSize, f.Inference.OutputBytes)
	}

	for i := 0; i < 3; i++ {
		select {
		case e := <-inferences:
			require.Equal(t, groups[0].Name(), e.NetworkGroup)
			require.Empty(t, e.Error)
		case <-time.After(2 * time.Second):
			t.Fatal("missing inference event")
		}
	}
}

func TestRunPublishesFrameEvents(t *testing.T) {
	dev := fakedev.New()
	dev.SequenceStep = 2

	bus := events.New()
	frames := make(chan events.FrameCapturedEvent, 8)
	defer bus.Subscribe(func(e events.FrameCapturedEvent) { frames <- e })()

	r := pipeline.New(capture.NewManager(dev.Opener()), vga(3), pipeline.WithBus(bus))
	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), rep.Stats.DroppedFrames)

	var dropped uint64
	for i := 0; i < 3; i++ {
		select {
		case e := <-frames:
			require.Equal(t, device, e.DevicePath)
			require.Equal(t, r.RunID(), e.RunID)
			dropped += e.Dropped
		case <-time.After(2 * time.Second):
			t.Fatal("missing frame event")
		}
	}
	require.Equal(t, uint64(2), dropped)
}

func TestRunContinuousUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	obs := frameHook(func(pipeline.FrameStat) {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == 4 {
			cancel()
		}
	})

	r := pipeline.New(capture.NewManager(fakedev.New().Opener()), vga(0), pipeline.WithObserver(obs))
	rep, err := r.Run(ctx)
	require.NoError(t, err)
	require.True(t, rep.Interrupted)
	require.Equal(t, 4, rep.Captured)
}

func TestSetIntervalTakesEffect(t *testing.T) {
	cfg := vga(0)
	cfg.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var r *pipeline.Runner
	count := 0
	obs := frameHook(func(pipeline.FrameStat) {
		count++
		switch count {
		case 1:
			// would sleep an hour without the reload
			r.SetInterval(time.Millisecond)
		case 3:
			cancel()
		}
	})
	r = pipeline.New(capture.NewManager(fakedev.New().Opener()), cfg, pipeline.WithObserver(obs))

	done := make(chan *pipeline.Report, 1)
	go func() {
		rep, _ := r.Run(ctx)
		done <- rep
	}()

	select {
	case rep := <-done:
		require.Equal(t, 3, rep.Captured)
		require.Equal(t, time.Millisecond, r.Interval())
	case <-time.After(5 * time.Second):
		t.Fatal("interval change did not take effect")
	}
}

func TestSetIntervalClampsNegative(t *testing.T) {
	r := pipeline.New(capture.NewManager(fakedev.New().Opener()), vga(1))
	r.SetInterval(-time.Second)
	require.Zero(t, r.Interval())
}

func TestCaptureTimeout(t *testing.T) {
	dev := fakedev.New()
	// a granted ring of one slot that never comes back after the first
	// frame: the requeue fails, so the next dequeue has nothing to wait on
	dev.Grant = func(int) int { return 1 }
	dev.FailQueue = func(_ int, streaming bool) error {
		if streaming {
			return errors.New("requeue refused")
		}
		return nil
	}
	rec := &recorder{}

	cfg := vga(2)
	cfg.CaptureTimeout = 20 * time.Millisecond
	r := pipeline.New(capture.NewManager(dev.Opener()), cfg, pipeline.WithObserver(rec))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Failed)
	require.Equal(t, capture.ErrRequeue, capture.CodeOf(rec.frames[0].Err))
	require.Equal(t, capture.ErrDequeue, capture.CodeOf(rec.frames[1].Err))
	require.ErrorIs(t, rec.frames[1].Err, context.DeadlineExceeded)
}

func TestStateObserverPublishes(t *testing.T) {
	bus := events.New()
	states := make(chan events.CaptureStateChangedEvent, 16)
	defer bus.Subscribe(func(e events.CaptureStateChangedEvent) { states <- e })()

	mgr := capture.NewManager(fakedev.New().Opener(),
		capture.WithStateObserver(pipeline.StateObserver(bus, device)))
	r := pipeline.New(mgr, vga(1))
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	want := []string{"opened", "configured", "streaming", "stopped", "closed"}
	for _, to := range want {
		select {
		case e := <-states:
			require.Equal(t, to, e.To)
			require.Equal(t, device, e.DevicePath)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing transition to %s", to)
		}
	}
}

type frameHook func(pipeline.FrameStat)

func (frameHook) AccelReady(pipeline.AccelInfo)    {}
func (frameHook) CameraReady(pipeline.CameraInfo)  {}
func (frameHook) BufferReady(pipeline.BufferInfo)  {}
func (f frameHook) FrameDone(s pipeline.FrameStat) { f(s) }
func (frameHook) Telemetry(pipeline.TelemetryInfo) {}

// emptyRuntime reports no devices.
type emptyRuntime struct{}

func (emptyRuntime) Devices() ([]accel.Device, error)      { return nil, nil }
func (emptyRuntime) LoadModel(string) (accel.Model, error) { return nil, errors.New("unused") }
func (emptyRuntime) Close() error                          { return nil }
func (emptyRuntime) AllocateBuffer(int, accel.Storage) (*accel.Buffer, error) {
	return nil, errors.New("unused")
}
func (emptyRuntime) Configure(context.Context, accel.Model) ([]accel.NetworkGroup, error) {
	return nil, errors.New("unused")
}
