package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smazurov/edgeprobe/internal/accel"
)

func writeModel(t *testing.T, layout string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "yolov5s.hef")
	require.NoError(t, os.WriteFile(path, []byte("HEF\x00compiled"), 0o644))
	if layout != "" {
		require.NoError(t, os.WriteFile(SidecarPath(path), []byte(layout), 0o644))
	}
	return path
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Latency = 0
	return cfg
}

func TestNewWithoutDevices(t *testing.T) {
	cfg := testConfig()
	cfg.Devices = 0
	_, err := New(cfg)
	require.Error(t, err)
	require.Equal(t, accel.StatusOutOfPhysicalDevices, accel.StatusOf(err))
}

func TestDeviceQueries(t *testing.T) {
	cfg := testConfig()
	cfg.Devices = 2
	rt, err := New(cfg)
	require.NoError(t, err)
	defer rt.Close()

	devices, err := rt.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Equal(t, "0000:01:00.0", devices[0].ID())
	require.Equal(t, "0000:02:00.0", devices[1].ID())

	id, err := devices[0].Identify()
	require.NoError(t, err)
	require.Equal(t, "Hailo-8", id.BoardName)
	require.Equal(t, "4.20.0", id.Firmware.String())

	arch, err := devices[0].Architecture()
	require.NoError(t, err)
	require.Equal(t, "HAILO8", arch)

	t1, err := devices[0].ChipTemperature()
	require.NoError(t, err)
	t2, err := devices[0].ChipTemperature()
	require.NoError(t, err)
	require.Equal(t, uint16(1), t1.SampleCount)
	require.Equal(t, uint16(2), t2.SampleCount)
	require.InDelta(t, 42.5, t2.TS0, 0.001)
}

func TestPowerMeasurement(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)
	devices, err := rt.Devices()
	require.NoError(t, err)
	dev := devices[0]

	_, err = dev.PowerMeasurement()
	require.Equal(t, accel.StatusInvalidOperation, accel.StatusOf(err))

	require.NoError(t, dev.EnablePowerMeasurement())
	p, err := dev.PowerMeasurement()
	require.NoError(t, err)
	require.Greater(t, p.Average, float32(0))

	cfg := testConfig()
	cfg.Power = false
	rt, err = New(cfg)
	require.NoError(t, err)
	devices, err = rt.Devices()
	require.NoError(t, err)
	require.Equal(t, accel.StatusNotSupported, accel.StatusOf(devices[0].EnablePowerMeasurement()))
}

func TestAllocateBuffer(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)

	buf, err := rt.AllocateBuffer(1<<20, accel.StorageDMA)
	require.NoError(t, err)
	require.Equal(t, 1<<20, buf.Len())
	require.Equal(t, accel.StorageDMA, buf.Storage())

	_, err = rt.AllocateBuffer(0, accel.StorageHeap)
	require.Equal(t, accel.StatusInvalidArgument, accel.StatusOf(err))

	cfg := testConfig()
	cfg.DMA = false
	rt, err = New(cfg)
	require.NoError(t, err)

	_, err = rt.AllocateBuffer(1024, accel.StorageDMA)
	require.Equal(t, accel.StatusDMAMappingUnavailable, accel.StatusOf(err))

	buf, err = accel.AllocateWithFallback(rt, 640*480*2, 640*480*3)
	require.Error(t, err)
	require.Equal(t, accel.StorageHeap, buf.Storage())
	require.Equal(t, 640*480*3, buf.Len())
}

func TestLoadModelErrors(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.hef")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	tests := []struct {
		name   string
		path   string
		status accel.Status
	}{
		{"missing file", filepath.Join(dir, "missing.hef"), accel.StatusOpenFileFailure},
		{"directory", dir, accel.StatusOpenFileFailure},
		{"empty file", empty, accel.StatusInvalidModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.LoadModel(tt.path)
			require.Equal(t, tt.status, accel.StatusOf(err), "error: %v", err)
		})
	}

	bad := writeModel(t, "network_groups = [")
	_, err = rt.LoadModel(bad)
	require.Equal(t, accel.StatusInvalidModel, accel.StatusOf(err))

	noOutputs := writeModel(t, `
[[network_groups]]
name = "broken"
[[network_groups.inputs]]
name = "in"
height = 1
width = 1
features = 1
`)
	_, err = rt.LoadModel(noOutputs)
	require.Equal(t, accel.StatusInvalidModel, accel.StatusOf(err))
}

func TestDefaultLayout(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)

	model, err := rt.LoadModel(writeModel(t, ""))
	require.NoError(t, err)
	require.Equal(t, "yolov5s", model.Name())

	groups, err := rt.Configure(context.Background(), model)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "yolov5s/input_layer1", groups[0].Inputs()[0].Info().Name)
	require.Equal(t, 224*224*3, groups[0].Inputs()[0].Info().FrameSize)
	require.Equal(t, 1000, groups[0].Outputs()[0].Info().FrameSize)
}

func TestInferenceRoundTrip(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)

	path := writeModel(t, `
[[network_groups]]
name = "yolov5s"

[[network_groups.inputs]]
name = "yolov5s/input_layer1"
height = 640
width = 640
features = 3

[[network_groups.outputs]]
name = "yolov5s/conv70"
height = 80
width = 80
features = 255

[[network_groups.outputs]]
name = "yolov5s/conv63"
height = 40
width = 40
features = 255
`)
	model, err := rt.LoadModel(path)
	require.NoError(t, err)
	groups, err := rt.Configure(context.Background(), model)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	g := groups[0]
	require.Len(t, g.Inputs(), 1)
	require.Len(t, g.Outputs(), 2)
	in := g.Inputs()[0]
	require.Equal(t, accel.Shape{Height: 640, Width: 640, Features: 3}, in.Info().Shape)

	ctx := context.Background()
	out := g.Outputs()[0]

	buf := make([]byte, out.Info().FrameSize)
	require.Equal(t, accel.StatusTimeout, accel.StatusOf(out.Read(ctx, buf)))

	input := make([]byte, in.Info().FrameSize)
	for i := range input {
		input[i] = 128
	}
	require.NoError(t, in.Write(ctx, input))

	first := make([]byte, out.Info().FrameSize)
	require.NoError(t, out.Read(ctx, first))
	require.Equal(t, accel.StatusTimeout, accel.StatusOf(out.Read(ctx, buf)), "one result per write")

	second := make([]byte, g.Outputs()[1].Info().FrameSize)
	require.NoError(t, g.Outputs()[1].Read(ctx, second))
	require.NotEqual(t, first[:8], second[:8])

	require.NoError(t, in.Write(ctx, input))
	again := make([]byte, out.Info().FrameSize)
	require.NoError(t, out.Read(ctx, again))
	require.Equal(t, first, again, "output is a function of input")

	require.Equal(t, accel.StatusInsufficientBuffer, accel.StatusOf(out.Read(ctx, make([]byte, 4))))
	require.Equal(t, accel.StatusInvalidArgument, accel.StatusOf(in.Write(ctx, nil)))
}

func TestReadHonoursCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.Latency = time.Second
	rt, err := New(cfg)
	require.NoError(t, err)

	model, err := rt.LoadModel(writeModel(t, ""))
	require.NoError(t, err)
	groups, err := rt.Configure(context.Background(), model)
	require.NoError(t, err)

	require.NoError(t, groups[0].Inputs()[0].Write(context.Background(), []byte{1, 2, 3}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	out := groups[0].Outputs()[0]
	err = out.Read(ctx, make([]byte, out.Info().FrameSize))
	require.Equal(t, accel.StatusTimeout, accel.StatusOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedRuntime(t *testing.T) {
	rt, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	_, err = rt.Devices()
	require.Equal(t, accel.StatusUninitialized, accel.StatusOf(err))
	_, err = rt.LoadModel("whatever.hef")
	require.Equal(t, accel.StatusUninitialized, accel.StatusOf(err))
}
