// Package sim implements accel.Runtime without hardware. Every answer is a
// deterministic function of its Config and inputs so commands and tests can
// run on any machine.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/logging"
)

// Config describes the simulated devices.
type Config struct {
	Devices         int
	BoardName       string
	Architecture    string
	Firmware        accel.FirmwareVersion
	ProtocolVersion uint32
	TS0             float32
	TS1             float32
	// DMA reports whether DMA buffers can be allocated.
	DMA bool
	// Power reports whether power measurement is supported.
	Power bool
	// Latency is added to every output read.
	Latency time.Duration
}

// DefaultConfig returns a single Hailo-8 class device.
func DefaultConfig() Config {
	return Config{
		Devices:         1,
		BoardName:       "Hailo-8",
		Architecture:    "HAILO8",
		Firmware:        accel.FirmwareVersion{Major: 4, Minor: 20, Revision: 0},
		ProtocolVersion: 2,
		TS0:             42.5,
		TS1:             43.25,
		DMA:             true,
		Power:           true,
		Latency:         2 * time.Millisecond,
	}
}

// Runtime is a simulated accelerator runtime.
type Runtime struct {
	cfg     Config
	logger  *slog.Logger
	devices []*device

	mu     sync.Mutex
	closed bool
}

// New creates a runtime. It fails with StatusOutOfPhysicalDevices when the
// configuration has no devices, as the real runtime does on a bare host.
func New(cfg Config) (*Runtime, error) {
	if cfg.Devices <= 0 {
		return nil, accel.NewError(accel.StatusOutOfPhysicalDevices, "create", "no accelerator devices found")
	}

	r := &Runtime{
		cfg:    cfg,
		logger: logging.GetLogger("accel"),
	}
	for i := 0; i < cfg.Devices; i++ {
		r.devices = append(r.devices, &device{
			id:  fmt.Sprintf("0000:%02x:00.0", i+1),
			cfg: cfg,
		})
	}
	r.logger.Debug("Simulated accelerator runtime created", "devices", cfg.Devices, "board", cfg.BoardName)
	return r, nil
}

// Devices returns the simulated physical devices.
func (r *Runtime) Devices() ([]accel.Device, error) {
	if err := r.checkOpen("devices"); err != nil {
		return nil, err
	}
	out := make([]accel.Device, len(r.devices))
	for i, d := range r.devices {
		out[i] = d
	}
	return out, nil
}

// LoadModel loads the artifact at path. See loadModel for the layout rules.
func (r *Runtime) LoadModel(path string) (accel.Model, error) {
	if err := r.checkOpen("load model"); err != nil {
		return nil, err
	}
	m, err := loadModel(path)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Model loaded", "path", path, "network_groups", len(m.layout.NetworkGroups))
	return m, nil
}

// Configure builds the network groups of model.
func (r *Runtime) Configure(ctx context.Context, model accel.Model) ([]accel.NetworkGroup, error) {
	if err := r.checkOpen("configure"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, accel.Wrap(accel.StatusTimeout, "configure", "cancelled", err)
	}
	m, ok := model.(*simModel)
	if !ok {
		return nil, accel.NewError(accel.StatusInvalidArgument, "configure", "model was not loaded by this runtime")
	}

	groups := make([]accel.NetworkGroup, 0, len(m.layout.NetworkGroups))
	for _, gl := range m.layout.NetworkGroups {
		groups = append(groups, newNetworkGroup(gl, r.cfg.Latency))
	}
	return groups, nil
}

// AllocateBuffer allocates host memory. DMA requests fail when the
// configuration has DMA disabled.
func (r *Runtime) AllocateBuffer(size int, storage accel.Storage) (*accel.Buffer, error) {
	if size <= 0 {
		return nil, accel.NewError(accel.StatusInvalidArgument, "allocate", fmt.Sprintf("invalid buffer size %d", size))
	}
	if storage == accel.StorageDMA && !r.cfg.DMA {
		return nil, accel.NewError(accel.StatusDMAMappingUnavailable, "allocate", "DMA buffers are not available")
	}
	return accel.NewBuffer(size, storage), nil
}

// Close releases the runtime. Further calls fail with StatusUninitialized.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Runtime) checkOpen(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return accel.NewError(accel.StatusUninitialized, op, "runtime is closed")
	}
	return nil
}

type device struct {
	id  string
	cfg Config

	mu           sync.Mutex
	samples      uint16
	powerEnabled bool
	powerReads   uint32
}

func (d *device) ID() string {
	return d.id
}

func (d *device) Architecture() (string, error) {
	return d.cfg.Architecture, nil
}

func (d *device) Identify() (accel.Identity, error) {
	return accel.Identity{
		BoardName:       d.cfg.BoardName,
		Firmware:        d.cfg.Firmware,
		ProtocolVersion: d.cfg.ProtocolVersion,
	}, nil
}

// ChipTemperature reports the configured sensor values. The sample count
// grows by one per call.
func (d *device) ChipTemperature() (accel.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples++
	return accel.Temperature{
		TS0:         d.cfg.TS0,
		TS1:         d.cfg.TS1,
		SampleCount: d.samples,
	}, nil
}

func (d *device) EnablePowerMeasurement() error {
	if !d.cfg.Power {
		return accel.NewError(accel.StatusNotSupported, "power measurement", "power measurement is not supported")
	}
	d.mu.Lock()
	d.powerEnabled = true
	d.mu.Unlock()
	return nil
}

func (d *device) PowerMeasurement() (accel.Power, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.powerEnabled {
		return accel.Power{}, accel.NewError(accel.StatusInvalidOperation, "power measurement", "power measurement is not enabled")
	}
	d.powerReads++
	return accel.Power{
		Average: 1.85,
		Min:     1.62,
		Max:     2.31,
		Samples: 64 * d.powerReads,
	}, nil
}
