// Package accel defines the neural accelerator runtime used by the demo
// commands: device discovery, identity and telemetry queries, model loading,
// network configuration and tensor stream I/O.
package accel

import (
	"context"
	"fmt"
)

// Runtime is an open connection to the accelerator runtime. It plays the role
// of a virtual device that spans every physical unit it found.
type Runtime interface {
	// Devices returns the physical devices behind the runtime.
	Devices() ([]Device, error)
	// LoadModel reads a compiled model artifact.
	LoadModel(path string) (Model, error)
	// Configure programs the devices for model and returns its network groups.
	Configure(ctx context.Context, model Model) ([]NetworkGroup, error)
	// AllocateBuffer allocates size bytes with the requested storage.
	AllocateBuffer(size int, storage Storage) (*Buffer, error)
	Close() error
}

// Device is one physical accelerator.
type Device interface {
	ID() string
	Architecture() (string, error)
	Identify() (Identity, error)
	ChipTemperature() (Temperature, error)
	EnablePowerMeasurement() error
	PowerMeasurement() (Power, error)
}

// Model is a loaded model artifact.
type Model interface {
	Name() string
	Path() string
}

// NetworkGroup is a configured network with its input and output streams.
type NetworkGroup interface {
	Name() string
	Inputs() []InputStream
	Outputs() []OutputStream
}

// InputStream accepts input frames for a network group.
type InputStream interface {
	Info() StreamInfo
	Write(ctx context.Context, data []byte) error
}

// OutputStream yields result frames from a network group.
type OutputStream interface {
	Info() StreamInfo
	Read(ctx context.Context, buf []byte) error
}

// Shape is a tensor shape as height x width x features.
type Shape struct {
	Height   int `toml:"height"`
	Width    int `toml:"width"`
	Features int `toml:"features"`
}

// Size returns the number of elements in the shape.
func (s Shape) Size() int {
	return s.Height * s.Width * s.Features
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Features)
}

// StreamInfo describes one tensor stream.
type StreamInfo struct {
	Name      string
	Shape     Shape
	FrameSize int
}

// FirmwareVersion is the firmware version triple.
type FirmwareVersion struct {
	Major    uint32
	Minor    uint32
	Revision uint32
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// Identity is the result of a device identify request.
type Identity struct {
	BoardName       string
	Firmware        FirmwareVersion
	ProtocolVersion uint32
}

// Temperature holds the chip's two thermal sensor readings in Celsius.
type Temperature struct {
	TS0         float32
	TS1         float32
	SampleCount uint16
}

// Power is a power measurement in watts.
type Power struct {
	Average float32
	Min     float32
	Max     float32
	Samples uint32
}
