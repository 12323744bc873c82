package cmd

import (
	"time"

	"github.com/smazurov/edgeprobe/internal/accel/sim"
	"github.com/smazurov/edgeprobe/internal/logging"
	"github.com/smazurov/edgeprobe/internal/pipeline"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"edgeprobe.toml"`

	// Capture settings
	CaptureDevice     string `help:"Camera device path or stable ID" default:"/dev/video0" toml:"capture.device" env:"CAPTURE_DEVICE"`
	CaptureWidth      int    `help:"Requested frame width" default:"640" toml:"capture.width" env:"CAPTURE_WIDTH"`
	CaptureHeight     int    `help:"Requested frame height" default:"480" toml:"capture.height" env:"CAPTURE_HEIGHT"`
	CaptureBuffers    int    `help:"Number of memory-mapped capture buffers" default:"4" toml:"capture.buffers" env:"CAPTURE_BUFFERS"`
	CaptureFrames     int    `help:"Frames to capture (0 runs until interrupted)" default:"5" toml:"capture.frames" env:"CAPTURE_FRAMES"`
	CaptureIntervalMs int    `help:"Pause between frames in milliseconds" default:"200" toml:"capture.interval_ms" env:"CAPTURE_INTERVAL_MS"`
	CaptureTimeoutMs  int    `help:"Per-frame capture timeout in milliseconds (0 waits forever)" default:"0" toml:"capture.timeout_ms" env:"CAPTURE_TIMEOUT_MS"`
	CaptureFormat     string `help:"Requested pixel format as a FourCC" default:"YUYV" toml:"capture.format" env:"CAPTURE_FORMAT"`
	CaptureBackend    string `help:"Capture backend (v4l2, fake)" default:"v4l2" toml:"capture.backend" env:"CAPTURE_BACKEND"`

	// Accelerator settings
	AccelBackend        string `help:"Accelerator backend (sim)" default:"sim" toml:"accel.backend" env:"ACCEL_BACKEND"`
	AccelModel          string `help:"Model run on every captured frame by camera-test" default:"" toml:"accel.model" env:"ACCEL_MODEL"`
	AccelTelemetryMs    int    `help:"Accelerator telemetry polling period in milliseconds" default:"5000" toml:"accel.telemetry_ms" env:"ACCEL_TELEMETRY_MS"`
	AccelSimDevices     int    `help:"Number of simulated accelerator devices" default:"1" toml:"accel.sim.devices" env:"ACCEL_SIM_DEVICES"`
	AccelSimBoard       string `help:"Simulated board name" default:"Hailo-8" toml:"accel.sim.board" env:"ACCEL_SIM_BOARD"`
	AccelSimDMA         bool   `help:"Whether the simulated device provides DMA buffers" default:"true" toml:"accel.sim.dma" env:"ACCEL_SIM_DMA"`
	AccelSimLatencyMs   int    `help:"Simulated inference latency in milliseconds" default:"2" toml:"accel.sim.latency_ms" env:"ACCEL_SIM_LATENCY_MS"`
	AccelSimTemperature int    `help:"Simulated chip temperature in Celsius" default:"42" toml:"accel.sim.temperature" env:"ACCEL_SIM_TEMPERATURE"`

	// Metrics settings
	MetricsAddr string `help:"Serve Prometheus metrics on this address while running (empty disables)" default:"" toml:"metrics.addr" env:"METRICS_ADDR"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"warn" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingCapture  string `help:"Capture logging level" default:"" toml:"logging.capture" env:"LOGGING_CAPTURE"`
	LoggingAccel    string `help:"Accelerator logging level" default:"" toml:"logging.accel" env:"LOGGING_ACCEL"`
	LoggingPipeline string `help:"Pipeline logging level" default:"" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingDevices  string `help:"Device discovery logging level" default:"" toml:"logging.devices" env:"LOGGING_DEVICES"`
	LoggingWatcher  string `help:"Config watcher logging level" default:"" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingMetrics  string `help:"Metrics logging level" default:"" toml:"logging.metrics" env:"LOGGING_METRICS"`
}

// DefaultOptions returns the values the flags default to.
func DefaultOptions() *Options {
	return &Options{
		Config:              "edgeprobe.toml",
		CaptureDevice:       "/dev/video0",
		CaptureWidth:        640,
		CaptureHeight:       480,
		CaptureBuffers:      4,
		CaptureFrames:       5,
		CaptureIntervalMs:   200,
		CaptureFormat:       "YUYV",
		CaptureBackend:      "v4l2",
		AccelBackend:        "sim",
		AccelTelemetryMs:    5000,
		AccelSimDevices:     1,
		AccelSimBoard:       "Hailo-8",
		AccelSimDMA:         true,
		AccelSimLatencyMs:   2,
		AccelSimTemperature: 42,
		LoggingLevel:        "warn",
		LoggingFormat:       "text",
	}
}

// LoggingConfig maps the logging options onto the logging package.
func (o *Options) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"capture":  o.LoggingCapture,
			"accel":    o.LoggingAccel,
			"pipeline": o.LoggingPipeline,
			"devices":  o.LoggingDevices,
			"config":   o.LoggingWatcher,
			"metrics":  o.LoggingMetrics,
		},
	}
}

func (o *Options) simConfig() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.Devices = o.AccelSimDevices
	if o.AccelSimBoard != "" {
		cfg.BoardName = o.AccelSimBoard
	}
	cfg.DMA = o.AccelSimDMA
	cfg.Latency = time.Duration(o.AccelSimLatencyMs) * time.Millisecond
	cfg.TS0 = float32(o.AccelSimTemperature) + 0.5
	cfg.TS1 = float32(o.AccelSimTemperature) + 1.25
	return cfg
}

func (o *Options) pipelineConfig(device string) pipeline.Config {
	return pipeline.Config{
		Device:         device,
		Width:          uint32(max(o.CaptureWidth, 0)),
		Height:         uint32(max(o.CaptureHeight, 0)),
		Frames:         max(o.CaptureFrames, 0),
		Interval:       millis(o.CaptureIntervalMs),
		CaptureTimeout: millis(o.CaptureTimeoutMs),
	}
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
