// Package collectors polls hardware for values that are not pushed as
// events by the code paths that use it.
package collectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/events"
	"github.com/smazurov/edgeprobe/internal/logging"
)

// DefaultTelemetryInterval is the polling period used when none is given.
const DefaultTelemetryInterval = 5 * time.Second

// TelemetryCollector samples chip temperature and power of accelerator
// devices and publishes them as AccelTelemetryEvent.
type TelemetryCollector struct {
	logger   *slog.Logger
	devices  []accel.Device
	bus      *events.Bus
	interval time.Duration

	// power is enabled lazily per device; unsupported devices are skipped.
	power map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryCollector creates a collector for devices.
func NewTelemetryCollector(bus *events.Bus, devices []accel.Device, interval time.Duration) *TelemetryCollector {
	if interval <= 0 {
		interval = DefaultTelemetryInterval
	}
	return &TelemetryCollector{
		logger:   logging.GetLogger("accel"),
		devices:  devices,
		bus:      bus,
		interval: interval,
		power:    make(map[string]bool),
	}
}

// Start samples once immediately and then every interval until Stop or
// ctx is done.
func (c *TelemetryCollector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, dev := range c.devices {
		if err := dev.EnablePowerMeasurement(); err != nil {
			c.logger.Debug("Power measurement unavailable", "device", dev.ID(), "error", err)
			continue
		}
		c.power[dev.ID()] = true
	}

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop stops the collector and waits for the polling loop to exit.
func (c *TelemetryCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *TelemetryCollector) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Debug("Starting accelerator telemetry collection", "devices", len(c.devices), "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample of every device.
func (c *TelemetryCollector) Collect() {
	for _, dev := range c.devices {
		temp, err := dev.ChipTemperature()
		if err != nil {
			c.logger.Warn("Failed to read chip temperature", "device", dev.ID(), "error", err)
			continue
		}

		ev := events.AccelTelemetryEvent{
			DeviceID:  dev.ID(),
			TS0:       temp.TS0,
			TS1:       temp.TS1,
			Timestamp: time.Now(),
		}
		if c.power[dev.ID()] {
			if p, err := dev.PowerMeasurement(); err == nil {
				ev.PowerWatts = p.Average
				ev.PowerSampled = true
			} else {
				c.logger.Warn("Failed to read power", "device", dev.ID(), "error", err)
			}
		}
		c.bus.Publish(ev)
	}
}
