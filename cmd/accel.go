package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/events"
)

const (
	infoBufferSize   = 1 << 20
	simpleBufferSize = 1024
)

// CreateAccelInfoCmd creates the accel-info command.
func CreateAccelInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accel-info",
		Short: "Query every accelerator device",
		Long: `Creates the accelerator runtime and, for every physical device, prints its identity, ` +
			`chip temperature and power measurement support, then tries a 1 MiB DMA buffer. ` +
			`Exits with the runtime status code on failure.`,
		Args: cobra.NoArgs,
		Run: humacli.WithOptions(func(c *cobra.Command, _ []string, opts *Options) {
			if code := run(c, opts, statusExit, (*app).accelInfo); code != 0 {
				os.Exit(code)
			}
		}),
	}
}

// CreateAccelSimpleCmd creates the accel-simple command.
func CreateAccelSimpleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accel-simple",
		Short: "Minimal accelerator walkthrough",
		Long:  `Connects to the first accelerator device, prints its information and allocates a small buffer.`,
		Args:  cobra.NoArgs,
		Run: humacli.WithOptions(func(c *cobra.Command, _ []string, opts *Options) {
			if code := run(c, opts, failureExit, (*app).accelSimple); code != 0 {
				os.Exit(code)
			}
		}),
	}
}

// run executes fn with an app writing to the command's streams and maps its
// error to an exit code. fn narrates its own failures.
func run(c *cobra.Command, opts *Options, exit func(error) int, fn func(*app) error) int {
	a := newApp(opts, c.OutOrStdout(), c.ErrOrStderr())
	defer a.close()
	return exit(fn(a))
}

func (a *app) accelInfo() error {
	a.println("Accelerator Device Test")
	a.println("=======================")

	rt, err := a.newRuntime()
	if err != nil {
		a.errorf("Failed to create runtime, status: %s\n", statusText(err))
		return err
	}
	defer closeRuntime(a.logger, rt)
	a.println("\nRuntime created successfully!")

	devices, err := rt.Devices()
	if err != nil {
		a.errorf("Failed to get physical devices, status: %s\n", statusText(err))
		return err
	}
	a.printf("Found %d physical device(s)\n", len(devices))

	for _, dev := range devices {
		a.printDeviceInfo(dev)
		temp := a.printTemperature(dev)
		power := a.testPowerMeasurement(dev)
		a.publishTelemetry(dev, temp, power)
	}

	a.println("\n=== Memory Allocation Test ===")
	if buf, err := rt.AllocateBuffer(infoBufferSize, accel.StorageDMA); err == nil {
		a.println("Successfully allocated 1MB DMA buffer")
		a.printf("Buffer size: %d bytes\n", buf.Len())
	} else {
		a.logger.Debug("DMA allocation failed", "size", infoBufferSize, "error", err)
		a.println("Failed to allocate DMA buffer (non-critical)")
	}

	a.println("\n=== Test Completed Successfully ===")
	return nil
}

func (a *app) printDeviceInfo(dev accel.Device) {
	a.println("\n=== Accelerator Device Information ===")
	a.printf("Device ID: %s\n", dev.ID())
	if arch, err := dev.Architecture(); err == nil {
		a.printf("Architecture: %s\n", arch)
	}
	if id, err := dev.Identify(); err == nil {
		a.printf("Board Name: %s\n", id.BoardName)
		a.printf("Firmware Version: %s\n", id.Firmware)
		a.printf("Protocol Version: %d\n", id.ProtocolVersion)
	} else {
		a.logger.Warn("Identify failed", "device", dev.ID(), "error", err)
	}
}

func (a *app) printTemperature(dev accel.Device) *accel.Temperature {
	a.println("\n=== Temperature Reading ===")
	temp, err := dev.ChipTemperature()
	if err != nil {
		a.logger.Debug("Temperature reading failed", "device", dev.ID(), "error", err)
		a.println("Failed to read temperature")
		return nil
	}
	a.printf("Sample count: %d\n", temp.SampleCount)
	a.printf("TS0 temperature: %g°C\n", temp.TS0)
	a.printf("TS1 temperature: %g°C\n", temp.TS1)
	return &temp
}

func (a *app) testPowerMeasurement(dev accel.Device) *accel.Power {
	a.println("\n=== Power Measurement Test ===")
	if err := dev.EnablePowerMeasurement(); err != nil {
		a.logger.Debug("Power measurement unavailable", "device", dev.ID(), "error", err)
		a.println("Failed to enable power measurement (may not be supported)")
		return nil
	}
	a.println("Power measurement enabled successfully")

	p, err := dev.PowerMeasurement()
	if err != nil {
		a.logger.Debug("Power measurement failed", "device", dev.ID(), "error", err)
		a.println("Failed to read power measurement")
		return nil
	}
	a.println("Power measurement read successfully")
	a.printf("Power: %.2f W (min %.2f W, max %.2f W)\n", p.Average, p.Min, p.Max)
	return &p
}

func (a *app) publishTelemetry(dev accel.Device, temp *accel.Temperature, power *accel.Power) {
	if temp == nil {
		return
	}
	ev := events.AccelTelemetryEvent{
		DeviceID:  dev.ID(),
		TS0:       temp.TS0,
		TS1:       temp.TS1,
		Timestamp: time.Now(),
	}
	if power != nil {
		ev.PowerWatts = power.Average
		ev.PowerSampled = true
	}
	a.bus.Publish(ev)
}

func (a *app) accelSimple() error {
	a.println("Simple Accelerator Example")
	a.println("==========================")

	a.println("\n1. Creating runtime...")
	rt, err := a.newRuntime()
	if err != nil {
		a.errorf("Failed to create runtime: %s\n", statusText(err))
		return err
	}
	defer closeRuntime(a.logger, rt)
	a.println("✓ Runtime created successfully!")

	a.println("\n2. Getting physical devices...")
	devices, err := rt.Devices()
	if err != nil {
		a.errorf("Failed to get physical devices: %s\n", statusText(err))
		return err
	}
	if len(devices) == 0 {
		a.println("No accelerator devices found. Make sure:")
		a.println("- The accelerator is connected")
		a.println("- Its driver is loaded")
		a.println("- Device permissions are correct")
		return accel.NewError(accel.StatusOutOfPhysicalDevices, "devices", "no accelerator devices found")
	}
	a.printf("✓ Found %d device(s)\n", len(devices))

	a.println("\n3. Getting device information...")
	dev := devices[0]
	a.printf("Device ID: %s\n", dev.ID())
	if arch, err := dev.Architecture(); err == nil {
		a.printf("Architecture: %s\n", arch)
	}
	if id, err := dev.Identify(); err == nil {
		a.printf("Board Name: %s\n", id.BoardName)
		a.printf("Firmware Version: %s\n", id.Firmware)
	}

	a.println("\n4. Testing memory allocation...")
	buf, dmaErr := accel.AllocateWithFallback(rt, simpleBufferSize, simpleBufferSize)
	if dmaErr == nil {
		a.printf("✓ Successfully allocated %d byte DMA buffer\n", buf.Len())
	} else {
		a.logger.Debug("DMA allocation failed", "size", simpleBufferSize, "error", dmaErr)
		a.println("⚠ DMA buffer allocation failed (this is often normal)")
		a.println("  Trying regular buffer...")
		a.printf("✓ Successfully allocated %d byte regular buffer\n", buf.Len())
	}

	a.println("\n🎉 Example completed successfully!")
	a.println("\nNext steps:")
	a.println("- Run accel-info for temperature and power readings")
	a.println("- Run infer <model> to push a frame through a model")
	a.println("- Run camera-test to exercise camera capture with the accelerator")
	return nil
}

func statusText(err error) string {
	s := accel.StatusOf(err)
	return fmt.Sprintf("%d (%s)", int(s), s)
}
