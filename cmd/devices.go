package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/edgeprobe/internal/devices"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List V4L2 capture devices",
		Long: `Lists every V4L2 capture device with its stable ID, type, signal state and the pixel formats ` +
			`and frame sizes it offers. With --watch it keeps running and reports devices as they are plugged in or removed.`,
		Args: cobra.NoArgs,
		Run: humacli.WithOptions(func(c *cobra.Command, _ []string, opts *Options) {
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			code := run(c, opts, failureExit, func(a *app) error {
				return a.devices(ctx, watch)
			})
			stop()
			if code != 0 {
				os.Exit(code)
			}
		}),
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep running and report devices as they appear and disappear")
	return cmd
}

func (a *app) devices(ctx context.Context, watch bool) error {
	found, err := a.listDevices()
	if err != nil {
		a.errorf("Failed to list devices: %v\n", err)
		return err
	}
	a.printDevices(found)

	if !watch {
		return nil
	}
	return a.watchChanges(ctx)
}

func (a *app) printDevices(found []devices.Description) {
	if len(found) == 0 {
		a.println("No V4L2 devices found.")
		return
	}

	a.printf("Found %d V4L2 devices:\n", len(found))
	for i, d := range found {
		a.printDevice(i+1, d)
	}
}

func (a *app) printDevice(n int, d devices.Description) {
	a.printf("%d. Device Path: %s\n", n, d.Path)
	a.printf("   Device Name: %s\n", d.Name)
	a.printf("   Device ID: %s\n", d.ID)
	a.printf("   Type: %s, ready: %t, streaming: %t\n", d.Type, d.Ready, d.CanStream)
	if d.Signal != "" {
		a.printf("   Signal: %s\n", d.Signal)
	}
	for _, f := range d.Formats {
		name := f.Name
		if f.Emulated {
			name += " (emulated)"
		}
		a.printf("   %s %s\n", f.FourCC, name)
		if len(f.Resolutions) > 0 {
			sizes := make([]string, len(f.Resolutions))
			for j, r := range f.Resolutions {
				sizes[j] = r.String()
				if len(r.Framerates) > 0 {
					rates := make([]string, len(r.Framerates))
					for k, fps := range r.Framerates {
						rates[k] = strconv.FormatFloat(fps, 'f', -1, 64)
					}
					sizes[j] += "@" + strings.Join(rates, "/")
				}
			}
			a.printf("     %s\n", strings.Join(sizes, " "))
		}
	}
	a.println()
}

func (a *app) watchChanges(ctx context.Context) error {
	a.println("Watching for device changes (Ctrl+C to stop)...")
	err := a.watchDevices(ctx, func(ch devices.Change) {
		switch ch.Action {
		case devices.Added:
			a.printf("+ %s\n", ch.Path)
			found, err := a.listDevices()
			if err != nil {
				a.logger.Warn("Failed to list devices after hotplug", "error", err)
				return
			}
			for i, d := range found {
				if d.Path == ch.Path {
					a.printDevice(i+1, d)
				}
			}
		case devices.Removed:
			a.printf("- %s\n", ch.Path)
		}
	})
	if err != nil {
		a.errorf("Device watch failed: %v\n", err)
	}
	return err
}
