//go:build linux

package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/smazurov/edgeprobe/internal/logging"
	"github.com/smazurov/edgeprobe/pkg/linuxav/hotplug"
	"github.com/smazurov/edgeprobe/pkg/linuxav/v4l2"
)

// List returns every capture device with its formats. A device whose
// formats cannot be read is still listed.
func List() ([]Description, error) {
	logger := logging.GetLogger("devices")

	found, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}

	out := make([]Description, 0, len(found))
	for _, d := range found {
		status := v4l2.GetDeviceStatus(d.DevicePath)
		desc := Description{
			Path:      d.DevicePath,
			Name:      d.DeviceName,
			ID:        d.DeviceID,
			Type:      status.DeviceType.String(),
			Ready:     status.Ready,
			CanStream: d.Caps&v4l2.CapStreaming != 0,
		}
		if status.DeviceType == v4l2.DeviceTypeHDMI {
			desc.Signal = signalText(v4l2.GetDVTimings(d.DevicePath))
		}
		desc.Formats = listFormats(logger, d.DevicePath)
		out = append(out, desc)
	}
	return out, nil
}

func listFormats(logger *slog.Logger, path string) []Format {
	formats, err := v4l2.GetFormats(path)
	if err != nil {
		logger.Warn("Failed to enumerate formats", "device", path, "error", err)
		return nil
	}

	out := make([]Format, 0, len(formats))
	for _, f := range formats {
		format := Format{
			FourCC:   v4l2.FormatFourCC(f.PixelFormat),
			Name:     f.FormatName,
			Emulated: f.Emulated,
		}
		resolutions, err := v4l2.GetResolutions(path, f.PixelFormat)
		if err != nil {
			logger.Debug("Failed to enumerate frame sizes", "device", path, "format", format.FourCC, "error", err)
		}
		for _, r := range resolutions {
			res := Resolution{Width: r.Width, Height: r.Height}
			rates, err := v4l2.GetFramerates(path, f.PixelFormat, r.Width, r.Height)
			if err != nil {
				logger.Debug("Failed to enumerate frame intervals", "device", path, "format", format.FourCC, "size", res.String(), "error", err)
			}
			for _, fr := range rates {
				if fps := fr.FPS(); fps > 0 {
					res.Framerates = append(res.Framerates, fps)
				}
			}
			format.Resolutions = append(format.Resolutions, res)
		}
		out = append(out, format)
	}
	return out
}

func signalText(s v4l2.SignalStatus) string {
	if s.State != v4l2.SignalStateLocked {
		return s.State.String()
	}
	scan := ""
	if s.Interlaced {
		scan = "i"
	}
	return fmt.Sprintf("locked %dx%d%s@%s", s.Width, s.Height, scan, strconv.FormatFloat(s.FPS, 'f', 2, 64))
}

func lookupDeviceID(id string) (string, error) {
	return v4l2.GetDevicePathByID(id)
}

// Watch calls fn for every video4linux device node added or removed until
// ctx is done. It returns nil on cancellation.
func Watch(ctx context.Context, fn func(Change)) error {
	logger := logging.GetLogger("devices")

	mon, err := hotplug.NewMonitor(hotplug.SubsystemVideo4Linux)
	if err != nil {
		return err
	}
	defer mon.Close()

	logger.Info("Watching for capture devices")
	err = mon.Run(ctx, func(ev hotplug.Event) {
		change, ok := changeFromEvent(ev)
		if !ok {
			return
		}
		logger.Debug("Device change", "action", change.Action, "path", change.Path)
		fn(change)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func changeFromEvent(ev hotplug.Event) (Change, bool) {
	node := ev.Node()
	if node == "" {
		return Change{}, false
	}
	switch ev.Action {
	case hotplug.ActionAdd:
		return Change{Action: Added, Path: node}, true
	case hotplug.ActionRemove:
		return Change{Action: Removed, Path: node}, true
	}
	return Change{}, false
}
