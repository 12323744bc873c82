package metrics

import (
	"github.com/smazurov/edgeprobe/internal/events"
)

// Subscribe feeds bus events into the collectors. The returned function
// removes every subscription.
func Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.FrameCapturedEvent) {
			RecordFrame(e.DevicePath, e.Size, e.Dropped, e.CaptureLatency)
		}),
		bus.Subscribe(func(e events.CaptureErrorEvent) {
			RecordCaptureError(e.DevicePath, e.Code)
		}),
		bus.Subscribe(func(e events.CaptureStateChangedEvent) {
			SetCaptureState(e.DevicePath, e.To)
		}),
		bus.Subscribe(func(e events.InferenceCompletedEvent) {
			RecordInference(e.NetworkGroup, e.Latency, e.Error != "")
		}),
		bus.Subscribe(func(e events.AccelTelemetryEvent) {
			SetChipTemperature(e.DeviceID, e.TS0, e.TS1)
			if e.PowerSampled {
				SetPower(e.DeviceID, e.PowerWatts)
			}
		}),
		bus.Subscribe(func(e events.LogEntryEvent) {
			RecordLogEntry(e.Level, e.Module)
		}),
	}

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
