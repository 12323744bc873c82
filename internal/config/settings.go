package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// CaptureSettings are the values camera-test picks up again while it runs.
type CaptureSettings struct {
	// IntervalMs is nil when the file does not set it.
	IntervalMs *int `toml:"interval_ms"`
}

// Interval returns the configured pause between frames and whether the
// file sets one. Negative values are treated as zero.
func (s CaptureSettings) Interval() (time.Duration, bool) {
	if s.IntervalMs == nil {
		return 0, false
	}
	if *s.IntervalMs <= 0 {
		return 0, true
	}
	return time.Duration(*s.IntervalMs) * time.Millisecond, true
}

// LoadCaptureSettings reads the [capture] table of a config file. It is the
// loader used for hot reload, so unlike LoadLoggingConfig it reports errors.
func LoadCaptureSettings(path string) (CaptureSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CaptureSettings{}, err
	}

	var file struct {
		Capture CaptureSettings `toml:"capture"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return CaptureSettings{}, fmt.Errorf("failed to parse capture settings: %w", err)
	}
	if ms := file.Capture.IntervalMs; ms != nil && *ms < 0 {
		return CaptureSettings{}, fmt.Errorf("capture.interval_ms must not be negative, got %d", *ms)
	}
	return file.Capture, nil
}
