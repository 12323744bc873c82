// Package version reports build metadata for the edgeprobe binary.
package version

import (
	"runtime"
	"runtime/debug"
)

// Set via -ldflags "-X github.com/smazurov/edgeprobe/internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	BuildID   = "unknown"
)

// Info contains version and build metadata.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	BuildID   string `json:"build_id"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Compiler  string `json:"compiler"`
	Platform  string `json:"platform"`
}

// Get returns build information. Values not stamped by ldflags fall back
// to what the Go toolchain embedded (module version, VCS revision and time).
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		BuildID:   BuildID,
		GoVersion: runtime.Version(),
		Compiler:  runtime.Compiler,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fillFromBuildInfo(bi)
	}
	return info
}

func (i *Info) fillFromBuildInfo(bi *debug.BuildInfo) {
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.GitCommit == "unknown" {
				i.GitCommit = s.Value
				if len(i.GitCommit) > 12 {
					i.GitCommit = i.GitCommit[:12]
				}
			}
		case "vcs.time":
			if i.BuildDate == "unknown" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
}

// Short renders "1.2.3 (abc123)", with a "+dirty" suffix on modified trees.
func (i Info) Short() string {
	s := i.Version
	if i.GitCommit != "" && i.GitCommit != "unknown" {
		s += " (" + i.GitCommit
		if i.Modified {
			s += "+dirty"
		}
		s += ")"
	}
	return s
}

// String returns the version string shown by --version.
func String() string {
	return Get().Short()
}
