package version

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "pkt.systems/voicelease"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/voicelease/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
}

var (
	readOnce sync.Once
	current  Info
)

// Read returns the build description, computed once per process.
func Read() Info {
	readOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		current = fromBuildInfo(info, buildVersion)
	})
	return current
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the module path from build info when available.
func Module() string { return Read().Module }

// UserAgent returns the User-Agent value sent by the client SDK.
func UserAgent() string {
	return "voicelease-client/" + Current()
}

// String renders "<module> <version>", plus the revision when it is not
// already part of the version.
func (i Info) String() string {
	out := i.Module + " " + i.Version
	if i.Revision != "" && !strings.Contains(i.Version, shortRevision(i.Revision)) {
		out += " (" + shortRevision(i.Revision) + ")"
	}
	return out
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: unknownVersion}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					out.Time = ts.UTC()
				}
			case "vcs.modified":
				out.Dirty = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = "v0.0.0-" + out.Time.Format("20060102150405") + "-" + shortRevision(out.Revision)
		if out.Dirty {
			out.Version += "+dirty"
		}
	}
	return out
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
