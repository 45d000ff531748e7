// Package buildinfo reports what the running vcslog binary was built from.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var readBuildInfo = debug.ReadBuildInfo

// Info is the subset of the embedded build information vcslog prints.
type Info struct {
	Version   string
	Tags      string
	Revision  string
	Modified  bool
	GoVersion string
}

// Read returns the build information of the binary. Version is "dev" for
// builds outside a released module.
func Read() Info {
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return Info{Version: "dev"}
	}
	out := Info{Version: info.Main.Version, GoVersion: info.GoVersion}
	if out.Version == "" || out.Version == "(devel)" {
		out.Version = "dev"
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "-tags":
			out.Tags = setting.Value
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}
	return out
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if i.Revision != "" {
		rev := i.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if i.Modified {
			rev += "-dirty"
		}
		fmt.Fprintf(&b, " (%s)", rev)
	}
	if i.Tags != "" {
		fmt.Fprintf(&b, " (tags: %s)", i.Tags)
	}
	if i.GoVersion != "" {
		fmt.Fprintf(&b, " %s", i.GoVersion)
	}
	return b.String()
}

// VersionWithTags returns the version line printed by `vcslog version`.
func VersionWithTags() string {
	return Read().String()
}
