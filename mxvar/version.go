// Package mxvar holds build-time variables of sendmx, and helpers shared by
// packages that open databases.
package mxvar

import (
	"runtime/debug"
)

// Version of the sendmx build, from the module version, or the vcs revision for
// development builds. "(devel)" if unknown.
var Version = "(devel)"

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
		return
	}
	settings := map[string]string{}
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return
	}
	Version = rev
	switch settings["vcs.modified"] {
	case "false":
	case "true":
		Version += "+modifications"
	default:
		Version += "+unknown"
	}
}
