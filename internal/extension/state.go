package extension

import (
	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// State summarizes the enable/load flags of an extension.
type State int

// Extension states.
const (
	// StateDisabled - the user has not enabled the extension.
	StateDisabled State = iota

	// StateEnabled - enabled, content not hosted.
	StateEnabled

	// StateLoaded - enabled and content hosted.
	StateLoaded

	// StateOffline - enabled but unloaded because the backing package became unavailable.
	StateOffline
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateLoaded:
		return "loaded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// StatusClass buckets a package status by how the manager reacts to it.
type StatusClass int

const (
	// ClassOK - extensions may be loaded.
	ClassOK StatusClass = iota
	// ClassOffline - unload, keep registered.
	ClassOffline
	// ClassTransient - servicing or deploying; wait for a follow-up event.
	ClassTransient
	// ClassFatal - corrupt, invalid or untrusted; remove.
	ClassFatal
)

func (c StatusClass) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassOffline:
		return "offline"
	case ClassTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// statusRules is evaluated in order; the first rule whose mask intersects
// the status wins. A status matching no rule is fatal.
var statusRules = []struct {
	mask  pkgext.PackageStatus
	class StatusClass
}{
	{pkgext.StatusPackageOffline | pkgext.StatusDataOffline, ClassOffline},
	{pkgext.StatusServicing | pkgext.StatusDeploymentInProgress, ClassTransient},
}

// Classify maps a package status to its StatusClass.
func Classify(s pkgext.PackageStatus) StatusClass {
	if s.OK() {
		return ClassOK
	}
	for _, r := range statusRules {
		if s&r.mask != 0 {
			return r.class
		}
	}
	return ClassFatal
}
