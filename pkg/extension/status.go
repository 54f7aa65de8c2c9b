package extension

import "strings"

// PackageStatus is a snapshot of platform status flags for a package.
// The zero value means the package is usable.
type PackageStatus uint32

// Package status flags.
const (
	StatusPackageOffline PackageStatus = 1 << iota
	StatusDataOffline
	StatusServicing
	StatusDeploymentInProgress
	StatusDisabled
	StatusLicenseIssue
	StatusModified
	StatusTampered
	StatusNeedsRemediation
	StatusNotAvailable
	StatusDependencyIssue
)

var statusNames = []struct {
	flag PackageStatus
	name string
}{
	{StatusPackageOffline, "package_offline"},
	{StatusDataOffline, "data_offline"},
	{StatusServicing, "servicing"},
	{StatusDeploymentInProgress, "deployment_in_progress"},
	{StatusDisabled, "disabled"},
	{StatusLicenseIssue, "license_issue"},
	{StatusModified, "modified"},
	{StatusTampered, "tampered"},
	{StatusNeedsRemediation, "needs_remediation"},
	{StatusNotAvailable, "not_available"},
	{StatusDependencyIssue, "dependency_issue"},
}

// OK reports whether no problem flag is set.
func (s PackageStatus) OK() bool { return s == 0 }

// Offline reports whether the package or its data volume is unavailable.
func (s PackageStatus) Offline() bool {
	return s&(StatusPackageOffline|StatusDataOffline) != 0
}

// Servicing reports whether the package is being serviced.
func (s PackageStatus) Servicing() bool { return s&StatusServicing != 0 }

// DeploymentInProgress reports whether a deployment is running.
func (s PackageStatus) DeploymentInProgress() bool {
	return s&StatusDeploymentInProgress != 0
}

// Has reports whether every flag in f is set.
func (s PackageStatus) Has(f PackageStatus) bool { return s&f == f }

func (s PackageStatus) String() string {
	if s.OK() {
		return "ok"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseStatusFlag maps a flag name as printed by String back to its flag.
func ParseStatusFlag(name string) (PackageStatus, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range statusNames {
		if n.name == name {
			return n.flag, true
		}
	}
	return 0, false
}
