// Package extension defines the public contracts of the extension host.
//
// An extension is a unit of pluggable behavior shipped inside an installable
// package. The host discovers extensions through a Catalog, hosts their content
// in a RuntimeHost, and may call out to a package-provided service through a
// ServiceBridge instead. Both transports produce Artifacts that land in a
// single ArtifactSink.
//
// Concrete implementations live under internal/: the filesystem catalog, the
// goja script host, and the go-plugin service bridge.
package extension

import (
	"context"
	"io/fs"
)

// PropertySet is the untyped property bag declared in a package manifest.
// Values are strings, numbers, bools, nested PropertySets or lists.
type PropertySet map[string]any

// ValueSet is a request or response message exchanged with an
// out-of-process service.
type ValueSet map[string]any

// Recognized ValueSet keys.
const (
	KeyCommand = "Command"
	KeyPixels  = "Pixels"
	KeyHeight  = "Height"
	KeyWidth   = "Width"
)

// Package is a deployed unit bundling one or more extensions.
type Package interface {
	// FamilyName is stable across versions of the same package.
	FamilyName() string
	// FullName identifies one installed version.
	FullName() string
	// Version is the installed package version.
	Version() string
	// Status reports the current platform status of the package.
	Status() PackageStatus
	// SignatureKind reports how the package was signed.
	SignatureKind() SignatureKind
}

// SignatureKind describes the provenance of a package signature.
type SignatureKind int

const (
	SignatureNone SignatureKind = iota
	SignatureDeveloper
	SignatureTrusted
)

func (k SignatureKind) String() string {
	switch k {
	case SignatureDeveloper:
		return "developer"
	case SignatureTrusted:
		return "trusted"
	default:
		return "none"
	}
}

// DisplayInfo carries presentation metadata for an extension.
type DisplayInfo struct {
	DisplayName string
	Description string
	// Logo opens the package logo. It may be nil when the package has none.
	Logo func(ctx context.Context) ([]byte, error)
}

// CatalogExtension is one extension as reported by the catalog.
type CatalogExtension interface {
	// AppUserModelID identifies the application that declares the extension.
	AppUserModelID() string
	// ID is the extension id, unique within its declaring application.
	ID() string
	Package() Package
	DisplayInfo() DisplayInfo
	// Properties reads the manifest property bag.
	Properties(ctx context.Context) (PropertySet, error)
	// PublicFolder opens the folder the package exposes to the host.
	PublicFolder(ctx context.Context) (fs.FS, error)
}

// Catalog tracks installed packages implementing a contract.
type Catalog interface {
	// Contract is the extension contract name the catalog was opened for.
	Contract() string
	// FindAll enumerates every installed extension implementing the contract.
	FindAll(ctx context.Context) ([]CatalogExtension, error)
	// Subscribe registers fn for lifecycle events. Events may be delivered on
	// any goroutine. The returned func removes the subscription.
	Subscribe(fn func(Event)) (unsubscribe func())
	// RequestRemovePackage asks the catalog to uninstall a package. Removal is
	// reported through an EventUninstalling event.
	RequestRemovePackage(ctx context.Context, fullName string) error
}

// EventKind enumerates catalog lifecycle events.
type EventKind int

const (
	EventInstalled EventKind = iota
	EventUpdated
	EventUpdating
	EventUninstalling
	EventStatusChanged
)

func (k EventKind) String() string {
	switch k {
	case EventInstalled:
		return "installed"
	case EventUpdated:
		return "updated"
	case EventUpdating:
		return "updating"
	case EventUninstalling:
		return "uninstalling"
	case EventStatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// Event is a catalog lifecycle notification. Extensions is populated for
// EventInstalled and EventUpdated only.
type Event struct {
	Kind       EventKind
	Package    Package
	Extensions []CatalogExtension
}

// RuntimeHost is an in-process sandbox hosting an extension document.
type RuntimeHost interface {
	// HostDocument replaces the hosted content. An empty string blanks the
	// host and releases whatever the previous document held.
	HostDocument(content string) error
	// InvokeFunction calls a named function of the hosted document.
	InvokeFunction(ctx context.Context, name string, args ...string) error
	// OnNotify registers the callback for values the document sends back.
	OnNotify(fn func(value string))
}

// ServiceBridge opens request/response channels to package services.
type ServiceBridge interface {
	Open(ctx context.Context, serviceName, packageFamilyName string) (ServiceConnection, error)
}

// ServiceConnection is one open channel to a service. It must be closed
// before the caller returns.
type ServiceConnection interface {
	Send(ctx context.Context, request ValueSet) (*ServiceResponse, error)
	Close() error
}

// ResponseStatus is the transport status of a service response.
type ResponseStatus int

const (
	ResponseSuccess ResponseStatus = iota
	ResponseFailure
	ResponseResourceLimited
	ResponseUnknown
)

func (s ResponseStatus) String() string {
	switch s {
	case ResponseSuccess:
		return "success"
	case ResponseFailure:
		return "failure"
	case ResponseResourceLimited:
		return "resource_limited"
	default:
		return "unknown"
	}
}

// ServiceResponse is the reply to a ServiceConnection.Send.
type ServiceResponse struct {
	Status  ResponseStatus
	Message ValueSet
}

// Artifact is the working image shared between the host and extensions.
// Pixels are BGRA8, row-major.
type Artifact struct {
	Pixels []byte
	Width  int
	Height int
}

// ArtifactSink owns the current artifact.
type ArtifactSink interface {
	CurrentArtifact() (Artifact, bool)
	SetCurrentArtifact(Artifact)
}
