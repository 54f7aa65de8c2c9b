package extension

import "errors"

// Extension host errors.
var (
	// ErrNotInitialized is returned when the manager is used before Initialize.
	ErrNotInitialized = errors.New("extension manager is not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("extension manager is already initialized")

	// ErrClosed is returned when the manager has been closed.
	ErrClosed = errors.New("extension manager is closed")

	// ErrUntrustedPackage is returned when a package fails the status or trust check.
	ErrUntrustedPackage = errors.New("package is not trusted")

	// ErrManifestRead is returned when the manifest property bag cannot be read.
	ErrManifestRead = errors.New("manifest read failed")

	// ErrContentFetch is returned when the entry document cannot be fetched.
	ErrContentFetch = errors.New("extension content fetch failed")

	// ErrServiceConnection is returned when a service connection cannot be opened.
	ErrServiceConnection = errors.New("service connection failed")

	// ErrServiceResponse is returned when a service reply is unusable.
	ErrServiceResponse = errors.New("service response invalid")

	// ErrExtensionNotFound is returned when no registry entry has the given id.
	ErrExtensionNotFound = errors.New("extension not found")
)
