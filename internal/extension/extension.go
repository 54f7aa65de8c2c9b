package extension

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/goatkit/extensionhost/internal/artifact"
	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// Script entry points called by InvokeLoad and InvokeUpdate.
const (
	FuncExtensionLoad   = "extensionLoad"
	FuncExtensionUpdate = "extensionUpdate"
)

// Service commands sent by InvokeLoad and InvokeUpdate.
const (
	CommandLoad   = "Load"
	CommandUpdate = "Update"
)

// UniqueID returns the registry identity of a catalog extension.
func UniqueID(ce pkgext.CatalogExtension) string {
	return ce.AppUserModelID() + "!" + ce.ID()
}

// Extension is one discovered extension and its enable/load state.
//
// Enabled is user intent. Loaded means the RuntimeHost currently hosts the
// entry document. Offline marks an extension that was unloaded because its
// package became unavailable rather than because the user disabled it.
type Extension struct {
	// mu serializes load/unload sequences and guards the fields below.
	mu sync.Mutex

	uniqueID string

	source  pkgext.CatalogExtension
	pkg     pkgext.Package
	info    ManifestInfo
	mode    InvocationMode
	display pkgext.DisplayInfo
	logo    []byte

	enabled bool
	loaded  bool
	offline bool
	closed  bool

	host     pkgext.RuntimeHost
	bridge   pkgext.ServiceBridge
	sink     pkgext.ArtifactSink
	logger   *slog.Logger
	metrics  *hostMetrics
	inflight sync.WaitGroup
}

// env carries the collaborators shared by all extensions of a manager.
type env struct {
	bridge  pkgext.ServiceBridge
	sink    pkgext.ArtifactSink
	logger  *slog.Logger
	metrics *hostMetrics
}

func newExtension(ce pkgext.CatalogExtension, props pkgext.PropertySet, logo []byte, host pkgext.RuntimeHost, en env) *Extension {
	id := UniqueID(ce)
	logger := en.logger
	if logger == nil {
		logger = slog.Default()
	}
	info := ParseManifest(props)
	e := &Extension{
		uniqueID: id,
		source:   ce,
		pkg:      ce.Package(),
		info:     info,
		mode:     info.Mode(),
		display:  ce.DisplayInfo(),
		logo:     logo,
		host:     host,
		bridge:   en.bridge,
		sink:     en.sink,
		logger:   logger.With("extension", id),
		metrics:  en.metrics,
	}
	if host != nil {
		host.OnNotify(e.handleNotify)
	}
	return e
}

// UniqueID returns the immutable registry identity.
func (e *Extension) UniqueID() string { return e.uniqueID }

// Enabled reports user intent.
func (e *Extension) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Loaded reports whether the entry document is hosted.
func (e *Extension) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Offline reports whether the extension was unloaded because its package
// became unavailable.
func (e *Extension) Offline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offline
}

// Visible mirrors Loaded for presentation layers.
func (e *Extension) Visible() bool { return e.Loaded() }

// State summarizes the flags.
func (e *Extension) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Extension) stateLocked() State {
	switch {
	case e.loaded:
		return StateLoaded
	case !e.enabled:
		return StateDisabled
	case e.offline:
		return StateOffline
	default:
		return StateEnabled
	}
}

// Mode returns the current invocation mode.
func (e *Extension) Mode() InvocationMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Info returns the parsed manifest.
func (e *Extension) Info() ManifestInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// Logo returns the logo bytes, possibly empty.
func (e *Extension) Logo() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logo
}

// Package returns the backing package.
func (e *Extension) Package() pkgext.Package {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pkg
}

// setPackage rebinds the extension to a newer snapshot of its package.
// Packages of another family are ignored.
func (e *Extension) setPackage(p pkgext.Package) {
	if p == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pkg.FamilyName() == p.FamilyName() {
		e.pkg = p
	}
}

// Source returns the catalog entry the extension was last built from.
func (e *Extension) Source() pkgext.CatalogExtension {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

// Enable records the intent to run the extension and tries to load it.
func (e *Extension) Enable(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
	return e.loadLocked(ctx)
}

// Disable clears the intent to run the extension and unloads it.
func (e *Extension) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.enabled = false
	e.unloadLocked()
}

// Load hosts the entry document if the extension is enabled, not loaded and
// its package is OK. Otherwise it does nothing. A fetch failure leaves the
// extension unloaded and is returned wrapped in ErrContentFetch.
func (e *Extension) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

func (e *Extension) loadLocked(ctx context.Context) error {
	if e.closed || !e.enabled || e.loaded {
		return nil
	}
	if !e.pkg.Status().OK() {
		return nil
	}

	content, err := e.fetchContent(ctx)
	if err != nil {
		e.logger.Debug("extension content unavailable", "error", err)
		e.metrics.recordLoad("fetch_error")
		return err
	}
	if e.host == nil {
		e.metrics.recordLoad("no_host")
		return fmt.Errorf("%w: no runtime host", ErrContentFetch)
	}
	if err := e.host.HostDocument(content); err != nil {
		e.logger.Warn("runtime host rejected document", "error", err)
		e.metrics.recordLoad("host_error")
		return fmt.Errorf("%w: host document: %w", ErrContentFetch, err)
	}

	e.loaded = true
	e.offline = false
	e.metrics.recordLoad("ok")
	e.logger.Info("extension loaded", "entry", e.info.EntryDocument())
	return nil
}

func (e *Extension) fetchContent(ctx context.Context) (string, error) {
	folder, err := e.source.PublicFolder(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: public folder: %w", ErrContentFetch, err)
	}
	if folder == nil {
		return "", fmt.Errorf("%w: package has no public folder", ErrContentFetch)
	}
	data, err := fs.ReadFile(folder, e.info.EntryDocument())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrContentFetch, err)
	}
	return string(data), nil
}

// Unload blanks the runtime host. It is a no-op when not loaded.
func (e *Extension) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked()
}

func (e *Extension) unloadLocked() {
	if !e.loaded {
		return
	}
	if e.host != nil {
		if err := e.host.HostDocument(""); err != nil {
			e.logger.Warn("failed to blank runtime host", "error", err)
		}
	}
	e.offline = !e.pkg.Status().OK()
	e.loaded = false
	e.logger.Info("extension unloaded", "offline", e.offline)
}

// close unloads the extension for good. Later loads and invocations are
// refused, so Wait afterwards observes every script call that was started.
func (e *Extension) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.unloadLocked()
}

// Update refreshes the extension from a newer catalog entry and loads it if
// enabled. It reports false without changes when ce has a different id.
func (e *Extension) Update(ctx context.Context, ce pkgext.CatalogExtension) (bool, error) {
	if UniqueID(ce) != e.uniqueID {
		e.logger.Warn("ignoring update with mismatched id", "got", UniqueID(ce))
		return false, nil
	}

	props, err := readProperties(ctx, ce)
	if err != nil {
		e.logger.Debug("manifest unreadable, using empty properties", "error", err)
	}
	logo := readLogo(ctx, ce, e.logger)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = ce
	e.pkg = ce.Package()
	e.info = ParseManifest(props)
	e.mode = e.info.Mode()
	e.display = ce.DisplayInfo()
	e.logo = logo
	return true, e.loadLocked(ctx)
}

// InvokeLoad sends payload to the extension's load entry point.
func (e *Extension) InvokeLoad(ctx context.Context, payload string) error {
	return e.invoke(ctx, FuncExtensionLoad, CommandLoad, payload)
}

// InvokeUpdate sends payload to the extension's update entry point.
func (e *Extension) InvokeUpdate(ctx context.Context, payload string) error {
	return e.invoke(ctx, FuncExtensionUpdate, CommandUpdate, payload)
}

func (e *Extension) invoke(ctx context.Context, fn, command, payload string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	loaded, mode := e.loaded, e.mode
	family := e.pkg.FamilyName()
	_, isService := mode.(ServiceMode)
	script := loaded && !isService && e.host != nil
	if script {
		// Registered under mu so close cannot slip in before Add.
		e.inflight.Add(1)
	}
	e.mu.Unlock()

	if !loaded {
		e.logger.Debug("invoke skipped, extension not loaded", "function", fn)
		return nil
	}

	switch m := mode.(type) {
	case ServiceMode:
		err := e.invokeService(ctx, m.Name, family, command)
		e.metrics.recordInvocation("service", err)
		return err
	default:
		if script {
			e.invokeScript(ctx, fn, payload)
		}
		return nil
	}
}

// invokeScript is fire-and-forget; failures are logged and dropped. The
// caller has already added the call to inflight.
func (e *Extension) invokeScript(ctx context.Context, fn, payload string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.inflight.Done()
		err := e.host.InvokeFunction(ctx, fn, payload)
		if err != nil {
			e.logger.Debug("script invocation failed", "function", fn, "error", err)
		}
		e.metrics.recordInvocation("script", err)
	}()
}

func (e *Extension) invokeService(ctx context.Context, service, family, command string) error {
	if e.bridge == nil {
		return fmt.Errorf("%w: no service bridge configured", ErrServiceConnection)
	}
	conn, err := e.bridge.Open(ctx, service, family)
	if err != nil {
		e.logger.Warn("service connection failed", "service", service, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrServiceConnection, service, err)
	}
	defer conn.Close()

	request := pkgext.ValueSet{pkgext.KeyCommand: command}
	if e.sink != nil {
		if current, ok := e.sink.CurrentArtifact(); ok {
			request[pkgext.KeyPixels] = current.Pixels
			request[pkgext.KeyHeight] = current.Height
			request[pkgext.KeyWidth] = current.Width
		}
	}

	resp, err := conn.Send(ctx, request)
	if err != nil {
		return fmt.Errorf("%w: send: %w", ErrServiceResponse, err)
	}
	if resp == nil || resp.Status != pkgext.ResponseSuccess {
		status := pkgext.ResponseUnknown
		if resp != nil {
			status = resp.Status
		}
		return fmt.Errorf("%w: status %s", ErrServiceResponse, status)
	}
	result, err := artifactFromMessage(resp.Message)
	if err != nil {
		return err
	}
	if e.sink != nil {
		e.sink.SetCurrentArtifact(result)
	}
	return nil
}

func artifactFromMessage(msg pkgext.ValueSet) (pkgext.Artifact, error) {
	pixels, ok := msg[pkgext.KeyPixels].([]byte)
	if !ok {
		return pkgext.Artifact{}, fmt.Errorf("%w: missing %s", ErrServiceResponse, pkgext.KeyPixels)
	}
	height, ok := toInt(msg[pkgext.KeyHeight])
	if !ok {
		return pkgext.Artifact{}, fmt.Errorf("%w: missing %s", ErrServiceResponse, pkgext.KeyHeight)
	}
	width, ok := toInt(msg[pkgext.KeyWidth])
	if !ok {
		return pkgext.Artifact{}, fmt.Errorf("%w: missing %s", ErrServiceResponse, pkgext.KeyWidth)
	}
	if width <= 0 || height <= 0 || len(pixels) != width*height*4 {
		return pkgext.Artifact{}, fmt.Errorf("%w: %d pixel bytes for %dx%d", ErrServiceResponse, len(pixels), width, height)
	}
	return pkgext.Artifact{Pixels: pixels, Width: width, Height: height}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// handleNotify receives values the hosted document sends back.
func (e *Extension) handleNotify(value string) {
	if !e.Loaded() || e.sink == nil {
		return
	}
	a, err := artifact.DecodeString(value)
	if err != nil {
		e.logger.Debug("dropping undecodable notify payload", "error", err)
		return
	}
	e.sink.SetCurrentArtifact(a)
}

// Wait blocks until in-flight script invocations have returned.
func (e *Extension) Wait() {
	e.inflight.Wait()
}

// Snapshot is a point-in-time, serializable view of an extension.
type Snapshot struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	Package     string `json:"package"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	State       string `json:"state"`
	Enabled     bool   `json:"enabled"`
	Loaded      bool   `json:"loaded"`
	Offline     bool   `json:"offline"`
	HasLogo     bool   `json:"has_logo"`
}

// Snapshot returns the current view of the extension.
func (e *Extension) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	pkg := e.pkg
	name := e.info.DisplayName
	if name == "" {
		name = e.display.DisplayName
	}
	desc := e.info.Description
	if desc == "" {
		desc = e.display.Description
	}
	return Snapshot{
		ID:          e.uniqueID,
		DisplayName: name,
		Description: desc,
		Package:     pkg.FamilyName(),
		Version:     pkg.Version(),
		Status:      pkg.Status().String(),
		Mode:        e.mode.String(),
		State:       e.stateLocked().String(),
		Enabled:     e.enabled,
		Loaded:      e.loaded,
		Offline:     e.offline,
		HasLogo:     len(e.logo) > 0,
	}
}

func readProperties(ctx context.Context, ce pkgext.CatalogExtension) (pkgext.PropertySet, error) {
	props, err := ce.Properties(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestRead, err)
	}
	return props, nil
}

func readLogo(ctx context.Context, ce pkgext.CatalogExtension, logger *slog.Logger) []byte {
	open := ce.DisplayInfo().Logo
	if open == nil {
		return nil
	}
	logo, err := open(ctx)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Debug("logo unavailable", "error", err)
		}
		return nil
	}
	return logo
}
