// Package extension implements the extension registry and the per-extension
// enable/load state machine.
//
// A Manager subscribes to a catalog, re-posts every catalog event onto a
// single registry goroutine, and maps catalog extensions to Extension values
// keyed by unique id. Extensions bind either to an in-process RuntimeHost or
// to an out-of-process service, chosen from their manifest.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// Manager owns the extension registry for one contract.
type Manager struct {
	contract string
	catalog  pkgext.Catalog
	opts     options
	logger   *slog.Logger
	metrics  *hostMetrics

	loop *dispatcher
	reg  *registry

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	lifecycleMu sync.Mutex
	unsubscribe func()
	cron        *cron.Cron
	ownCron     bool
	rescanID    cron.EntryID
}

// NewManager creates a manager for contract backed by catalog. Call
// Initialize before using it.
func NewManager(contract string, catalog pkgext.Catalog, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var metrics *hostMetrics
	if o.Metrics {
		metrics = globalHostMetrics()
	}
	logger := o.Logger.With("contract", contract)
	m := &Manager{
		contract:  contract,
		catalog:   catalog,
		opts:      o,
		logger:    logger,
		metrics:   metrics,
		loop:      newDispatcher(logger, metrics),
		observers: make(map[uint64]Observer),
	}
	m.reg = newRegistry(m.broadcast)
	return m
}

// Contract returns the contract name the manager serves.
func (m *Manager) Contract() string { return m.contract }

// Initialize starts the registry goroutine, subscribes to catalog events and
// performs the initial discovery. It returns ErrAlreadyInitialized when
// called twice.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.loop.start(ctx); err != nil {
		return err
	}

	m.lifecycleMu.Lock()
	m.unsubscribe = m.catalog.Subscribe(m.dispatchEvent)
	if m.opts.RescanSchedule != "" {
		if err := m.scheduleRescan(); err != nil {
			// The manager is unusable; later calls get ErrClosed.
			m.unsubscribe()
			m.unsubscribe = nil
			m.lifecycleMu.Unlock()
			m.loop.stop()
			return err
		}
	}
	m.lifecycleMu.Unlock()

	return m.DiscoverAll(ctx)
}

func (m *Manager) scheduleRescan() error {
	c := m.opts.Cron
	if c == nil {
		c = cron.New()
		m.ownCron = true
	}
	id, err := c.AddFunc(m.opts.RescanSchedule, func() {
		if err := m.Rescan(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Warn("scheduled rescan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule rescan %q: %w", m.opts.RescanSchedule, err)
	}
	m.cron = c
	m.rescanID = id
	if m.ownCron {
		c.Start()
	}
	return nil
}

// DiscoverAll enumerates every installed extension and resolves each one as
// if it had just been installed. Running it again never duplicates entries.
func (m *Manager) DiscoverAll(ctx context.Context) error {
	var findErr error
	err := m.loop.submit(ctx, "discover_all", func(ctx context.Context) {
		exts, err := m.catalog.FindAll(ctx)
		if err != nil {
			findErr = fmt.Errorf("find extensions: %w", err)
			return
		}
		for _, ce := range exts {
			m.resolve(ctx, ce)
		}
		m.logger.Debug("discovery complete", "found", len(exts), "registered", m.reg.len())
	})
	if err != nil {
		return err
	}
	return findErr
}

// Rescan resolves only catalog entries the registry does not know yet or
// whose backing package changed. Unchanged extensions keep their hosted
// document, so it is safe to run on a schedule.
func (m *Manager) Rescan(ctx context.Context) error {
	var findErr error
	err := m.loop.submit(ctx, "rescan", func(ctx context.Context) {
		exts, err := m.catalog.FindAll(ctx)
		if err != nil {
			findErr = fmt.Errorf("find extensions: %w", err)
			return
		}
		resolved := 0
		for _, ce := range exts {
			existing, _ := m.reg.find(UniqueID(ce))
			if existing != nil && existing.Package().FullName() == ce.Package().FullName() {
				continue
			}
			m.resolve(ctx, ce)
			resolved++
		}
		m.logger.Debug("rescan complete", "found", len(exts), "resolved", resolved)
	})
	if err != nil {
		return err
	}
	return findErr
}

// dispatchEvent runs on the catalog's goroutine and re-posts the event onto
// the registry thread.
func (m *Manager) dispatchEvent(ev pkgext.Event) {
	err := m.loop.post("catalog_"+ev.Kind.String(), func(ctx context.Context) {
		m.handleEvent(ctx, ev)
	})
	if err != nil {
		m.logger.Warn("dropping catalog event", "kind", ev.Kind.String(), "error", err)
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev pkgext.Event) {
	m.metrics.recordEvent(ev.Kind.String())
	switch ev.Kind {
	case pkgext.EventInstalled, pkgext.EventUpdated:
		for _, ce := range ev.Extensions {
			m.resolve(ctx, ce)
		}
	case pkgext.EventUpdating:
		m.unloadPackage(ev.Package)
	case pkgext.EventUninstalling:
		m.removePackage(ev.Package)
	case pkgext.EventStatusChanged:
		m.packageStatusChanged(ctx, ev.Package)
	default:
		m.logger.Warn("unknown catalog event", "kind", int(ev.Kind))
	}
}

func (m *Manager) packageStatusChanged(ctx context.Context, pkg pkgext.Package) {
	if pkg == nil {
		return
	}
	status := pkg.Status()
	class := Classify(status)
	m.logger.Info("package status changed", "package", pkg.FullName(), "status", status.String(), "class", class.String())
	switch class {
	case ClassOK:
		m.loadPackage(ctx, pkg)
	case ClassOffline:
		m.unloadPackage(pkg)
	case ClassTransient:
		// Record the status so Load refuses while servicing. A follow-up
		// event arrives once it finishes.
		for _, e := range m.reg.byFamily(pkg.FamilyName()) {
			e.setPackage(pkg)
		}
	default:
		m.removePackage(pkg)
	}
}

// resolve logs and swallows resolveOrCreate failures so one bad package
// cannot affect the others.
func (m *Manager) resolve(ctx context.Context, ce pkgext.CatalogExtension) {
	if err := m.resolveOrCreate(ctx, ce); err != nil {
		m.logger.Info("extension not registered", "extension", UniqueID(ce), "error", err)
	}
}

// resolveOrCreate registers a new extension or updates the existing entry
// with the same unique id. Must run on the registry thread.
func (m *Manager) resolveOrCreate(ctx context.Context, ce pkgext.CatalogExtension) error {
	pkg := ce.Package()
	if !pkg.Status().OK() {
		return &UntrustedError{Package: pkg.FullName(), Reason: "status " + pkg.Status().String()}
	}
	if m.opts.Trust != nil {
		if err := m.opts.Trust(pkg); err != nil {
			if errors.Is(err, ErrUntrustedPackage) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrUntrustedPackage, err)
		}
	}

	id := UniqueID(ce)
	existing, _ := m.reg.find(id)
	if existing == nil {
		props, err := readProperties(ctx, ce)
		if err != nil {
			m.logger.Debug("manifest unreadable, using empty properties", "extension", id, "error", err)
		}
		logo := readLogo(ctx, ce, m.logger)

		var host pkgext.RuntimeHost
		if m.opts.Hosts != nil {
			host = m.opts.Hosts(id)
		}
		e := newExtension(ce, props, logo, host, env{
			bridge:  m.opts.Bridge,
			sink:    m.opts.Sink,
			logger:  m.opts.Logger,
			metrics: m.metrics,
		})
		m.reg.add(e)
		m.metrics.setExtensions(m.reg.len())
		m.logger.Info("extension registered", "extension", id, "package", pkg.FullName(), "mode", e.Mode().String())
		return nil
	}

	// Drop hosted content from the previous manifest before updating.
	existing.Unload()
	applied, err := existing.Update(ctx, ce)
	if applied {
		m.reg.updated(existing)
		m.logger.Info("extension updated", "extension", id, "package", pkg.FullName())
	}
	if err != nil {
		m.logger.Debug("updated extension did not load", "extension", id, "error", err)
	}
	return nil
}

func (m *Manager) loadPackage(ctx context.Context, pkg pkgext.Package) {
	for _, e := range m.reg.byFamily(pkg.FamilyName()) {
		e.setPackage(pkg)
		if err := e.Load(ctx); err != nil {
			m.logger.Debug("extension did not load", "extension", e.UniqueID(), "error", err)
		}
		m.reg.updated(e)
	}
}

func (m *Manager) unloadPackage(pkg pkgext.Package) {
	if pkg == nil {
		return
	}
	for _, e := range m.reg.byFamily(pkg.FamilyName()) {
		e.setPackage(pkg)
		e.Unload()
		m.reg.updated(e)
	}
}

func (m *Manager) removePackage(pkg pkgext.Package) {
	if pkg == nil {
		return
	}
	for _, e := range m.reg.byFamily(pkg.FamilyName()) {
		e.setPackage(pkg)
		e.Unload()
		m.reg.remove(e)
		m.logger.Info("extension removed", "extension", e.UniqueID(), "package", pkg.FullName())
	}
	m.metrics.setExtensions(m.reg.len())
}

// Extensions returns the registered extensions in registry order.
func (m *Manager) Extensions(ctx context.Context) ([]*Extension, error) {
	var out []*Extension
	err := m.loop.submit(ctx, "list", func(context.Context) {
		out = m.reg.snapshot()
	})
	return out, err
}

// Snapshots returns a serializable view of every registered extension.
func (m *Manager) Snapshots(ctx context.Context) ([]Snapshot, error) {
	exts, err := m.Extensions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(exts))
	for _, e := range exts {
		out = append(out, e.Snapshot())
	}
	return out, nil
}

// Get returns the extension with the given unique id.
func (m *Manager) Get(ctx context.Context, id string) (*Extension, error) {
	var found *Extension
	err := m.loop.submit(ctx, "get", func(context.Context) {
		found, _ = m.reg.find(id)
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
	}
	return found, nil
}

// Enable enables the extension on the registry thread and tries to load it.
// A load failure is returned for the caller to report; the extension stays
// enabled and will load on the next status or update event.
func (m *Manager) Enable(ctx context.Context, id string) error {
	return m.withExtension(ctx, "enable", id, func(ctx context.Context, e *Extension) error {
		err := e.Enable(ctx)
		m.reg.updated(e)
		return err
	})
}

// Disable disables and unloads the extension on the registry thread.
func (m *Manager) Disable(ctx context.Context, id string) error {
	return m.withExtension(ctx, "disable", id, func(_ context.Context, e *Extension) error {
		e.Disable()
		m.reg.updated(e)
		return nil
	})
}

func (m *Manager) withExtension(ctx context.Context, name, id string, fn func(context.Context, *Extension) error) error {
	var result error
	err := m.loop.submit(ctx, name, func(ctx context.Context) {
		e, _ := m.reg.find(id)
		if e == nil {
			result = fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
			return
		}
		result = fn(ctx, e)
	})
	if err != nil {
		return err
	}
	return result
}

// InvokeLoad forwards payload to the extension's load entry point. The call
// runs on the caller's goroutine so a slow service never stalls the registry.
func (m *Manager) InvokeLoad(ctx context.Context, id, payload string) error {
	e, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.InvokeLoad(ctx, payload)
}

// InvokeUpdate forwards payload to the extension's update entry point.
func (m *Manager) InvokeUpdate(ctx context.Context, id, payload string) error {
	e, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.InvokeUpdate(ctx, payload)
}

// RemoveBacking asks the catalog to uninstall the extension's package. The
// registry changes when the catalog reports the uninstall.
func (m *Manager) RemoveBacking(ctx context.Context, id string) error {
	e, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	full := e.Package().FullName()
	if err := m.catalog.RequestRemovePackage(ctx, full); err != nil {
		return fmt.Errorf("remove package %s: %w", full, err)
	}
	return nil
}

// Sync waits until every event queued so far has been handled.
func (m *Manager) Sync(ctx context.Context) error {
	return m.loop.submit(ctx, "sync", func(context.Context) {})
}

// Subscribe registers an observer of registry changes.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			delete(m.observers, id)
			m.obsMu.Unlock()
		})
	}
}

func (m *Manager) broadcast(c Change) {
	m.obsMu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.obsMu.RUnlock()

	for _, o := range observers {
		o.ExtensionChanged(c)
	}
}

// Close stops the rescan schedule, detaches from the catalog and stops the
// registry goroutine. In-flight script invocations are awaited.
func (m *Manager) Close() error {
	m.lifecycleMu.Lock()
	if m.cron != nil {
		m.cron.Remove(m.rescanID)
		if m.ownCron {
			<-m.cron.Stop().Done()
		}
		m.cron = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.lifecycleMu.Unlock()

	var exts []*Extension
	_ = m.loop.submit(context.Background(), "close", func(context.Context) {
		exts = m.reg.snapshot()
		for _, e := range exts {
			e.close()
		}
	})
	m.loop.stop()
	for _, e := range exts {
		e.Wait()
	}
	return nil
}
