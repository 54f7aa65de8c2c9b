// Package catalog is a filesystem package catalog.
//
// Every subdirectory of the packages directory holding a package.yaml is an
// installed package named after its family. Hidden files inside a package
// never belong to its contents: .status lists the platform status flags of
// the package, one name per line. Rescan diffs the directory against the
// last known state and publishes the same lifecycle events a platform
// catalog would.
package catalog

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goatkit/extensionhost/internal/catalog/packaging"
	"github.com/goatkit/extensionhost/internal/catalog/signing"
	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// StatusFile lists the status flags of a package.
const StatusFile = ".status"

var (
	ErrInvalidManifest = errors.New("invalid package manifest")
	ErrPackageNotFound = errors.New("package not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrCatalogClosed   = errors.New("catalog closed")
	errFamilyMismatch  = errors.New("package family does not match its directory")
)

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTrustedKeys sets the keys whose signatures count as trusted.
func WithTrustedKeys(keys ...ed25519.PublicKey) Option {
	return func(c *Catalog) { c.trusted = append(c.trusted, keys...) }
}

// WithDefaultAppID sets the application id used for packages whose manifest
// declares none. The AppUserModelID becomes <family>!<appID>.
func WithDefaultAppID(appID string) Option {
	return func(c *Catalog) {
		if appID != "" {
			c.appID = appID
		}
	}
}

// WithDebounce sets how long the watcher waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(c *Catalog) {
		if d > 0 {
			c.debounce = d
		}
	}
}

type packageState struct {
	pkg      *Package
	manifest *Manifest
	exts     []pkgext.CatalogExtension
	digest   string
}

// Catalog implements extension.Catalog over a directory.
type Catalog struct {
	dir      string
	contract string
	appID    string
	trusted  []ed25519.PublicKey
	logger   *slog.Logger
	debounce time.Duration

	// opMu serializes rescans, installs and removals so events leave in the
	// order the directory changed.
	opMu sync.Mutex

	mu       sync.RWMutex
	packages map[string]*packageState

	subMu   sync.RWMutex
	subs    map[uint64]func(pkgext.Event)
	nextSub uint64

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	timer       *time.Timer
	closed      bool
}

var _ pkgext.Catalog = (*Catalog)(nil)

// New creates a catalog of packages in dir exposing extensions of contract.
// Call Rescan to load the current state.
func New(dir, contract string, opts ...Option) *Catalog {
	c := &Catalog{
		dir:      dir,
		contract: contract,
		appID:    "App",
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
		packages: make(map[string]*packageState),
		subs:     make(map[uint64]func(pkgext.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("catalog", dir)
	return c
}

// Contract returns the contract the catalog exposes.
func (c *Catalog) Contract() string { return c.contract }

// Dir returns the packages directory.
func (c *Catalog) Dir() string { return c.dir }

// FindAll returns every installed extension of the contract, ordered by
// package family and then manifest order.
func (c *Catalog) FindAll(ctx context.Context) ([]pkgext.CatalogExtension, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []pkgext.CatalogExtension
	for _, family := range sortedKeys(c.packages) {
		out = append(out, c.packages[family].exts...)
	}
	return out, nil
}

// Packages returns the installed package snapshots ordered by family.
func (c *Catalog) Packages() []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Package, 0, len(c.packages))
	for _, family := range sortedKeys(c.packages) {
		out = append(out, c.packages[family].pkg)
	}
	return out
}

// Subscribe registers fn for lifecycle events. Events are delivered on the
// goroutine that detected the change; fn must not block.
func (c *Catalog) Subscribe(fn func(pkgext.Event)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Catalog) publish(events []pkgext.Event) {
	if len(events) == 0 {
		return
	}
	c.subMu.RLock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(pkgext.Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.subs[id])
	}
	c.subMu.RUnlock()

	for _, ev := range events {
		c.logger.Info("catalog event", "kind", ev.Kind.String(), "package", ev.Package.FullName(), "extensions", len(ev.Extensions))
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Rescan reads the packages directory and publishes the differences to the
// last known state.
func (c *Catalog) Rescan(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.rescanLocked(ctx)
}

func (c *Catalog) rescanLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	found, err := c.scan()
	if err != nil {
		return err
	}

	c.mu.Lock()
	events := diff(c.packages, found)
	c.packages = found
	c.mu.Unlock()

	c.publish(events)
	return nil
}

// scan loads every package directory. A package whose manifest cannot be
// read keeps its last known state so a half-written file does not look like
// an uninstall.
func (c *Catalog) scan() (map[string]*packageState, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Info("packages directory does not exist, creating", "path", c.dir)
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create packages dir: %w", err)
		}
		return map[string]*packageState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packages dir: %w", err)
	}

	found := make(map[string]*packageState)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		family := entry.Name()
		st, err := c.load(filepath.Join(c.dir, family))
		switch {
		case errors.Is(err, packaging.ErrMissingManifest):
			continue
		case err != nil:
			c.mu.RLock()
			prev := c.packages[family]
			c.mu.RUnlock()
			c.logger.Warn("skipping unreadable package", "package", family, "error", err)
			if prev != nil {
				found[family] = prev
			}
			continue
		}
		found[family] = st
	}
	return found, nil
}

// load reads one package directory.
func (c *Catalog) load(dir string) (*packageState, error) {
	data, err := os.ReadFile(filepath.Join(dir, packaging.ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, packaging.ErrMissingManifest
	}
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if m.Family != filepath.Base(dir) {
		return nil, fmt.Errorf("%w: %s in %s", errFamilyMismatch, m.Family, filepath.Base(dir))
	}

	status, err := readStatus(dir)
	if err != nil {
		c.logger.Warn("unreadable status file", "package", m.Family, "error", err)
	}

	sig := pkgext.SignatureNone
	res, err := signing.VerifyPackage(dir, c.trusted)
	switch {
	case errors.Is(err, signing.ErrUnsigned):
	case err != nil:
		c.logger.Warn("package signature invalid", "package", m.Family, "error", err)
		status |= pkgext.StatusTampered
	case res.Trusted:
		sig = pkgext.SignatureTrusted
	default:
		sig = pkgext.SignatureDeveloper
	}

	digest, err := signing.Digest(dir)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		family:    m.Family,
		version:   m.Version,
		publisher: m.Publisher,
		status:    status,
		signature: sig,
		dir:       dir,
	}
	appID := m.AppID
	if appID == "" {
		appID = m.Family + "!" + c.appID
	}

	st := &packageState{pkg: pkg, manifest: m, digest: hex.EncodeToString(digest)}
	for _, spec := range m.Extensions {
		if spec.Contract != c.contract {
			continue
		}
		public := spec.PublicFolder
		if public == "" {
			public = "public"
		}
		publicDir, err := withinDir(dir, public)
		if err != nil {
			c.logger.Warn("skipping extension", "package", m.Family, "extension", spec.ID, "error", err)
			continue
		}
		var logoPath string
		if spec.Logo != "" {
			if logoPath, err = withinDir(dir, spec.Logo); err != nil {
				logoPath = ""
			}
		}
		st.exts = append(st.exts, &Extension{
			appID:       appID,
			id:          spec.ID,
			contract:    spec.Contract,
			pkg:         pkg,
			displayName: spec.DisplayName,
			description: spec.Description,
			props:       properties(spec.Properties),
			publicDir:   publicDir,
			logoPath:    logoPath,
		})
	}
	return st, nil
}

// diff computes the events turning prev into next, ordered by family.
func diff(prev, next map[string]*packageState) []pkgext.Event {
	families := make(map[string]struct{}, len(prev)+len(next))
	for f := range prev {
		families[f] = struct{}{}
	}
	for f := range next {
		families[f] = struct{}{}
	}
	sorted := make([]string, 0, len(families))
	for f := range families {
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)

	var events []pkgext.Event
	for _, f := range sorted {
		old, cur := prev[f], next[f]
		switch {
		case old == cur:
		case cur == nil:
			events = append(events, pkgext.Event{Kind: pkgext.EventUninstalling, Package: old.pkg})
		case old == nil:
			events = append(events, pkgext.Event{Kind: pkgext.EventInstalled, Package: cur.pkg, Extensions: cur.exts})
		case old.pkg.version != cur.pkg.version || old.digest != cur.digest || old.pkg.signature != cur.pkg.signature:
			events = append(events,
				pkgext.Event{Kind: pkgext.EventUpdating, Package: old.pkg},
				pkgext.Event{Kind: pkgext.EventUpdated, Package: cur.pkg, Extensions: cur.exts},
			)
		case old.pkg.status != cur.pkg.status:
			events = append(events, pkgext.Event{Kind: pkgext.EventStatusChanged, Package: cur.pkg})
		}
	}
	return events
}

// RequestRemovePackage uninstalls the package with the given full name. The
// uninstalling event is published before the files go away.
func (c *Catalog) RequestRemovePackage(ctx context.Context, fullName string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	var st *packageState
	for _, s := range c.packages {
		if s.pkg.FullName() == fullName {
			st = s
			break
		}
	}
	c.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("%w: %s", ErrPackageNotFound, fullName)
	}

	c.publish([]pkgext.Event{{Kind: pkgext.EventUninstalling, Package: st.pkg}})

	if err := os.RemoveAll(st.pkg.dir); err != nil {
		return fmt.Errorf("remove %s: %w", fullName, err)
	}
	c.mu.Lock()
	delete(c.packages, st.pkg.family)
	c.mu.Unlock()
	return nil
}

// InstallArchive installs or replaces a package from a ZIP archive and
// returns the new package snapshot.
func (c *Catalog) InstallArchive(ctx context.Context, archivePath string) (*Package, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create packages dir: %w", err)
	}
	staging, err := os.MkdirTemp(c.dir, ".staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	stagedDir := filepath.Join(staging, "pkg")
	header, err := packaging.Extract(archivePath, stagedDir)
	if err != nil {
		return nil, err
	}
	manifest, err := os.ReadFile(filepath.Join(stagedDir, packaging.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read staged manifest: %w", err)
	}
	if _, err := ParseManifest(manifest); err != nil {
		return nil, err
	}

	target := filepath.Join(c.dir, header.Family)
	c.mu.RLock()
	old := c.packages[header.Family]
	c.mu.RUnlock()

	if old != nil {
		c.publish([]pkgext.Event{{Kind: pkgext.EventUpdating, Package: old.pkg}})
	}
	st, err := c.replace(stagedDir, target, filepath.Join(staging, "previous"))
	if err != nil {
		if old != nil {
			c.settleFailedUpdate(header.Family)
		}
		return nil, err
	}
	c.mu.Lock()
	c.packages[header.Family] = st
	c.mu.Unlock()

	kind := pkgext.EventInstalled
	if old != nil {
		kind = pkgext.EventUpdated
	}
	c.publish([]pkgext.Event{{Kind: kind, Package: st.pkg, Extensions: st.exts}})
	return st.pkg, nil
}

// renameDir is os.Rename; tests swap it to simulate a failing move.
var renameDir = os.Rename

// replace moves the staged package over target and loads it. The previous
// installation is parked in backup and put back if anything fails.
func (c *Catalog) replace(stagedDir, target, backup string) (*packageState, error) {
	// Keep the status markers of the previous installation.
	if data, err := os.ReadFile(filepath.Join(target, StatusFile)); err == nil {
		_ = os.WriteFile(filepath.Join(stagedDir, StatusFile), data, 0o644)
	}

	parked := false
	if isDir(target) {
		if err := renameDir(target, backup); err != nil {
			return nil, fmt.Errorf("move previous version aside: %w", err)
		}
		parked = true
	}
	restore := func() {
		if !parked {
			return
		}
		_ = os.RemoveAll(target)
		if err := renameDir(backup, target); err != nil {
			c.logger.Error("failed to restore previous version", "path", target, "error", err)
		}
	}

	if err := renameDir(stagedDir, target); err != nil {
		restore()
		return nil, fmt.Errorf("move package into place: %w", err)
	}
	st, err := c.load(target)
	if err != nil {
		restore()
		return nil, fmt.Errorf("load installed package: %w", err)
	}
	return st, nil
}

// settleFailedUpdate ends the update window opened by EventUpdating after a
// failed replace. The directory is rescanned and, unless the rescan already
// reported the family, the surviving state is announced as updated.
func (c *Catalog) settleFailedUpdate(family string) {
	found, err := c.scan()
	if err != nil {
		c.logger.Warn("rescan after failed update", "package", family, "error", err)
		found = nil
	}

	c.mu.Lock()
	var events []pkgext.Event
	if found != nil {
		events = diff(c.packages, found)
		c.packages = found
	}
	cur := c.packages[family]
	c.mu.Unlock()

	settled := false
	for _, ev := range events {
		if ev.Package.FamilyName() != family {
			continue
		}
		switch ev.Kind {
		case pkgext.EventUpdated, pkgext.EventInstalled, pkgext.EventUninstalling:
			settled = true
		}
	}
	if !settled && cur != nil {
		events = append(events, pkgext.Event{Kind: pkgext.EventUpdated, Package: cur.pkg, Extensions: cur.exts})
	}
	c.publish(events)
}

// SetStatus replaces the status flags of a package and publishes the change.
func (c *Catalog) SetStatus(ctx context.Context, family string, status pkgext.PackageStatus) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	st := c.packages[family]
	c.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("%w: %s", ErrPackageNotFound, family)
	}
	if err := writeStatus(st.pkg.dir, status); err != nil {
		return err
	}
	return c.rescanLocked(ctx)
}

// ResolveService returns the executable implementing a package service.
func (c *Catalog) ResolveService(family, service string) (string, error) {
	c.mu.RLock()
	st := c.packages[family]
	c.mu.RUnlock()
	if st == nil {
		return "", fmt.Errorf("%w: %s", ErrPackageNotFound, family)
	}
	rel, ok := st.manifest.Services[service]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrServiceNotFound, service, family)
	}
	path, err := withinDir(st.pkg.dir, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrServiceNotFound, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", ErrServiceNotFound, path)
	}
	return path, nil
}

func readStatus(dir string) (pkgext.PackageStatus, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var status pkgext.PackageStatus
	var unknown []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		flag, ok := pkgext.ParseStatusFlag(line)
		if !ok {
			unknown = append(unknown, line)
			continue
		}
		status |= flag
	}
	if len(unknown) > 0 {
		return status, fmt.Errorf("unknown status flags %v", unknown)
	}
	return status, nil
}

func writeStatus(dir string, status pkgext.PackageStatus) error {
	path := filepath.Join(dir, StatusFile)
	if status.OK() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	content := strings.ReplaceAll(status.String(), "|", "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func sortedKeys(m map[string]*packageState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
