package extension

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing/fstest"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// fakePackage is an immutable package snapshot.
type fakePackage struct {
	family  string
	version string
	status  pkgext.PackageStatus
	sig     pkgext.SignatureKind
}

func (p fakePackage) FamilyName() string                  { return p.family }
func (p fakePackage) FullName() string                    { return p.family + "_" + p.version }
func (p fakePackage) Version() string                     { return p.version }
func (p fakePackage) Status() pkgext.PackageStatus        { return p.status }
func (p fakePackage) SignatureKind() pkgext.SignatureKind { return p.sig }

func okPackage(family string) fakePackage {
	return fakePackage{family: family, version: "1.0.0", sig: pkgext.SignatureTrusted}
}

func (p fakePackage) withStatus(s pkgext.PackageStatus) fakePackage {
	p.status = s
	return p
}

// fakeCatalogExtension serves its public folder from memory.
type fakeCatalogExtension struct {
	appID    string
	id       string
	pkg      pkgext.Package
	props    pkgext.PropertySet
	propsErr error
	files    fstest.MapFS
	logo     []byte
}

func newFakeExt(pkg pkgext.Package, id string) *fakeCatalogExtension {
	return &fakeCatalogExtension{
		appID: pkg.FamilyName() + "!App",
		id:    id,
		pkg:   pkg,
		files: fstest.MapFS{
			DefaultEntryDocument: {Data: []byte("<script>function extensionLoad(s){}</script>")},
		},
	}
}

func (c *fakeCatalogExtension) AppUserModelID() string  { return c.appID }
func (c *fakeCatalogExtension) ID() string              { return c.id }
func (c *fakeCatalogExtension) Package() pkgext.Package { return c.pkg }

func (c *fakeCatalogExtension) DisplayInfo() pkgext.DisplayInfo {
	info := pkgext.DisplayInfo{DisplayName: c.id}
	if c.logo != nil {
		info.Logo = func(context.Context) ([]byte, error) { return c.logo, nil }
	}
	return info
}

func (c *fakeCatalogExtension) Properties(context.Context) (pkgext.PropertySet, error) {
	return c.props, c.propsErr
}

func (c *fakeCatalogExtension) PublicFolder(context.Context) (fs.FS, error) {
	if c.files == nil {
		return nil, errors.New("no public folder")
	}
	return c.files, nil
}

// withPackage returns a copy bound to another package snapshot.
func (c *fakeCatalogExtension) withPackage(p pkgext.Package) *fakeCatalogExtension {
	cp := *c
	cp.pkg = p
	return &cp
}

// fakeCatalog lets tests emit events and control FindAll.
type fakeCatalog struct {
	mu       sync.Mutex
	all      []pkgext.CatalogExtension
	subs     map[int]func(pkgext.Event)
	next     int
	removed  []string
	findErr  error
	findHits int
}

func newFakeCatalog(all ...pkgext.CatalogExtension) *fakeCatalog {
	return &fakeCatalog{all: all, subs: make(map[int]func(pkgext.Event))}
}

func (c *fakeCatalog) Contract() string { return "test.contract" }

func (c *fakeCatalog) FindAll(context.Context) ([]pkgext.CatalogExtension, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findHits++
	if c.findErr != nil {
		return nil, c.findErr
	}
	return append([]pkgext.CatalogExtension(nil), c.all...), nil
}

func (c *fakeCatalog) Subscribe(fn func(pkgext.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *fakeCatalog) RequestRemovePackage(_ context.Context, fullName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, fullName)
	return nil
}

func (c *fakeCatalog) emit(ev pkgext.Event) {
	c.mu.Lock()
	subs := make([]func(pkgext.Event), 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}

func (c *fakeCatalog) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// fakeHost records hosted documents and invocations.
type fakeHost struct {
	mu        sync.Mutex
	documents []string
	hostErr   error
	invokeErr error
	notify    func(string)
	calls     chan invocation
}

type invocation struct {
	name string
	args []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{calls: make(chan invocation, 16)}
}

func (h *fakeHost) HostDocument(content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if content != "" && h.hostErr != nil {
		return h.hostErr
	}
	h.documents = append(h.documents, content)
	return nil
}

func (h *fakeHost) InvokeFunction(_ context.Context, name string, args ...string) error {
	h.calls <- invocation{name: name, args: args}
	return h.invokeErr
}

func (h *fakeHost) OnNotify(fn func(string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notify = fn
}

func (h *fakeHost) sendNotify(v string) {
	h.mu.Lock()
	fn := h.notify
	h.mu.Unlock()
	fn(v)
}

func (h *fakeHost) hosted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.documents...)
}

// fakeBridge answers service requests with a canned response.
type fakeBridge struct {
	mu       sync.Mutex
	openErr  error
	sendErr  error
	response *pkgext.ServiceResponse
	requests []pkgext.ValueSet
	opened   []string
	closed   int
}

func (b *fakeBridge) Open(_ context.Context, service, family string) (pkgext.ServiceConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, family+"/"+service)
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &fakeConn{bridge: b}, nil
}

type fakeConn struct {
	bridge *fakeBridge
}

func (c *fakeConn) Send(_ context.Context, req pkgext.ValueSet) (*pkgext.ServiceResponse, error) {
	c.bridge.mu.Lock()
	defer c.bridge.mu.Unlock()
	c.bridge.requests = append(c.bridge.requests, req)
	if c.bridge.sendErr != nil {
		return nil, c.bridge.sendErr
	}
	return c.bridge.response, nil
}

func (c *fakeConn) Close() error {
	c.bridge.mu.Lock()
	defer c.bridge.mu.Unlock()
	c.bridge.closed++
	return nil
}

// fakeSink is a minimal ArtifactSink.
type fakeSink struct {
	mu      sync.Mutex
	current *pkgext.Artifact
	sets    int
}

func (s *fakeSink) CurrentArtifact() (pkgext.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return pkgext.Artifact{}, false
	}
	return *s.current, true
}

func (s *fakeSink) SetCurrentArtifact(a pkgext.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &a
	s.sets++
}

func (s *fakeSink) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}
