package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// Package is an immutable snapshot of an installed package. Every status
// change produces a new snapshot.
type Package struct {
	family    string
	version   string
	publisher string
	status    pkgext.PackageStatus
	signature pkgext.SignatureKind
	dir       string
}

var _ pkgext.Package = (*Package)(nil)

func (p *Package) FamilyName() string                  { return p.family }
func (p *Package) FullName() string                    { return p.family + "_" + p.version }
func (p *Package) Version() string                     { return p.version }
func (p *Package) Publisher() string                   { return p.publisher }
func (p *Package) Status() pkgext.PackageStatus        { return p.status }
func (p *Package) SignatureKind() pkgext.SignatureKind { return p.signature }

// Dir returns the installation directory.
func (p *Package) Dir() string { return p.dir }

// Extension is one extension declared by an installed package.
type Extension struct {
	appID       string
	id          string
	contract    string
	pkg         *Package
	displayName string
	description string
	props       pkgext.PropertySet
	publicDir   string
	logoPath    string
}

var _ pkgext.CatalogExtension = (*Extension)(nil)

func (e *Extension) AppUserModelID() string  { return e.appID }
func (e *Extension) ID() string              { return e.id }
func (e *Extension) Contract() string        { return e.contract }
func (e *Extension) Package() pkgext.Package { return e.pkg }

func (e *Extension) DisplayInfo() pkgext.DisplayInfo {
	info := pkgext.DisplayInfo{
		DisplayName: e.displayName,
		Description: e.description,
	}
	if e.logoPath != "" {
		path := e.logoPath
		info.Logo = func(ctx context.Context) ([]byte, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return os.ReadFile(path)
		}
	}
	return info
}

// Properties returns a copy of the declared property set.
func (e *Extension) Properties(ctx context.Context) (pkgext.PropertySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.props == nil {
		return nil, nil
	}
	out := make(pkgext.PropertySet, len(e.props))
	for k, v := range e.props {
		out[k] = v
	}
	return out, nil
}

// PublicFolder opens the extension's public folder.
func (e *Extension) PublicFolder(ctx context.Context) (fs.FS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(e.publicDir)
	if err != nil {
		return nil, fmt.Errorf("public folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("public folder %s is not a directory", e.publicDir)
	}
	return os.DirFS(e.publicDir), nil
}

// withinDir joins rel to dir and rejects paths escaping dir.
func withinDir(dir, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes package directory", rel)
	}
	return filepath.Join(dir, clean), nil
}
