// Package packaging provides ZIP-based extension packaging and extraction.
package packaging

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the package manifest at the root of every package.
const ManifestFile = "package.yaml"

// maxFileSize caps a single extracted file.
const maxFileSize = 256 << 20

var ErrMissingManifest = errors.New("package missing " + ManifestFile)

// Header is the identifying part of a package manifest.
type Header struct {
	Family  string `yaml:"family"`
	Version string `yaml:"version"`
}

// FullName is the family and version joined the way the catalog names
// packages.
func (h Header) FullName() string { return h.Family + "_" + h.Version }

func (h Header) validate() error {
	if h.Family == "" {
		return fmt.Errorf("%s missing required 'family' field", ManifestFile)
	}
	if strings.ContainsAny(h.Family, `/\`) || h.Family == "." || h.Family == ".." {
		return fmt.Errorf("invalid family name %q", h.Family)
	}
	if h.Version == "" {
		return fmt.Errorf("%s missing required 'version' field", ManifestFile)
	}
	return nil
}

// ReadHeader reads the header of the manifest in dir.
func ReadHeader(dir string) (Header, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Header{}, ErrMissingManifest
	}
	if err != nil {
		return Header{}, err
	}
	return parseHeader(data)
}

func parseHeader(data []byte) (Header, error) {
	var h Header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("invalid %s: %w", ManifestFile, err)
	}
	return h, h.validate()
}

// Pack creates a ZIP package from a package directory. Hidden files such as
// status markers are left out.
func Pack(packageDir, outputPath string) (Header, error) {
	header, err := ReadHeader(packageDir)
	if err != nil {
		return Header{}, err
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return Header{}, fmt.Errorf("create output file: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	err = filepath.Walk(packageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(packageDir, path)
		if err != nil {
			return err
		}
		if relPath != "." && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if absOut, _ := filepath.Abs(outputPath); absOut != "" {
			if absPath, _ := filepath.Abs(path); absPath == absOut {
				return nil
			}
		}
		return addFileToZip(zipWriter, path, filepath.ToSlash(relPath))
	})
	if err != nil {
		zipWriter.Close()
		return Header{}, fmt.Errorf("package %s: %w", header.Family, err)
	}
	if err := zipWriter.Close(); err != nil {
		return Header{}, fmt.Errorf("finish archive: %w", err)
	}
	return header, nil
}

// Extract unpacks a package archive into targetDir, which must not exist
// yet, and returns the manifest header.
func Extract(archivePath, targetDir string) (Header, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return Header{}, fmt.Errorf("open package: %w", err)
	}
	defer reader.Close()

	var manifest *zip.File
	for _, f := range reader.File {
		if f.Name == ManifestFile {
			manifest = f
			break
		}
	}
	if manifest == nil {
		return Header{}, ErrMissingManifest
	}
	data, err := readZipFile(manifest)
	if err != nil {
		return Header{}, fmt.Errorf("read manifest: %w", err)
	}
	header, err := parseHeader(data)
	if err != nil {
		return Header{}, err
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return Header{}, fmt.Errorf("create package directory: %w", err)
	}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(targetDir, f.Name)
		if err != nil {
			return Header{}, err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return Header{}, fmt.Errorf("create directory: %w", err)
		}
		if err := extractZipFile(f, destPath); err != nil {
			return Header{}, fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return header, nil
}

// safeJoin rejects archive entries escaping the target directory.
func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path in package: %s", name)
	}
	return filepath.Join(root, clean), nil
}

func addFileToZip(w *zip.Writer, srcPath, zipPath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = zipPath
	header.Method = zip.Deflate

	writer, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxFileSize))
}

func extractZipFile(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer outFile.Close()

	n, err := io.Copy(outFile, io.LimitReader(rc, maxFileSize+1))
	if err != nil {
		return err
	}
	if n > maxFileSize {
		return fmt.Errorf("file exceeds %d bytes", maxFileSize)
	}
	return nil
}
