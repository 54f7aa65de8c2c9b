package packaging

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestPackAndExtract(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	writeTree(t, src, map[string]string{
		"package.yaml":          "family: contoso.paint\nversion: 1.2.0\n",
		"package.sig":           "key sig\n",
		"public/extension.html": "<script></script>",
		".status":               "servicing\n",
		".git/HEAD":             "ref",
	})

	out := filepath.Join(tmp, "paint.zip")
	header, err := Pack(src, out)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if header.FullName() != "contoso.paint_1.2.0" {
		t.Errorf("unexpected full name %q", header.FullName())
	}

	want := []string{"package.sig", "package.yaml", "public/extension.html"}
	got := zipNames(t, out)
	if len(got) != len(want) {
		t.Fatalf("expected entries %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	dest := filepath.Join(tmp, "installed")
	extracted, err := Extract(out, dest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if extracted != header {
		t.Errorf("header mismatch: %+v vs %+v", extracted, header)
	}
	data, err := os.ReadFile(filepath.Join(dest, "public", "extension.html"))
	if err != nil || string(data) != "<script></script>" {
		t.Errorf("extracted content wrong: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".status")); !os.IsNotExist(err) {
		t.Error("status marker should not be packaged")
	}
}

func TestPackRequiresManifest(t *testing.T) {
	tmp := t.TempDir()
	writeTree(t, tmp, map[string]string{"public/extension.html": "x"})
	if _, err := Pack(tmp, filepath.Join(t.TempDir(), "out.zip")); !errors.Is(err, ErrMissingManifest) {
		t.Errorf("expected ErrMissingManifest, got %v", err)
	}
}

func TestHeaderValidation(t *testing.T) {
	tests := map[string]string{
		"missing family":  "version: 1.0.0\n",
		"missing version": "family: p\n",
		"path in family":  "family: ../evil\nversion: 1\n",
		"not yaml":        "family: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseHeader([]byte(content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "evil.zip")
	writeZip(t, archive, map[string]string{
		"package.yaml":    "family: evil\nversion: 1\n",
		"../../escape.sh": "rm -rf /",
	})
	if _, err := Extract(archive, filepath.Join(tmp, "out")); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := os.Stat(filepath.Join(tmp, "escape.sh")); !os.IsNotExist(err) {
		t.Error("file escaped the target directory")
	}
}

func TestExtractMissingManifest(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "bare.zip")
	writeZip(t, archive, map[string]string{"public/extension.html": "x"})
	if _, err := Extract(archive, filepath.Join(tmp, "out")); !errors.Is(err, ErrMissingManifest) {
		t.Errorf("expected ErrMissingManifest, got %v", err)
	}
}
