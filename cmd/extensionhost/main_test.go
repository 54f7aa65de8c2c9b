package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/extensionhost/internal/catalog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "extensionhost dev")
}

func TestInitScaffold(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pkg")
	out, err := execute(t, "init", "contoso.invert", "--dir", dir, "--service", "--contract", "com.contoso.paint.ext")
	require.NoError(t, err)
	assert.Contains(t, out, "Created package contoso.invert")

	data, err := os.ReadFile(filepath.Join(dir, "package.yaml"))
	require.NoError(t, err)
	m, err := catalog.ParseManifest(data)
	require.NoError(t, err, string(data))
	assert.Equal(t, "contoso.invert", m.Family)
	assert.Equal(t, "bin/invert", m.Services["contoso.invert.invert"])
	require.Len(t, m.Extensions, 1)
	assert.Equal(t, "invert", m.Extensions[0].ID)
	assert.Equal(t, "com.contoso.paint.ext", m.Extensions[0].Contract)
	assert.Equal(t, "contoso.invert.invert", m.Extensions[0].Properties["Service"])

	assert.FileExists(t, filepath.Join(dir, "public", "extension.html"))
	assert.FileExists(t, filepath.Join(dir, "service", "main.go"))

	_, err = execute(t, "init", "contoso.invert", "--dir", dir)
	assert.Error(t, err, "refuses to overwrite a package")

	_, err = execute(t, "init", "../evil", "--dir", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestPackageWorkflow(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	_, err := execute(t, "init", "contoso.invert", "--dir", src)
	require.NoError(t, err)

	keyBase := filepath.Join(tmp, "signer")
	out, err := execute(t, "keygen", "--out", keyBase)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	pub, err := os.ReadFile(keyBase + ".pub")
	require.NoError(t, err)
	info, err := os.Stat(keyBase + ".key")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	archive := filepath.Join(tmp, "invert.zip")
	out, err = execute(t, "pack", src, "--key", keyBase+".key", "--out", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "Packed contoso.invert_1.0.0")
	assert.FileExists(t, filepath.Join(src, "package.sig"))

	cfgPath := filepath.Join(tmp, "extensionhost.yaml")
	cfg := strings.Join([]string{
		"packages_dir: " + filepath.Join(tmp, "packages"),
		"trusted_keys: ['" + strings.TrimSpace(string(pub)) + "']",
		"http:",
		"  addr: ''",
		"log:",
		"  level: error",
	}, "\n")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err = execute(t, "--config", cfgPath, "install", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "Installed contoso.invert_1.0.0 (signature: trusted, status: ok)")

	out, err = execute(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "contoso.invert!App!invert")
	assert.Contains(t, out, "script")

	out, err = execute(t, "--config", cfgPath, "status", "contoso.invert", "package_offline")
	require.NoError(t, err)
	assert.Contains(t, out, "package_offline (offline)")

	_, err = execute(t, "--config", cfgPath, "status", "contoso.invert", "sideways")
	assert.Error(t, err)

	out, err = execute(t, "--config", cfgPath, "remove", "contoso.invert")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed contoso.invert_1.0.0")

	out, err = execute(t, "--config", cfgPath, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No com.extensionhost.image extensions")

	_, err = execute(t, "--config", cfgPath, "remove", "contoso.invert")
	assert.Error(t, err)
}

func TestSignRequiresKey(t *testing.T) {
	_, err := execute(t, "sign", t.TempDir())
	assert.ErrorContains(t, err, "--key is required")
}

func TestInvoke(t *testing.T) {
	var got map[string]string
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		if strings.Contains(path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"extension not found: missing"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	out, err := execute(t, "invoke", "p!App!x", "--server", ts.URL, "--update", "--payload", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "Invoked p!App!x (update)")
	assert.Equal(t, "/api/v1/extensions/p!App!x/invoke", path)
	assert.Equal(t, map[string]string{"command": "update", "payload": "hello"}, got)

	_, err = execute(t, "invoke", "missing", "--server", ts.URL)
	assert.ErrorContains(t, err, "extension not found")
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "localhost:8090", hostPort(":8090"))
	assert.Equal(t, "10.0.0.1:80", hostPort("10.0.0.1:80"))
}
