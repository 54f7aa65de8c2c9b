package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/extensionhost/internal/artifact"
	"github.com/goatkit/extensionhost/internal/extension"
	"github.com/goatkit/extensionhost/internal/script"
	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// TestManagerOverDirectory drives a manager from a real package directory:
// discovery, scripted invocation, status changes and removal.
func TestManagerOverDirectory(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writePackage(t, root, "contoso.paint", "1.0.0")

	c := New(root, testContract)
	require.NoError(t, c.Rescan(ctx))

	store := artifact.NewStore()
	logs := script.NewLogBuffer(100)
	m := extension.NewManager(testContract, c,
		extension.WithRuntimeHostFactory(script.NewFactory(script.WithLogBuffer(logs))),
		extension.WithArtifactSink(store),
		extension.WithoutMetrics(),
	)
	require.NoError(t, m.Initialize(ctx))
	defer m.Close()

	const id = "contoso.paint!App!invert"
	ext, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, extension.StateDisabled, ext.State())

	require.NoError(t, m.Enable(ctx, id))
	assert.True(t, ext.Loaded())

	want := pkgext.Artifact{Pixels: []byte{1, 2, 3, 255, 4, 5, 6, 255}, Width: 2, Height: 1}
	payload, err := artifact.EncodeString(want)
	require.NoError(t, err)
	require.NoError(t, m.InvokeLoad(ctx, id, artifact.AddDataURIHeader(payload)))
	require.Eventually(t, func() bool {
		got, ok := store.CurrentArtifact()
		return ok && got.Width == 2 && assert.ObjectsAreEqual(want.Pixels, got.Pixels)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetStatus(ctx, "contoso.paint", pkgext.StatusPackageOffline))
	require.NoError(t, m.Sync(ctx))
	assert.False(t, ext.Loaded())
	assert.True(t, ext.Offline())

	require.NoError(t, c.SetStatus(ctx, "contoso.paint", 0))
	require.NoError(t, m.Sync(ctx))
	assert.True(t, ext.Loaded())
	assert.False(t, ext.Offline())

	require.NoError(t, m.RemoveBacking(ctx, id))
	require.NoError(t, m.Sync(ctx))
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, extension.ErrExtensionNotFound)
	assert.False(t, ext.Loaded())
}
