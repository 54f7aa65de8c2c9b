package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
	"github.com/goatkit/extensionhost/pkg/extension/serviceutil"
)

func TestBridgeOpenResolveError(t *testing.T) {
	b := NewBridge(ResolverFunc(func(family, service string) (string, error) {
		return "", ErrServiceNotFound
	}))
	_, err := b.Open(context.Background(), "svc", "p")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestBridgeOpenCanceled(t *testing.T) {
	called := false
	b := NewBridge(ResolverFunc(func(string, string) (string, error) {
		called = true
		return "", nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Open(ctx, "svc", "p")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestBridgeOpenMissingExecutable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	b := NewBridge(ResolverFunc(func(string, string) (string, error) { return missing, nil }),
		WithStartTimeout(2*time.Second))
	_, err := b.Open(context.Background(), "svc", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start service svc")
}

func TestConnectionScoping(t *testing.T) {
	client, _ := goplugin.TestPluginRPCConn(t, map[string]goplugin.Plugin{
		serviceutil.PluginName: &serviceutil.ServicePlugin{Impl: serviceutil.HandlerFunc(
			func(_ context.Context, req pkgext.ValueSet) (pkgext.ValueSet, error) {
				return pkgext.ValueSet{"Command": req["Command"]}, nil
			})},
	}, nil)
	t.Cleanup(func() { _ = client.Close() })
	raw, err := client.Dispense(serviceutil.PluginName)
	require.NoError(t, err)

	kills := 0
	conn := &connection{sender: raw.(*serviceutil.RPCClient), closer: func() { kills++ }}

	resp, err := conn.Send(context.Background(), pkgext.ValueSet{"Command": "Load"})
	require.NoError(t, err)
	assert.Equal(t, pkgext.ResponseSuccess, resp.Status)
	assert.Equal(t, "Load", resp.Message["Command"])

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, kills)

	_, err = conn.Send(context.Background(), pkgext.ValueSet{})
	assert.Error(t, err)
}

func TestServiceEnv(t *testing.T) {
	t.Setenv("EXTENSIONHOST_SECRET", "hunter2")
	env := serviceEnv("contoso.paint")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "EXTENSIONHOST_SECRET="), "host environment leaked")
	}
	assert.True(t, strings.HasPrefix(env[0], "PATH="))
}
