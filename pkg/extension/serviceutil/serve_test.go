package serviceutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

func echo(_ context.Context, req pkgext.ValueSet) (pkgext.ValueSet, error) {
	switch req["Command"] {
	case "fail":
		return nil, errors.New("bad input")
	case "busy":
		return nil, fmt.Errorf("queue full: %w", ErrResourceLimited)
	case "panic":
		panic("handler bug")
	}
	return pkgext.ValueSet{"Echo": req["Command"], "Pixels": req["Pixels"], "Width": req["Width"]}, nil
}

func dispense(t *testing.T, h Handler) *RPCClient {
	t.Helper()
	client, _ := goplugin.TestPluginRPCConn(t, map[string]goplugin.Plugin{
		PluginName: &ServicePlugin{Impl: h},
	}, nil)
	t.Cleanup(func() { _ = client.Close() })

	raw, err := client.Dispense(PluginName)
	require.NoError(t, err)
	rc, ok := raw.(*RPCClient)
	require.True(t, ok)
	return rc
}

func TestRoundTrip(t *testing.T) {
	rc := dispense(t, HandlerFunc(echo))
	ctx := context.Background()

	resp, err := rc.Send(ctx, pkgext.ValueSet{"Command": "Load", "Pixels": []byte{1, 2, 3, 4}, "Width": 1})
	require.NoError(t, err)
	assert.Equal(t, pkgext.ResponseSuccess, resp.Status)
	assert.Equal(t, "Load", resp.Message["Echo"])
	assert.Equal(t, []byte{1, 2, 3, 4}, resp.Message["Pixels"])
	assert.Equal(t, 1, resp.Message["Width"])
}

func TestHandlerFailures(t *testing.T) {
	rc := dispense(t, HandlerFunc(echo))
	ctx := context.Background()

	tests := []struct {
		command string
		status  pkgext.ResponseStatus
		message string
	}{
		{"fail", pkgext.ResponseFailure, "bad input"},
		{"busy", pkgext.ResponseResourceLimited, "queue full"},
		{"panic", pkgext.ResponseFailure, "handler panic"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			resp, err := rc.Send(ctx, pkgext.ValueSet{"Command": tt.command})
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Contains(t, resp.Message["error"], tt.message)
		})
	}
}

func TestNilHandler(t *testing.T) {
	var resp Response
	require.NoError(t, (&RPCServer{}).Handle(Request{}, &resp))
	assert.Equal(t, pkgext.ResponseFailure, resp.Status)
}

func TestSendHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rc := dispense(t, HandlerFunc(func(context.Context, pkgext.ValueSet) (pkgext.ValueSet, error) {
		<-block
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rc.Send(ctx, pkgext.ValueSet{"Command": "Load"})
	assert.ErrorIs(t, err, context.Canceled)
}
