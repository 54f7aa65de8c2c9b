package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

func TestHandleInverts(t *testing.T) {
	resp, err := handle(context.Background(), pkgext.ValueSet{
		pkgext.KeyCommand: "Load",
		pkgext.KeyPixels:  []byte{0, 10, 255, 128, 1, 2, 3, 4},
		pkgext.KeyWidth:   2,
		pkgext.KeyHeight:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 245, 0, 128, 254, 253, 252, 4}, resp[pkgext.KeyPixels])
	assert.Equal(t, 2, resp[pkgext.KeyWidth])
	assert.Equal(t, 1, resp[pkgext.KeyHeight])
}

func TestHandleRejects(t *testing.T) {
	tests := map[string]pkgext.ValueSet{
		"unknown command": {pkgext.KeyCommand: "Explode"},
		"no pixels":       {pkgext.KeyCommand: "Load"},
		"bad size": {
			pkgext.KeyCommand: "Update",
			pkgext.KeyPixels:  []byte{1, 2, 3},
			pkgext.KeyWidth:   1,
			pkgext.KeyHeight:  1,
		},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := handle(context.Background(), req)
			assert.Error(t, err)
		})
	}
}
