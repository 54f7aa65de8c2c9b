// Example extension service: inverts the colors of the current artifact.
//
// Build: go build -o invert ./internal/service/example
//
// Ship the binary inside a package and declare it in package.yaml:
//
//	services:
//	  com.example.invert: invert
//
// An extension whose manifest names Service: com.example.invert is then
// invoked through this process instead of its script.
package main

import (
	"context"
	"fmt"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
	"github.com/goatkit/extensionhost/pkg/extension/serviceutil"
)

func main() {
	serviceutil.Serve(serviceutil.HandlerFunc(handle))
}

func handle(_ context.Context, req pkgext.ValueSet) (pkgext.ValueSet, error) {
	switch req[pkgext.KeyCommand] {
	case "Load", "Update":
	default:
		return nil, fmt.Errorf("unknown command %v", req[pkgext.KeyCommand])
	}

	pixels, ok := req[pkgext.KeyPixels].([]byte)
	if !ok {
		return nil, fmt.Errorf("missing %s", pkgext.KeyPixels)
	}
	width, _ := req[pkgext.KeyWidth].(int)
	height, _ := req[pkgext.KeyHeight].(int)
	if width <= 0 || height <= 0 || len(pixels) != width*height*4 {
		return nil, fmt.Errorf("bad dimensions %dx%d for %d bytes", width, height, len(pixels))
	}

	return pkgext.ValueSet{
		pkgext.KeyPixels: invert(pixels),
		pkgext.KeyHeight: height,
		pkgext.KeyWidth:  width,
	}, nil
}

// invert flips the color channels of BGRA8 pixels and keeps alpha.
func invert(pixels []byte) []byte {
	out := make([]byte, len(pixels))
	for i := 0; i+3 < len(pixels); i += 4 {
		out[i] = 255 - pixels[i]
		out[i+1] = 255 - pixels[i+1]
		out[i+2] = 255 - pixels[i+2]
		out[i+3] = pixels[i+3]
	}
	return out
}
