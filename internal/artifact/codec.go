package artifact

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"strings"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// DataURIHeader prefixes base64 PNG payloads exchanged with scripts.
const DataURIHeader = "data:image/png;base64,"

// ErrInvalidDimensions is returned when pixel data does not match width*height*4.
var ErrInvalidDimensions = errors.New("pixel buffer does not match dimensions")

// AddDataURIHeader prefixes an encoded PNG string with the data URI header.
func AddDataURIHeader(encoded string) string {
	return DataURIHeader + encoded
}

// StripDataURIHeader removes the data URI header if present.
func StripDataURIHeader(uri string) string {
	return strings.TrimPrefix(strings.TrimSpace(uri), DataURIHeader)
}

// EncodePNG encodes BGRA8 pixels as PNG.
func EncodePNG(a pkgext.Artifact) ([]byte, error) {
	if a.Width <= 0 || a.Height <= 0 || len(a.Pixels) != a.Width*a.Height*4 {
		return nil, fmt.Errorf("encode %dx%d with %d bytes: %w", a.Width, a.Height, len(a.Pixels), ErrInvalidDimensions)
	}
	img := image.NewNRGBA(image.Rect(0, 0, a.Width, a.Height))
	for i := 0; i < len(a.Pixels); i += 4 {
		img.Pix[i+0] = a.Pixels[i+2]
		img.Pix[i+1] = a.Pixels[i+1]
		img.Pix[i+2] = a.Pixels[i+0]
		img.Pix[i+3] = a.Pixels[i+3]
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG decodes PNG data into BGRA8 pixels.
func DecodePNG(data []byte) (pkgext.Artifact, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return pkgext.Artifact{}, fmt.Errorf("decode png: %w", err)
	}
	b := src.Bounds()
	img := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	pixels := make([]byte, len(img.Pix))
	for i := 0; i < len(img.Pix); i += 4 {
		pixels[i+0] = img.Pix[i+2]
		pixels[i+1] = img.Pix[i+1]
		pixels[i+2] = img.Pix[i+0]
		pixels[i+3] = img.Pix[i+3]
	}
	return pkgext.Artifact{Pixels: pixels, Width: b.Dx(), Height: b.Dy()}, nil
}

// EncodeString encodes an artifact as base64 PNG without the data URI header.
func EncodeString(a pkgext.Artifact) (string, error) {
	data, err := EncodePNG(a)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeString decodes a base64 PNG string, with or without the data URI header.
func DecodeString(s string) (pkgext.Artifact, error) {
	raw, err := base64.StdEncoding.DecodeString(StripDataURIHeader(s))
	if err != nil {
		return pkgext.Artifact{}, fmt.Errorf("decode base64: %w", err)
	}
	return DecodePNG(raw)
}
