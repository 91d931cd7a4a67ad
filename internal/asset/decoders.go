package asset

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

const genericExtension = "dat"

// imageCodec is one entry of the static decoder capability table.
type imageCodec struct {
	name         string
	extension    string
	decodeConfig func(io.Reader) (image.Config, error)
	decode       func(io.Reader) (image.Image, error)
}

// imageCodecs is probed in order; the first decoder accepting the header wins.
var imageCodecs = []imageCodec{
	{"png", "png", png.DecodeConfig, png.Decode},
	{"jpeg", "jpg", jpeg.DecodeConfig, jpeg.Decode},
	{"gif", "gif", gif.DecodeConfig, gif.Decode},
	{"bmp", "bmp", bmp.DecodeConfig, bmp.Decode},
	{"tiff", "tiff", tiff.DecodeConfig, tiff.Decode},
	{"webp", "webp", webp.DecodeConfig, webp.Decode},
}

// SupportedImageFormats lists the probed image formats in probe order.
func SupportedImageFormats() []string {
	names := make([]string, len(imageCodecs))
	for i, c := range imageCodecs {
		names[i] = c.name
	}
	return names
}

func probeImage(data []byte) (imageCodec, bool) {
	for _, c := range imageCodecs {
		if _, err := c.decodeConfig(bytes.NewReader(data)); err == nil {
			return c, true
		}
	}
	return imageCodec{}, false
}

// DeriveExtension probes data against the known image decoders and returns
// the matching extension, or "dat" when none accepts it.
func DeriveExtension(data []byte) string {
	if c, ok := probeImage(data); ok {
		return c.extension
	}
	return genericExtension
}

// reencodeImage converts data to PNG when its probed format is listed in formats.
// It reports false when no conversion applies.
func reencodeImage(data []byte, formats map[string]bool) ([]byte, bool, error) {
	if len(formats) == 0 {
		return nil, false, nil
	}
	c, ok := probeImage(data)
	if !ok || !formats[c.name] {
		return nil, false, nil
	}
	img, err := c.decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", c.name, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, false, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), true, nil
}
