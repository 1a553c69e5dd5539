package backend

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
)

// EncodeImages renders every image as a base64 (standard alphabet) PNG.
func EncodeImages(images []image.Image) ([]string, error) {
	out := make([]string, 0, len(images))
	buf := &bytes.Buffer{}
	for i, img := range images {
		buf.Reset()
		if err := png.Encode(buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode image %d: %w", i, err)
		}
		out = append(out, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return out, nil
}
