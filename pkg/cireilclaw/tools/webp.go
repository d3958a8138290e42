package tools

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	gowebp "github.com/gen2brain/webp"
)

// webpQuality is the lossy encode quality for ingested images.
const webpQuality = 90

// Transcoder re-encodes ingested images to WebP before they enter the
// session. One format keeps the content-addressed image store and the
// provider payloads uniform.
type Transcoder interface {
	ToWebP(data []byte) ([]byte, error)
}

// WebPTranscoder is the production Transcoder.
type WebPTranscoder struct{}

// ToWebP decodes any supported image format and encodes it as lossy
// WebP.
func (WebPTranscoder) ToWebP(data []byte) ([]byte, error) {
	// Already-WebP input still goes through a decode cycle so corrupt
	// files are caught here rather than at the provider.
	img, _, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	var buf bytes.Buffer
	if err := gowebp.Encode(&buf, img, gowebp.Options{Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("encoding webp: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImage(data []byte) (image.Image, string, error) {
	if img, err := gowebp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}
	return image.Decode(bytes.NewReader(data))
}
