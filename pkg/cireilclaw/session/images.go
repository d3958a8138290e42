package session

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ImageID returns the content address of raw image bytes: the
// lowercase hex of their BLAKE3-256 hash.
func ImageID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// extByMediaType maps media types onto file extensions for the
// on-disk image files. Unknown types fall back to "bin".
var extByMediaType = map[string]string{
	"image/webp": "webp",
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
}

// ImageExt returns the file extension for a media type.
func ImageExt(mediaType string) string {
	if ext, ok := extByMediaType[mediaType]; ok {
		return ext
	}
	return "bin"
}

// ImagePath returns the file path for a content-addressed image.
func ImagePath(dir, id, mediaType string) string {
	return filepath.Join(dir, id+"."+ImageExt(mediaType))
}

// WriteImageIfAbsent flushes image bytes to their content-addressed
// file unless it already exists. Writers are idempotent because the
// name is derived from the content.
func WriteImageIfAbsent(dir, id, mediaType string, data []byte) error {
	path := ImagePath(dir, id, mediaType)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating images dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing image %s: %w", id, err)
	}
	return nil
}

// ReadImage loads the bytes of a content-addressed image.
func ReadImage(dir, id, mediaType string) ([]byte, error) {
	data, err := os.ReadFile(ImagePath(dir, id, mediaType))
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", id, err)
	}
	return data, nil
}
