package agent

import (
	"bytes"
	"encoding/base64"
	"image"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
)

const (
	// maxImageBytes is the hard limit for an encoded image (10MB).
	maxImageBytes = 10 * 1024 * 1024
	// downscaleAboveBytes triggers a re-encode pass for large files.
	downscaleAboveBytes = 5 * 1024 * 1024
	// maxImageDim bounds the longest image side sent to the model.
	maxImageDim = 2048
)

// buildImageParts reads local image files into data-URL content parts.
// Missing files, non-images, and unreadable files are dropped with a
// warning so one bad attachment never fails the turn.
func buildImageParts(paths []string) []providers.ContentPart {
	var parts []providers.ContentPart
	for _, p := range paths {
		part, ok := imagePart(p)
		if !ok {
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

func imagePart(path string) (providers.ContentPart, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return providers.ContentPart{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("vision: failed to read image file", "path", path, "error", err)
		return providers.ContentPart{}, false
	}

	mime := imageMime(path, data)
	if mime == "" {
		return providers.ContentPart{}, false
	}

	if needsDownscale(data) {
		if shrunk, ok := downscaleImage(data); ok {
			slog.Debug("vision: downscaled image", "path", path, "from", len(data), "to", len(shrunk))
			data = shrunk
			mime = "image/jpeg"
		}
	}
	if len(data) > maxImageBytes {
		slog.Warn("vision: image file too large, skipping", "path", path, "size", len(data))
		return providers.ContentPart{}, false
	}

	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	return providers.ContentPart{
		Type:     "image_url",
		ImageURL: &providers.ImageURL{URL: url},
	}, true
}

// imageMime resolves the MIME type by extension, falling back to content
// sniffing for extensionless paths.
func imageMime(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return ""
}

func needsDownscale(data []byte) bool {
	if len(data) > downscaleAboveBytes {
		return true
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return cfg.Width > maxImageDim || cfg.Height > maxImageDim
}

// downscaleImage fits the image inside maxImageDim and re-encodes as JPEG.
func downscaleImage(data []byte) ([]byte, bool) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
