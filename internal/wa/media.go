package wa

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

// maxImageDim bounds the longest side of images forwarded to the agent.
// Anything larger gets downscaled before base64 encoding to keep request
// payloads small.
const maxImageDim = 1568

// NormalizeImage re-encodes oversized images to fit maxImageDim. Non-image
// payloads and images already within bounds pass through untouched.
func NormalizeImage(data []byte, mimeType string) ([]byte, string, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return data, mimeType, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= maxImageDim && b.Dy() <= maxImageDim {
		return data, mimeType, nil
	}

	fitted := imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
