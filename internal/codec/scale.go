package codec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// maxCropEdge bounds the longest edge of a crop sent to the sidecar. Aligned
// face crops are small already; this only guards against callers passing
// full frames.
const maxCropEdge = 640

// ScaleCrop resizes an image to fit within maxEdge while keeping aspect
// ratio. Images already within bounds pass through untouched.
// Returns JPEG-encoded bytes for resized images.
func ScaleCrop(data []byte, maxEdge int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode crop: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxEdge && height <= maxEdge {
		return data, nil
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxEdge
		newHeight = int(float64(height) * float64(maxEdge) / float64(width))
	} else {
		newHeight = maxEdge
		newWidth = int(float64(width) * float64(maxEdge) / float64(height))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode resized crop: %w", err)
	}
	return buf.Bytes(), nil
}
