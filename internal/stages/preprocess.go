package stages

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// maxOCREdge bounds the longer side of images sent to the OCR provider.
const maxOCREdge = 2000

// decodeImage decodes any registered format, including TIFF and BMP scans.
func decodeImage(body []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// prepareForOCR converts img to grayscale, shrinks it to fit maxOCREdge and
// encodes it as PNG.
func prepareForOCR(img image.Image) ([]byte, error) {
	img = imaging.Grayscale(img)
	b := img.Bounds()
	if b.Dx() > maxOCREdge || b.Dy() > maxOCREdge {
		img = imaging.Fit(img, maxOCREdge, maxOCREdge, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
