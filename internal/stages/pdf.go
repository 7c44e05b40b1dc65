package stages

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// nativeTextMinChars is how much text a PDF text layer must yield before OCR is skipped.
const nativeTextMinChars = 100

// maxPDFPages bounds how many pages are read or rendered per document.
const maxPDFPages = 20

var (
	magicPDF  = []byte("%PDF-")
	magicPNG  = []byte("\x89PNG\r\n\x1a\n")
	magicJPEG = []byte("\xff\xd8\xff")
	magicGIF  = []byte("GIF8")
	magicTIFF = [][]byte{[]byte("II*\x00"), []byte("MM\x00*")}
	magicBMP  = []byte("BM")
)

// sniffMIME identifies the supported formats by their leading bytes. It returns
// "" for anything else.
func sniffMIME(body []byte) string {
	switch {
	case bytes.HasPrefix(body, magicPDF):
		return "application/pdf"
	case bytes.HasPrefix(body, magicPNG):
		return "image/png"
	case bytes.HasPrefix(body, magicJPEG):
		return "image/jpeg"
	case bytes.HasPrefix(body, magicGIF):
		return "image/gif"
	case bytes.HasPrefix(body, magicTIFF[0]), bytes.HasPrefix(body, magicTIFF[1]):
		return "image/tiff"
	case bytes.HasPrefix(body, magicBMP):
		return "image/bmp"
	}
	return ""
}

func isPDF(mime string) bool { return mime == "application/pdf" }

func isImage(mime string) bool { return strings.HasPrefix(mime, "image/") }

// pdfDoc wraps a go-fitz document opened from memory.
type pdfDoc struct {
	doc *fitz.Document
}

func openPDF(body []byte) (*pdfDoc, error) {
	doc, err := fitz.NewFromMemory(body)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &pdfDoc{doc: doc}, nil
}

func (p *pdfDoc) Close() { _ = p.doc.Close() }

func (p *pdfDoc) Pages() int { return p.doc.NumPage() }

// Text concatenates the text layer of up to maxPages pages.
func (p *pdfDoc) Text(ctx context.Context, maxPages int) (string, error) {
	n := min(p.doc.NumPage(), maxPages)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := p.doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("extract text from page %d: %w", i+1, err)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.TrimSpace(text))
	}
	return sb.String(), nil
}

// Render rasterises page i (0-based).
func (p *pdfDoc) Render(i int) (image.Image, error) {
	img, err := p.doc.Image(i)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", i+1, err)
	}
	return img, nil
}
