package stages

import (
	"context"
	"errors"
	"image"
	"strings"

	"github.com/rs/zerolog"

	"document-pipeline/internal/blob"
	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

// OCR methods reported in OCROutput.Method.
const (
	MethodPDFText  = "pdf_extraction"
	MethodProvider = "ocr"
)

// OCR extracts text from a stored document. PDFs with a usable text layer are
// read directly; scanned PDFs and images go to the provider page by page.
type OCR struct {
	blobs    blob.Store
	provider OCRProvider
	logger   zerolog.Logger
}

func NewOCR(blobs blob.Store, provider OCRProvider, logger zerolog.Logger) *OCR {
	return &OCR{blobs: blobs, provider: provider, logger: logger}
}

func (o *OCR) Stage() pipeline.Stage {
	return pipeline.Func[OCRInput, OCROutput](models.StageOCR, validateOCR, o.Extract)
}

func validateOCR(in OCRInput) error {
	if in.FileRef == "" {
		return pipeline.InvalidInput("file reference is required")
	}
	return nil
}

func (o *OCR) Extract(ctx context.Context, in OCRInput) (OCROutput, error) {
	body, err := o.blobs.Get(ctx, in.FileRef)
	if errors.Is(err, blob.ErrNotFound) {
		return OCROutput{}, pipeline.InvalidInput("%v", err)
	}
	if err != nil {
		return OCROutput{}, err
	}

	mime := sniffMIME(body)
	if mime == "" {
		mime = in.MIMEType
	}
	log := o.logger.With().Str("file_ref", in.FileRef).Str("mime_type", mime).Logger()
	if job, ok := pipeline.JobFromContext(ctx); ok {
		log = log.With().Str("job_id", job.JobID).Logger()
	}

	switch {
	case isPDF(mime):
		return o.extractPDF(ctx, log, body, in.DocumentType)
	case isImage(mime):
		img, _, err := decodeImage(body)
		if err != nil {
			return OCROutput{}, pipeline.InvalidInput("%v", err)
		}
		page, err := o.recognize(ctx, img, 1, in.DocumentType)
		if err != nil {
			return OCROutput{}, err
		}
		return o.combine([]OCRPage{page}), nil
	}
	return OCROutput{}, pipeline.InvalidInput("unsupported mime type %q", mime)
}

func (o *OCR) extractPDF(ctx context.Context, log zerolog.Logger, body []byte, docType string) (OCROutput, error) {
	doc, err := openPDF(body)
	if err != nil {
		return OCROutput{}, pipeline.InvalidInput("%v", err)
	}
	defer doc.Close()

	text, err := doc.Text(ctx, maxPDFPages)
	if err != nil {
		return OCROutput{}, err
	}
	if len(strings.TrimSpace(text)) >= nativeTextMinChars {
		log.Info().Int("chars", len(text)).Msg("pdf has extractable text, skipping ocr")
		return OCROutput{
			FullText:          text,
			Pages:             []OCRPage{{Number: 1, Text: text, Confidence: 1, WordCount: len(strings.Fields(text))}},
			AverageConfidence: 1,
			Method:            MethodPDFText,
		}, nil
	}

	n := min(doc.Pages(), maxPDFPages)
	pages := make([]OCRPage, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.Render(i)
		if err != nil {
			return OCROutput{}, err
		}
		page, err := o.recognize(ctx, img, i+1, docType)
		if err != nil {
			return OCROutput{}, err
		}
		pages = append(pages, page)
	}
	log.Info().Int("pages", len(pages)).Str("provider", o.provider.Name()).Msg("pdf sent to ocr provider")
	return o.combine(pages), nil
}

func (o *OCR) recognize(ctx context.Context, img image.Image, page int, docType string) (OCRPage, error) {
	prepared, err := prepareForOCR(img)
	if err != nil {
		return OCRPage{}, pipeline.InvalidInput("%v", err)
	}
	return o.provider.Recognize(ctx, OCRRequest{
		Image:        prepared,
		MIMEType:     "image/png",
		PageNumber:   page,
		DocumentType: docType,
	})
}

func (o *OCR) combine(pages []OCRPage) OCROutput {
	out := OCROutput{Pages: pages, Method: MethodProvider, Provider: o.provider.Name()}
	texts := make([]string, 0, len(pages))
	var conf Confidence
	for _, p := range pages {
		texts = append(texts, p.Text)
		conf.Add(p.Confidence, 1)
	}
	out.FullText = strings.Join(texts, "\n\n")
	out.AverageConfidence = conf.Score()
	return out
}
