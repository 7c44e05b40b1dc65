package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/config"
	"document-pipeline/internal/pipeline"
	"document-pipeline/internal/telemetry"
)

// OCRRequest is one page image sent to a provider.
type OCRRequest struct {
	Image        []byte
	MIMEType     string
	PageNumber   int
	DocumentType string
}

// OCRProvider recognises text in a single page image.
type OCRProvider interface {
	Name() string
	Recognize(ctx context.Context, req OCRRequest) (OCRPage, error)
}

// Limiter throttles calls to an external provider.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// NewProvider selects the provider named by OCR_PROVIDER. Without an API key the
// deterministic stub is used.
func NewProvider(cfg config.Config, limiter Limiter, logger zerolog.Logger) OCRProvider {
	switch strings.ToLower(cfg.OCRProvider) {
	case "http", "mistral":
		if cfg.OCRAPIKey != "" {
			return NewHTTPProvider(cfg.OCRAPIURL, cfg.OCRAPIKey, limiter, nil)
		}
		logger.Warn().Str("provider", cfg.OCRProvider).Msg("no OCR api key configured, using stub provider")
	}
	return StubProvider{}
}

// HTTPProvider posts base64-encoded pages to an OCR HTTP API.
type HTTPProvider struct {
	url     string
	apiKey  string
	client  *http.Client
	limiter Limiter
}

// NewHTTPProvider builds a provider. A nil client gets a traced client with a
// 60s timeout; a nil limiter disables throttling.
func NewHTTPProvider(url, apiKey string, limiter Limiter, client *http.Client) *HTTPProvider {
	if client == nil {
		client = telemetry.HTTPClient(60 * time.Second)
	}
	return &HTTPProvider{url: url, apiKey: apiKey, client: client, limiter: limiter}
}

func (p *HTTPProvider) Name() string { return "http" }

type ocrAPIRequest struct {
	File       string         `json:"file"`
	FileType   string         `json:"file_type"`
	PageNumber int            `json:"page_number"`
	Options    map[string]any `json:"ocr_options"`
}

type ocrAPIResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (p *HTTPProvider) Recognize(ctx context.Context, req OCRRequest) (OCRPage, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, "ocr-provider"); err != nil {
			return OCRPage{}, fmt.Errorf("ocr rate limit: %w", err)
		}
	}
	body, err := json.Marshal(ocrAPIRequest{
		File:       base64.StdEncoding.EncodeToString(req.Image),
		FileType:   strings.TrimPrefix(req.MIMEType, "image/"),
		PageNumber: req.PageNumber,
		Options:    map[string]any{"language": "en", "detect_tables": true, "detect_layout": true},
	})
	if err != nil {
		return OCRPage{}, fmt.Errorf("encode ocr request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return OCRPage{}, fmt.Errorf("build ocr request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return OCRPage{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return OCRPage{}, fmt.Errorf("ocr provider returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return OCRPage{}, pipeline.InvalidInput("ocr provider rejected page %d: %d %s", req.PageNumber, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out ocrAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OCRPage{}, fmt.Errorf("decode ocr response: %w", err)
	}
	return OCRPage{
		Number:     req.PageNumber,
		Text:       out.Text,
		Confidence: clamp01(out.Confidence),
		WordCount:  len(strings.Fields(out.Text)),
	}, nil
}

// StubProvider returns canned text per document type. It keeps the pipeline
// runnable without an OCR account.
type StubProvider struct{}

func (StubProvider) Name() string { return "stub" }

var stubText = map[string]string{
	TypeInvoice: "ACME Supplies Ltd\nINVOICE\nInvoice Number: INV-12345\nDate: 01/15/2025\nDue Date: 02/15/2025\nBill To: Sample Customer\nSubtotal: $135.00\nTax: $10.80\nTotal Amount: $145.80",
	TypeReceipt: "Corner Market\nReceipt #: 88123\n01/15/2025\nMilk  2.50\nBread  3.20\nTotal: $5.70\nPaid with VISA ****1234\nThank you for your purchase",
	TypeContract: "SERVICE AGREEMENT\nThis agreement is made between Acme Corp and Globex Inc.\n" +
		"Effective date: 01/01/2025\nTermination date: 12/31/2025\nContract value: $50,000.00\nTerms and conditions apply.",
	TypeForm: "APPLICATION FORM\nName: Jane Doe\nEmail: jane.doe@example.com\nPhone: +15551234567",
}

func (StubProvider) Recognize(ctx context.Context, req OCRRequest) (OCRPage, error) {
	if err := ctx.Err(); err != nil {
		return OCRPage{}, err
	}
	text, ok := stubText[req.DocumentType]
	if !ok {
		text = "Document text\nReference: 01/15/2025\nAmount: $100.00\nContact: info@example.com"
	}
	return OCRPage{
		Number:     req.PageNumber,
		Text:       text,
		Confidence: 0.85,
		WordCount:  len(strings.Fields(text)),
	}, nil
}
