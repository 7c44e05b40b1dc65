package stages

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/rs/zerolog"

	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, h/2, color.RGBA{R: 200, G: 30, B: 30, A: 255})
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func storeFile(t *testing.T, st blob.Store, key string, body []byte) string {
	t.Helper()
	ref, err := st.Put(context.Background(), key, body, "application/octet-stream")
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
	return ref
}

func TestConfidenceIsWeightedMean(t *testing.T) {
	var c Confidence
	if c.Score() != 0 {
		t.Fatalf("empty confidence should score 0")
	}
	c.Add(1, 0.3)
	c.Add(0.5, 0.7)
	c.Add(1, 0)
	if got := c.Score(); got != 0.65 {
		t.Fatalf("expected 0.65, got %v", got)
	}
	c.Add(4, 1)
	if got := c.Score(); got != 0.825 {
		t.Fatalf("values are clamped to 1, got %v", got)
	}
}

func TestSniffMIME(t *testing.T) {
	cases := map[string]string{
		"%PDF-1.7\n":           "application/pdf",
		"\x89PNG\r\n\x1a\nxxx": "image/png",
		"\xff\xd8\xff\xe0":     "image/jpeg",
		"II*\x00....":          "image/tiff",
		"MM\x00*....":          "image/tiff",
		"BM......":             "image/bmp",
		"hello world":          "",
	}
	for body, want := range cases {
		if got := sniffMIME([]byte(body)); got != want {
			t.Fatalf("sniff %q: expected %q, got %q", body, want, got)
		}
	}
}

func TestClassifierUsesFilenameAndContent(t *testing.T) {
	ctx := context.Background()
	st := blob.NewLocalStore(t.TempDir())
	c := NewClassifier(st)

	ref := storeFile(t, st, "invoice_march.png", pngBytes(t, 20, 20))
	out, err := c.Classify(ctx, ClassificationInput{FileRef: ref, FileName: "invoice_march.png", MIMEType: "image/png", FileSize: 512})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if out.DocumentType != TypeInvoice || out.Confidence != 0.3 {
		t.Fatalf("expected invoice at 0.3, got %s %.3f", out.DocumentType, out.Confidence)
	}
	if !out.RequiresOCR || out.DetectedMIME != "image/png" || out.Complexity != "medium" {
		t.Fatalf("unexpected classification %+v", out)
	}

	ref = storeFile(t, st, "scan.png", pngBytes(t, 20, 20))
	out, err = c.Classify(ctx, ClassificationInput{FileRef: ref, FileName: "scan.png", MIMEType: "image/png"})
	if err != nil || out.DocumentType != TypeUnknown {
		t.Fatalf("expected unknown, got %+v %v", out, err)
	}

	scores := scoreTypes("scan.pdf", stubText[TypeInvoice])
	if scores[TypeInvoice] < minTypeConfidence || scores[TypeInvoice] <= scores[TypeReceipt] {
		t.Fatalf("invoice text should score as invoice: %v", scores)
	}
}

func TestClassifierRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	st := blob.NewLocalStore(t.TempDir())
	stage := NewClassifier(st).Stage()

	if err := stage.Validate(ClassificationInput{FileRef: "file://a.txt", MIMEType: "text/plain"}); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("expected invalid input for text/plain, got %v", err)
	}
	if err := stage.Validate("not an input"); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("expected invalid input for wrong type, got %v", err)
	}

	ref := storeFile(t, st, "fake.png", []byte("definitely not an image"))
	if _, err := stage.Execute(ctx, ClassificationInput{FileRef: ref, MIMEType: "image/png"}); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unrecognised content, got %v", err)
	}
	if _, err := stage.Execute(ctx, ClassificationInput{FileRef: "file://missing.png", MIMEType: "image/png"}); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing blob, got %v", err)
	}
}

type recordingProvider struct {
	requests []OCRRequest
	text     string
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Recognize(_ context.Context, req OCRRequest) (OCRPage, error) {
	p.requests = append(p.requests, req)
	return OCRPage{Number: req.PageNumber, Text: p.text, Confidence: 0.9, WordCount: 2}, nil
}

func TestOCRPreparesImagesForProvider(t *testing.T) {
	ctx := context.Background()
	st := blob.NewLocalStore(t.TempDir())
	ref := storeFile(t, st, "wide.png", pngBytes(t, 3000, 100))
	provider := &recordingProvider{text: "hello world"}

	out, err := NewOCR(st, provider, zerolog.Nop()).Extract(ctx, OCRInput{FileRef: ref, MIMEType: "image/png", DocumentType: TypeReceipt})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out.FullText != "hello world" || out.Method != MethodProvider || out.AverageConfidence != 0.9 {
		t.Fatalf("unexpected output %+v", out)
	}
	if len(provider.requests) != 1 {
		t.Fatalf("expected one provider call, got %d", len(provider.requests))
	}
	req := provider.requests[0]
	if req.DocumentType != TypeReceipt || req.MIMEType != "image/png" || req.PageNumber != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	img, err := png.Decode(bytes.NewReader(req.Image))
	if err != nil {
		t.Fatalf("provider should receive png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != maxOCREdge {
		t.Fatalf("expected image fitted to %d px, got %v", maxOCREdge, b)
	}
	r, g, bl, _ := img.At(0, 50).RGBA()
	if r != g || g != bl {
		t.Fatalf("expected grayscale pixels, got %d %d %d", r, g, bl)
	}
}

func TestOCRWithStubProvider(t *testing.T) {
	st := blob.NewLocalStore(t.TempDir())
	ref := storeFile(t, st, "r.png", pngBytes(t, 10, 10))
	stage := NewOCR(st, StubProvider{}, zerolog.Nop()).Stage()

	raw, err := stage.Execute(context.Background(), OCRInput{FileRef: ref, MIMEType: "image/png", DocumentType: TypeInvoice})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := raw.(OCROutput)
	if out.FullText != stubText[TypeInvoice] || out.Provider != "stub" {
		t.Fatalf("unexpected stub output %+v", out)
	}
}

func TestAnalyzeInvoiceText(t *testing.T) {
	out, err := Analyze(context.Background(), AnalysisInput{Text: stubText[TypeInvoice], DocumentType: TypeInvoice, ConfidenceThreshold: 0.7})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	got := map[string]any{}
	for _, f := range out.Fields {
		got[f.Name] = f.Value
	}
	want := map[string]any{
		"invoice_number": "INV-12345",
		"vendor_name":    "ACME Supplies Ltd",
		"invoice_date":   "01/15/2025",
		"due_date":       "02/15/2025",
		"total_amount":   145.8,
		"tax_amount":     10.8,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %s: expected %v, got %v (all %v)", k, v, got[k], got)
		}
	}
	if _, ok := got["subtotal"]; ok {
		t.Fatalf("subtotal is below the confidence threshold and should be dropped")
	}
	if out.TotalExtracted != len(out.Fields)+1 {
		t.Fatalf("expected one filtered field, got total=%d kept=%d", out.TotalExtracted, len(out.Fields))
	}
}

func TestAnalyzeOtherTypes(t *testing.T) {
	cases := []struct {
		docType string
		want    map[string]any
	}{
		{TypeReceipt, map[string]any{"merchant_name": "Corner Market", "total_amount": 5.7, "payment_method": "credit_card", "receipt_number": "88123"}},
		{TypeContract, map[string]any{"party1": "Acme Corp", "party2": "Globex Inc", "effective_date": "01/01/2025", "end_date": "12/31/2025", "contract_value": 50000.0}},
		{TypeForm, map[string]any{"name": "Jane Doe", "email": "jane.doe@example.com", "phone": "+15551234567"}},
	}
	for _, tc := range cases {
		out, err := Analyze(context.Background(), AnalysisInput{Text: stubText[tc.docType], DocumentType: tc.docType})
		if err != nil {
			t.Fatalf("%s: %v", tc.docType, err)
		}
		got := map[string]any{}
		for _, f := range out.Fields {
			got[f.Name] = f.Value
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Fatalf("%s field %s: expected %v, got %v", tc.docType, k, v, got[k])
			}
		}
	}
}

func TestAnalysisRejectsEmptyText(t *testing.T) {
	if err := AnalysisStage().Validate(AnalysisInput{Text: "  ", DocumentType: TypeUnknown}); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExtractTables(t *testing.T) {
	text := "Item  Qty  Price\nWidget  2  10.00\nGadget  1  5.50\nnot a row"
	tables := extractTables(text)
	if len(tables) != 1 || len(tables[0].Rows) != 2 {
		t.Fatalf("expected one table with two rows, got %+v", tables)
	}
	if tables[0].Rows[1]["Price"] != "5.50" {
		t.Fatalf("unexpected row %+v", tables[0].Rows[1])
	}
}

func TestSchemaAndValidationAcceptCompleteInvoice(t *testing.T) {
	ctx := context.Background()
	analysis, _ := Analyze(ctx, AnalysisInput{Text: stubText[TypeInvoice], DocumentType: TypeInvoice, ConfidenceThreshold: 0.7})
	schema, err := NewSchemaGenerator().Generate(ctx, SchemaInput{DocumentID: "doc-1", DocumentType: TypeInvoice, Analysis: analysis, OCRConfidence: 0.85})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if schema.SchemaID == "" || schema.DocumentID != "doc-1" || schema.Confidence < 0.5 {
		t.Fatalf("unexpected schema %+v", schema)
	}
	if _, ok := schema.Data["structured"]; !ok {
		t.Fatalf("invoice data should carry a structured view")
	}

	out, err := Validator{}.Validate(ctx, ValidationInput{Schema: schema, DocumentType: TypeInvoice, Strict: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !out.IsValid || out.Score != 1 || len(out.Errors) != 0 {
		t.Fatalf("expected a clean pass, got %+v", out)
	}
}

func TestValidationFlagsSchemaViolations(t *testing.T) {
	ctx := context.Background()
	analysis := AnalysisOutput{DocumentType: TypeInvoice, Fields: []Field{
		{Name: "vendor_name", Value: "Some Vendor", Confidence: 0.7},
		{Name: "total_amount", Value: "a lot", Confidence: 0.8},
	}}
	schema, _ := NewSchemaGenerator().Generate(ctx, SchemaInput{DocumentType: TypeInvoice, Analysis: analysis})

	out, err := Validator{}.Validate(ctx, ValidationInput{Schema: schema, DocumentType: TypeInvoice, Strict: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.IsValid {
		t.Fatalf("missing invoice number must fail strict validation: %+v", out)
	}
	failed := map[string]string{}
	for _, c := range out.Checks {
		if !c.Passed {
			failed[c.Field] = c.Rule
		}
	}
	if failed["fields"] != "schema:required" && failed["fields"] != "completeness" {
		t.Fatalf("expected a required-field failure, got %v", failed)
	}
	if failed["total_amount"] != "schema:type" {
		t.Fatalf("expected a type failure on total_amount, got %v", failed)
	}
}

func TestValidationLenientModeUsesScore(t *testing.T) {
	ctx := context.Background()
	schema := SchemaOutput{
		DocumentType: TypeUnknown,
		Confidence:   0.9,
		JSONSchema: map[string]any{
			"type":     "object",
			"required": []any{"reference"},
		},
		Data: map[string]any{"fields": map[string]any{
			"email":            "a@example.com",
			"phone":            "+1 555 123 4567",
			"invoice_date":     "01/02/2025",
			"due_date":         "2025-02-01",
			"transaction_date": "03/04/25",
		}},
	}
	strict, err := Validator{}.Validate(ctx, ValidationInput{Schema: schema, DocumentType: TypeUnknown, Strict: true})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if strict.IsValid {
		t.Fatalf("strict mode must reject an error-severity failure")
	}
	lenient, _ := Validator{}.Validate(ctx, ValidationInput{Schema: schema, DocumentType: TypeUnknown, Strict: false})
	if !lenient.IsValid || lenient.TotalChecks != 7 || lenient.PassedChecks != 6 {
		t.Fatalf("lenient mode should pass on score, got %+v", lenient)
	}
}

func TestValidationRejectsMissingSchema(t *testing.T) {
	err := Validator{}.Stage().Validate(ValidationInput{DocumentType: TypeInvoice})
	if !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRegistryMapsInputsFromPriorResults(t *testing.T) {
	cfg := config.Config{OCRConfidenceThreshold: 0.5, ValidationStrict: false}
	reg, err := NewRegistry(cfg, blob.NewLocalStore(t.TempDir()), StubProvider{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if names := reg.Names(); len(names) != len(models.StageOrder) {
		t.Fatalf("expected every stage registered, got %v", names)
	}

	job := models.JobDescriptor{JobID: "job-1", DocumentID: "doc-1", Input: models.DocumentInput{FileRef: "file://a.pdf", MIMEType: "application/pdf"}}
	empty := map[models.StageName]models.StageResult{}

	ocrReg, _ := reg.Lookup(models.StageOCR)
	if in := ocrReg.Input(job, empty).(OCRInput); in.DocumentType != TypeUnknown || in.FileRef != "file://a.pdf" {
		t.Fatalf("missing classification should map to unknown: %+v", in)
	}
	analysisReg, _ := reg.Lookup(models.StageAnalysis)
	if in := analysisReg.Input(job, empty).(AnalysisInput); in.Text != "" || in.ConfidenceThreshold != 0.5 {
		t.Fatalf("unexpected analysis input %+v", in)
	}
	validationReg, _ := reg.Lookup(models.StageValidation)
	if in := validationReg.Input(job, empty).(ValidationInput); in.Strict {
		t.Fatalf("strictness should follow config")
	}

	results := map[models.StageName]models.StageResult{
		models.StageClassification: {Status: models.StatusCompleted, Payload: []byte(`{"document_type":"receipt"}`)},
		models.StageOCR:            {Status: models.StatusFailed, Payload: []byte(`{"full_text":"ignored"}`)},
	}
	in := analysisReg.Input(job, results).(AnalysisInput)
	if in.DocumentType != TypeReceipt || in.Text != "" {
		t.Fatalf("failed results must not feed later stages: %+v", in)
	}
}
