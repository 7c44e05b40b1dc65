package stages

import "time"

// Document types recognised by classification.
const (
	TypeInvoice  = "invoice"
	TypeReceipt  = "receipt"
	TypeContract = "contract"
	TypeForm     = "form"
	TypeUnknown  = "unknown"
)

type ClassificationInput struct {
	DocumentID string
	FileRef    string
	FileName   string
	MIMEType   string
	FileSize   int64
}

type ClassificationOutput struct {
	DocumentType string             `json:"document_type"`
	Confidence   float64            `json:"confidence"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	DetectedMIME string             `json:"detected_mime"`
	PageCount    int                `json:"page_count"`
	HasTextLayer bool               `json:"has_text_layer"`
	RequiresOCR  bool               `json:"requires_ocr"`
	Complexity   string             `json:"complexity"`
}

type OCRInput struct {
	FileRef      string
	FileName     string
	MIMEType     string
	DocumentType string
}

type OCRPage struct {
	Number     int     `json:"page_number"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	WordCount  int     `json:"word_count"`
}

type OCROutput struct {
	FullText          string    `json:"full_text"`
	Pages             []OCRPage `json:"pages"`
	AverageConfidence float64   `json:"average_confidence"`
	Method            string    `json:"method"`
	Provider          string    `json:"provider,omitempty"`
}

type AnalysisInput struct {
	Text                string
	DocumentType        string
	ConfidenceThreshold float64
}

// Field is one extracted value. Value is a string or a float64.
type Field struct {
	Name       string  `json:"name"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type Table struct {
	Headers    []string            `json:"headers"`
	Rows       []map[string]string `json:"rows"`
	Confidence float64             `json:"confidence"`
}

type AnalysisOutput struct {
	DocumentType         string  `json:"document_type"`
	Fields               []Field `json:"fields"`
	Tables               []Table `json:"tables"`
	TotalExtracted       int     `json:"total_fields_extracted"`
	ExtractionConfidence float64 `json:"extraction_confidence"`
}

type SchemaInput struct {
	DocumentID    string
	DocumentType  string
	Analysis      AnalysisOutput
	OCRConfidence float64
}

type SchemaOutput struct {
	SchemaID     string         `json:"schema_id"`
	DocumentID   string         `json:"document_id"`
	DocumentType string         `json:"document_type"`
	Confidence   float64        `json:"confidence_score"`
	JSONSchema   map[string]any `json:"json_schema"`
	Data         map[string]any `json:"extracted_data"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

type ValidationInput struct {
	Schema       SchemaOutput
	DocumentType string
	Strict       bool
}

// Check severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

type Check struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Passed   bool   `json:"passed"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

type ValidationOutput struct {
	IsValid      bool     `json:"is_valid"`
	Score        float64  `json:"score"`
	Strict       bool     `json:"strict"`
	TotalChecks  int      `json:"total_checks"`
	PassedChecks int      `json:"passed_checks"`
	Checks       []Check  `json:"checks"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}
