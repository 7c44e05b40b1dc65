package stages

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"document-pipeline/internal/blob"
	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

// Evidence weights for classification. A filename hint alone reaches the
// acceptance threshold; content evidence is scored by coverage.
const (
	filenameWeight = 0.3
	keywordWeight  = 0.35
	patternWeight  = 0.35

	minTypeConfidence = 0.3
)

type typeProfile struct {
	name      string
	filename  []string
	keywords  []string
	patterns  []*regexp.Regexp
	required  []string
	optional  []string
	rangeRule map[string][2]float64
}

var profiles = []typeProfile{
	{
		name:     TypeInvoice,
		filename: []string{"invoice", "inv", "bill"},
		keywords: []string{"invoice", "inv #", "invoice number", "bill to", "total amount", "due date"},
		patterns: compileAll(
			`(?i)invoice\s*#?\s*:?\s*[a-z\-]*\d+`,
			`(?i)inv\s*#?\s*:?\s*\d+`,
			`(?i)bill\s*to`,
			`(?i)total\s*amount`,
			`(?i)due\s*date`,
		),
		required:  []string{"invoice_number", "vendor_name", "total_amount"},
		optional:  []string{"invoice_date", "due_date", "po_number", "subtotal", "tax_amount"},
		rangeRule: map[string][2]float64{"total_amount": {0, 1_000_000}},
	},
	{
		name:     TypeReceipt,
		filename: []string{"receipt", "rcpt", "purchase"},
		keywords: []string{"receipt", "thank you", "cash", "card", "payment", "purchase"},
		patterns: compileAll(
			`(?i)receipt\s*#?\s*:?\s*\d+`,
			`(?i)thank\s*you\s*for\s*your`,
			`(?i)cash|card|credit`,
			`(?i)purchase\s*date`,
		),
		required: []string{"merchant_name", "total_amount", "transaction_date"},
		optional: []string{"receipt_number", "payment_method"},
	},
	{
		name:     TypeContract,
		filename: []string{"contract", "agreement", "terms"},
		keywords: []string{"contract", "agreement", "party", "terms", "conditions", "signature"},
		patterns: compileAll(
			`(?i)this\s*agreement`,
			`(?i)contract\s*between`,
			`(?i)terms\s*and\s*conditions`,
			`(?i)signature\s*date`,
		),
		required: []string{"party1", "party2", "effective_date"},
		optional: []string{"end_date", "contract_value"},
	},
	{
		name:     TypeForm,
		filename: []string{"form", "application"},
		keywords: []string{"form", "application", "name:", "date:", "please fill", "check one"},
		patterns: compileAll(
			`(?i)application\s*form`,
			`(?i)please\s*(fill|complete)`,
			`(?i)check\s*one`,
			`(?i)name\s*:?\s*_+`,
			`(?i)date\s*:?\s*_+`,
		),
		optional: []string{"email", "phone", "name"},
	},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

func profileFor(docType string) (typeProfile, bool) {
	for _, p := range profiles {
		if p.name == docType {
			return p, true
		}
	}
	return typeProfile{}, false
}

// Classifier determines document type and processing complexity from file
// metadata and, for PDFs with a text layer, the first page of text.
type Classifier struct {
	blobs blob.Store
}

func NewClassifier(blobs blob.Store) *Classifier {
	return &Classifier{blobs: blobs}
}

// Stage adapts the classifier to the pipeline stage contract.
func (c *Classifier) Stage() pipeline.Stage {
	return pipeline.Func[ClassificationInput, ClassificationOutput](models.StageClassification, validateClassification, c.Classify)
}

func validateClassification(in ClassificationInput) error {
	if in.FileRef == "" {
		return pipeline.InvalidInput("file reference is required")
	}
	if !isPDF(in.MIMEType) && !isImage(in.MIMEType) {
		return pipeline.InvalidInput("unsupported mime type %q", in.MIMEType)
	}
	return nil
}

func (c *Classifier) Classify(ctx context.Context, in ClassificationInput) (ClassificationOutput, error) {
	body, err := c.blobs.Get(ctx, in.FileRef)
	if errors.Is(err, blob.ErrNotFound) {
		return ClassificationOutput{}, pipeline.InvalidInput("%v", err)
	}
	if err != nil {
		return ClassificationOutput{}, err
	}

	out := ClassificationOutput{DetectedMIME: sniffMIME(body), PageCount: 1}
	if out.DetectedMIME == "" {
		return out, pipeline.InvalidInput("content of %s is not a supported document format", in.FileName)
	}

	var sample string
	if isPDF(out.DetectedMIME) {
		doc, err := openPDF(body)
		if err != nil {
			return out, pipeline.InvalidInput("%v", err)
		}
		out.PageCount = doc.Pages()
		sample, err = doc.Text(ctx, 1)
		doc.Close()
		if err != nil {
			return out, err
		}
		out.HasTextLayer = len(strings.TrimSpace(sample)) >= nativeTextMinChars
	}
	out.RequiresOCR = !out.HasTextLayer

	out.Scores = scoreTypes(in.FileName, sample)
	out.DocumentType, out.Confidence = TypeUnknown, 0
	for _, p := range profiles {
		if s := out.Scores[p.name]; s > out.Confidence {
			out.DocumentType, out.Confidence = p.name, s
		}
	}
	if out.Confidence < minTypeConfidence {
		out.DocumentType = TypeUnknown
	}
	out.Complexity = complexity(in.FileSize, out.PageCount, out.HasTextLayer)
	return out, nil
}

func scoreTypes(fileName, text string) map[string]float64 {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)))
	lower := strings.ToLower(text)
	scores := make(map[string]float64, len(profiles))
	for _, p := range profiles {
		var c Confidence
		c.Add(boolScore(containsAny(base, p.filename)), filenameWeight)
		c.Add(coverage(p.keywords, func(k string) bool { return strings.Contains(lower, k) }), keywordWeight)
		c.Add(coverage(p.patterns, func(re *regexp.Regexp) bool { return re.MatchString(text) }), patternWeight)
		scores[p.name] = c.Score()
	}
	return scores
}

func complexity(size int64, pages int, textLayer bool) string {
	switch {
	case textLayer && pages <= 10:
		return "low"
	case size > 5<<20 || pages > 10:
		return "high"
	}
	return "medium"
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func coverage[T any](items []T, match func(T) bool) float64 {
	if len(items) == 0 {
		return 0
	}
	hits := 0
	for _, it := range items {
		if match(it) {
			hits++
		}
	}
	return float64(hits) / float64(len(items))
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
