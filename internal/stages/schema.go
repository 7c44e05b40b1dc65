package stages

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

const schemaDialect = "https://json-schema.org/draft/2020-12/schema"

// SchemaGenerator turns analysis output into extracted data plus a JSON Schema
// describing the fields expected for the document type.
type SchemaGenerator struct {
	now func() time.Time
}

func NewSchemaGenerator() *SchemaGenerator {
	return &SchemaGenerator{now: time.Now}
}

func (g *SchemaGenerator) Stage() pipeline.Stage {
	return pipeline.Func[SchemaInput, SchemaOutput](models.StageSchema, validateSchemaInput, g.Generate)
}

func validateSchemaInput(in SchemaInput) error {
	if in.DocumentType == "" {
		return pipeline.InvalidInput("document type is required")
	}
	return nil
}

func (g *SchemaGenerator) Generate(_ context.Context, in SchemaInput) (SchemaOutput, error) {
	profile, _ := profileFor(in.DocumentType)

	fields := make(map[string]any, len(in.Analysis.Fields))
	confidences := make(map[string]float64, len(in.Analysis.Fields))
	var conf Confidence
	for _, f := range in.Analysis.Fields {
		fields[f.Name] = f.Value
		confidences[f.Name] = f.Confidence
		conf.Add(f.Confidence, 1)
	}
	for _, t := range in.Analysis.Tables {
		conf.Add(t.Confidence, 1)
	}
	if len(profile.required) > 0 {
		conf.Add(coverage(profile.required, func(name string) bool { _, ok := fields[name]; return ok }), 1)
	}

	tables := make([]map[string]any, 0, len(in.Analysis.Tables))
	for _, t := range in.Analysis.Tables {
		tables = append(tables, map[string]any{
			"headers":    t.Headers,
			"rows":       t.Rows,
			"row_count":  len(t.Rows),
			"confidence": t.Confidence,
		})
	}

	data := map[string]any{
		"document_type":    in.DocumentType,
		"fields":           fields,
		"field_confidence": confidences,
		"tables":           tables,
		"ocr_confidence":   in.OCRConfidence,
	}
	if s := structure(in.DocumentType, fields, tables); s != nil {
		data["structured"] = s
	}

	return SchemaOutput{
		SchemaID:     uuid.New().String(),
		DocumentID:   in.DocumentID,
		DocumentType: in.DocumentType,
		Confidence:   conf.Score(),
		JSONSchema:   fieldSchema(in.DocumentType, profile, fields),
		Data:         data,
		GeneratedAt:  g.now().UTC(),
	}, nil
}

// fieldSchema describes the "fields" object of the extracted data.
func fieldSchema(docType string, profile typeProfile, fields map[string]any) map[string]any {
	props := map[string]any{}
	for _, name := range append(append([]string{}, profile.required...), profile.optional...) {
		props[name] = map[string]any{"type": expectedType(name)}
	}
	for name, v := range fields {
		if _, ok := props[name]; ok {
			continue
		}
		t := "string"
		if _, isNum := v.(float64); isNum {
			t = "number"
		}
		props[name] = map[string]any{"type": t}
	}
	for name, bounds := range profile.rangeRule {
		props[name] = map[string]any{"type": "number", "minimum": bounds[0], "maximum": bounds[1]}
	}
	required := append([]string{}, profile.required...)
	return map[string]any{
		"$schema":    schemaDialect,
		"title":      docType + " fields",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func expectedType(field string) string {
	switch {
	case strings.HasSuffix(field, "_amount"), strings.HasSuffix(field, "_value"), field == "subtotal":
		return "number"
	}
	return "string"
}

func structure(docType string, fields map[string]any, tables []map[string]any) map[string]any {
	firstRows := func() any {
		if len(tables) == 0 {
			return []any{}
		}
		return tables[0]["rows"]
	}
	switch docType {
	case TypeInvoice:
		return map[string]any{
			"invoice_details": map[string]any{"number": fields["invoice_number"], "date": fields["invoice_date"], "due_date": fields["due_date"], "po_number": fields["po_number"]},
			"vendor":          map[string]any{"name": fields["vendor_name"], "tax_id": fields["tax_id"]},
			"amounts":         map[string]any{"subtotal": fields["subtotal"], "tax": fields["tax_amount"], "total": fields["total_amount"]},
			"line_items":      firstRows(),
		}
	case TypeReceipt:
		return map[string]any{
			"transaction": map[string]any{"number": fields["receipt_number"], "date": fields["transaction_date"], "merchant": fields["merchant_name"]},
			"payment":     map[string]any{"method": fields["payment_method"], "total": fields["total_amount"]},
			"items":       firstRows(),
		}
	case TypeContract:
		return map[string]any{
			"parties": map[string]any{"party1": fields["party1"], "party2": fields["party2"]},
			"dates":   map[string]any{"effective": fields["effective_date"], "termination": fields["end_date"]},
			"terms":   map[string]any{"value": fields["contract_value"]},
		}
	}
	return nil
}
