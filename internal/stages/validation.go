package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"regexp"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

// lenientPassScore is the score a document needs when validation is not strict.
const lenientPassScore = 0.7

var formats = map[string]*regexp.Regexp{
	"email": regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`),
	"phone": regexp.MustCompile(`^\+?1?\d{9,15}$`),
	"date":  regexp.MustCompile(`^(\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|\d{4}[-/]\d{1,2}[-/]\d{1,2})$`),
}

var formatFields = map[string]string{
	"invoice_date":     "date",
	"due_date":         "date",
	"transaction_date": "date",
	"effective_date":   "date",
	"end_date":         "date",
	"email":            "email",
	"phone":            "phone",
}

// Validator checks generated schemas and extracted data. Strict validation
// passes when no error-severity check fails; lenient validation passes on score.
type Validator struct{}

func (Validator) Stage() pipeline.Stage {
	return pipeline.Func[ValidationInput, ValidationOutput](models.StageValidation, validateValidationInput, Validator{}.Validate)
}

func validateValidationInput(in ValidationInput) error {
	if len(in.Schema.JSONSchema) == 0 {
		return pipeline.InvalidInput("schema is required")
	}
	if in.DocumentType == "" {
		return pipeline.InvalidInput("document type is required")
	}
	return nil
}

func (Validator) Validate(_ context.Context, in ValidationInput) (ValidationOutput, error) {
	fields, err := jsonFields(in.Schema.Data)
	if err != nil {
		return ValidationOutput{}, pipeline.InvalidInput("%v", err)
	}
	schemaChecks, err := checkSchema(in.Schema.JSONSchema, fields)
	if err != nil {
		return ValidationOutput{}, err
	}

	checks := schemaChecks
	checks = append(checks, formatChecks(fields)...)
	checks = append(checks, Check{
		Field:    "confidence_score",
		Rule:     "range",
		Passed:   in.Schema.Confidence >= 0.5 && in.Schema.Confidence <= 1,
		Severity: SeverityWarning,
		Message:  "confidence score should be between 0.5 and 1.0",
	})
	if c, ok := totalsCheck(in.DocumentType, fields); ok {
		checks = append(checks, c)
	}
	if c, ok := completenessCheck(in.DocumentType, fields); ok {
		checks = append(checks, c)
	}

	out := ValidationOutput{Strict: in.Strict, TotalChecks: len(checks), Checks: checks}
	blocking := 0
	for _, c := range checks {
		switch {
		case c.Passed:
			out.PassedChecks++
		case c.Severity == SeverityError:
			blocking++
			out.Errors = append(out.Errors, c.Message)
		case c.Severity == SeverityWarning:
			out.Warnings = append(out.Warnings, c.Message)
		}
	}
	if out.TotalChecks > 0 {
		out.Score = math.Round(float64(out.PassedChecks)/float64(out.TotalChecks)*1000) / 1000
	}
	if in.Strict {
		out.IsValid = blocking == 0
	} else {
		out.IsValid = out.Score >= lenientPassScore
	}
	return out, nil
}

// jsonFields returns the extracted fields as plain JSON values.
func jsonFields(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data["fields"])
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	fields := map[string]any{}
	if string(raw) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("extracted fields are not an object: %w", err)
	}
	return fields, nil
}

// checkSchema validates fields against the generated JSON Schema. Each leaf
// violation becomes one failed check.
func checkSchema(schemaDoc map[string]any, fields map[string]any) ([]Check, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, pipeline.InvalidInput("encode schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fields.json", bytes.NewReader(raw)); err != nil {
		return nil, pipeline.InvalidInput("add schema: %v", err)
	}
	schema, err := compiler.Compile("fields.json")
	if err != nil {
		return nil, pipeline.InvalidInput("compile schema: %v", err)
	}

	err = schema.Validate(fields)
	if err == nil {
		return []Check{{Field: "fields", Rule: "schema", Passed: true, Severity: SeverityError, Message: "extracted fields match schema"}}, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("validate fields: %w", err)
	}
	var checks []Check
	for _, leaf := range leaves(ve) {
		field := path.Base(leaf.InstanceLocation)
		if field == "/" || field == "." || field == "" {
			field = "fields"
		}
		checks = append(checks, Check{
			Field:    field,
			Rule:     "schema:" + path.Base(leaf.KeywordLocation),
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s: %s", field, leaf.Message),
		})
	}
	return checks, nil
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

func formatChecks(fields map[string]any) []Check {
	names := make([]string, 0, len(formatFields))
	for name := range formatFields {
		names = append(names, name)
	}
	sort.Strings(names)

	var checks []Check
	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		format := formatFields[name]
		s, _ := v.(string)
		checks = append(checks, Check{
			Field:    name,
			Rule:     "format:" + format,
			Passed:   formats[format].MatchString(compactPhone(format, s)),
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s must be a valid %s", name, format),
		})
	}
	return checks
}

func compactPhone(format, s string) string {
	if format != "phone" {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '+' || (r >= '0' && r <= '9') {
			out = append(out, r)
		}
	}
	return string(out)
}

// totalsCheck compares subtotal plus tax with the invoice total when all three are known.
func totalsCheck(docType string, fields map[string]any) (Check, bool) {
	if docType != TypeInvoice {
		return Check{}, false
	}
	sub, ok1 := fields["subtotal"].(float64)
	tax, ok2 := fields["tax_amount"].(float64)
	total, ok3 := fields["total_amount"].(float64)
	if !ok1 || !ok2 || !ok3 {
		return Check{}, false
	}
	return Check{
		Field:    "total_amount",
		Rule:     "cross_field:sum",
		Passed:   math.Abs(sub+tax-total) < 0.01,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("subtotal %.2f plus tax %.2f should equal total %.2f", sub, tax, total),
	}, true
}

func completenessCheck(docType string, fields map[string]any) (Check, bool) {
	profile, ok := profileFor(docType)
	if !ok {
		return Check{}, false
	}
	expected := append(append([]string{}, profile.required...), profile.optional...)
	if len(expected) == 0 {
		return Check{}, false
	}
	ratio := coverage(expected, func(name string) bool { _, ok := fields[name]; return ok })
	return Check{
		Field:    "fields",
		Rule:     "completeness",
		Passed:   ratio >= lenientPassScore,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%.0f%% of expected %s fields present", ratio*100, docType),
	}, true
}
