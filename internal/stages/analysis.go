package stages

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

var (
	reEmail         = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	rePhone         = regexp.MustCompile(`\+?\(?\d{1,4}\)?[-\s.]?\(?\d{1,4}\)?[-\s.]?\d{1,5}[-\s.]?\d{1,5}`)
	reDate          = regexp.MustCompile(`\b\d{1,2}[-/]\d{1,2}[-/]\d{2,4}\b|\b\d{4}[-/]\d{1,2}[-/]\d{1,2}\b`)
	reAmount        = regexp.MustCompile(`\$\s*\d{1,3}(?:,\d{3})*(?:\.\d{2})?|\b\d{1,3}(?:,\d{3})*\.\d{2}\b`)
	reInvoiceNumber = regexp.MustCompile(`(?i)(?:invoice\s+number|invoice|inv|bill)[\s#:]*([A-Z0-9][A-Z0-9\-]*\d[A-Z0-9\-]*)`)
	rePONumber      = regexp.MustCompile(`(?i)\b(?:P\.O\.|PO|purchase order)[\s#:]+([A-Z0-9\-]+)`)
	reTaxID         = regexp.MustCompile(`(?i)\b(?:tax id|ein|tin)[\s:]*([0-9\-]+)`)
	reTax           = regexp.MustCompile(`(?i)(?:tax|vat|gst)[\s:]*\$?\s*(\d+(?:\.\d{2})?)`)
	reTotal         = regexp.MustCompile(`(?i)(?:grand total|amount due|total amount|total)[\s:]*\$?\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`)
	reReceiptNumber = regexp.MustCompile(`(?i)(?:receipt|transaction|trans)[\s#:]*(\d[A-Z0-9\-]*)`)
	reParties       = regexp.MustCompile(`(?i)between\s+([^,\n]+?)\s+(?:and|,)\s+([^,\n.]+)`)
	reEffective     = regexp.MustCompile(`(?i)(?:effective|commencement|start).*?(\d{1,2}[-/]\d{1,2}[-/]\d{2,4})`)
	reEnd           = regexp.MustCompile(`(?i)(?:termination|expiration|end).*?(\d{1,2}[-/]\d{1,2}[-/]\d{2,4})`)
	reContractValue = regexp.MustCompile(`(?i)(?:total value|contract value|amount)[\s:]*\$?\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`)
	reFormField     = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z ]{0,40}?)\s*:\s*(\S[^\n]*)$`)
	reCell          = regexp.MustCompile(`\t+|\s{2,}|\|`)
)

var paymentMethods = []struct {
	re     *regexp.Regexp
	method string
}{
	{regexp.MustCompile(`(?i)(?:visa|mastercard|amex|discover)`), "credit_card"},
	{regexp.MustCompile(`(?i)\bcash\b`), "cash"},
	{regexp.MustCompile(`(?i)\bdebit\b`), "debit_card"},
	{regexp.MustCompile(`(?i)\b(?:check|cheque)\b`), "check"},
}

// Analyze extracts typed fields and simple tables from OCR text.
func Analyze(_ context.Context, in AnalysisInput) (AnalysisOutput, error) {
	var fields []Field
	switch in.DocumentType {
	case TypeInvoice:
		fields = invoiceFields(in.Text)
	case TypeReceipt:
		fields = receiptFields(in.Text)
	case TypeContract:
		fields = contractFields(in.Text)
	case TypeForm:
		fields = formFields(in.Text)
	default:
		fields = genericFields(in.Text)
	}

	out := AnalysisOutput{
		DocumentType:   in.DocumentType,
		Tables:         extractTables(in.Text),
		TotalExtracted: len(fields),
	}
	var conf Confidence
	for _, f := range fields {
		if f.Confidence >= in.ConfidenceThreshold {
			out.Fields = append(out.Fields, f)
			conf.Add(f.Confidence, 1)
		}
	}
	out.ExtractionConfidence = conf.Score()
	return out, nil
}

// AnalysisStage wraps Analyze as a pipeline stage.
func AnalysisStage() pipeline.Stage {
	return pipeline.Func[AnalysisInput, AnalysisOutput](models.StageAnalysis, validateAnalysis, Analyze)
}

func validateAnalysis(in AnalysisInput) error {
	if strings.TrimSpace(in.Text) == "" {
		return pipeline.InvalidInput("no text to analyze")
	}
	return nil
}

func invoiceFields(text string) []Field {
	var fields []Field
	if m := reInvoiceNumber.FindStringSubmatch(text); m != nil {
		fields = append(fields, Field{Name: "invoice_number", Value: m[1], Confidence: 0.9})
	}
	if line := firstLine(text, 5); line != "" {
		fields = append(fields, Field{Name: "vendor_name", Value: line, Confidence: 0.7})
	}
	if dates := reDate.FindAllString(text, 2); len(dates) > 0 {
		fields = append(fields, Field{Name: "invoice_date", Value: dates[0], Confidence: 0.8})
		if len(dates) > 1 {
			fields = append(fields, Field{Name: "due_date", Value: dates[1], Confidence: 0.7})
		}
	}
	if m := rePONumber.FindStringSubmatch(text); m != nil {
		fields = append(fields, Field{Name: "po_number", Value: m[1], Confidence: 0.8})
	}
	if m := reTaxID.FindStringSubmatch(text); m != nil {
		fields = append(fields, Field{Name: "tax_id", Value: m[1], Confidence: 0.8})
	}
	if amounts := parseAmounts(reAmount.FindAllString(text, -1)); len(amounts) > 0 {
		sort.Float64s(amounts)
		fields = append(fields, Field{Name: "total_amount", Value: amounts[len(amounts)-1], Confidence: 0.8})
		if len(amounts) > 1 {
			fields = append(fields, Field{Name: "subtotal", Value: amounts[len(amounts)-2], Confidence: 0.6})
		}
	}
	if m := reTax.FindStringSubmatch(text); m != nil {
		if v, ok := parseAmount(m[1]); ok {
			fields = append(fields, Field{Name: "tax_amount", Value: v, Confidence: 0.7})
		}
	}
	return fields
}

func receiptFields(text string) []Field {
	var fields []Field
	if line := firstLine(text, 3); line != "" {
		fields = append(fields, Field{Name: "merchant_name", Value: line, Confidence: 0.8})
	}
	if d := reDate.FindString(text); d != "" {
		fields = append(fields, Field{Name: "transaction_date", Value: d, Confidence: 0.9})
	}
	if m := reTotal.FindStringSubmatch(text); m != nil {
		if v, ok := parseAmount(m[1]); ok {
			fields = append(fields, Field{Name: "total_amount", Value: v, Confidence: 0.9})
		}
	}
	for _, pm := range paymentMethods {
		if pm.re.MatchString(text) {
			fields = append(fields, Field{Name: "payment_method", Value: pm.method, Confidence: 0.8})
			break
		}
	}
	if m := reReceiptNumber.FindStringSubmatch(text); m != nil {
		fields = append(fields, Field{Name: "receipt_number", Value: m[1], Confidence: 0.8})
	}
	return fields
}

func contractFields(text string) []Field {
	var fields []Field
	if m := reParties.FindStringSubmatch(text); m != nil {
		fields = append(fields,
			Field{Name: "party1", Value: strings.TrimSpace(m[1]), Confidence: 0.8},
			Field{Name: "party2", Value: strings.TrimSpace(m[2]), Confidence: 0.8},
		)
	}
	if m := reEffective.FindStringSubmatch(text); m != nil {
		fields = append(fields, Field{Name: "effective_date", Value: m[1], Confidence: 0.8})
	}
	if m := reEnd.FindStringSubmatch(text); m != nil {
		fields = append(fields, Field{Name: "end_date", Value: m[1], Confidence: 0.7})
	}
	if m := reContractValue.FindStringSubmatch(text); m != nil {
		if v, ok := parseAmount(m[1]); ok {
			fields = append(fields, Field{Name: "contract_value", Value: v, Confidence: 0.7})
		}
	}
	return fields
}

func formFields(text string) []Field {
	var fields []Field
	seen := map[string]bool{}
	for _, m := range reFormField.FindAllStringSubmatch(text, 20) {
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), " ", "_")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		fields = append(fields, Field{Name: name, Value: strings.TrimSpace(m[2]), Confidence: 0.6})
	}
	fields = appendContact(fields, text, 0.8)
	return fields
}

func genericFields(text string) []Field {
	var fields []Field
	for i, d := range reDate.FindAllString(text, 3) {
		fields = append(fields, Field{Name: "date_" + strconv.Itoa(i+1), Value: d, Confidence: 0.6})
	}
	for i, v := range parseAmounts(reAmount.FindAllString(text, 5)) {
		fields = append(fields, Field{Name: "amount_" + strconv.Itoa(i+1), Value: v, Confidence: 0.5})
	}
	return appendContact(fields, text, 0.7)
}

// appendContact adds email and phone fields, replacing same-named form fields.
func appendContact(fields []Field, text string, phoneConfidence float64) []Field {
	set := func(f Field) {
		for i := range fields {
			if fields[i].Name == f.Name {
				fields[i] = f
				return
			}
		}
		fields = append(fields, f)
	}
	if e := reEmail.FindString(text); e != "" {
		set(Field{Name: "email", Value: e, Confidence: 0.9})
	}
	for _, p := range rePhone.FindAllString(text, -1) {
		if digits := countDigits(p); digits >= 9 && !reDate.MatchString(p) {
			set(Field{Name: "phone", Value: strings.TrimSpace(p), Confidence: phoneConfidence})
			break
		}
	}
	return fields
}

func extractTables(text string) []Table {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "\t") || strings.Contains(line, "  ") || strings.Contains(line, "|") {
			lines = append(lines, line)
		}
	}
	if len(lines) < 3 {
		return nil
	}
	headers := splitCells(lines[0])
	if len(headers) < 2 {
		return nil
	}
	var rows []map[string]string
	for _, line := range lines[1:] {
		cells := splitCells(line)
		if len(cells) != len(headers) {
			continue
		}
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			row[h] = cells[i]
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	return []Table{{Headers: headers, Rows: rows, Confidence: 0.6}}
}

func splitCells(line string) []string {
	var out []string
	for _, c := range reCell.Split(line, -1) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func firstLine(text string, within int) string {
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines) && i < within; i++ {
		if l := strings.TrimSpace(lines[i]); len(l) > 3 {
			return l
		}
	}
	return ""
}

func parseAmounts(raw []string) []float64 {
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		if v, ok := parseAmount(r); ok {
			out = append(out, v)
		}
	}
	return out
}

func parseAmount(s string) (float64, bool) {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
