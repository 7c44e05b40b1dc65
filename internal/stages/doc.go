// Package stages holds the concrete stage implementations registered with the
// pipeline: classification, ocr, analysis, schema and validation.
//
// Every stage reports confidence through the same model (see Confidence). Input
// for each stage is derived from earlier results by the mapping functions in
// registry.go; a missing or failed predecessor yields zero-value input.
package stages
