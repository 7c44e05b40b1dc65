package stages

import (
	"time"

	"github.com/rs/zerolog"

	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/models"
	"document-pipeline/internal/pipeline"
)

// NewRegistry binds every pipeline stage to its implementation and input mapping.
func NewRegistry(cfg config.Config, blobs blob.Store, provider OCRProvider, logger zerolog.Logger) (*pipeline.Registry, error) {
	threshold := cfg.OCRConfidenceThreshold
	strict := cfg.ValidationStrict
	return pipeline.NewRegistry(
		pipeline.Registration{
			Stage: NewClassifier(blobs).Stage(),
			Input: ClassificationInputFor,
		},
		pipeline.Registration{
			Stage: pipeline.WithBudget(NewOCR(blobs, provider, logger).Stage(), pipeline.Budget{Timeout: 2 * time.Minute}),
			Input: OCRInputFor,
		},
		pipeline.Registration{
			Stage: pipeline.WithBudget(AnalysisStage(), pipeline.Budget{MaxRetries: 2, Timeout: 30 * time.Second}),
			Input: func(job models.JobDescriptor, results map[models.StageName]models.StageResult) any {
				in := AnalysisInputFor(job, results).(AnalysisInput)
				in.ConfidenceThreshold = threshold
				return in
			},
		},
		pipeline.Registration{
			Stage: pipeline.WithBudget(NewSchemaGenerator().Stage(), pipeline.Budget{MaxRetries: 2, Timeout: 20 * time.Second}),
			Input: SchemaInputFor,
		},
		pipeline.Registration{
			Stage: pipeline.WithBudget(Validator{}.Stage(), pipeline.Budget{MaxRetries: 2, Timeout: 15 * time.Second}),
			Input: func(job models.JobDescriptor, results map[models.StageName]models.StageResult) any {
				in := ValidationInputFor(job, results).(ValidationInput)
				in.Strict = strict
				return in
			},
		},
	)
}

func ClassificationInputFor(job models.JobDescriptor, _ map[models.StageName]models.StageResult) any {
	return ClassificationInput{
		DocumentID: job.DocumentID,
		FileRef:    job.Input.FileRef,
		FileName:   job.Input.FileName,
		MIMEType:   job.Input.MIMEType,
		FileSize:   job.Input.FileSize,
	}
}

func OCRInputFor(job models.JobDescriptor, results map[models.StageName]models.StageResult) any {
	return OCRInput{
		FileRef:      job.Input.FileRef,
		FileName:     job.Input.FileName,
		MIMEType:     job.Input.MIMEType,
		DocumentType: documentType(results),
	}
}

func AnalysisInputFor(_ models.JobDescriptor, results map[models.StageName]models.StageResult) any {
	return AnalysisInput{
		Text:                pipeline.DecodeResult[OCROutput](results, models.StageOCR).FullText,
		DocumentType:        documentType(results),
		ConfidenceThreshold: 0.7,
	}
}

func SchemaInputFor(job models.JobDescriptor, results map[models.StageName]models.StageResult) any {
	return SchemaInput{
		DocumentID:    job.DocumentID,
		DocumentType:  documentType(results),
		Analysis:      pipeline.DecodeResult[AnalysisOutput](results, models.StageAnalysis),
		OCRConfidence: pipeline.DecodeResult[OCROutput](results, models.StageOCR).AverageConfidence,
	}
}

func ValidationInputFor(_ models.JobDescriptor, results map[models.StageName]models.StageResult) any {
	return ValidationInput{
		Schema:       pipeline.DecodeResult[SchemaOutput](results, models.StageSchema),
		DocumentType: documentType(results),
		Strict:       true,
	}
}

// documentType is the classified type, or "unknown" when classification has no result.
func documentType(results map[models.StageName]models.StageResult) string {
	if t := pipeline.DecodeResult[ClassificationOutput](results, models.StageClassification).DocumentType; t != "" {
		return t
	}
	return TypeUnknown
}
