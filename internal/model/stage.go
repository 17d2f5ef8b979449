package model

import (
	"encoding/json"
	"time"
)

// Stage is one independently schedulable unit of work within a scan. Each
// stage has its own queue, named after the stage.
type Stage string

const (
	StageEvidenceSearch    Stage = "evidence-search"
	StageDocumentAnalysis  Stage = "document-analysis"
	StageQualityEvaluation Stage = "quality-evaluation"
	StageTechnicalAnalysis Stage = "technical-analysis"
	StageAPIDiscovery      Stage = "api-discovery"
	StageReport            Stage = "report-generation"
)

// EvidenceStages returns the stages that collect evidence, in enqueue order.
func EvidenceStages() []Stage {
	return []Stage{
		StageEvidenceSearch,
		StageDocumentAnalysis,
		StageQualityEvaluation,
		StageTechnicalAnalysis,
		StageAPIDiscovery,
	}
}

// AllStages returns every stage, evidence stages first.
func AllStages() []Stage {
	return append(EvidenceStages(), StageReport)
}

// ValidStage reports whether s names a known stage.
func ValidStage(s Stage) bool {
	for _, stage := range AllStages() {
		if s == stage {
			return true
		}
	}
	return false
}

// StageResultStatus is the outcome of one stage execution.
type StageResultStatus string

const (
	StageSuccess StageResultStatus = "success"
	StageFailed  StageResultStatus = "failed"
)

// StageResult is the immutable outcome of a stage run for a scan request.
// Exactly one exists per (scan request, stage) pair; a retry overwrites it.
type StageResult struct {
	ScanRequestID string            `json:"scan_request_id"`
	Stage         Stage             `json:"stage"`
	Status        StageResultStatus `json:"status"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Error         string            `json:"error,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// EvidenceRecord is one discrete piece of collected evidence. Append-only;
// the row count doubles as a progress proxy for the status aggregator.
type EvidenceRecord struct {
	ID            string    `json:"id"`
	ScanRequestID string    `json:"scan_request_id"`
	Stage         Stage     `json:"stage"`
	Category      string    `json:"category,omitempty"`
	Title         string    `json:"title"`
	URL           string    `json:"url,omitempty"`
	Snippet       string    `json:"snippet,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
