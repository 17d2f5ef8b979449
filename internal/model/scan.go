package model

import (
	"time"
)

// ScanStatus represents the lifecycle state of a scan request.
type ScanStatus string

const (
	ScanStatusPending    ScanStatus = "pending"
	ScanStatusProcessing ScanStatus = "processing"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusFailed     ScanStatus = "failed"
)

// ScanRequest is a request to research a single company.
type ScanRequest struct {
	ID          string         `json:"id"`
	CompanyName string         `json:"company_name"`
	WebsiteURL  string         `json:"website_url"`
	Priority    string         `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Handles     StageHandles   `json:"handles"`
	Status      ScanStatus     `json:"status"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// JobRef identifies a stage's job in the queue fabric. It carries no job
// state; state must always be re-fetched from the fabric, never cached.
type JobRef struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}

// StageHandles holds one optional job reference per stage. Merge-on-retry
// is a field-by-field override: a nil field never clobbers an existing ref.
type StageHandles struct {
	EvidenceSearch    *JobRef `json:"evidence_search,omitempty"`
	DocumentAnalysis  *JobRef `json:"document_analysis,omitempty"`
	QualityEvaluation *JobRef `json:"quality_evaluation,omitempty"`
	TechnicalAnalysis *JobRef `json:"technical_analysis,omitempty"`
	APIDiscovery      *JobRef `json:"api_discovery,omitempty"`
	Report            *JobRef `json:"report,omitempty"`
}

// Get returns the handle for a stage, or nil.
func (h StageHandles) Get(stage Stage) *JobRef {
	switch stage {
	case StageEvidenceSearch:
		return h.EvidenceSearch
	case StageDocumentAnalysis:
		return h.DocumentAnalysis
	case StageQualityEvaluation:
		return h.QualityEvaluation
	case StageTechnicalAnalysis:
		return h.TechnicalAnalysis
	case StageAPIDiscovery:
		return h.APIDiscovery
	case StageReport:
		return h.Report
	}
	return nil
}

// Set stores the handle for a stage.
func (h *StageHandles) Set(stage Stage, ref *JobRef) {
	switch stage {
	case StageEvidenceSearch:
		h.EvidenceSearch = ref
	case StageDocumentAnalysis:
		h.DocumentAnalysis = ref
	case StageQualityEvaluation:
		h.QualityEvaluation = ref
	case StageTechnicalAnalysis:
		h.TechnicalAnalysis = ref
	case StageAPIDiscovery:
		h.APIDiscovery = ref
	case StageReport:
		h.Report = ref
	}
}

// Merge overrides h's fields with any non-nil fields from other, so a retry
// replaces only the handles for the stages it re-enqueued.
func (h StageHandles) Merge(other StageHandles) StageHandles {
	out := h
	for _, stage := range AllStages() {
		if ref := other.Get(stage); ref != nil {
			out.Set(stage, ref)
		}
	}
	return out
}
