package model

// StageProgress is the aggregated view of one stage's execution.
type StageProgress struct {
	Stage    Stage  `json:"stage"`
	State    string `json:"state"`
	Progress int    `json:"progress"` // 0-100, clamped
	Attempts int    `json:"attempts"`
}

// ReportSummary surfaces the report's identity and score once it exists.
type ReportSummary struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// ProgressView is the snapshot returned to a polling caller. It is derived
// entirely from current job state, the evidence row count, and report
// presence; the aggregator holds no state of its own.
type ProgressView struct {
	ScanRequestID string          `json:"scan_request_id"`
	Status        ScanStatus      `json:"status"`
	RetryCount    int             `json:"retry_count"`
	Stages        []StageProgress `json:"stages"`

	// EvidenceCount is an independent signal: it reflects rows actually
	// written even when the job-state channel is degraded to unknown.
	EvidenceCount int `json:"evidence_count"`

	Report         *ReportSummary `json:"report,omitempty"`
	OverallPercent int            `json:"overall_percent"`
}
