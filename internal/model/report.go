package model

import (
	"encoding/json"
	"time"
)

// ReportRecord is the single terminal artifact of a scan request, merged
// from every stage's result. Fields sourced from a failed or absent stage
// hold their zero default (empty string, empty slice, 0) rather than null.
type ReportRecord struct {
	ID            string `json:"id"`
	ScanRequestID string `json:"scan_request_id"`

	// evidence-search
	Summary  string   `json:"summary"`
	Findings []string `json:"findings"`

	// document-analysis
	DocumentsReviewed int      `json:"documents_reviewed"`
	KeyFindings       []string `json:"key_findings"`

	// quality-evaluation
	Score  float64  `json:"score"`
	Grade  string   `json:"grade"`
	Issues []string `json:"issues"`

	// technical-analysis
	TechStack []string `json:"tech_stack"`
	RiskLevel string   `json:"risk_level"`

	// api-discovery
	APIEndpoints    int  `json:"api_endpoints"`
	OpenAPIDetected bool `json:"openapi_detected"`

	// SourceStatus records every stage's outcome verbatim, including stages
	// that contributed nothing, so "empty because absent" stays
	// distinguishable from "empty because failed".
	SourceStatus map[Stage]StageResultStatus `json:"source_status"`

	// RawPayloads keeps the full per-stage payloads for audit.
	RawPayloads map[Stage]json.RawMessage `json:"raw_payloads,omitempty"`

	AssembledAt time.Time `json:"assembled_at"`
}
