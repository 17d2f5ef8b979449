package report

import "github.com/sells-group/diligence/internal/model"

// Per-stage payload contracts. Stage workers coerce raw analysis output
// into these shapes; the assembler pulls report fields from them by
// fixed path. Schemas are deliberately permissive about extra fields so
// a chatty upstream cannot break assembly.

// EvidenceItem is one discrete finding inside an evidence-search payload.
type EvidenceItem struct {
	Category string `json:"category,omitempty"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// EvidenceSearchPayload is the declared output of the evidence-search stage.
type EvidenceSearchPayload struct {
	Summary  string         `json:"summary"`
	Findings []string       `json:"findings"`
	Evidence []EvidenceItem `json:"evidence,omitempty"`
}

// DocumentAnalysisPayload is the declared output of the document-analysis stage.
type DocumentAnalysisPayload struct {
	DocumentsReviewed int      `json:"documents_reviewed"`
	KeyFindings       []string `json:"key_findings"`
}

// QualityEvaluationPayload is the declared output of the quality-evaluation stage.
type QualityEvaluationPayload struct {
	Score  float64  `json:"score"`
	Grade  string   `json:"grade"`
	Issues []string `json:"issues"`
}

// TechnicalAnalysisPayload is the declared output of the technical-analysis stage.
type TechnicalAnalysisPayload struct {
	TechStack []string `json:"tech_stack"`
	RiskLevel string   `json:"risk_level"`
}

// APIDiscoveryPayload is the declared output of the api-discovery stage.
type APIDiscoveryPayload struct {
	APIEndpoints    int  `json:"api_endpoints"`
	OpenAPIDetected bool `json:"openapi_detected"`
}

const (
	EvidenceSearchSchema = `{
		"type": "object",
		"required": ["summary"],
		"properties": {
			"summary": {"type": "string"},
			"findings": {"type": "array", "items": {"type": "string"}},
			"evidence": {"type": "array", "items": {
				"type": "object",
				"required": ["title"],
				"properties": {
					"category": {"type": "string"},
					"title": {"type": "string"},
					"url": {"type": "string"},
					"snippet": {"type": "string"}
				}
			}}
		}
	}`

	DocumentAnalysisSchema = `{
		"type": "object",
		"properties": {
			"documents_reviewed": {"type": "integer", "minimum": 0},
			"key_findings": {"type": "array", "items": {"type": "string"}}
		}
	}`

	QualityEvaluationSchema = `{
		"type": "object",
		"required": ["score"],
		"properties": {
			"score": {"type": "number", "minimum": 0, "maximum": 10},
			"grade": {"type": "string", "enum": ["A", "B", "C", "D", "F"]},
			"issues": {"type": "array", "items": {"type": "string"}}
		}
	}`

	TechnicalAnalysisSchema = `{
		"type": "object",
		"properties": {
			"tech_stack": {"type": "array", "items": {"type": "string"}},
			"risk_level": {"type": "string", "enum": ["low", "medium", "high", "unknown"]}
		}
	}`

	APIDiscoverySchema = `{
		"type": "object",
		"properties": {
			"api_endpoints": {"type": "integer", "minimum": 0},
			"openapi_detected": {"type": "boolean"}
		}
	}`
)

// SchemaFor returns the JSON schema a stage's raw output must satisfy.
// The report stage has no schema: its worker assembles, it does not parse.
func SchemaFor(stage model.Stage) string {
	switch stage {
	case model.StageEvidenceSearch:
		return EvidenceSearchSchema
	case model.StageDocumentAnalysis:
		return DocumentAnalysisSchema
	case model.StageQualityEvaluation:
		return QualityEvaluationSchema
	case model.StageTechnicalAnalysis:
		return TechnicalAnalysisSchema
	case model.StageAPIDiscovery:
		return APIDiscoverySchema
	}
	return ""
}
