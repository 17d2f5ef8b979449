// Package report merges per-stage results into the single terminal
// report record for a scan request.
package report

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/store"
)

// Assembler builds and persists report records. Assembly is idempotent:
// repeated runs upsert the record keyed by scan request id.
type Assembler struct {
	store store.Store
}

// New creates an assembler over the given store.
func New(st store.Store) *Assembler {
	return &Assembler{store: st}
}

// Assemble merges the given stage results into a report and persists it.
// Every report field pulls from one stage's payload by fixed path; a
// failed or absent stage degrades that field to its empty default, never
// to null and never to an assembly error. The per-source status map
// records every evidence stage verbatim.
func (a *Assembler) Assemble(ctx context.Context, scanRequestID string, results map[model.Stage]model.StageResult) (*model.ReportRecord, error) {
	rec := &model.ReportRecord{
		ID:            uuid.New().String(),
		ScanRequestID: scanRequestID,
		Findings:      []string{},
		KeyFindings:   []string{},
		Issues:        []string{},
		TechStack:     []string{},
		SourceStatus:  make(map[model.Stage]model.StageResultStatus),
		RawPayloads:   make(map[model.Stage]json.RawMessage),
		AssembledAt:   time.Now().UTC(),
	}

	// Re-assembly keeps the existing report identity.
	if existing, err := a.store.GetReport(ctx, scanRequestID); err == nil {
		rec.ID = existing.ID
	} else if !eris.Is(err, model.ErrNotFound) {
		return nil, eris.Wrap(err, "report: load existing")
	}

	for _, stage := range model.EvidenceStages() {
		result, ok := results[stage]
		if !ok {
			// No result at all counts as a failed contribution.
			rec.SourceStatus[stage] = model.StageFailed
			continue
		}
		rec.SourceStatus[stage] = result.Status
		if len(result.Payload) > 0 {
			rec.RawPayloads[stage] = result.Payload
		}
	}

	if p, ok := successPayload[EvidenceSearchPayload](results, model.StageEvidenceSearch); ok {
		rec.Summary = p.Summary
		if p.Findings != nil {
			rec.Findings = p.Findings
		}
	}
	if p, ok := successPayload[DocumentAnalysisPayload](results, model.StageDocumentAnalysis); ok {
		rec.DocumentsReviewed = p.DocumentsReviewed
		if p.KeyFindings != nil {
			rec.KeyFindings = p.KeyFindings
		}
	}
	if p, ok := successPayload[QualityEvaluationPayload](results, model.StageQualityEvaluation); ok {
		rec.Score = p.Score
		rec.Grade = p.Grade
		if p.Issues != nil {
			rec.Issues = p.Issues
		}
	}
	if p, ok := successPayload[TechnicalAnalysisPayload](results, model.StageTechnicalAnalysis); ok {
		if p.TechStack != nil {
			rec.TechStack = p.TechStack
		}
		rec.RiskLevel = p.RiskLevel
	}
	if p, ok := successPayload[APIDiscoveryPayload](results, model.StageAPIDiscovery); ok {
		rec.APIEndpoints = p.APIEndpoints
		rec.OpenAPIDetected = p.OpenAPIDetected
	}

	if err := a.store.UpsertReport(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "report: persist")
	}

	zap.L().Info("report: assembled",
		zap.String("scan_request_id", scanRequestID),
		zap.Float64("score", rec.Score),
		zap.Int("sources", len(rec.SourceStatus)))
	return rec, nil
}

// successPayload decodes a stage's payload when the stage succeeded.
// Failed stages and unparseable payloads yield ok=false so the caller
// keeps the field's empty default.
func successPayload[T any](results map[model.Stage]model.StageResult, stage model.Stage) (T, bool) {
	var out T

	result, ok := results[stage]
	if !ok || result.Status != model.StageSuccess || len(result.Payload) == 0 {
		return out, false
	}
	if err := json.Unmarshal(result.Payload, &out); err != nil {
		zap.L().Warn("report: undecodable stage payload",
			zap.String("stage", string(stage)), zap.Error(err))
		return out, false
	}
	return out, true
}
