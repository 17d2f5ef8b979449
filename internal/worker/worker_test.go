package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence/internal/config"
	"github.com/sells-group/diligence/internal/model"
	"github.com/sells-group/diligence/internal/orchestrator"
	"github.com/sells-group/diligence/internal/queue"
	"github.com/sells-group/diligence/internal/report"
	"github.com/sells-group/diligence/internal/store"
)

// stubRunner returns canned raw text per stage, wrapped in the kind of
// prose and fencing the real analysis service produces.
type stubRunner struct {
	outputs map[model.Stage]string
	err     error
}

func (s stubRunner) Run(ctx context.Context, stage model.Stage, scan model.ScanRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.outputs[stage], nil
}

func defaultOutputs() map[model.Stage]string {
	return map[model.Stage]string{
		model.StageEvidenceSearch:    "Here are my findings:\n```json\n{\"summary\": \"solid company\", \"findings\": [\"growing\"], \"evidence\": [{\"title\": \"press release\", \"url\": \"https://acme.example/news\", \"category\": \"news\"}]}\n```",
		model.StageDocumentAnalysis:  `{"documents_reviewed": 4, "key_findings": ["clean audit"]}`,
		model.StageQualityEvaluation: `{"score": 8.0, "grade": "B", "issues": []}`,
		model.StageTechnicalAnalysis: `{"tech_stack": ["go"], "risk_level": "low"}`,
		model.StageAPIDiscovery:      `{"api_endpoints": 12, "openapi_detected": true}`,
	}
}

type env struct {
	store  store.Store
	fabric *queue.Fabric
	orch   *orchestrator.Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "diligence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	fabric := queue.NewFabric(context.Background(), queue.NewMemory(queue.DefaultSettings(), nil), queue.DefaultSettings())
	return &env{store: st, fabric: fabric, orch: orchestrator.New(st, fabric)}
}

func (e *env) submitScan(t *testing.T) *model.ScanRequest {
	t.Helper()

	now := time.Now().UTC()
	scan := &model.ScanRequest{
		ID:          uuid.New().String(),
		CompanyName: "Acme Corp",
		WebsiteURL:  "https://acme.example",
		Priority:    "normal",
		Status:      model.ScanStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, e.store.CreateScan(context.Background(), scan))
	_, err := e.orch.Submit(context.Background(), scan.ID)
	require.NoError(t, err)
	return scan
}

func (e *env) claim(t *testing.T, stage model.Stage) *queue.Job {
	t.Helper()
	job, err := e.fabric.Dequeue(context.Background(), string(stage))
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestStageHandlerSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	h := NewStageHandler(model.StageEvidenceSearch, e.store, stubRunner{outputs: defaultOutputs()}, e.fabric)
	job := e.claim(t, model.StageEvidenceSearch)

	require.NoError(t, h.Handle(ctx, job))

	results, err := e.store.GetStageResults(ctx, scan.ID)
	require.NoError(t, err)
	got := results[model.StageEvidenceSearch]
	assert.Equal(t, model.StageSuccess, got.Status)
	assert.Contains(t, string(got.Payload), "solid company")

	count, err := e.store.CountEvidence(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "evidence items become evidence rows")
}

func TestStageHandlerRunnerFailureRecordsResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	h := NewStageHandler(model.StageQualityEvaluation, e.store, stubRunner{err: eris.New("upstream down")}, e.fabric)
	job := e.claim(t, model.StageQualityEvaluation)

	err := h.Handle(ctx, job)
	require.Error(t, err)

	results, err := e.store.GetStageResults(ctx, scan.ID)
	require.NoError(t, err)
	got := results[model.StageQualityEvaluation]
	assert.Equal(t, model.StageFailed, got.Status)
	assert.Contains(t, got.Error, "upstream down")
}

func TestStageHandlerCoerceFailureRecordsResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	h := NewStageHandler(model.StageQualityEvaluation, e.store, stubRunner{outputs: map[model.Stage]string{
		model.StageQualityEvaluation: "I could not evaluate this company, sorry.",
	}}, e.fabric)
	job := e.claim(t, model.StageQualityEvaluation)

	err := h.Handle(ctx, job)
	require.Error(t, err)

	results, err := e.store.GetStageResults(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, results[model.StageQualityEvaluation].Status)
}

func TestStageHandlerRetryOverwritesFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	failing := NewStageHandler(model.StageAPIDiscovery, e.store, stubRunner{err: eris.New("flaky")}, e.fabric)
	job := e.claim(t, model.StageAPIDiscovery)
	require.Error(t, failing.Handle(ctx, job))

	succeeding := NewStageHandler(model.StageAPIDiscovery, e.store, stubRunner{outputs: defaultOutputs()}, e.fabric)
	require.NoError(t, succeeding.Handle(ctx, job))

	results, err := e.store.GetStageResults(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageSuccess, results[model.StageAPIDiscovery].Status)
}

func TestReportHandlerAssemblesWhenEvidenceSufficient(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	// Complete one evidence stage first.
	sh := NewStageHandler(model.StageQualityEvaluation, e.store, stubRunner{outputs: defaultOutputs()}, e.fabric)
	require.NoError(t, sh.Handle(ctx, e.claim(t, model.StageQualityEvaluation)))

	rh := NewReportHandler(e.store, report.New(e.store), 1, time.Minute)
	require.NoError(t, rh.Handle(ctx, e.claim(t, model.StageReport)))

	rec, err := e.store.GetReport(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 8.0, rec.Score)

	stored, err := e.store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCompleted, stored.Status)
}

func TestReportHandlerDeadlineAssemblesPartial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	rh := NewReportHandler(e.store, report.New(e.store), 3, 50*time.Millisecond)
	rh.pollInterval = 10 * time.Millisecond

	require.NoError(t, rh.Handle(ctx, e.claim(t, model.StageReport)))

	rec, err := e.store.GetReport(ctx, scan.ID)
	require.NoError(t, err)
	for _, stage := range model.EvidenceStages() {
		assert.Equal(t, model.StageFailed, rec.SourceStatus[stage], "no result means failed contribution")
	}
}

func TestReportHandlerFailedResultsDoNotSatisfyThreshold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	scan := e.submitScan(t)

	// A failed stage result must not count as usable evidence.
	sh := NewStageHandler(model.StageEvidenceSearch, e.store, stubRunner{err: eris.New("upstream down")}, e.fabric)
	require.Error(t, sh.Handle(ctx, e.claim(t, model.StageEvidenceSearch)))

	rh := NewReportHandler(e.store, report.New(e.store), 1, 60*time.Millisecond)
	rh.pollInterval = 10 * time.Millisecond

	start := time.Now()
	require.NoError(t, rh.Handle(ctx, e.claim(t, model.StageReport)))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond,
		"handler should wait out the deadline instead of assembling from a failed result")

	rec, err := e.store.GetReport(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, rec.SourceStatus[model.StageEvidenceSearch])
	assert.Empty(t, rec.Summary)
}

func TestPoolEndToEnd(t *testing.T) {
	e := newEnv(t)
	scan := e.submitScan(t)

	runner := stubRunner{outputs: defaultOutputs()}
	rh := NewReportHandler(e.store, report.New(e.store), 1, 30*time.Second)
	rh.pollInterval = 20 * time.Millisecond

	handlers := append(NewEvidenceHandlers(e.store, runner, e.fabric), rh)
	pool := NewPool(e.fabric, config.WorkerConfig{
		Concurrency:    2,
		PollIntervalMS: 10,
		RatePerSec:     100,
	}, handlers...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := e.store.GetScan(context.Background(), scan.ID)
		require.NoError(t, err)
		if stored.Status == model.ScanStatusCompleted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	stored, err := e.store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	require.Equal(t, model.ScanStatusCompleted, stored.Status)

	rec, err := e.store.GetReport(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, "solid company", rec.Summary)
	assert.Equal(t, []string{"go"}, rec.TechStack)
	assert.True(t, rec.OpenAPIDetected)

	count, err := e.store.CountEvidence(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
