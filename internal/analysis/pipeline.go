package analysis

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// Store is the persistence surface the pipeline depends on: one load of the
// joined population per run, batched upserts keyed by fingerprint.
type Store interface {
	LoadCertificates(ctx context.Context) ([]models.CertificateRecord, error)
	UpsertAnalysisResults(ctx context.Context, results []models.AnalysisResult) error
}

// RunObserver receives run lifecycle callbacks (metrics wiring).
type RunObserver interface {
	RunStarted()
	RunFinished(status string, duration time.Duration, rowsWritten int)
}

// NotifyFunc receives job lifecycle events for live streaming. event is one
// of "analysis_started", "analysis_progress", "analysis_completed",
// "analysis_failed".
type NotifyFunc func(event string, status models.JobStatus)

// Progress checkpoints per stage. Writes advance linearly from the last
// checkpoint to 1.0.
const (
	progressLoaded     = 0.10
	progressFeatures   = 0.25
	progressDetector   = 0.45
	progressExtensions = 0.55
	progressIssuer     = 0.65
	progressRisk       = 0.75
)

// Pipeline runs the full population analysis exactly once at a time and
// owns the process-wide job state.
type Pipeline struct {
	store     Store
	detector  *Detector
	version   string
	batchSize int
	log       zerolog.Logger
	notify    NotifyFunc
	observer  RunObserver
	now       func() time.Time

	ctrl jobController
}

// PipelineOption mutates optional pipeline wiring.
type PipelineOption func(*Pipeline)

// WithNotify wires a lifecycle event sink (websocket hub).
func WithNotify(fn NotifyFunc) PipelineOption {
	return func(p *Pipeline) { p.notify = fn }
}

// WithObserver wires a run observer (metrics).
func WithObserver(o RunObserver) PipelineOption {
	return func(p *Pipeline) { p.observer = o }
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline builds the analysis pipeline. batchSize guards the writer;
// values below 1 fall back to 1000.
func NewPipeline(store Store, detector *Detector, version string, batchSize int, log zerolog.Logger, opts ...PipelineOption) *Pipeline {
	if batchSize < 1 {
		batchSize = 1000
	}
	p := &Pipeline{
		store:     store,
		detector:  detector,
		version:   version,
		batchSize: batchSize,
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
	p.ctrl.reset()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the job-state record verbatim.
func (p *Pipeline) Status() models.JobStatus {
	return p.ctrl.snapshot()
}

// Start transitions the job to RUNNING and executes the pipeline on a new
// goroutine. A run already in flight yields ErrStateConflict.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.ctrl.begin(p.now().UTC()); err != nil {
		return err
	}
	if p.observer != nil {
		p.observer.RunStarted()
	}
	p.emit("analysis_started")
	go func() { _ = p.run(ctx) }()
	return nil
}

// RunSync executes the pipeline on the calling goroutine. Used by the
// scheduler and tests, where the caller wants completion before returning.
func (p *Pipeline) RunSync(ctx context.Context) error {
	if err := p.ctrl.begin(p.now().UTC()); err != nil {
		return err
	}
	if p.observer != nil {
		p.observer.RunStarted()
	}
	p.emit("analysis_started")
	return p.run(ctx)
}

func (p *Pipeline) emit(event string) {
	if p.notify != nil {
		p.notify(event, p.ctrl.snapshot())
	}
}

func (p *Pipeline) checkpoint(progress float64) {
	p.ctrl.setProgress(progress)
	p.emit("analysis_progress")
}

// run executes every stage in order. Failures land in the job record (with
// the generic outward message) and the logs; the returned error is for
// synchronous callers.
func (p *Pipeline) run(ctx context.Context) error {
	started := p.now()

	fail := func(err error) error {
		p.log.Error().Err(err).Msg("analysis run failed")
		p.ctrl.fail(p.now().UTC())
		if p.observer != nil {
			p.observer.RunFinished(models.JobFailed, p.now().Sub(started), p.ctrl.snapshot().ProcessedCertificates)
		}
		p.emit("analysis_failed")
		return err
	}

	rows, err := p.store.LoadCertificates(ctx)
	if err != nil {
		return fail(&DataSourceError{Err: err})
	}
	total := len(rows)
	p.ctrl.setTotal(total)
	p.checkpoint(progressLoaded)
	p.log.Info().Int("certificates", total).Msg("population loaded")

	if total == 0 {
		p.ctrl.complete(p.now().UTC())
		if p.observer != nil {
			p.observer.RunFinished(models.JobCompleted, p.now().Sub(started), 0)
		}
		p.emit("analysis_completed")
		return nil
	}

	now := p.now().UTC()

	meta, features, sanitized := EngineerFeatures(rows, now)
	if sanitized > 0 {
		p.log.Warn().Err(&FeatureError{Cells: sanitized}).
			Msg("malformed feature values zero-filled")
	}
	p.checkpoint(progressFeatures)

	certTypes := make([]models.CertificateType, len(meta))
	for i := range meta {
		certTypes[i] = meta[i].CertificateType
	}
	detection, err := p.detector.FitPredict(features, certTypes)
	if err != nil {
		return fail(err)
	}
	p.checkpoint(progressDetector)

	structural := make([]float64, total)
	for i := range rows {
		structural[i] = CheckExtensionCompliance(&rows[i]).StructuralScore
	}
	p.checkpoint(progressExtensions)

	profiles := BuildIssuerProfiles(rows)
	issuerScores := ScoreIssuerAnomalies(rows, profiles)
	p.checkpoint(progressIssuer)

	risk := ScoreRisks(rows, detection.Combined, structural, issuerScores, now)
	p.checkpoint(progressRisk)

	results := p.assembleResults(meta, features, detection, structural, issuerScores, risk, now)

	if err := p.writeResults(ctx, results); err != nil {
		return fail(err)
	}

	p.ctrl.complete(p.now().UTC())
	if p.observer != nil {
		p.observer.RunFinished(models.JobCompleted, p.now().Sub(started), total)
	}
	p.emit("analysis_completed")
	p.log.Info().Int("certificates", total).Dur("elapsed", p.now().Sub(started)).
		Msg("analysis run completed")
	return nil
}

// assembleResults materialises one analysis row per certificate in loader
// order.
func (p *Pipeline) assembleResults(
	meta []FeatureMeta,
	features [][]float64,
	detection *DetectionResult,
	structural, issuerScores []float64,
	risk *RiskResult,
	now time.Time,
) []models.AnalysisResult {
	results := make([]models.AnalysisResult, len(meta))
	for i := range meta {
		report := risk.ForensicReports[i]
		results[i] = models.AnalysisResult{
			Fingerprint:     meta[i].Fingerprint,
			CertificateType: meta[i].CertificateType,
			CountryCode:     meta[i].CountryCode,

			AnomalyScore:         round6(detection.Combined[i]),
			AnomalyLabel:         ClassifyAnomaly(detection.Combined[i]),
			IsolationForestScore: round6(detection.IFScores[i]),
			LOFScore:             round6(detection.LOFScores[i]),

			StructuralAnomalyScore: structural[i],
			IssuerAnomalyScore:     round6(issuerScores[i]),
			// Derived from the forensic category so the two never drift.
			TemporalAnomalyScore: report.Categories["temporal_pattern"] / 10.0,

			RiskScore:   round2(risk.RiskScores[i]),
			RiskLevel:   ClassifyRisk(risk.RiskScores[i]),
			RiskFactors: risk.RiskFactors[i],

			ForensicRiskScore: round2(risk.ForensicScores[i]),
			ForensicRiskLevel: ClassifyForensicRisk(risk.ForensicScores[i]),
			ForensicFindings:  report,

			FeatureVector:       FeatureVectorMap(features[i]),
			AnomalyExplanations: detection.Explanations[i],

			AnalysisVersion: p.version,
			AnalyzedAt:      now,
		}
		if results[i].AnomalyExplanations == nil {
			results[i].AnomalyExplanations = []string{}
		}
	}
	return results
}

// writeResults upserts in batches, committing and advancing progress per
// batch. A failed batch aborts the run; committed batches stay.
func (p *Pipeline) writeResults(ctx context.Context, results []models.AnalysisResult) error {
	total := len(results)
	for start, batchNo := 0, 0; start < total; start, batchNo = start+p.batchSize, batchNo+1 {
		end := start + p.batchSize
		if end > total {
			end = total
		}
		if err := p.store.UpsertAnalysisResults(ctx, results[start:end]); err != nil {
			return &WriteError{Batch: batchNo, Err: err}
		}
		p.ctrl.setProcessed(end)
		p.ctrl.setProgress(progressRisk + (1.0-progressRisk)*float64(end)/float64(total))
		p.emit("analysis_progress")
	}
	return nil
}

func round6(x float64) float64 { return math.Round(x*1e6) / 1e6 }
func round2(x float64) float64 { return math.Round(x*1e2) / 1e2 }
