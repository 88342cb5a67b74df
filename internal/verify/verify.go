// Package verify implements Component I, the online verification decision
// core (spec.md §4.I): window the probe, embed, aggregate, score against
// the claimed user's prototypes, calibrate, spoof-gate, decide, and
// attribute — in that strict order.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"neuroauth/internal/anomaly"
	"neuroauth/internal/attribution"
	"neuroauth/internal/encoder"
	"neuroauth/internal/metrics"
	"neuroauth/internal/model"
	"neuroauth/internal/store"
	"neuroauth/internal/window"
)

// Decision is the external, binary verification outcome.
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// Result is the public VerificationResult shape from spec.md §6. ErrorKind
// is intentionally absent: the service boundary never exposes it, per the
// oracle-attack mitigation in spec.md §7. Internal callers that need the
// kind use errors.As against the error Verify returns alongside Result.
type Result struct {
	Decision              Decision
	RawScore              float64
	CalibratedProbability float64
	SpoofScore            float64
	IsSpoof               bool
	ArtifactID            string
}

func reject() Result { return Result{Decision: Reject} }

// Engine holds the immutable serving-path state (SPEC_FULL.md §5): a
// bundle swapped atomically on reload, behind a drain so Verify never
// observes half of one bundle and half of another.
type Engine struct {
	bundle   atomic.Pointer[model.ModelBundle]
	wcfg     window.Config
	anomaly  anomaly.Engine
	attr     attribution.Strategy
	store    *store.Store
	log      *slog.Logger
	metrics  *metricSet
	inFlight sync.WaitGroup
}

type metricSet struct {
	verifyTotal    *metrics.Counter
	verifyDuration *metrics.Histogram
	spoofGauge     *metrics.Gauge
	acceptGauge    *metrics.Gauge
}

func newMetricSet(reg *metrics.Registry) *metricSet {
	if reg == nil {
		return nil
	}
	return &metricSet{
		verifyTotal:    reg.RegisterCounter("verify_total", "total verification requests", nil),
		verifyDuration: reg.RegisterHistogram("verify_duration_seconds", "verification latency", nil, metrics.DurationBuckets),
		spoofGauge:     reg.RegisterGauge("verify_spoof_flagged", "verifications flagged as spoof", nil),
		acceptGauge:    reg.RegisterGauge("verify_accepted", "verifications accepted", nil),
	}
}

// New constructs an Engine serving bundle, with wcfg governing probe
// windowing and attr the attribution strategy (internal/attribution.Default()
// if nil).
func New(bundle *model.ModelBundle, wcfg window.Config, attr attribution.Strategy, st *store.Store, log *slog.Logger, reg *metrics.Registry) *Engine {
	if attr == nil {
		attr = attribution.Default()
	}
	e := &Engine{wcfg: wcfg, attr: attr, store: st, log: log, metrics: newMetricSet(reg)}
	e.bundle.Store(bundle)
	return e
}

// Reload atomically swaps in a new bundle after draining in-flight
// verifications, so no request ever scores against a mix of old and new
// artifacts (spec.md §5).
func (e *Engine) Reload(bundle *model.ModelBundle) {
	e.inFlight.Wait()
	e.bundle.Store(bundle)
}

// Verify runs spec.md §4.I steps 1-8 against the probe trial for the
// claimed userID. Any internal failure resolves to a uniform Reject result;
// the returned error carries the ErrorKind for internal callers (logging,
// metrics) via model.KindOf, never surfaced through Result itself.
func (e *Engine) Verify(ctx context.Context, userID string, probe *model.ProcessedTrial, deadline time.Duration) (Result, error) {
	e.inFlight.Add(1)
	defer e.inFlight.Done()

	start := time.Now()
	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	result, err := e.verify(ctx, userID, probe)
	e.observe(userID, result, err, time.Since(start))
	return result, err
}

func (e *Engine) verify(ctx context.Context, userID string, probe *model.ProcessedTrial) (Result, error) {
	const op = "verify.Engine.Verify"
	bundle := e.bundle.Load()
	if bundle == nil {
		return reject(), model.NewError(op, model.ErrKindModelNotLoaded, fmt.Errorf("no model bundle loaded"))
	}

	// Unknown user is checked before embedding so there is no side channel
	// on embedding content for an unenrolled identity (spec.md §4.I).
	protoSet, ok := bundle.Prototypes[userID]
	if !ok || len(protoSet.Prototypes) == 0 {
		return reject(), model.NewError(op, model.ErrKindUnknownUser, fmt.Errorf("no prototype set for user %q", userID))
	}

	if err := ctx.Err(); err != nil {
		return reject(), timeoutOrCause(op, err)
	}

	// 1. Window the trial.
	windows, err := window.Windows(probe, e.wcfg)
	if err != nil {
		return reject(), fmt.Errorf("%s: %w", op, err)
	}

	enc, err := encoder.New(bundle.Encoder, bundle.Arch)
	if err != nil {
		return reject(), model.NewError(op, model.ErrKindModelNotLoaded, err)
	}

	// 2. Embed each window.
	embeddings := make([]model.Embedding, len(windows))
	for i := range windows {
		if err := ctx.Err(); err != nil {
			return reject(), timeoutOrCause(op, err)
		}
		emb, err := enc.Encode(&windows[i])
		if err != nil {
			return reject(), fmt.Errorf("%s: window %d: %w", op, i, err)
		}
		embeddings[i] = emb
	}

	// 3. Aggregate: mean then L2-renormalize.
	probeEmb := meanEmbedding(embeddings)
	if !finite(probeEmb) {
		return reject(), model.NewError(op, model.ErrKindNumeric, fmt.Errorf("non-finite aggregated embedding"))
	}
	probeEmb = probeEmb.Normalize()

	// 4. Raw score: max cosine over prototypes, smallest index wins ties.
	rawScore, bestIdx := bestPrototype(probeEmb, protoSet.Prototypes)
	if math.IsNaN(rawScore) || math.IsInf(rawScore, 0) {
		return reject(), model.NewError(op, model.ErrKindNumeric, fmt.Errorf("non-finite raw score"))
	}

	// 5. Calibrate.
	calibrated := bundle.Calibrator.Probability(rawScore)

	// 6. Spoof gate.
	isSpoof, spoofScore, err := e.anomaly.IsSpoof(probeEmb, &bundle.Anomaly)
	if err != nil {
		return reject(), model.NewError(op, model.ErrKindNumeric, err)
	}

	// 7. Decide.
	decision := Reject
	if !isSpoof && calibrated >= bundle.Threshold.Tau {
		decision = Accept
	}

	// 8. Attribution, against the argmax prototype.
	artifactID, err := e.attribute(windows, enc, bundle, protoSet, bestIdx, userID, rawScore, probeEmb)
	if err != nil {
		e.log.Warn("attribution failed", "user", userID, "error", err)
		artifactID = ""
	}

	return Result{
		Decision:              decision,
		RawScore:              rawScore,
		CalibratedProbability: calibrated,
		SpoofScore:            spoofScore,
		IsSpoof:               isSpoof,
		ArtifactID:            artifactID,
	}, nil
}

func (e *Engine) attribute(windows []model.Window, enc *encoder.Encoder, bundle *model.ModelBundle, protoSet model.PrototypeSet, bestIdx int, userID string, rawScore float64, probeEmb model.Embedding) (string, error) {
	if e.store == nil {
		return "", nil
	}
	proto := protoSet.Prototypes[bestIdx]

	c, w := bundle.Arch.Channels, bundle.Arch.WindowSamples
	sum := make([][]float64, c)
	for i := range sum {
		sum[i] = make([]float64, w)
	}
	for _, win := range windows {
		imp, err := e.attr.Attribute(enc.Weights(), enc.Arch(), &win, proto)
		if err != nil {
			return "", err
		}
		for i := range sum {
			for j := range sum[i] {
				sum[i][j] += imp[i][j]
			}
		}
	}
	if len(windows) > 1 {
		for i := range sum {
			for j := range sum[i] {
				sum[i][j] /= float64(len(windows))
			}
		}
	}

	windowHash := attribution.WindowHash(probeEmb)
	createdAt := time.Now()
	id := attribution.NewArtifactID(userID, windowHash, rawScore, createdAt)

	artifact := model.AttributionArtifact{
		ID:         id,
		UserID:     userID,
		WindowHash: windowHash,
		Importance: sum,
		CreatedAt:  createdAt,
	}
	if err := e.store.PutAttributionArtifact(artifact, e.attr.Name()); err != nil {
		return "", err
	}
	return id, nil
}

// FetchAttribution retrieves a previously stored attribution artifact's
// importance map as an opaque byte blob (spec.md §6 fetch_attribution).
func (e *Engine) FetchAttribution(artifactID string) ([]byte, error) {
	const op = "verify.Engine.FetchAttribution"
	if e.store == nil {
		return nil, model.NewError(op, model.ErrKindModelNotLoaded, fmt.Errorf("no artifact store configured"))
	}
	artifact, ok, err := e.store.GetAttributionArtifact(artifactID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: artifact %q not found", op, artifactID)
	}
	return encodeImportance(artifact.Importance), nil
}

func encodeImportance(importance [][]float64) []byte {
	var buf []byte
	for _, row := range importance {
		for _, v := range row {
			buf = append(buf, []byte(fmt.Sprintf("%.8f,", v))...)
		}
		buf = append(buf, '\n')
	}
	return buf
}

func (e *Engine) observe(userID string, result Result, err error, dur time.Duration) {
	kind := model.KindOf(err)
	if e.log != nil {
		e.log.Info("verification complete",
			"user", userID, "decision", result.Decision, "error_kind", kind.String(), "duration_ms", dur.Milliseconds())
	}
	if e.metrics == nil {
		return
	}
	e.metrics.verifyTotal.Inc()
	e.metrics.verifyDuration.ObserveDuration(dur)
	if result.IsSpoof {
		e.metrics.spoofGauge.Inc()
	}
	if result.Decision == Accept {
		e.metrics.acceptGauge.Inc()
	}
}

// timeoutOrCause wraps a context error as ErrKindTimeout. Cancellation and
// deadline-exceeded are both reported as Timeout externally; only
// ctx.Err() itself (available to internal callers via errors.Unwrap)
// distinguishes them.
func timeoutOrCause(op string, err error) error {
	return model.NewError(op, model.ErrKindTimeout, err)
}

func meanEmbedding(embeddings []model.Embedding) model.Embedding {
	if len(embeddings) == 0 {
		return nil
	}
	sum := make([]float64, len(embeddings[0]))
	for _, e := range embeddings {
		for i, v := range e {
			sum[i] += v
		}
	}
	for i := range sum {
		sum[i] /= float64(len(embeddings))
	}
	return model.Embedding(sum)
}

func finite(e model.Embedding) bool {
	for _, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// bestPrototype returns the highest cosine similarity between probe and
// prototypes, and the index of the first prototype achieving it (ties
// broken by smallest index, per spec.md §4.I).
func bestPrototype(probe model.Embedding, prototypes []model.Embedding) (float64, int) {
	best, bestIdx := math.Inf(-1), 0
	for i, p := range prototypes {
		sim := model.Cosine(probe, p)
		if sim > best {
			best, bestIdx = sim, i
		}
	}
	return best, bestIdx
}
