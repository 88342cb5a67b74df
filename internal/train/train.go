package train

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"neuroauth/internal/model"
	"neuroauth/internal/window"
)

// Example is one labeled, already-windowed training example: a raw window
// plus the user it belongs to, the unit the Phase-1 classification head
// and Phase-2 metric loss both key off of.
type Example struct {
	UserID string
	Window model.Window
}

// Config holds the two-phase training schedule (SPEC_FULL.md §4.E).
type Config struct {
	WarmupEpochs int // Phase 1 classification warmup, default 3
	MetricEpochs int // Phase 2 proxy-based metric learning, default 30
	BatchSize    int // default 32
	Margin       float64 // proxy loss margin, default 0.2
	Temperature  float64 // proxy loss softmax temperature, default 0.1
	Patience     int     // early-stopping patience in epochs, default 7
	Seed         int64
	Optimizer    AdamWConfig
}

// DefaultConfig returns the pipeline's default training schedule.
func DefaultConfig() Config {
	return Config{
		WarmupEpochs: 3,
		MetricEpochs: 30,
		BatchSize:    32,
		Margin:       0.2,
		Temperature:  0.1,
		Patience:     7,
		Seed:         1,
		Optimizer:    DefaultAdamWConfig(),
	}
}

// Result is the outcome of a training run: the final encoder weights
// (classification head discarded, since only Phase 2's metric embedding
// matters to the serving pipeline) and the epoch at which validation loss
// last improved.
type Result struct {
	Weights      model.EncoderWeights
	BestEpoch    int
	BestLoss     float64
	StoppedEarly bool
}

// Run executes Phase 1 (classification warmup) followed by Phase 2
// (proxy-based metric learning) over train/val, starting from initWeights.
// A fixed-seed *rand.Rand derived from cfg.Seed drives every stochastic
// decision (shuffling, batch sampling); Run never touches the global
// math/rand source so two runs with the same cfg and data are identical
// (spec.md §4.E determinism requirement).
func Run(log *slog.Logger, arch model.Arch, initWeights model.EncoderWeights, users []string, train, val []Example, cfg Config) (Result, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	weights := cloneWeights(initWeights)

	classHead, classBias := initClassHead(arch, len(users), rng)
	userIndex := make(map[string]int, len(users))
	for i, u := range users {
		userIndex[u] = i
	}

	if err := runWarmup(log, arch, &weights, &classHead, classBias, train, userIndex, cfg, rng); err != nil {
		return Result{}, fmt.Errorf("train.Run: warmup: %w", err)
	}

	// Phase 2 never touches the classification head again; it exists only
	// to give the encoder a useful starting point before metric learning.
	result, err := runMetricLearning(log, arch, weights, train, val, cfg, rng)
	if err != nil {
		return Result{}, fmt.Errorf("train.Run: metric learning: %w", err)
	}
	return result, nil
}

func runWarmup(log *slog.Logger, arch model.Arch, weights *model.EncoderWeights, classHead *model.Tensor, classBias []float64, train []Example, userIndex map[string]int, cfg Config, rng *rand.Rand) error {
	opt := NewOptimizer(cfg.Optimizer, arch, len(userIndex))
	totalSteps := cfg.WarmupEpochs * batchCount(len(train), cfg.BatchSize)
	step := 0

	for epoch := 0; epoch < cfg.WarmupEpochs; epoch++ {
		order := shuffledIndices(len(train), rng)
		var epochLoss float64
		var batches int

		for _, batch := range batchesOf(order, cfg.BatchSize) {
			grad := NewGradients(arch, len(userIndex))
			var batchLoss float64

			for _, idx := range batch {
				ex := train[idx]
				label, ok := userIndex[ex.UserID]
				if !ok {
					continue
				}
				cache := forward(*weights, ex.Window.Samples)
				logits := affine(*classHead, classBias, []float64(cache.normalized))
				probs := softmax(logits)
				loss := -math.Log(clampProb(probs[label]))
				if math.IsNaN(loss) || math.IsInf(loss, 0) {
					return fmt.Errorf("non-finite warmup loss at epoch %d", epoch)
				}
				batchLoss += loss

				dLogits := append([]float64(nil), probs...)
				dLogits[label] -= 1
				accumulateAffineGrad(grad.ClassHead, grad.ClassBias, []float64(cache.normalized), dLogits)
				dEmb := affineBackward(*classHead, dLogits)
				backwardEmbedding(*weights, cache, dEmb, grad)
			}

			n := float64(len(batch))
			if n == 0 {
				continue
			}
			grad.Scale(1 / n)
			norm := grad.GlobalNorm()
			if math.IsNaN(norm) || math.IsInf(norm, 0) {
				return fmt.Errorf("non-finite warmup gradient norm at epoch %d", epoch)
			}
			lrScale := CosineSchedule(step, totalSteps, batchCount(len(train), cfg.BatchSize))
			opt.Step(weights, classHead, classBias, grad, lrScale)
			step++
			epochLoss += batchLoss / n
			batches++
		}

		if batches > 0 {
			log.Info("warmup epoch complete", "epoch", epoch, "loss", epochLoss/float64(batches))
		}
	}
	return nil
}

func clampProb(p float64) float64 {
	const eps = 1e-12
	if p < eps {
		return eps
	}
	return p
}

func initClassHead(arch model.Arch, numClasses int, rng *rand.Rand) (model.Tensor, []float64) {
	t := model.NewTensor(arch.EmbeddingDim, numClasses)
	scale := math.Sqrt(2.0 / float64(arch.EmbeddingDim+numClasses))
	for i := range t.Data {
		for j := range t.Data[i] {
			t.Data[i][j] = rng.NormFloat64() * scale
		}
	}
	return t, make([]float64, numClasses)
}

// runMetricLearning runs Phase 2: a proxy-based metric loss that pulls each
// window's embedding toward a running per-user proxy and pushes it away
// from other users' proxies, with early stopping on validation loss
// (spec.md §4.E).
func runMetricLearning(log *slog.Logger, arch model.Arch, weights model.EncoderWeights, train, val []Example, cfg Config, rng *rand.Rand) (Result, error) {
	opt := NewOptimizer(cfg.Optimizer, arch, 0)
	proxies := initProxies(train, arch, rng)
	totalSteps := cfg.MetricEpochs * batchCount(len(train), cfg.BatchSize)
	step := 0

	best := Result{Weights: cloneWeights(weights), BestLoss: math.Inf(1)}
	staleEpochs := 0

	for epoch := 0; epoch < cfg.MetricEpochs; epoch++ {
		order := shuffledIndices(len(train), rng)

		for _, batch := range batchesOf(order, cfg.BatchSize) {
			grad := NewGradients(arch, 0)

			for _, idx := range batch {
				ex := train[idx]
				cache := forward(weights, ex.Window.Samples)
				dEmb, err := proxyLossGrad(cache.normalized, ex.UserID, proxies, cfg)
				if err != nil {
					return Result{}, err
				}
				backwardEmbedding(weights, cache, dEmb, grad)
				updateProxy(proxies, ex.UserID, cache.normalized)
			}

			n := float64(len(batch))
			if n == 0 {
				continue
			}
			grad.Scale(1 / n)
			norm := grad.GlobalNorm()
			if math.IsNaN(norm) || math.IsInf(norm, 0) {
				return Result{}, fmt.Errorf("non-finite metric-learning gradient norm at epoch %d", epoch)
			}
			lrScale := CosineSchedule(step, totalSteps, batchCount(len(train), cfg.BatchSize))
			opt.Step(&weights, nil, nil, grad, lrScale)
			step++
		}

		valLoss := evalProxyLoss(weights, val, proxies, cfg)
		log.Info("metric learning epoch complete", "epoch", epoch, "val_loss", valLoss)

		if valLoss < best.BestLoss {
			best = Result{Weights: cloneWeights(weights), BestEpoch: epoch, BestLoss: valLoss}
			staleEpochs = 0
		} else {
			staleEpochs++
			if staleEpochs >= cfg.Patience {
				best.StoppedEarly = true
				log.Info("metric learning early stop", "epoch", epoch, "best_epoch", best.BestEpoch)
				break
			}
		}
	}
	return best, nil
}

// proxies holds one running-average direction per user, serving as the
// metric-learning target a window's embedding is pulled toward or pushed
// away from (a lightweight stand-in for a full proxy-NCA loss, cheap
// enough to update every step without a separate optimizer).
type proxies struct {
	byUser map[string][]float64
}

func initProxies(train []Example, arch model.Arch, rng *rand.Rand) *proxies {
	p := &proxies{byUser: make(map[string][]float64)}
	for _, ex := range train {
		if _, ok := p.byUser[ex.UserID]; ok {
			continue
		}
		v := make([]float64, arch.EmbeddingDim)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		p.byUser[ex.UserID] = model.Embedding(v).Normalize()
	}
	return p
}

func updateProxy(p *proxies, userID string, emb model.Embedding) {
	const momentum = 0.9
	cur := p.byUser[userID]
	next := make([]float64, len(cur))
	for i := range next {
		next[i] = momentum*cur[i] + (1-momentum)*emb[i]
	}
	p.byUser[userID] = model.Embedding(next).Normalize()
}

// proxyLossGrad computes the gradient of a softmax-over-cosine-similarity
// loss (temperature-scaled, margin-adjusted on the positive proxy) with
// respect to emb.
func proxyLossGrad(emb model.Embedding, userID string, p *proxies, cfg Config) ([]float64, error) {
	temp := cfg.Temperature
	if temp <= 0 {
		temp = 0.1
	}
	type scored struct {
		id    string
		proxy []float64
		score float64
	}
	all := make([]scored, 0, len(p.byUser))
	for id, proxy := range p.byUser {
		sim := model.Cosine(emb, model.Embedding(proxy))
		if id == userID {
			sim -= cfg.Margin
		}
		all = append(all, scored{id: id, proxy: proxy, score: sim / temp})
	}
	scores := make([]float64, len(all))
	for i, s := range all {
		scores[i] = s.score
	}
	probs := softmax(scores)

	dEmb := make([]float64, len(emb))
	for i, s := range all {
		target := 0.0
		if s.id == userID {
			target = 1.0
		}
		coeff := (probs[i] - target) / temp
		for j := range dEmb {
			dEmb[j] += coeff * s.proxy[j]
		}
	}
	return dEmb, nil
}

func evalProxyLoss(weights model.EncoderWeights, val []Example, p *proxies, cfg Config) float64 {
	if len(val) == 0 {
		return 0
	}
	var total float64
	for _, ex := range val {
		cache := forward(weights, ex.Window.Samples)
		emb := cache.normalized
		temp := cfg.Temperature
		if temp <= 0 {
			temp = 0.1
		}
		var scores []float64
		var posIdx int
		i := 0
		for id, proxy := range p.byUser {
			sim := model.Cosine(emb, model.Embedding(proxy))
			if id == ex.UserID {
				sim -= cfg.Margin
				posIdx = i
			}
			scores = append(scores, sim/temp)
			i++
		}
		probs := softmax(scores)
		total += -math.Log(clampProb(probs[posIdx]))
	}
	return total / float64(len(val))
}

func cloneWeights(w model.EncoderWeights) model.EncoderWeights {
	cloneTensor := func(t model.Tensor) model.Tensor {
		out := model.NewTensor(t.Rows(), t.Cols())
		for i := range t.Data {
			copy(out.Data[i], t.Data[i])
		}
		return out
	}
	cloneCell := func(c model.GRUCell) model.GRUCell {
		return model.GRUCell{
			WUpdate: cloneTensor(c.WUpdate), BUpdate: append([]float64(nil), c.BUpdate...),
			WReset: cloneTensor(c.WReset), BReset: append([]float64(nil), c.BReset...),
			WNew: cloneTensor(c.WNew), BNew: append([]float64(nil), c.BNew...),
		}
	}
	fwd := make([]model.GRUCell, len(w.GRUForward))
	for i, c := range w.GRUForward {
		fwd[i] = cloneCell(c)
	}
	bwd := make([]model.GRUCell, len(w.GRUBackward))
	for i, c := range w.GRUBackward {
		bwd[i] = cloneCell(c)
	}
	return model.EncoderWeights{
		InputProj:   cloneTensor(w.InputProj),
		InputBias:   append([]float64(nil), w.InputBias...),
		GRUForward:  fwd,
		GRUBackward: bwd,
		AttnQuery:   append([]float64(nil), w.AttnQuery...),
		OutputProj:  cloneTensor(w.OutputProj),
		OutputBias:  append([]float64(nil), w.OutputBias...),
	}
}

func shuffledIndices(n int, rng *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}

func batchesOf(order []int, batchSize int) [][]int {
	if batchSize <= 0 {
		batchSize = 32
	}
	var batches [][]int
	for i := 0; i < len(order); i += batchSize {
		end := i + batchSize
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[i:end])
	}
	return batches
}

func batchCount(n, batchSize int) int {
	if batchSize <= 0 {
		batchSize = 32
	}
	if n == 0 {
		return 1
	}
	return (n + batchSize - 1) / batchSize
}

// NewRandomWeights initializes an EncoderWeights with Glorot-scaled
// (sqrt(2/(rows+cols))) normal random values, used as Phase 1's starting point (spec.md §4.E).
func NewRandomWeights(arch model.Arch, rng *rand.Rand) model.EncoderWeights {
	h := arch.HiddenSize
	randTensor := func(rows, cols int) model.Tensor {
		t := model.NewTensor(rows, cols)
		scale := math.Sqrt(2.0 / float64(rows+cols))
		for i := range t.Data {
			for j := range t.Data[i] {
				t.Data[i][j] = rng.NormFloat64() * scale
			}
		}
		return t
	}
	newCell := func(inDim int) model.GRUCell {
		return model.GRUCell{
			WUpdate: randTensor(inDim+h, h), BUpdate: make([]float64, h),
			WReset: randTensor(inDim+h, h), BReset: make([]float64, h),
			WNew: randTensor(inDim+h, h), BNew: make([]float64, h),
		}
	}
	fwd := make([]model.GRUCell, arch.Layers)
	bwd := make([]model.GRUCell, arch.Layers)
	for l := 0; l < arch.Layers; l++ {
		fwd[l] = newCell(h)
		bwd[l] = newCell(h)
	}
	return model.EncoderWeights{
		InputProj:   randTensor(arch.Channels, h),
		InputBias:   make([]float64, h),
		GRUForward:  fwd,
		GRUBackward: bwd,
		AttnQuery:   make([]float64, 2*h),
		OutputProj:  randTensor(2*h, arch.EmbeddingDim),
		OutputBias:  make([]float64, arch.EmbeddingDim),
	}
}

// BuildExamples windows every processed trial with augmentation, producing
// the Example set Run trains over (SPEC_FULL.md §4.C/§4.E).
func BuildExamples(trials map[string][]*model.ProcessedTrial, wcfg window.Config, acfg window.AugmentationConfig, rng *rand.Rand) ([]Example, error) {
	var out []Example
	for userID, userTrials := range trials {
		for _, t := range userTrials {
			windows, err := window.AugmentedWindows(t, wcfg, acfg, rng)
			if err != nil {
				return nil, fmt.Errorf("train.BuildExamples: user %q: %w", userID, err)
			}
			for _, w := range windows {
				out = append(out, Example{UserID: userID, Window: w})
			}
		}
	}
	return out, nil
}
