package criterion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoodlab/go-aood/bank"
	"github.com/aoodlab/go-aood/boxes"
	"github.com/aoodlab/go-aood/config"
	"github.com/aoodlab/go-aood/embedding"
	"github.com/aoodlab/go-aood/motif"
)

// identityMatcher pairs query i with target i, the trivial assignment used
// by the end-to-end scenarios.
type identityMatcher struct{}

func (identityMatcher) Match(preds LayerOutput, targets []Target) ([]Assignment, error) {
	out := make([]Assignment, len(targets))
	for b, t := range targets {
		for i := range t.Labels {
			out[b].Queries = append(out[b].Queries, i)
			out[b].Targets = append(out[b].Targets, i)
		}
	}
	return out, nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.NumClasses = 4
	cfg.NumQueries = 100
	cfg.HiddenDim = 8
	cfg.WithOpenset = true
	cfg.WithCrossDomain = true
	cfg.WarmupEpochs = 2
	cfg.OpensetKNN = 5
	cfg.CrossDomainKNN = 5
	return cfg
}

// testOutputs builds a 2-image batch (1 source supervised image, 1 target
// image) with 100 queries and 4 class slots.
func testOutputs(cfg config.Config, rng *rand.Rand) *Outputs {
	layer := func(images int) LayerOutput {
		lo := LayerOutput{
			Logits: make([][][]float32, images),
			Boxes:  make([][]boxes.Box, images),
		}
		for b := 0; b < images; b++ {
			lo.Logits[b] = make([][]float32, cfg.NumQueries)
			lo.Boxes[b] = make([]boxes.Box, cfg.NumQueries)
			for q := 0; q < cfg.NumQueries; q++ {
				logits := make([]float32, cfg.NumClasses)
				for k := range logits {
					logits[k] = float32(rng.NormFloat64())
				}
				lo.Logits[b][q] = logits
				lo.Boxes[b][q] = boxes.Box{0.5, 0.5, 0.2, 0.2}
			}
		}
		return lo
	}

	out := &Outputs{
		Final:           layer(1),
		LogitsBoth:      layer(2).Logits,
		FinalClassifier: motif.NewLinear(cfg.NumClasses, cfg.HiddenDim),
		FirstClassifier: motif.NewLinear(cfg.NumClasses, cfg.HiddenDim),
	}
	out.Embeddings = make([][]embedding.Vector, 2)
	for b := 0; b < 2; b++ {
		out.Embeddings[b] = make([]embedding.Vector, cfg.NumQueries)
		for q := 0; q < cfg.NumQueries; q++ {
			v := make(embedding.Vector, cfg.HiddenDim)
			for i := range v {
				v[i] = float32(rng.NormFloat64())
			}
			out.Embeddings[b][q] = v
		}
	}
	return out
}

func testTargets() []Target {
	return []Target{{
		Labels: []int{0},
		Boxes:  []boxes.Box{{0.4, 0.4, 0.2, 0.2}},
	}}
}

func newTestCriterion(t *testing.T, cfg config.Config) *Criterion {
	t.Helper()
	b := bank.New(cfg.NumClasses, cfg.HiddenDim, cfg.StdScaling, cfg.ClusterMin, nil)
	c, err := New(cfg, identityMatcher{}, b, nil)
	require.NoError(t, err)
	return c
}

func TestForwardBaseLosses(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(1))

	losses, err := c.Forward(testOutputs(cfg, rng), testTargets(), 0, true)
	require.NoError(t, err)

	for _, name := range []string{"loss_ce", "loss_bbox", "loss_giou", "cardinality_error", "class_error"} {
		v, ok := losses[name]
		require.True(t, ok, "missing %s", name)
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s is not finite: %v", name, v)
	}

	// Warm-up: synthetic losses suppressed at epoch 0.
	_, hasOS := losses["loss_openset"]
	_, hasCD := losses["loss_crossdomain"]
	require.False(t, hasOS, "open-set loss must be suppressed before warm-up")
	require.False(t, hasCD, "cross-domain loss must be suppressed before warm-up")
}

func TestForwardSyntheticLossesAfterWarmup(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(2))

	// A few steps to move the bank off its zero init so anchor pairs are
	// non-degenerate.
	for i := 0; i < 3; i++ {
		_, err := c.Forward(testOutputs(cfg, rng), testTargets(), 0, true)
		require.NoError(t, err)
	}

	losses, err := c.Forward(testOutputs(cfg, rng), testTargets(), cfg.WarmupEpochs+1, true)
	require.NoError(t, err)

	os, ok := losses["loss_openset"]
	require.True(t, ok)
	require.False(t, math.IsNaN(os))
	cd, ok := losses["loss_crossdomain"]
	require.True(t, ok)
	require.False(t, math.IsNaN(cd))
}

func TestForwardAuxAndEncoderSuffixes(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(3))

	out := testOutputs(cfg, rng)
	aux := testOutputs(cfg, rng)
	out.Aux = []LayerOutput{aux.Final}
	enc := testOutputs(cfg, rng).Final
	out.Enc = &enc

	losses, err := c.Forward(out, testTargets(), 0, false)
	require.NoError(t, err)

	for _, name := range []string{"loss_ce_0", "loss_bbox_0", "loss_giou_0", "loss_ce_enc", "loss_bbox_enc", "loss_giou_enc"} {
		_, ok := losses[name]
		require.True(t, ok, "missing %s", name)
	}
	_, hasAuxErr := losses["class_error_0"]
	require.False(t, hasAuxErr, "class_error must only appear at the final layer")
}

func TestForwardDomainAlignment(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(4))

	t.Run("Even batch", func(t *testing.T) {
		out := testOutputs(cfg, rng)
		out.DA = map[string][][]float32{
			"backbone":    {{0.5, -0.2}, {0.1, 0.3}},
			"space_query": {{0.7}, {-0.7}},
		}
		losses, err := c.Forward(out, testTargets(), 0, true)
		require.NoError(t, err)
		require.Contains(t, losses, "loss_backbone")
		require.Contains(t, losses, "loss_space_query")
	})

	t.Run("Odd batch fails fast", func(t *testing.T) {
		out := testOutputs(cfg, rng)
		out.DA = map[string][][]float32{"backbone": {{0.5}, {0.1}, {0.2}}}
		_, err := c.Forward(out, testTargets(), 0, true)
		require.Error(t, err)
	})
}

func TestForwardOddBatchCrossDomain(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(5))

	out := testOutputs(cfg, rng)
	out.Embeddings = out.Embeddings[:1] // odd batch
	_, err := c.Forward(out, testTargets(), cfg.WarmupEpochs+1, true)
	require.Error(t, err, "cross-domain loss requires an even batch")
}

func TestBuildClassTargets(t *testing.T) {
	cfg := testConfig()
	cfg.WithOpenset = false
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(6))

	out := testOutputs(cfg, rng)
	targets := testTargets()
	assigns := []Assignment{{Queries: []int{7}, Targets: []int{0}}}

	onehot, err := c.buildClassTargets(out.Final, targets, assigns)
	require.NoError(t, err)

	// Exactly one slot carries mass, exactly one class set on it.
	for q := 0; q < cfg.NumQueries; q++ {
		var sum float32
		for _, v := range onehot[0][q] {
			sum += v
		}
		if q == 7 {
			require.Equal(t, float32(1), sum)
			require.Equal(t, float32(1), onehot[0][7][0])
		} else {
			require.Equal(t, float32(0), sum, "background slot %d must be all-zero", q)
		}
	}
}

func TestBuildClassTargetsUnknownSoftening(t *testing.T) {
	cfg := testConfig()
	cfg.WithOpenset = true
	cfg.UnkProb = 0.1
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(7))

	out := testOutputs(cfg, rng)
	assigns := []Assignment{{Queries: []int{0}, Targets: []int{0}}}
	onehot, err := c.buildClassTargets(out.Final, testTargets(), assigns)
	require.NoError(t, err)

	unk := cfg.NumClasses - 1
	require.Equal(t, float32(0.1), onehot[0][0][unk], "matched slot carries softened unknown mass")
	require.Equal(t, float32(0), onehot[0][1][unk], "background slot stays all-zero")
}

func TestBoxLossPermutationInvariance(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(8))

	out := testOutputs(cfg, rng)
	targets := []Target{{
		Labels: []int{0, 1, 2},
		Boxes: []boxes.Box{
			{0.2, 0.2, 0.1, 0.1},
			{0.5, 0.5, 0.2, 0.2},
			{0.8, 0.8, 0.1, 0.2},
		},
	}}

	a := []Assignment{{Queries: []int{3, 4, 5}, Targets: []int{0, 1, 2}}}
	b := []Assignment{{Queries: []int{5, 3, 4}, Targets: []int{2, 0, 1}}}

	la, err := c.lossBoxes(out.Final, targets, a, 3)
	require.NoError(t, err)
	lb, err := c.lossBoxes(out.Final, targets, b, 3)
	require.NoError(t, err)

	require.InDelta(t, la["loss_bbox"], lb["loss_bbox"], 1e-9)
	require.InDelta(t, la["loss_giou"], lb["loss_giou"], 1e-9)
}

func TestNormalizerClamp(t *testing.T) {
	cfg := testConfig()
	c := newTestCriterion(t, cfg)

	// All-empty batch: normalizer clamps to 1.
	n, err := c.normalizer([]Target{{}, {}})
	require.NoError(t, err)
	require.Equal(t, 1.0, n)
}

func TestWeightedTotal(t *testing.T) {
	weights := map[string]float64{"loss_ce": 2, "loss_bbox": 5}
	losses := map[string]float64{"loss_ce": 0.5, "loss_bbox": 0.1, "cardinality_error": 42}
	// 2*0.5 + 5*0.1 = 1.5; monitoring term excluded.
	require.InDelta(t, 1.5, WeightedTotal(losses, weights), 1e-9)
}

func TestBuildWeights(t *testing.T) {
	cfg := testConfig()
	cfg.AuxLayers = 2
	w := BuildWeights(cfg)
	require.Equal(t, cfg.ClsLossCoef, w["loss_ce"])
	require.Equal(t, cfg.ClsLossCoef, w["loss_ce_0"])
	require.Equal(t, cfg.ClsLossCoef, w["loss_ce_1"])
	require.Equal(t, cfg.ClsLossCoef, w["loss_ce_enc"])
	require.Equal(t, cfg.OpensetLossCoef, w["loss_openset"])
	_, hasMask := w["loss_mask"]
	require.False(t, hasMask, "mask weight only present when masks enabled")
}

func TestLossMasks(t *testing.T) {
	cfg := testConfig()
	cfg.Masks = true
	c := newTestCriterion(t, cfg)
	rng := rand.New(rand.NewSource(9))

	out := testOutputs(cfg, rng)
	// One 4x4 predicted mask for query 0, target mask 8x8.
	out.Masks = make([][][][]float32, 1)
	out.Masks[0] = make([][][]float32, cfg.NumQueries)
	pred := make([][]float32, 4)
	for y := range pred {
		pred[y] = make([]float32, 4)
		for x := range pred[y] {
			pred[y][x] = float32(rng.NormFloat64())
		}
	}
	out.Masks[0][0] = pred

	tgtMask := make([][]float32, 8)
	for y := range tgtMask {
		tgtMask[y] = make([]float32, 8)
		for x := range tgtMask[y] {
			if x < 4 {
				tgtMask[y][x] = 1
			}
		}
	}
	targets := []Target{{
		Labels: []int{0},
		Boxes:  []boxes.Box{{0.4, 0.4, 0.2, 0.2}},
		Masks:  [][][]float32{tgtMask},
	}}

	losses, err := c.Forward(out, targets, 0, false)
	require.NoError(t, err)
	require.Contains(t, losses, "loss_mask")
	require.Contains(t, losses, "loss_dice")
	require.False(t, math.IsNaN(losses["loss_dice"]))
}
