package criterion

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aoodlab/go-aood/bank"
	"github.com/aoodlab/go-aood/config"
	"github.com/aoodlab/go-aood/embedding"
	"github.com/aoodlab/go-aood/motif"
)

// Reducer sums the matched-box normalizer across distributed workers. The
// sum is a hard barrier: normalization must not proceed until every worker
// has contributed.
type Reducer interface {
	SumAll(v float64) (float64, error)
	WorldSize() int
}

// LocalReducer is the single-process Reducer.
type LocalReducer struct{}

// SumAll returns v unchanged.
func (LocalReducer) SumAll(v float64) (float64, error) { return v, nil }

// WorldSize returns 1.
func (LocalReducer) WorldSize() int { return 1 }

// Criterion aggregates all loss terms of one training step. It owns the
// class memory bank; the bank is mutated in place once per Forward call in
// training mode, after matching and before any bank-reading loss.
type Criterion struct {
	cfg     config.Config
	matcher Matcher
	bank    *bank.Bank
	reducer Reducer
	weights map[string]float64
}

// New builds a criterion. A nil reducer defaults to single-process.
func New(cfg config.Config, matcher Matcher, b *bank.Bank, reducer Reducer) (*Criterion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if matcher == nil {
		return nil, fmt.Errorf("criterion: matcher is required")
	}
	if b == nil {
		return nil, fmt.Errorf("criterion: memory bank is required")
	}
	if b.NumClasses() != cfg.NumClasses {
		return nil, fmt.Errorf("criterion: bank has %d classes, config says %d", b.NumClasses(), cfg.NumClasses)
	}
	if reducer == nil {
		reducer = LocalReducer{}
	}
	return &Criterion{
		cfg:     cfg,
		matcher: matcher,
		bank:    b,
		reducer: reducer,
		weights: BuildWeights(cfg),
	}, nil
}

// Bank exposes the owned memory bank for checkpointing.
func (c *Criterion) Bank() *bank.Bank { return c.bank }

// Weights returns the per-loss weight table including aux and encoder
// suffixes.
func (c *Criterion) Weights() map[string]float64 { return c.weights }

// Forward computes the full loss mapping for one step. epoch gates the
// synthetic losses; training enables bank updates and the synthetic branches.
func (c *Criterion) Forward(outputs *Outputs, targets []Target, epoch int, training bool) (map[string]float64, error) {
	if err := outputs.Validate(len(targets)); err != nil {
		return nil, err
	}

	assigns, err := c.matcher.Match(outputs.Final, targets)
	if err != nil {
		return nil, fmt.Errorf("criterion: matcher failed: %w", err)
	}
	if len(assigns) != len(targets) {
		return nil, fmt.Errorf("criterion: matcher returned %d assignments for %d images", len(assigns), len(targets))
	}

	if training {
		if err := c.updateBank(outputs, targets, assigns); err != nil {
			return nil, err
		}
	}

	numBoxes, err := c.normalizer(targets)
	if err != nil {
		return nil, err
	}

	losses := map[string]float64{}
	if err := c.baseLosses(losses, outputs.Final, targets, assigns, numBoxes, "", true); err != nil {
		return nil, err
	}
	if outputs.Masks != nil && c.cfg.Masks {
		maskLosses, err := c.lossMasks(outputs.Masks, targets, assigns, numBoxes)
		if err != nil {
			return nil, err
		}
		merge(losses, maskLosses, "")
	}

	warm := training && epoch > c.cfg.WarmupEpochs
	if warm && c.cfg.WithOpenset {
		losses["loss_openset"] = c.opensetLoss(outputs, assigns)
	}
	if warm && c.cfg.WithCrossDomain {
		l, err := c.crossDomainLoss(outputs)
		if err != nil {
			return nil, err
		}
		losses["loss_crossdomain"] = l
	}

	for i, aux := range outputs.Aux {
		auxAssigns, err := c.matcher.Match(aux, targets)
		if err != nil {
			return nil, fmt.Errorf("criterion: matcher failed on aux layer %d: %w", i, err)
		}
		if err := c.baseLosses(losses, aux, targets, auxAssigns, numBoxes, fmt.Sprintf("_%d", i), false); err != nil {
			return nil, err
		}
	}

	if outputs.Enc != nil {
		// Encoder proposals are supervised with a single binary is-object
		// label.
		binTargets := make([]Target, len(targets))
		for i, t := range targets {
			binTargets[i] = Target{Labels: make([]int, len(t.Labels)), Boxes: t.Boxes}
		}
		encAssigns, err := c.matcher.Match(*outputs.Enc, binTargets)
		if err != nil {
			return nil, fmt.Errorf("criterion: matcher failed on encoder layer: %w", err)
		}
		if err := c.baseLosses(losses, *outputs.Enc, binTargets, encAssigns, numBoxes, "_enc", false); err != nil {
			return nil, err
		}
	}

	for name, stream := range outputs.DA {
		l, err := c.lossDA(stream, strings.Contains(name, "query"))
		if err != nil {
			return nil, err
		}
		losses["loss_"+name] = l
	}

	return losses, nil
}

// baseLosses computes the classification, cardinality and box losses for one
// layer and merges them into dst under the given suffix.
func (c *Criterion) baseLosses(dst map[string]float64, lo LayerOutput, targets []Target, assigns []Assignment, numBoxes float64, suffix string, logStats bool) error {
	labelLosses, err := c.lossLabels(lo, targets, assigns, numBoxes, logStats)
	if err != nil {
		return err
	}
	merge(dst, labelLosses, suffix)
	merge(dst, c.lossCardinality(lo, targets), suffix)
	boxLosses, err := c.lossBoxes(lo, targets, assigns, numBoxes)
	if err != nil {
		return err
	}
	merge(dst, boxLosses, suffix)
	return nil
}

// updateBank feeds this step's matched final-layer embeddings to the bank.
func (c *Criterion) updateBank(outputs *Outputs, targets []Target, assigns []Assignment) error {
	var embs []embedding.Vector
	var labels []int
	for b, a := range assigns {
		for i, q := range a.Queries {
			if b >= len(outputs.Embeddings) || q >= len(outputs.Embeddings[b]) {
				return fmt.Errorf("criterion: embedding for image %d query %d missing", b, q)
			}
			embs = append(embs, outputs.Embeddings[b][q])
			labels = append(labels, targets[b].Labels[a.Targets[i]])
		}
	}
	return c.bank.Update(embs, labels)
}

// normalizer returns the clamped cross-worker matched box count.
func (c *Criterion) normalizer(targets []Target) (float64, error) {
	local := 0
	for _, t := range targets {
		local += len(t.Labels)
	}
	total, err := c.reducer.SumAll(float64(local))
	if err != nil {
		return 0, fmt.Errorf("criterion: box-count reduction failed: %w", err)
	}
	n := total / float64(c.reducer.WorldSize())
	if n < 1 {
		n = 1
	}
	return n, nil
}

// opensetLoss gathers the unmatched final-layer embeddings of the supervised
// images and feeds them to the open-set motif synthesizer.
func (c *Criterion) opensetLoss(outputs *Outputs, assigns []Assignment) float64 {
	var unmatched []embedding.Vector
	for b, qs := range unmatchedQueries(assigns, c.cfg.NumQueries) {
		for _, q := range qs {
			if b < len(outputs.Embeddings) && q < len(outputs.Embeddings[b]) {
				unmatched = append(unmatched, outputs.Embeddings[b][q])
			}
		}
	}
	return motif.SynthesizeUnknown(c.bank, unmatched, outputs.FinalClassifier, c.cfg.OpensetKNN)
}

// crossDomainLoss flattens the target-domain half of the batch and feeds it
// to the cross-domain motif synthesizer. The batch must be even: first half
// source, second half target.
func (c *Criterion) crossDomainLoss(outputs *Outputs) (float64, error) {
	b := len(outputs.Embeddings)
	if b%2 != 0 {
		return 0, fmt.Errorf("criterion: cross-domain loss requires an even batch, got %d images", b)
	}
	if len(outputs.LogitsBoth) != b {
		return 0, fmt.Errorf("criterion: full-batch logits cover %d/%d images", len(outputs.LogitsBoth), b)
	}

	var embs []embedding.Vector
	var scores []float32
	for img := b / 2; img < b; img++ {
		for q, e := range outputs.Embeddings[img] {
			if q >= len(outputs.LogitsBoth[img]) {
				return 0, fmt.Errorf("criterion: logits missing for image %d query %d", img, q)
			}
			var s float32
			for _, logit := range outputs.LogitsBoth[img][q] {
				s += sigmoid(logit)
			}
			embs = append(embs, e)
			scores = append(scores, s)
		}
	}
	return motif.SynthesizeCrossDomain(c.bank, embs, scores, outputs.FinalClassifier, c.cfg.PretrainThreshold, c.cfg.CrossDomainKNN), nil
}

// BuildWeights expands the configured per-loss coefficients into the full
// weight table, repeating the base set for each auxiliary layer and the
// encoder pass.
func BuildWeights(cfg config.Config) map[string]float64 {
	base := map[string]float64{
		"loss_ce":   cfg.ClsLossCoef,
		"loss_bbox": cfg.BBoxLossCoef,
		"loss_giou": cfg.GIoULossCoef,
	}
	if cfg.Masks {
		base["loss_mask"] = cfg.MaskLossCoef
		base["loss_dice"] = cfg.DiceLossCoef
	}
	weights := map[string]float64{}
	for k, v := range base {
		weights[k] = v
		for i := 0; i < cfg.AuxLayers; i++ {
			weights[fmt.Sprintf("%s_%d", k, i)] = v
		}
		weights[k+"_enc"] = v
	}
	weights["loss_backbone"] = cfg.BackboneLossCoef
	weights["loss_space_query"] = cfg.SpaceQueryLossCoef
	weights["loss_channel_query"] = cfg.ChannelQueryLossCoef
	weights["loss_instance_query"] = cfg.InstanceQueryLossCoef
	weights["loss_openset"] = cfg.OpensetLossCoef
	weights["loss_crossdomain"] = cfg.CrossDomainLossCoef
	return weights
}

// WeightedTotal reduces a loss mapping to the scalar the optimizer steps on.
// Terms without a weight entry (monitoring terms) are skipped.
func WeightedTotal(losses, weights map[string]float64) float64 {
	var total float64
	skipped := 0
	for name, v := range losses {
		w, ok := weights[name]
		if !ok {
			skipped++
			continue
		}
		total += w * v
	}
	if skipped > 0 {
		log.Debug().Int("monitor_terms", skipped).Msg("criterion: unweighted terms excluded from total")
	}
	return total
}

func merge(dst, src map[string]float64, suffix string) {
	for k, v := range src {
		dst[k+suffix] = v
	}
}
