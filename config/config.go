// Package config holds the flat option set consumed by the loss and
// statistics layer. One Config instance is shared by the memory bank, the
// motif synthesizer and the loss aggregator of a model.
package config

import "fmt"

// Config carries every knob of the loss core. TOML tags allow the training
// harness to load it from a config file alongside its own settings.
type Config struct {
	// NumClasses counts all class slots including the reserved unknown class
	// at the last index.
	NumClasses int `toml:"num_classes"`
	NumQueries int `toml:"num_queries"`
	// HiddenDim is the query-embedding dimensionality.
	HiddenDim int `toml:"hidden_dim"`

	FocalAlpha float32 `toml:"focal_alpha"`
	DAGamma    float32 `toml:"da_gamma"`

	// UnkProb is the soft probability placed on the unknown slot of matched
	// targets when open-set mode is active.
	UnkProb float32 `toml:"unk_prob"`

	WithOpenset     bool `toml:"with_openset"`
	WithCrossDomain bool `toml:"with_crossdomain"`
	// OpensetKNN and CrossDomainKNN are the motif retention counts of the two
	// synthetic branches.
	OpensetKNN     int `toml:"os_knn"`
	CrossDomainKNN int `toml:"da_knn"`
	// PretrainThreshold filters target-domain proposals by summed sigmoid
	// score in the cross-domain branch.
	PretrainThreshold float32 `toml:"pretrain_th"`
	// WarmupEpochs suppresses both synthetic losses until the bank has had
	// time to stabilize.
	WarmupEpochs int `toml:"warm_up_epoch"`

	// StdScaling scales std vectors into analytic extremity offsets.
	StdScaling float32 `toml:"std_scaling"`
	// ClusterMin is the matched-embedding count above which the bank switches
	// from the analytic extremity estimate to the clustering path.
	ClusterMin int `toml:"cluster_min"`

	// AuxLayers is the number of auxiliary decoder layers receiving their own
	// loss set.
	AuxLayers int  `toml:"aux_layers"`
	Masks     bool `toml:"masks"`

	// Per-loss weight coefficients.
	ClsLossCoef           float64 `toml:"cls_loss_coef"`
	BBoxLossCoef          float64 `toml:"bbox_loss_coef"`
	GIoULossCoef          float64 `toml:"giou_loss_coef"`
	MaskLossCoef          float64 `toml:"mask_loss_coef"`
	DiceLossCoef          float64 `toml:"dice_loss_coef"`
	BackboneLossCoef      float64 `toml:"backbone_loss_coef"`
	SpaceQueryLossCoef    float64 `toml:"space_query_loss_coef"`
	ChannelQueryLossCoef  float64 `toml:"channel_query_loss_coef"`
	InstanceQueryLossCoef float64 `toml:"instance_query_loss_coef"`
	OpensetLossCoef       float64 `toml:"openset_loss_coef"`
	CrossDomainLossCoef   float64 `toml:"crossdomain_loss_coef"`
}

// DefaultConfig returns the configuration used by the reference training
// recipes.
func DefaultConfig() Config {
	return Config{
		NumClasses:            4,
		NumQueries:            100,
		HiddenDim:             256,
		FocalAlpha:            0.25,
		DAGamma:               2,
		UnkProb:               0.1,
		OpensetKNN:            5,
		CrossDomainKNN:        5,
		PretrainThreshold:     0.5,
		WarmupEpochs:          2,
		StdScaling:            3,
		ClusterMin:            20,
		AuxLayers:             5,
		ClsLossCoef:           2,
		BBoxLossCoef:          5,
		GIoULossCoef:          2,
		MaskLossCoef:          1,
		DiceLossCoef:          1,
		BackboneLossCoef:      0.1,
		SpaceQueryLossCoef:    0.1,
		ChannelQueryLossCoef:  0.1,
		InstanceQueryLossCoef: 0.1,
		OpensetLossCoef:       1,
		CrossDomainLossCoef:   1,
	}
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.NumClasses < 2 {
		return fmt.Errorf("config: num_classes must be >= 2 (known classes plus the reserved unknown slot), got %d", c.NumClasses)
	}
	if c.NumQueries <= 0 {
		return fmt.Errorf("config: num_queries must be positive, got %d", c.NumQueries)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("config: hidden_dim must be positive, got %d", c.HiddenDim)
	}
	if c.OpensetKNN <= 0 && c.WithOpenset {
		return fmt.Errorf("config: os_knn must be positive when open-set mode is on")
	}
	if c.CrossDomainKNN <= 0 && c.WithCrossDomain {
		return fmt.Errorf("config: da_knn must be positive when cross-domain mode is on")
	}
	if c.UnkProb < 0 || c.UnkProb > 1 {
		return fmt.Errorf("config: unk_prob must lie in [0, 1], got %v", c.UnkProb)
	}
	if c.ClusterMin < 3 {
		return fmt.Errorf("config: cluster_min must be >= 3, got %d", c.ClusterMin)
	}
	return nil
}
