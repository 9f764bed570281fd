package bank

import (
	"fmt"

	"github.com/aoodlab/go-aood/embedding"
)

// State is the serializable snapshot of a bank, embedded in training
// checkpoints so the statistics survive process restarts.
type State struct {
	NumClasses int         `json:"num_classes" msgpack:"num_classes"`
	Dim        int         `json:"dim" msgpack:"dim"`
	Means      [][]float32 `json:"means" msgpack:"means"`
	Stds       [][]float32 `json:"stds" msgpack:"stds"`
	Ext1       [][]float32 `json:"ext_1" msgpack:"ext_1"`
	Ext2       [][]float32 `json:"ext_2" msgpack:"ext_2"`
}

// State returns a deep copy of the bank's current statistics.
func (b *Bank) State() State {
	return State{
		NumClasses: b.NumClasses(),
		Dim:        b.dim,
		Means:      copyTable(b.Means),
		Stds:       copyTable(b.Stds),
		Ext1:       copyTable(b.Ext1),
		Ext2:       copyTable(b.Ext2),
	}
}

// Restore overwrites the bank's statistics from a snapshot. The snapshot
// must match the bank's class count and dimensionality.
func (b *Bank) Restore(s State) error {
	if s.NumClasses != b.NumClasses() || s.Dim != b.dim {
		return fmt.Errorf("bank: snapshot shape (%d classes, dim %d) does not match bank (%d classes, dim %d)",
			s.NumClasses, s.Dim, b.NumClasses(), b.dim)
	}
	for _, tbl := range [][][]float32{s.Means, s.Stds, s.Ext1, s.Ext2} {
		if len(tbl) != s.NumClasses {
			return fmt.Errorf("bank: snapshot table has %d rows, want %d", len(tbl), s.NumClasses)
		}
		for _, row := range tbl {
			if len(row) != s.Dim {
				return fmt.Errorf("bank: snapshot row dim %d, want %d", len(row), s.Dim)
			}
		}
	}
	restoreTable(b.Means, s.Means)
	restoreTable(b.Stds, s.Stds)
	restoreTable(b.Ext1, s.Ext1)
	restoreTable(b.Ext2, s.Ext2)
	return nil
}

func copyTable(vs []embedding.Vector) [][]float32 {
	out := make([][]float32, len(vs))
	for i, v := range vs {
		out[i] = append([]float32(nil), v...)
	}
	return out
}

func restoreTable(dst []embedding.Vector, src [][]float32) {
	for i := range dst {
		copy(dst[i], src[i])
	}
}
