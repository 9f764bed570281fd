// Package checkpoints persists the loss layer's stateful pieces across
// training runs: the class memory bank statistics and training progress. The
// bank must survive checkpointing so the unknown-class anchor and extremity
// tables resume where they left off.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aoodlab/go-aood/bank"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Checkpoint is the persisted loss-layer state.
type Checkpoint struct {
	// Bank is the class memory bank snapshot.
	Bank bank.State `json:"bank" msgpack:"bank"`

	// Training state
	TrainingState TrainingState `json:"training_state" msgpack:"training_state"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata" msgpack:"metadata"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch      int     `json:"epoch" msgpack:"epoch"`
	Step       int     `json:"step" msgpack:"step"`
	BestLoss   float64 `json:"best_loss" msgpack:"best_loss"`
	TotalSteps int     `json:"total_steps" msgpack:"total_steps"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version" msgpack:"version"`
	Framework   string    `json:"framework" msgpack:"framework"`
	CreatedAt   time.Time `json:"created_at" msgpack:"created_at"`
	Description string    `json:"description,omitempty" msgpack:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty" msgpack:"tags,omitempty"`
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete loss-layer checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-aood"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a loss-layer checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return cs.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	data, err := msgpack.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	var checkpoint Checkpoint
	if err := msgpack.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// FromBank builds a checkpoint from the criterion's bank and progress.
func FromBank(b *bank.Bank, state TrainingState) *Checkpoint {
	return &Checkpoint{
		Bank:          b.State(),
		TrainingState: state,
	}
}

// RestoreBank loads the checkpointed statistics into an existing bank.
func (c *Checkpoint) RestoreBank(b *bank.Bank) error {
	return b.Restore(c.Bank)
}
