package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "Binary"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// ParseFormat maps the checkpoint_format option to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "binary", "":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatBinary, errors.Errorf("unsupported checkpoint format %q", name)
	}
}

// Checkpoint is the complete resumable state of a joint training run.
type Checkpoint struct {
	Version string      `json:"version"`
	Units   []UnitState `json:"units"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	TrainingState TrainingState `json:"training_state"`

	// Config is the serialized configuration of the run that saved it.
	Config string `json:"config"`

	ASRBestValidWER map[string]float64 `json:"asr_best_valid_wer"`
	LMBestValidLoss map[string]float64 `json:"lm_best_valid_loss"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// UnitState holds one trainable unit: how to rebuild it and its weights.
type UnitState struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"` // "sequential" or "criterion"
	Spec    []byte         `json:"spec"`
	Weights []WeightTensor `json:"weights"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the schedule counters
type TrainingState struct {
	ASREpoch int64 `json:"asr_epoch"`
	LMEpoch  int64 `json:"lm_epoch"`
	BatchIdx int64 `json:"batch_idx"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"run_id"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes the checkpoint to path atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-joint"
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.New().String()
	}

	var data []byte
	switch cs.format {
	case FormatBinary:
		data = encodeCheckpoint(checkpoint)
	case FormatJSON:
		var err error
		if data, err = json.MarshalIndent(checkpoint, "", "  "); err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	switch cs.format {
	case FormatBinary:
		ckpt, err := decodeCheckpoint(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return ckpt, nil
	case FormatJSON:
		var ckpt Checkpoint
		if err := json.Unmarshal(data, &ckpt); err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return &ckpt, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close checkpoint file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// VersionMatches compares two version tags. Tags that parse as semantic
// versions are compared numerically, so "0.1" matches "0.1.0".
func VersionMatches(got, want string) bool {
	g, errG := semver.NewVersion(got)
	w, errW := semver.NewVersion(want)
	if errG != nil || errW != nil {
		return got == want
	}
	return g.Equal(w)
}

// ExtractWeights copies the values of params into weight tensors named
// "<prefix>.<index>".
func ExtractWeights(prefix string, params []*autograd.Variable) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, p.Value.NumElems)
		copy(data, p.Data())
		weights[i] = WeightTensor{
			Name:  prefix + "." + itoa(i),
			Shape: append([]int(nil), p.Shape()...),
			Data:  data,
		}
	}
	return weights
}

// LoadWeightsIntoVariables copies weight data back into parameters, in order.
func LoadWeightsIntoVariables(weights []WeightTensor, params []*autograd.Variable) error {
	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, p := range params {
		weight := weights[i]
		shape := p.Shape()
		if len(shape) != len(weight.Shape) {
			return errors.Errorf("shape mismatch for weight %s: parameter %v vs weight %v",
				weight.Name, shape, weight.Shape)
		}
		for j, dim := range shape {
			if dim != weight.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != p.Value.NumElems {
			return errors.Errorf("data size mismatch for weight %s", weight.Name)
		}
		copy(p.Data(), weight.Data)
	}

	return nil
}
