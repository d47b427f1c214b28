package training

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/checkpoints"
	"github.com/tsawler/go-joint/optimizer"
)

// Version is the tag stored in every checkpoint.
const Version = "0.1"

// LastModelFile is the canonical checkpoint name inside the experiment
// directory.
const LastModelFile = "model_last.bin"

// Snapshot is the state written to a checkpoint.
type Snapshot struct {
	Model     *Model
	Optimizer optimizer.Optimizer
	State     State
	Config    string
	Best      BestMetrics
}

// CheckpointManager writes the experiment checkpoints. Only the master
// worker writes.
type CheckpointManager struct {
	dir    string
	master bool
	runID  string
	saver  *checkpoints.CheckpointSaver
	onSave func(path string)
}

// NewCheckpointManager creates a manager writing to dir in format.
func NewCheckpointManager(dir string, format checkpoints.CheckpointFormat, master bool) *CheckpointManager {
	return &CheckpointManager{
		dir:    dir,
		master: master,
		runID:  uuid.New().String(),
		saver:  checkpoints.NewCheckpointSaver(format),
	}
}

// LastPath is the canonical checkpoint path.
func (cm *CheckpointManager) LastPath() string {
	return filepath.Join(cm.dir, LastModelFile)
}

// Save writes the canonical checkpoint and, when suffix is not empty, a
// second copy at the canonical path plus suffix.
func (cm *CheckpointManager) Save(s Snapshot, suffix string) error {
	if !cm.master {
		return nil
	}
	ckpt, err := cm.createCheckpoint(s)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint")
	}
	if err := cm.ensureDirectory(); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	paths := []string{cm.LastPath()}
	if suffix != "" {
		paths = append(paths, cm.LastPath()+suffix)
	}
	for _, p := range paths {
		if err := cm.saver.SaveCheckpoint(ckpt, p); err != nil {
			return errors.Wrapf(err, "failed to save checkpoint %s", p)
		}
		if cm.onSave != nil {
			cm.onSave(p)
		}
	}
	return nil
}

// Load reads the checkpoint at path.
func (cm *CheckpointManager) Load(path string) (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(path)
}

func (cm *CheckpointManager) createCheckpoint(s Snapshot) (*checkpoints.Checkpoint, error) {
	units, err := s.Model.UnitStates()
	if err != nil {
		return nil, err
	}
	optState, err := s.Optimizer.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract optimizer state")
	}
	return &checkpoints.Checkpoint{
		Version:        Version,
		Units:          units,
		OptimizerState: optState,
		TrainingState: checkpoints.TrainingState{
			ASREpoch: s.State.ASREpoch,
			LMEpoch:  s.State.LMEpoch,
			BatchIdx: s.State.BatchIdx,
		},
		Config:          s.Config,
		ASRBestValidWER: copyMetrics(s.Best.ASRValidWER),
		LMBestValidLoss: copyMetrics(s.Best.LMValidLoss),
		Metadata: checkpoints.CheckpointMetadata{
			Framework: "go-joint",
			CreatedAt: time.Now(),
			RunID:     cm.runID,
		},
	}, nil
}

func (cm *CheckpointManager) ensureDirectory() error {
	return os.MkdirAll(cm.dir, 0o755)
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
