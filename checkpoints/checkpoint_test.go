package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Version: "0.1",
		Units: []UnitState{
			{
				Name: "encoder",
				Kind: "sequential",
				Spec: []byte("layers:\n  - type: linear\n"),
				Weights: []WeightTensor{
					{Name: "encoder.0", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
					{Name: "encoder.1", Shape: []int{2}, Data: []float32{-0.5, 0.25}},
				},
			},
			{Name: "asrCriterion", Kind: "criterion", Spec: []byte("type: ctc\n")},
		},
		OptimizerState: &OptimizerState{
			Type:       "sgd",
			Parameters: map[string]float64{"learning_rate": 0.1, "momentum": 0.9},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{2, 3}, Data: []float32{0, 1, 0, 1, 0, 1}, StateType: "momentum"},
			},
		},
		TrainingState: TrainingState{ASREpoch: 3, LMEpoch: 7, BatchIdx: 1200},
		Config:        "train_lr: 0.1\n",
		ASRBestValidWER: map[string]float64{
			"dev-clean": 12.5,
			"dev-other": 30.25,
		},
		LMBestValidLoss: map[string]float64{"lm-valid": 4.75},
		Metadata: CheckpointMetadata{
			Framework: "go-joint",
			CreatedAt: time.Unix(0, 1700000000123456789),
			RunID:     "6f1c8a6e-93c2-4f0f-9c55-15f26dd1d7c5",
		},
	}
}

func TestCheckpointSaveLoadRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatBinary, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model_last.bin")
			saver := NewCheckpointSaver(format)
			want := sampleCheckpoint()
			require.NoError(t, saver.SaveCheckpoint(want, path))

			got, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			opt := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
			if diff := cmp.Diff(want, got, opt); diff != "" {
				t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCheckpointBinaryIsDeterministic(t *testing.T) {
	a := encodeCheckpoint(sampleCheckpoint())
	b := encodeCheckpoint(sampleCheckpoint())
	assert.Equal(t, a, b)
}

func TestCheckpointMetadataDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.bin")
	ckpt := &Checkpoint{Version: "0.1"}
	require.NoError(t, NewCheckpointSaver(FormatBinary).SaveCheckpoint(ckpt, path))

	assert.Equal(t, "go-joint", ckpt.Metadata.Framework)
	assert.NotEmpty(t, ckpt.Metadata.RunID)
	assert.False(t, ckpt.Metadata.CreatedAt.IsZero())

	loaded, err := NewCheckpointSaver(FormatBinary).LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Nil(t, loaded.OptimizerState)
	assert.Empty(t, loaded.ASRBestValidWER)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_last.bin")
	saver := NewCheckpointSaver(FormatBinary)
	require.NoError(t, saver.SaveCheckpoint(sampleCheckpoint(), path))
	require.NoError(t, saver.SaveCheckpoint(sampleCheckpoint(), path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model_last.bin", entries[0].Name())
}

func TestLoadErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatBinary)
	_, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o644))
	_, err = saver.LoadCheckpoint(path)
	assert.Error(t, err)

	_, err = NewCheckpointSaver(CheckpointFormat(99)).LoadCheckpoint(path)
	assert.Error(t, err)
	assert.Error(t, NewCheckpointSaver(CheckpointFormat(99)).SaveCheckpoint(sampleCheckpoint(), path))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatBinary, false},
		{"binary", FormatBinary, false},
		{"json", FormatJSON, false},
		{"onnx", FormatBinary, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "Unknown", CheckpointFormat(42).String())
}

func TestVersionMatches(t *testing.T) {
	tests := []struct {
		got, want string
		match     bool
	}{
		{"0.1", "0.1", true},
		{"0.1.0", "0.1", true},
		{"0.2", "0.1", false},
		{"legacy", "legacy", true},
		{"legacy", "0.1", false},
		{"", "0.1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, VersionMatches(tt.got, tt.want), "%q vs %q", tt.got, tt.want)
	}
}

func TestExtractAndLoadWeights(t *testing.T) {
	src := []*autograd.Variable{
		autograd.NewParameter(tensor.FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4})),
		autograd.NewParameter(tensor.FromFloat32([]int{3}, []float32{5, 6, 7})),
	}
	weights := ExtractWeights("encoder", src)
	require.Len(t, weights, 2)
	assert.Equal(t, "encoder.1", weights[1].Name)

	// extracted data must not alias the parameter
	src[0].Data()[0] = 100
	assert.Equal(t, float32(1), weights[0].Data[0])

	dst := []*autograd.Variable{
		autograd.NewParameter(tensor.FromFloat32([]int{2, 2}, make([]float32, 4))),
		autograd.NewParameter(tensor.FromFloat32([]int{3}, make([]float32, 3))),
	}
	require.NoError(t, LoadWeightsIntoVariables(weights, dst))
	assert.Equal(t, []float32{1, 2, 3, 4}, dst[0].Data())
	assert.Equal(t, []float32{5, 6, 7}, dst[1].Data())

	assert.Error(t, LoadWeightsIntoVariables(weights[:1], dst))
	wrong := []*autograd.Variable{
		autograd.NewParameter(tensor.FromFloat32([]int{4}, make([]float32, 4))),
		dst[1],
	}
	assert.Error(t, LoadWeightsIntoVariables(weights, wrong))
	transposed := []*autograd.Variable{
		autograd.NewParameter(tensor.FromFloat32([]int{1, 4}, make([]float32, 4))),
		dst[1],
	}
	assert.Error(t, LoadWeightsIntoVariables(weights, transposed))
}
