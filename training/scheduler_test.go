package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-joint/config"
)

func schedulerConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.TrainLrSchedule = name
	cfg.TrainLr = 0.4
	cfg.TrainWarmupUpdates = 4
	cfg.TrainWarmupInitLr = 0
	cfg.TrainLrStepUpdates = 2
	cfg.TrainLrStepDecay = 0.5
	cfg.TrainTotalUpdates = 8
	return cfg
}

func TestWarmupIsLinear(t *testing.T) {
	for _, name := range []string{"fixed", "invsqrt", "step", "cosine"} {
		s, err := NewLRScheduler(schedulerConfig(name))
		require.NoError(t, err)
		for i, want := range []float64{0, 0.1, 0.2, 0.3} {
			lr := s.GetLR(int64(i), 0.4)
			if math.Abs(lr-want) > 1e-12 {
				t.Errorf("%s update %d: expected LR %f, got %f", name, i, want, lr)
			}
		}
	}
}

func TestFixedLRScheduler(t *testing.T) {
	s, err := NewLRScheduler(schedulerConfig("fixed"))
	require.NoError(t, err)
	assert.Equal(t, 0.4, s.GetLR(4, 0.4))
	assert.Equal(t, 0.4, s.GetLR(1000, 0.4))
	assert.Equal(t, "warmup+fixed", s.GetName())
}

func TestInvSqrtLRScheduler(t *testing.T) {
	s, err := NewLRScheduler(schedulerConfig("invsqrt"))
	require.NoError(t, err)

	tests := []struct {
		batchIdx   int64
		expectedLR float64
	}{
		{4, 0.4},
		{16, 0.2},
		{64, 0.1},
	}
	for _, tt := range tests {
		lr := s.GetLR(tt.batchIdx, 0.4)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Update %d: expected LR %f, got %f", tt.batchIdx, tt.expectedLR, lr)
		}
	}

	noWarmup := InvSqrtLRScheduler{}
	assert.InDelta(t, 0.4, noWarmup.GetLR(0, 0.4), 1e-12)
	assert.InDelta(t, 0.2, noWarmup.GetLR(3, 0.4), 1e-12)
}

func TestStepLRScheduler(t *testing.T) {
	s, err := NewLRScheduler(schedulerConfig("step"))
	require.NoError(t, err)

	tests := []struct {
		batchIdx   int64
		expectedLR float64
	}{
		{4, 0.4},
		{5, 0.4},
		{6, 0.2},
		{8, 0.1},
	}
	for _, tt := range tests {
		lr := s.GetLR(tt.batchIdx, 0.4)
		if math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Update %d: expected LR %f, got %f", tt.batchIdx, tt.expectedLR, lr)
		}
	}
}

func TestCosineLRScheduler(t *testing.T) {
	s, err := NewLRScheduler(schedulerConfig("cosine"))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, s.GetLR(4, 0.4), 1e-12)
	assert.InDelta(t, 0.2, s.GetLR(6, 0.4), 1e-12)
	assert.InDelta(t, 0, s.GetLR(8, 0.4), 1e-12)
	assert.InDelta(t, 0, s.GetLR(20, 0.4), 1e-12, "clamped after the last update")
}

func TestUnknownLRSchedule(t *testing.T) {
	_, err := NewLRScheduler(schedulerConfig("linear"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train_lr_schedule")
}
