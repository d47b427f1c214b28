package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/config"
)

// LRScheduler maps the update counter to a learning rate.
// Schedulers are stateless: the rate depends only on batchIdx.
type LRScheduler interface {
	// GetLR returns the learning rate for update batchIdx
	GetLR(batchIdx int64, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// FixedLRScheduler keeps the base rate.
type FixedLRScheduler struct{}

func (FixedLRScheduler) GetLR(batchIdx int64, baseLR float64) float64 { return baseLR }
func (FixedLRScheduler) GetName() string                              { return "fixed" }

// InvSqrtLRScheduler decays as 1/sqrt(batchIdx), continuous with a linear
// warmup of WarmupUpdates.
type InvSqrtLRScheduler struct {
	WarmupUpdates int64
}

func (s InvSqrtLRScheduler) GetLR(batchIdx int64, baseLR float64) float64 {
	if s.WarmupUpdates > 0 {
		return baseLR * math.Sqrt(float64(s.WarmupUpdates)) / math.Sqrt(float64(batchIdx))
	}
	return baseLR / math.Sqrt(float64(batchIdx+1))
}

func (InvSqrtLRScheduler) GetName() string { return "invsqrt" }

// StepLRScheduler multiplies the rate by Gamma every StepSize updates after
// warmup.
type StepLRScheduler struct {
	WarmupUpdates int64
	StepSize      int64
	Gamma         float64
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(warmup, stepSize int64, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 100000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.5
	}
	return &StepLRScheduler{WarmupUpdates: warmup, StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(batchIdx int64, baseLR float64) float64 {
	times := (batchIdx - s.WarmupUpdates) / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string { return "step" }

// CosineLRScheduler anneals from the base rate to EtaMin between the end of
// warmup and TotalUpdates.
type CosineLRScheduler struct {
	WarmupUpdates int64
	TotalUpdates  int64
	EtaMin        float64
}

func (s *CosineLRScheduler) GetLR(batchIdx int64, baseLR float64) float64 {
	span := s.TotalUpdates - s.WarmupUpdates
	if span <= 0 {
		return baseLR
	}
	progress := float64(batchIdx-s.WarmupUpdates) / float64(span)
	if progress > 1 {
		progress = 1
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))/2
}

func (s *CosineLRScheduler) GetName() string { return "cosine" }

// WarmupLRScheduler ramps linearly from InitLR to the base rate over Updates
// and defers to After from then on.
type WarmupLRScheduler struct {
	Updates int64
	InitLR  float64
	After   LRScheduler
}

func (s *WarmupLRScheduler) GetLR(batchIdx int64, baseLR float64) float64 {
	if batchIdx < s.Updates {
		return s.InitLR + (baseLR-s.InitLR)*float64(batchIdx)/float64(s.Updates)
	}
	return s.After.GetLR(batchIdx, baseLR)
}

func (s *WarmupLRScheduler) GetName() string {
	return "warmup+" + s.After.GetName()
}

// NewLRScheduler builds the warmup scheduler wrapping train_lr_schedule.
func NewLRScheduler(cfg *config.Config) (LRScheduler, error) {
	var after LRScheduler
	switch cfg.TrainLrSchedule {
	case "fixed":
		after = FixedLRScheduler{}
	case "invsqrt":
		after = InvSqrtLRScheduler{WarmupUpdates: cfg.TrainWarmupUpdates}
	case "step":
		after = NewStepLRScheduler(cfg.TrainWarmupUpdates, cfg.TrainLrStepUpdates, cfg.TrainLrStepDecay)
	case "cosine":
		after = &CosineLRScheduler{
			WarmupUpdates: cfg.TrainWarmupUpdates,
			TotalUpdates:  cfg.TrainTotalUpdates,
			EtaMin:        cfg.TrainLrMin,
		}
	default:
		return nil, errors.New("LR schedule is not supported, check train_lr_schedule flag possible values")
	}
	return &WarmupLRScheduler{
		Updates: cfg.TrainWarmupUpdates,
		InitLR:  cfg.TrainWarmupInitLr,
		After:   after,
	}, nil
}
