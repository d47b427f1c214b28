// Package augment implements the waveform sound effects and the SpecAugment
// unit applied to ASR training input.
package augment

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/audio"
)

// SoundEffect modifies a waveform in place.
type SoundEffect interface {
	Apply(signal []float32) error
	String() string
}

// Power is the mean squared amplitude.
func Power(signal []float32) float64 {
	if len(signal) == 0 {
		return 0
	}
	var s float64
	for _, v := range signal {
		s += float64(v) * float64(v)
	}
	return s / float64(len(signal))
}

// RootMeanSquare is sqrt(Power).
func RootMeanSquare(signal []float32) float64 {
	return math.Sqrt(Power(signal))
}

// SignalToNoiseRatio is 10*log10(power(signal)/power(noise)) in dB.
func SignalToNoiseRatio(signal, noise []float32) float64 {
	return 10 * math.Log10(Power(signal)/Power(noise))
}

// GaussianNoiseConfig bounds the SNR, in dB, of the added noise.
type GaussianNoiseConfig struct {
	MinSnr float64 `json:"minSnr"`
	MaxSnr float64 `json:"maxSnr"`
}

// GaussianNoise adds white noise at an SNR drawn uniformly from
// [MinSnr, MaxSnr]. The noise is rescaled so the SNR is met exactly.
type GaussianNoise struct {
	cfg GaussianNoiseConfig
	rng *rand.Rand
}

func NewGaussianNoise(cfg GaussianNoiseConfig, seed int64) (*GaussianNoise, error) {
	if cfg.MaxSnr < cfg.MinSnr {
		return nil, errors.Errorf("gaussian noise: maxSnr %g < minSnr %g", cfg.MaxSnr, cfg.MinSnr)
	}
	return &GaussianNoise{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

func (g *GaussianNoise) Apply(signal []float32) error {
	signalRMS := RootMeanSquare(signal)
	if signalRMS == 0 {
		return nil
	}
	snr := g.cfg.MinSnr + g.rng.Float64()*(g.cfg.MaxSnr-g.cfg.MinSnr)
	noise := make([]float64, len(signal))
	var sq float64
	for i := range noise {
		noise[i] = g.rng.NormFloat64()
		sq += noise[i] * noise[i]
	}
	noiseRMS := math.Sqrt(sq / float64(len(noise)))
	if noiseRMS == 0 {
		return nil
	}
	scale := signalRMS / math.Pow(10, snr/20) / noiseRMS
	for i := range signal {
		signal[i] += float32(noise[i] * scale)
	}
	return nil
}

func (g *GaussianNoise) String() string {
	return fmt.Sprintf("GaussianNoise{minSnr=%g maxSnr=%g}", g.cfg.MinSnr, g.cfg.MaxSnr)
}

// AmplifyConfig bounds the gain ratio.
type AmplifyConfig struct {
	RatioMin float64 `json:"ratioMin"`
	RatioMax float64 `json:"ratioMax"`
}

// Amplify scales the waveform by a ratio drawn from [RatioMin, RatioMax].
type Amplify struct {
	cfg AmplifyConfig
	rng *rand.Rand
}

func NewAmplify(cfg AmplifyConfig, seed int64) (*Amplify, error) {
	if cfg.RatioMax < cfg.RatioMin || cfg.RatioMin < 0 {
		return nil, errors.Errorf("amplify: invalid ratio range [%g, %g]", cfg.RatioMin, cfg.RatioMax)
	}
	return &Amplify{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

func (a *Amplify) Apply(signal []float32) error {
	ratio := float32(a.cfg.RatioMin + a.rng.Float64()*(a.cfg.RatioMax-a.cfg.RatioMin))
	for i := range signal {
		signal[i] *= ratio
	}
	return nil
}

func (a *Amplify) String() string {
	return fmt.Sprintf("Amplify{ratioMin=%g ratioMax=%g}", a.cfg.RatioMin, a.cfg.RatioMax)
}

// NormalizeConfig selects whether quiet signals are left untouched.
type NormalizeConfig struct {
	OnlyIfTooHigh bool `json:"onlyIfTooHigh"`
}

// Normalize rescales the waveform so its peak amplitude is 1.
type Normalize struct {
	cfg NormalizeConfig
}

func NewNormalize(cfg NormalizeConfig) *Normalize {
	return &Normalize{cfg: cfg}
}

func (n *Normalize) Apply(signal []float32) error {
	var peak float32
	for _, v := range signal {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak == 0 || (n.cfg.OnlyIfTooHigh && peak <= 1) {
		return nil
	}
	for i := range signal {
		signal[i] /= peak
	}
	return nil
}

func (n *Normalize) String() string {
	return fmt.Sprintf("Normalize{onlyIfTooHigh=%t}", n.cfg.OnlyIfTooHigh)
}

// AdditiveNoiseConfig mixes clips listed in ListFilePath, one WAV path per
// line, into the signal.
type AdditiveNoiseConfig struct {
	Proba        float64 `json:"proba"`
	Ratio        float64 `json:"ratio"`
	MinSnr       float64 `json:"minSnr"`
	MaxSnr       float64 `json:"maxSnr"`
	NClipsMin    int     `json:"nClipsMin"`
	NClipsMax    int     `json:"nClipsMax"`
	ListFilePath string  `json:"listFilePath"`
}

// AdditiveNoise adds between NClipsMin and NClipsMax noise clips, with
// probability Proba, to a Ratio share of the signal at an SNR drawn from
// [MinSnr, MaxSnr].
type AdditiveNoise struct {
	cfg   AdditiveNoiseConfig
	rng   *rand.Rand
	clips []string
	load  func(path string) ([]float32, error)
}

func NewAdditiveNoise(cfg AdditiveNoiseConfig, clips []string, seed int64) (*AdditiveNoise, error) {
	if len(clips) == 0 {
		return nil, errors.New("additive noise: no noise clips")
	}
	if cfg.NClipsMax < cfg.NClipsMin || cfg.NClipsMin < 0 {
		return nil, errors.Errorf("additive noise: invalid clip range [%d, %d]", cfg.NClipsMin, cfg.NClipsMax)
	}
	if cfg.MaxSnr < cfg.MinSnr {
		return nil, errors.Errorf("additive noise: maxSnr %g < minSnr %g", cfg.MaxSnr, cfg.MinSnr)
	}
	if cfg.Ratio <= 0 || cfg.Ratio > 1 {
		cfg.Ratio = 1
	}
	return &AdditiveNoise{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		clips: clips,
		load: func(path string) ([]float32, error) {
			w, err := audio.LoadWav(path)
			if err != nil {
				return nil, err
			}
			return w.Samples, nil
		},
	}, nil
}

func (a *AdditiveNoise) Apply(signal []float32) error {
	if len(signal) == 0 || a.rng.Float64() >= a.cfg.Proba {
		return nil
	}
	n := a.cfg.NClipsMin
	if a.cfg.NClipsMax > a.cfg.NClipsMin {
		n += a.rng.Intn(a.cfg.NClipsMax - a.cfg.NClipsMin + 1)
	}
	if n == 0 {
		return nil
	}
	span := int(float64(len(signal)) * a.cfg.Ratio)
	if span < 1 {
		span = 1
	}
	start := 0
	if len(signal) > span {
		start = a.rng.Intn(len(signal) - span + 1)
	}

	mix := make([]float32, span)
	for c := 0; c < n; c++ {
		clip, err := a.load(a.clips[a.rng.Intn(len(a.clips))])
		if err != nil {
			return errors.Wrap(err, "additive noise")
		}
		if len(clip) == 0 {
			continue
		}
		offset := a.rng.Intn(len(clip))
		for i := range mix {
			mix[i] += clip[(offset+i)%len(clip)]
		}
	}
	noiseRMS := RootMeanSquare(mix)
	signalRMS := RootMeanSquare(signal[start : start+span])
	if noiseRMS == 0 || signalRMS == 0 {
		return nil
	}
	snr := a.cfg.MinSnr + a.rng.Float64()*(a.cfg.MaxSnr-a.cfg.MinSnr)
	scale := float32(signalRMS / math.Pow(10, snr/20) / noiseRMS)
	for i, v := range mix {
		signal[start+i] += v * scale
	}
	return nil
}

func (a *AdditiveNoise) String() string {
	return fmt.Sprintf("AdditiveNoise{proba=%g ratio=%g minSnr=%g maxSnr=%g nClipsMin=%d nClipsMax=%d clips=%d}",
		a.cfg.Proba, a.cfg.Ratio, a.cfg.MinSnr, a.cfg.MaxSnr, a.cfg.NClipsMin, a.cfg.NClipsMax, len(a.clips))
}

// Chain applies effects in order. Apply is safe for concurrent use.
type Chain struct {
	mu      sync.Mutex
	effects []SoundEffect
}

func NewChain(effects ...SoundEffect) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Add(e SoundEffect) {
	c.effects = append(c.effects, e)
}

func (c *Chain) Empty() bool {
	return len(c.effects) == 0
}

func (c *Chain) Apply(signal []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.effects {
		if err := e.Apply(signal); err != nil {
			return errors.Wrap(err, e.String())
		}
	}
	return nil
}

func (c *Chain) String() string {
	parts := make([]string, len(c.effects))
	for i, e := range c.effects {
		parts[i] = e.String()
	}
	return "SoundEffectChain[" + strings.Join(parts, " -> ") + "]"
}
