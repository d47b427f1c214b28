package augment

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SoundEffectConfig is one entry of a sound effect chain file.
type SoundEffectConfig struct {
	Type                string               `json:"type"`
	GaussianNoiseConfig *GaussianNoiseConfig `json:"gaussianNoiseConfig,omitempty"`
	AmplifyConfig       *AmplifyConfig       `json:"amplifyConfig,omitempty"`
	NormalizeConfig     *NormalizeConfig     `json:"normalizeConfig,omitempty"`
	AdditiveNoiseConfig *AdditiveNoiseConfig `json:"additiveNoiseConfig,omitempty"`
}

type chainFile struct {
	SoundEffectChain []SoundEffectConfig `json:"soundEffectChain"`
}

// ReadSoundEffectConfigFile parses a {"soundEffectChain": [...]} file.
func ReadSoundEffectConfigFile(path string) ([]SoundEffectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read sound effect config")
	}
	var f chainFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "invalid sound effect config %s", path)
	}
	return f.SoundEffectChain, nil
}

// WriteSoundEffectConfigFile is the inverse of ReadSoundEffectConfigFile.
func WriteSoundEffectConfigFile(path string, cfgs []SoundEffectConfig) error {
	data, err := json.MarshalIndent(chainFile{SoundEffectChain: cfgs}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode sound effect config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write sound effect config")
}

// NewChainFromConfig instantiates every configured effect. Each effect gets
// its own seed derived from seed and its position.
func NewChainFromConfig(cfgs []SoundEffectConfig, seed int64) (*Chain, error) {
	chain := NewChain()
	for i, c := range cfgs {
		s := seed + int64(i)
		var (
			e   SoundEffect
			err error
		)
		switch c.Type {
		case "GaussianNoise":
			if c.GaussianNoiseConfig == nil {
				return nil, errors.New("GaussianNoise requires gaussianNoiseConfig")
			}
			e, err = NewGaussianNoise(*c.GaussianNoiseConfig, s)
		case "Amplify":
			if c.AmplifyConfig == nil {
				return nil, errors.New("Amplify requires amplifyConfig")
			}
			e, err = NewAmplify(*c.AmplifyConfig, s)
		case "Normalize":
			var nc NormalizeConfig
			if c.NormalizeConfig != nil {
				nc = *c.NormalizeConfig
			}
			e = NewNormalize(nc)
		case "AdditiveNoise":
			if c.AdditiveNoiseConfig == nil {
				return nil, errors.New("AdditiveNoise requires additiveNoiseConfig")
			}
			var clips []string
			if clips, err = readClipList(c.AdditiveNoiseConfig.ListFilePath); err == nil {
				e, err = NewAdditiveNoise(*c.AdditiveNoiseConfig, clips, s)
			}
		default:
			return nil, errors.Errorf("unsupported sound effect type %q", c.Type)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "sound effect %d", i)
		}
		chain.Add(e)
	}
	return chain, nil
}

// readClipList returns the clip paths of a list file. Relative paths are
// resolved against the list file directory; a line may carry extra fields
// after the path.
func readClipList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open noise list")
	}
	defer f.Close()
	var clips []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		p := fields[0]
		if len(fields) > 1 {
			// "id path ..." list format
			p = fields[1]
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		clips = append(clips, p)
	}
	return clips, errors.Wrap(sc.Err(), "reading noise list")
}
