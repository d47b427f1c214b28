// Package criterion implements the loss heads of the joint model.
package criterion

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/tensor"
)

// Criterion computes a loss from network output and an Int32 target.
type Criterion interface {
	Forward(output *autograd.Variable, target *tensor.Tensor) (*autograd.Variable, error)
	Parameters() []*autograd.Variable
	Train()
	Eval()
	IsTraining() bool
	String() string
	Spec() Spec
}

// Spec is the serializable description a criterion can be rebuilt from.
type Spec struct {
	Type      string `yaml:"type"`
	ScaleMode string `yaml:"scale_mode,omitempty"`
	InputSize int    `yaml:"input_size,omitempty"`
	Cutoffs   []int  `yaml:"cutoffs,omitempty"`
	DivValue  int    `yaml:"div_value,omitempty"`
	PadIndex  int32  `yaml:"pad_index"`
}

// Marshal encodes the spec.
func (s Spec) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	return data, errors.Wrap(err, "failed to encode criterion spec")
}

// UnmarshalSpec decodes a spec produced by Marshal.
func UnmarshalSpec(data []byte) (Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Wrap(err, "failed to decode criterion spec")
	}
	return s, nil
}

// Build instantiates a criterion from its spec.
func Build(s Spec) (Criterion, error) {
	switch s.Type {
	case "ctc":
		mode, err := ParseScaleMode(s.ScaleMode)
		if err != nil {
			return nil, err
		}
		return NewCTC(mode), nil
	case "ce":
		return NewCrossEntropy(s.PadIndex), nil
	case "adsm":
		return NewAdaptiveSoftmaxLoss(s.InputSize, s.Cutoffs, s.DivValue, s.PadIndex)
	default:
		return nil, errors.Errorf("criterion is not supported: %q", s.Type)
	}
}

// ParseCutoffs parses a comma separated cutoff list for adaptive softmax
// and appends nClasses. The result must be strictly ascending.
func ParseCutoffs(flag string, nClasses int) ([]int, error) {
	var cutoffs []int
	for _, token := range strings.Split(flag, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		c, err := strconv.Atoi(token)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cutoff %q", token)
		}
		cutoffs = append(cutoffs, c)
	}
	cutoffs = append(cutoffs, nClasses)
	for i := 0; i+1 < len(cutoffs); i++ {
		if cutoffs[i] >= cutoffs[i+1] {
			return nil, errors.New("cutoffs for adaptive softmax must be strictly ascending, please fix the loss_adsm_cutoffs flag")
		}
	}
	return cutoffs, nil
}

type modeFlag struct {
	training bool
}

func (m *modeFlag) Train()           { m.training = true }
func (m *modeFlag) Eval()            { m.training = false }
func (m *modeFlag) IsTraining() bool { return m.training }
