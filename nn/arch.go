package nn

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Placeholders accepted in architecture descriptors.
const (
	FeaturesPlaceholder = "NFEAT"
	LabelsPlaceholder   = "NLABEL"
)

// Dim is a layer dimension that may name a placeholder until resolved.
type Dim struct {
	Value  int
	Symbol string
}

func (d *Dim) UnmarshalYAML(n *yaml.Node) error {
	if v, err := strconv.Atoi(n.Value); err == nil {
		d.Value = v
		return nil
	}
	switch n.Value {
	case FeaturesPlaceholder, LabelsPlaceholder:
		d.Symbol = n.Value
		return nil
	}
	return errors.Errorf("line %d: invalid dimension %q", n.Line, n.Value)
}

func (d Dim) MarshalYAML() (interface{}, error) {
	if d.Symbol != "" {
		return d.Symbol, nil
	}
	return d.Value, nil
}

func (d Dim) IsZero() bool {
	return d.Value == 0 && d.Symbol == ""
}

func (d Dim) resolve(nFeatures, nLabels int) Dim {
	switch d.Symbol {
	case FeaturesPlaceholder:
		return Dim{Value: nFeatures}
	case LabelsPlaceholder:
		return Dim{Value: nLabels}
	}
	return d
}

// LayerSpec describes one layer of an architecture descriptor.
type LayerSpec struct {
	Type string  `yaml:"type"`
	In   Dim     `yaml:"in,omitempty"`
	Out  Dim     `yaml:"out,omitempty"`
	Bias *bool   `yaml:"bias,omitempty"`
	P    float64 `yaml:"p,omitempty"`
}

type archFile struct {
	Layers []LayerSpec `yaml:"layers"`
}

// ParseArch decodes a descriptor and substitutes the feature and label
// placeholders.
func ParseArch(data []byte, nFeatures, nLabels int) ([]LayerSpec, error) {
	var f archFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse architecture descriptor")
	}
	if len(f.Layers) == 0 {
		return nil, errors.New("architecture descriptor has no layers")
	}
	for i := range f.Layers {
		f.Layers[i].In = f.Layers[i].In.resolve(nFeatures, nLabels)
		f.Layers[i].Out = f.Layers[i].Out.resolve(nFeatures, nLabels)
	}
	return f.Layers, nil
}

// MarshalArch encodes resolved layer specs in descriptor form.
func MarshalArch(specs []LayerSpec) ([]byte, error) {
	data, err := yaml.Marshal(archFile{Layers: specs})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode architecture descriptor")
	}
	return data, nil
}

// BuildSequentialModule reads the descriptor at path and builds it.
func BuildSequentialModule(path string, nFeatures, nLabels int) (*Sequential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read architecture file %s", path)
	}
	specs, err := ParseArch(data, nFeatures, nLabels)
	if err != nil {
		return nil, errors.Wrapf(err, "architecture file %s", path)
	}
	return BuildSequential(specs)
}

// BuildSequential instantiates resolved layer specs.
func BuildSequential(specs []LayerSpec) (*Sequential, error) {
	seq := NewSequential()
	for i, spec := range specs {
		m, err := buildLayer(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		seq.Add(m)
	}
	seq.specs = specs
	return seq, nil
}

func buildLayer(spec LayerSpec) (Module, error) {
	switch spec.Type {
	case "linear":
		bias := true
		if spec.Bias != nil {
			bias = *spec.Bias
		}
		return NewLinear(spec.In.Value, spec.Out.Value, bias)
	case "embedding":
		return NewEmbedding(spec.In.Value, spec.Out.Value)
	case "relu":
		return NewReLU(), nil
	case "dropout":
		return NewDropout(spec.P)
	case "context":
		return NewContext(), nil
	default:
		return nil, errors.Errorf("unsupported layer type %q", spec.Type)
	}
}
