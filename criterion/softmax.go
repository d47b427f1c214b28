package criterion

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/nn"
	"github.com/tsawler/go-joint/tensor"
)

// CrossEntropy is a sum-reduced categorical cross entropy over logits
// [..., V]. Targets equal to the pad index are ignored.
type CrossEntropy struct {
	modeFlag
	pad int32
}

func NewCrossEntropy(pad int32) *CrossEntropy {
	return &CrossEntropy{modeFlag: modeFlag{training: true}, pad: pad}
}

func (c *CrossEntropy) Forward(output *autograd.Variable, target *tensor.Tensor) (*autograd.Variable, error) {
	return autograd.NLL(autograd.LogSoftmax(output), target.Int32s(), c.pad)
}

func (c *CrossEntropy) Parameters() []*autograd.Variable { return nil }
func (c *CrossEntropy) String() string                   { return "CategoricalCrossEntropy" }

func (c *CrossEntropy) Spec() Spec {
	return Spec{Type: "ce", PadIndex: c.pad}
}

// AdaptiveSoftmaxLoss is a sum-reduced loss over a head covering the
// frequent classes plus one entry per tail cluster, and a projection per
// tail cluster.
type AdaptiveSoftmaxLoss struct {
	modeFlag
	inputSize int
	cutoffs   []int
	divValue  int
	pad       int32
	head      *nn.Linear
	tails     []*nn.Sequential
}

// NewAdaptiveSoftmaxLoss creates the head and tails. cutoffs ends with the
// number of classes; divValue defaults to 4.
func NewAdaptiveSoftmaxLoss(inputSize int, cutoffs []int, divValue int, pad int32) (*AdaptiveSoftmaxLoss, error) {
	if len(cutoffs) == 0 {
		return nil, errors.New("adaptive softmax: cutoffs must not be empty")
	}
	if divValue <= 0 {
		divValue = 4
	}
	head, err := nn.NewLinear(inputSize, cutoffs[0]+len(cutoffs)-1, false)
	if err != nil {
		return nil, errors.Wrap(err, "adaptive softmax head")
	}
	a := &AdaptiveSoftmaxLoss{
		modeFlag:  modeFlag{training: true},
		inputSize: inputSize,
		cutoffs:   append([]int(nil), cutoffs...),
		divValue:  divValue,
		pad:       pad,
		head:      head,
	}
	denom := divValue
	for i := 0; i+1 < len(cutoffs); i++ {
		hidden := inputSize / denom
		if hidden < 1 {
			hidden = 1
		}
		denom *= divValue
		proj, err := nn.NewLinear(inputSize, hidden, false)
		if err != nil {
			return nil, errors.Wrapf(err, "adaptive softmax tail %d", i)
		}
		out, err := nn.NewLinear(hidden, cutoffs[i+1]-cutoffs[i], false)
		if err != nil {
			return nil, errors.Wrapf(err, "adaptive softmax tail %d", i)
		}
		a.tails = append(a.tails, nn.NewSequential(proj, out))
	}
	return a, nil
}

func (a *AdaptiveSoftmaxLoss) Forward(output *autograd.Variable, target *tensor.Tensor) (*autograd.Variable, error) {
	tgt := target.Int32s()
	if output.Value.NumElems != len(tgt)*a.inputSize {
		return nil, errors.Errorf("adaptive softmax: output %v does not match %d targets of size %d",
			output.Shape(), len(tgt), a.inputSize)
	}
	x, err := autograd.Reshape(output, []int{len(tgt), a.inputSize})
	if err != nil {
		return nil, err
	}
	headOut, err := a.head.Forward(x)
	if err != nil {
		return nil, err
	}

	numClasses := a.cutoffs[len(a.cutoffs)-1]
	headTargets := make([]int32, len(tgt))
	tailRows := make([][]int, len(a.tails))
	tailTargets := make([][]int32, len(a.tails))
	for i, t := range tgt {
		headTargets[i] = -1
		if t == a.pad {
			continue
		}
		if t < 0 || int(t) >= numClasses {
			return nil, errors.Errorf("adaptive softmax: target %d out of range [0, %d)", t, numClasses)
		}
		if int(t) < a.cutoffs[0] {
			headTargets[i] = t
			continue
		}
		for c := 0; c+1 < len(a.cutoffs); c++ {
			if int(t) < a.cutoffs[c+1] {
				headTargets[i] = int32(a.cutoffs[0] + c)
				tailRows[c] = append(tailRows[c], i)
				tailTargets[c] = append(tailTargets[c], t-int32(a.cutoffs[c]))
				break
			}
		}
	}

	loss, err := autograd.NLL(autograd.LogSoftmax(headOut), headTargets, -1)
	if err != nil {
		return nil, err
	}
	for c, rows := range tailRows {
		if len(rows) == 0 {
			continue
		}
		sel, err := autograd.SelectRows(x, rows)
		if err != nil {
			return nil, err
		}
		tailOut, err := a.tails[c].Forward(sel)
		if err != nil {
			return nil, err
		}
		tailLoss, err := autograd.NLL(autograd.LogSoftmax(tailOut), tailTargets[c], -1)
		if err != nil {
			return nil, err
		}
		if loss, err = autograd.Add(loss, tailLoss); err != nil {
			return nil, err
		}
	}
	return loss, nil
}

func (a *AdaptiveSoftmaxLoss) Parameters() []*autograd.Variable {
	params := a.head.Parameters()
	for _, t := range a.tails {
		params = append(params, t.Parameters()...)
	}
	return params
}

func (a *AdaptiveSoftmaxLoss) Train() {
	a.modeFlag.Train()
	a.head.Train()
	for _, t := range a.tails {
		t.Train()
	}
}

func (a *AdaptiveSoftmaxLoss) Eval() {
	a.modeFlag.Eval()
	a.head.Eval()
	for _, t := range a.tails {
		t.Eval()
	}
}

func (a *AdaptiveSoftmaxLoss) String() string {
	return fmt.Sprintf("AdaptiveSoftMaxLoss (input: %d) (cutoffs: %v)", a.inputSize, a.cutoffs)
}

func (a *AdaptiveSoftmaxLoss) Spec() Spec {
	return Spec{
		Type:      "adsm",
		InputSize: a.inputSize,
		Cutoffs:   append([]int(nil), a.cutoffs...),
		DivValue:  a.divValue,
		PadIndex:  a.pad,
	}
}

// Perplexity converts a per-token loss in nats.
func Perplexity(loss float64) float64 {
	return math.Exp(loss)
}
