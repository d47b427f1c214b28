package training

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/criterion"
	"github.com/tsawler/go-joint/nn"
	"github.com/tsawler/go-joint/optimizer"
	"github.com/tsawler/go-joint/text"
)

// Unit names, in parameter order.
const (
	unitEncoder       = "encoder"
	unitASRFrontEnd   = "asrFrontEnd"
	unitLMFrontEnd    = "lmFrontEnd"
	unitASRLinear     = "asrCriterionLinear"
	unitASRCriterion  = "asrCriterion"
	unitLMCriterion   = "lmCriterion"
	kindSequential    = "sequential"
	kindCriterionUnit = "criterion"
)

// Dictionaries holds the token and word vocabularies of a run.
type Dictionaries struct {
	Tokens  *text.Dictionary
	Lexicon *text.Lexicon
	Words   *text.Dictionary
	// NumClasses is the token count including the blank.
	NumClasses int
}

// BuildDictionaries loads the token set, appends the blank and builds the
// word vocabulary from the lexicon.
func BuildDictionaries(cfg *config.Config, logger *log.Entry) (*Dictionaries, error) {
	if cfg.DictionaryTokens == "" || !fileExists(cfg.DictionaryTokens) {
		return nil, errors.Errorf("Invalid dictionary filepath specified with --tokensdir and --tokens: %q", cfg.DictionaryTokens)
	}
	tokens, err := text.LoadDictionary(cfg.DictionaryTokens)
	if err != nil {
		return nil, err
	}
	tokens.AddEntry(text.BlankToken)
	d := &Dictionaries{Tokens: tokens, NumClasses: tokens.IndexSize()}
	logger.Infof("[Number of tokens] %d", d.NumClasses)

	if d.Lexicon, err = text.LoadWords(cfg.Dictionary, cfg.DictionaryMaxSize); err != nil {
		return nil, err
	}
	if d.Words, err = text.NewWordDictionary(d.Lexicon); err != nil {
		return nil, err
	}
	logger.Infof("[Number of words] %d", d.Words.IndexSize())
	return d, nil
}

// Model is the set of trainable units. The encoder is shared by the ASR and
// LM paths.
type Model struct {
	Encoder      *nn.Sequential
	ASRFrontEnd  *nn.Sequential
	LMFrontEnd   *nn.Sequential
	ASRLinear    *nn.Sequential
	ASRCriterion *criterion.CTC
	LMCriterion  criterion.Criterion
}

// BuildNetwork creates the encoder and both front-ends from their
// architecture files.
func BuildNetwork(cfg *config.Config, numFeatures int, dicts *Dictionaries, logger *log.Entry) (*Model, error) {
	m := &Model{}
	var err error
	build := func(file string, nFeat, nLabel int) (*nn.Sequential, error) {
		return nn.BuildSequentialModule(filepath.Join(cfg.TrainArchDir, file), nFeat, nLabel)
	}
	if m.Encoder, err = build(cfg.TrainArchFile, numFeatures, dicts.NumClasses); err != nil {
		return nil, errors.Wrap(err, "encoder")
	}
	logger.Infof("[Encoder] %s", m.Encoder)
	logger.Infof("[Encoder Params: %d]", nn.NumParams(m.Encoder))

	if m.ASRFrontEnd, err = build(cfg.TrainAsrFrontendArchFile, numFeatures, dicts.NumClasses); err != nil {
		return nil, errors.Wrap(err, "ASR front-end")
	}
	logger.Infof("[ASR front-end] %s", m.ASRFrontEnd)
	logger.Infof("[ASR front-end Params: %d]", nn.NumParams(m.ASRFrontEnd))

	if m.LMFrontEnd, err = build(cfg.TrainLmFrontendArchFile, 0, dicts.Words.EntrySize()); err != nil {
		return nil, errors.Wrap(err, "LM front-end")
	}
	logger.Infof("[LM front-end] %s", m.LMFrontEnd)
	logger.Infof("[LM front-end Params: %d]", nn.NumParams(m.LMFrontEnd))
	return m, nil
}

// BuildCriteria adds the ASR projection, CTC and the LM criterion to m.
func BuildCriteria(cfg *config.Config, m *Model, dicts *Dictionaries, logger *log.Entry) error {
	noBias := false
	linear, err := nn.BuildSequential([]nn.LayerSpec{{
		Type: "linear",
		In:   nn.Dim{Value: cfg.LossAdsmInputSize},
		Out:  nn.Dim{Value: dicts.NumClasses},
		Bias: &noBias,
	}})
	if err != nil {
		return errors.Wrap(err, "ASR criterion linear")
	}
	scale, err := criterion.GetScaleMode(cfg.NormOnorm, cfg.NormSqnorm)
	if err != nil {
		return err
	}
	m.ASRLinear = linear
	m.ASRCriterion = criterion.NewCTC(scale)
	logger.Infof("[ASR Criterion] %s + %s", m.ASRLinear, m.ASRCriterion)

	pad := int32(dicts.Words.MustIndex(text.PadToken))
	switch cfg.LossType {
	case "adsm":
		if dicts.Words.EntrySize() == 0 {
			return errors.New("Dictionary is empty, number of classes is zero")
		}
		cutoffs, err := criterion.ParseCutoffs(cfg.LossAdsmCutoffs, dicts.Words.EntrySize())
		if err != nil {
			return err
		}
		if m.LMCriterion, err = criterion.NewAdaptiveSoftmaxLoss(cfg.LossAdsmInputSize, cutoffs, 0, pad); err != nil {
			return err
		}
	case "ce":
		m.LMCriterion = criterion.NewCrossEntropy(pad)
	default:
		return errors.New("Criterion is not supported, check 'loss_type' flag possible values")
	}
	logger.Infof("[LM Criterion] %s", m.LMCriterion)
	return nil
}

// Parameters returns every trainable tensor: encoder, ASR front-end, LM
// front-end, ASR projection, ASR criterion, LM criterion.
func (m *Model) Parameters() []*autograd.Variable {
	var params []*autograd.Variable
	for _, u := range m.units() {
		params = append(params, u.params()...)
	}
	return params
}

func (m *Model) Train() {
	for _, u := range m.units() {
		u.train()
	}
}

func (m *Model) Eval() {
	for _, u := range m.units() {
		u.eval()
	}
}

type unit struct {
	name   string
	kind   string
	params func() []*autograd.Variable
	train  func()
	eval   func()
	spec   func() ([]byte, error)
}

func sequentialUnit(name string, s *nn.Sequential) unit {
	return unit{
		name: name, kind: kindSequential,
		params: s.Parameters, train: s.Train, eval: s.Eval,
		spec: func() ([]byte, error) { return nn.MarshalArch(s.Specs()) },
	}
}

func criterionUnit(name string, c criterion.Criterion) unit {
	return unit{
		name: name, kind: kindCriterionUnit,
		params: c.Parameters, train: c.Train, eval: c.Eval,
		spec: func() ([]byte, error) { return c.Spec().Marshal() },
	}
}

func (m *Model) units() []unit {
	return []unit{
		sequentialUnit(unitEncoder, m.Encoder),
		sequentialUnit(unitASRFrontEnd, m.ASRFrontEnd),
		sequentialUnit(unitLMFrontEnd, m.LMFrontEnd),
		sequentialUnit(unitASRLinear, m.ASRLinear),
		criterionUnit(unitASRCriterion, m.ASRCriterion),
		criterionUnit(unitLMCriterion, m.LMCriterion),
	}
}

// UnitStates serializes every unit with its rebuild spec and weights.
func (m *Model) UnitStates() ([]checkpoints.UnitState, error) {
	var states []checkpoints.UnitState
	for _, u := range m.units() {
		spec, err := u.spec()
		if err != nil {
			return nil, errors.Wrapf(err, "unit %s", u.name)
		}
		states = append(states, checkpoints.UnitState{
			Name:    u.name,
			Kind:    u.kind,
			Spec:    spec,
			Weights: checkpoints.ExtractWeights(u.name, u.params()),
		})
	}
	return states, nil
}

// ModelFromUnitStates rebuilds the units stored in a checkpoint and loads
// their weights.
func ModelFromUnitStates(states []checkpoints.UnitState) (*Model, error) {
	byName := make(map[string]checkpoints.UnitState, len(states))
	for _, s := range states {
		byName[s.Name] = s
	}
	get := func(name, kind string) (checkpoints.UnitState, error) {
		s, ok := byName[name]
		if !ok {
			return s, errors.Errorf("checkpoint has no unit %s", name)
		}
		if s.Kind != kind {
			return s, errors.Errorf("checkpoint unit %s is a %s, expected %s", name, s.Kind, kind)
		}
		return s, nil
	}
	seq := func(name string) (*nn.Sequential, error) {
		s, err := get(name, kindSequential)
		if err != nil {
			return nil, err
		}
		specs, err := nn.ParseArch(s.Spec, 0, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "unit %s", name)
		}
		module, err := nn.BuildSequential(specs)
		if err != nil {
			return nil, errors.Wrapf(err, "unit %s", name)
		}
		return module, errors.Wrapf(checkpoints.LoadWeightsIntoVariables(s.Weights, module.Parameters()), "unit %s", name)
	}
	crit := func(name string) (criterion.Criterion, error) {
		s, err := get(name, kindCriterionUnit)
		if err != nil {
			return nil, err
		}
		spec, err := criterion.UnmarshalSpec(s.Spec)
		if err != nil {
			return nil, errors.Wrapf(err, "unit %s", name)
		}
		c, err := criterion.Build(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "unit %s", name)
		}
		return c, errors.Wrapf(checkpoints.LoadWeightsIntoVariables(s.Weights, c.Parameters()), "unit %s", name)
	}

	m := &Model{}
	var err error
	if m.Encoder, err = seq(unitEncoder); err != nil {
		return nil, err
	}
	if m.ASRFrontEnd, err = seq(unitASRFrontEnd); err != nil {
		return nil, err
	}
	if m.LMFrontEnd, err = seq(unitLMFrontEnd); err != nil {
		return nil, err
	}
	if m.ASRLinear, err = seq(unitASRLinear); err != nil {
		return nil, err
	}
	asrCrit, err := crit(unitASRCriterion)
	if err != nil {
		return nil, err
	}
	ctc, ok := asrCrit.(*criterion.CTC)
	if !ok {
		return nil, errors.Errorf("checkpoint unit %s is not a CTC criterion", unitASRCriterion)
	}
	m.ASRCriterion = ctc
	if m.LMCriterion, err = crit(unitLMCriterion); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildOptimizer creates train_optimizer over the model parameters.
func BuildOptimizer(cfg *config.Config, params []*autograd.Variable) (optimizer.Optimizer, error) {
	opt, err := optimizer.New(cfg.TrainOptimizer, params, optimizerConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "Optimizer is not supported, check 'train_optimizer' flag possible values")
	}
	return opt, nil
}

func optimizerConfig(cfg *config.Config) optimizer.Config {
	return optimizer.Config{
		LearningRate: cfg.TrainLr,
		Momentum:     cfg.TrainMomentum,
		WeightDecay:  cfg.TrainWeightDecay,
		Epsilon:      cfg.TrainOptimizerEps,
		Beta1:        cfg.TrainAdamBeta1,
		Beta2:        cfg.TrainAdamBeta2,
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
