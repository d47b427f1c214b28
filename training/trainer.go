// Package training runs joint ASR and LM training over a shared encoder.
package training

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-joint/augment"
	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/checkpoints"
	"github.com/tsawler/go-joint/collective"
	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/dataset"
	"github.com/tsawler/go-joint/eval"
	"github.com/tsawler/go-joint/meter"
	"github.com/tsawler/go-joint/nn"
	"github.com/tsawler/go-joint/optimizer"
	"github.com/tsawler/go-joint/telemetry"
	"github.com/tsawler/go-joint/tensor"
	"github.com/tsawler/go-joint/text"
)

// Initialization modes.
const (
	ModeTrain    = "train"
	ModeContinue = "continue"
	ModeFork     = "fork"
)

// ErrUnknownMode is returned by New for a mode other than train, continue
// or fork.
var ErrUnknownMode = errors.New("Trainer doesn't support mode")

// NonFiniteLossError aborts training when the ASR loss of a batch is NaN or
// infinite. No parameter is updated for that batch.
type NonFiniteLossError struct {
	SampleIDs []string
}

func (e *NonFiniteLossError) Error() string {
	return "Loss has NaN/Inf values. Samples - " + strings.Join(e.SampleIDs, ",")
}

// Option customizes a Trainer.
type Option func(*Trainer)

// WithCommunicator sets the worker group. The default is a single worker.
func WithCommunicator(c collective.Communicator) Option {
	return func(t *Trainer) { t.comm = c }
}

// WithClock sets the clock of the timers and the progress timestamp.
func WithClock(c clockwork.Clock) Option {
	return func(t *Trainer) { t.clock = c }
}

func WithLogger(l *log.Entry) Option {
	return func(t *Trainer) { t.logger = l }
}

func WithReporter(r *telemetry.Reporter) Option {
	return func(t *Trainer) { t.reporter = r }
}

// WithFeatureExtractor sets the extractor for pow, mfsc and mfcc inputs.
func WithFeatureExtractor(e dataset.FeatureExtractor) Option {
	return func(t *Trainer) { t.extractor = e }
}

// Trainer owns the model, the datasets, the meters and the loop counters of
// one worker.
type Trainer struct {
	cfg       *config.Config
	comm      collective.Communicator
	clock     clockwork.Clock
	logger    *log.Entry
	reporter  *telemetry.Reporter
	extractor dataset.FeatureExtractor

	version   string
	configStr string
	expDir    string
	logFile   *os.File
	ckpt      *CheckpointManager

	dicts     *Dictionaries
	data      *Datasets
	model     *Model
	params    []*autograd.Variable
	opt       optimizer.Optimizer
	scheduler LRScheduler
	task      *LMTask
	specAug   nn.Module
	decoder   *eval.Decoder
	wordPad   int32

	state State
	lr    float64
	best  BestMetrics

	asrTrain dataset.Reloader
	started  bool

	asrTrainMeters meter.DatasetMeters
	asrValidMeters map[string]*meter.DatasetMeters
	asrDataStats   meter.DatasetStatsMeter
	lmTrainLoss    meter.AverageValueMeter
	lmValidLoss    map[string]*meter.AverageValueMeter
	lmTokenCount   meter.CountMeter

	runTime      *meter.TimeMeter
	batchTimer   *meter.TimeMeter
	sampleTimer  *meter.TimeMeter
	fwdTimer     *meter.TimeMeter
	critFwdTimer *meter.TimeMeter
	bwdTimer     *meter.TimeMeter
	optimTimer   *meter.TimeMeter
}

// New prepares a trainer in mode. train builds everything from cfg,
// continue restores the full state from the experiment's last checkpoint
// and fork restores weights and counters from exp_init_model_path with a
// fresh optimizer. In continue mode the restored options overwrite cfg.
func New(ctx context.Context, mode string, cfg *config.Config, opts ...Option) (*Trainer, error) {
	t := &Trainer{
		cfg:            cfg,
		comm:           collective.Local{},
		clock:          clockwork.NewRealClock(),
		best:           NewBestMetrics(),
		asrValidMeters: map[string]*meter.DatasetMeters{},
		lmValidLoss:    map[string]*meter.AverageValueMeter{},
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = log.WithField("rank", t.comm.Rank())
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	t.expDir = filepath.Join(cfg.ExpRundir, cfg.ExpModelName)
	t.ckpt = NewCheckpointManager(t.expDir, format, t.isMaster())
	t.ckpt.onSave = func(string) { t.reporter.CheckpointSaved() }
	nn.SetRandomSeed(cfg.TrainSeed)

	switch mode {
	case ModeTrain:
		err = t.initTrain(ctx)
	case ModeContinue:
		err = t.initContinue(ctx)
	case ModeFork:
		err = t.initFork(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	if err != nil {
		return nil, err
	}
	if err := t.checkArgs(); err != nil {
		return nil, err
	}
	if t.configStr, err = cfg.Serialize(); err != nil {
		return nil, err
	}
	t.masterLog().Infof("Gflags after parsing \n%s", cfg.Printable())

	if err := t.initRuntime(); err != nil {
		return nil, err
	}

	t.masterLog().Infof("[Log directory] %s", t.expDir)
	if t.isMaster() {
		if err := os.MkdirAll(t.expDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create experiment directory")
		}
		if t.logFile, err = os.OpenFile(filepath.Join(t.expDir, "log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			return nil, errors.Wrap(err, "failed to open experiment log")
		}
	}
	return t, nil
}

func (t *Trainer) initTrain(ctx context.Context) error {
	t.masterLog().Info("Creating a fresh model")
	t.version = Version
	if err := t.createDictionaryAndDatasets(ctx); err != nil {
		return err
	}
	model, err := BuildNetwork(t.cfg, t.data.NumFeatures, t.dicts, t.masterLog())
	if err != nil {
		return err
	}
	if err := BuildCriteria(t.cfg, model, t.dicts, t.masterLog()); err != nil {
		return err
	}
	t.setModel(model)
	t.opt, err = BuildOptimizer(t.cfg, t.params)
	return err
}

func (t *Trainer) initContinue(ctx context.Context) error {
	path := t.ckpt.LastPath()
	if !fileExists(path) {
		return errors.New("Checkpoint doesn't exist to continue training: " + path)
	}
	t.masterLog().Infof("Continue training from file: %s", path)
	ckpt, err := t.restore(path)
	if err != nil {
		return err
	}
	if ckpt.OptimizerState == nil {
		return errors.Errorf("checkpoint %s has no optimizer state", path)
	}
	if t.opt, err = optimizer.New(ckpt.OptimizerState.Type, t.params, optimizerConfig(t.cfg)); err != nil {
		return err
	}
	if err := t.opt.LoadState(ckpt.OptimizerState); err != nil {
		return errors.Wrap(err, "failed to restore optimizer")
	}
	if err := t.cfg.ApplySerialized(ckpt.Config); err != nil {
		return err
	}
	return t.createDictionaryAndDatasets(ctx)
}

func (t *Trainer) initFork(ctx context.Context) error {
	path := t.cfg.ExpInitModelPath
	if !fileExists(path) {
		return errors.New("Checkpoint doesn't exist for finetuning: " + path)
	}
	t.masterLog().Infof("Fork training from file: %s", path)
	if _, err := t.restore(path); err != nil {
		return err
	}
	if err := t.createDictionaryAndDatasets(ctx); err != nil {
		return err
	}
	var err error
	t.opt, err = BuildOptimizer(t.cfg, t.params)
	return err
}

// restore loads the model, the counters and the best metrics of the
// checkpoint at path.
func (t *Trainer) restore(path string) (*checkpoints.Checkpoint, error) {
	ckpt, err := t.ckpt.Load(path)
	if err != nil {
		return nil, err
	}
	model, err := ModelFromUnitStates(ckpt.Units)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	t.setModel(model)
	t.version = ckpt.Version
	t.state = State{
		ASREpoch: ckpt.TrainingState.ASREpoch,
		LMEpoch:  ckpt.TrainingState.LMEpoch,
		BatchIdx: ckpt.TrainingState.BatchIdx,
	}
	t.best = BestMetrics{ASRValidWER: copyMetrics(ckpt.ASRBestValidWER), LMValidLoss: copyMetrics(ckpt.LMBestValidLoss)}
	return ckpt, nil
}

func (t *Trainer) createDictionaryAndDatasets(ctx context.Context) error {
	var err error
	if t.dicts, err = BuildDictionaries(t.cfg, t.masterLog()); err != nil {
		return err
	}
	t.data, err = BuildDatasets(ctx, t.cfg, t.dicts, t.comm, t.extractor, t.masterLog())
	return err
}

func (t *Trainer) setModel(m *Model) {
	t.model = m
	t.params = m.Parameters()
}

func (t *Trainer) checkArgs() error {
	if !checkpoints.VersionMatches(t.version, Version) {
		if t.cfg.CheckpointStrictVersion {
			return errors.Errorf("model version (%s) does not match %s", t.version, Version)
		}
		t.masterLog().Warnf("Model version (%s) does not match (%s)", t.version, Version)
	}
	if t.cfg.DictionaryMaxSize == 0 {
		return errors.New("'--dictionary_max_size' should be positive or -1")
	}
	return nil
}

// initRuntime creates the schedule, the LM task, augmentation, the decoder
// and the meters.
func (t *Trainer) initRuntime() error {
	var err error
	if t.scheduler, err = NewLRScheduler(t.cfg); err != nil {
		return err
	}
	if t.task, err = NewLMTask(t.cfg, t.dicts.Words, t.cfg.TrainSeed); err != nil {
		return err
	}
	t.wordPad = int32(t.dicts.Words.MustIndex(text.PadToken))
	if t.cfg.SpecaugStartUpdate >= 0 {
		specAug, err := augment.NewSpecAugment(augment.SpecAugmentConfig{
			FreqMaskF: t.cfg.SpecaugFmaskf,
			FreqMaskN: t.cfg.SpecaugFmaskn,
			TimeMaskT: t.cfg.SpecaugTmaskt,
			TimeMaskP: t.cfg.SpecaugTmaskp,
			TimeMaskN: t.cfg.SpecaugTmaskn,
		}, t.cfg.TrainSeed)
		if err != nil {
			return err
		}
		t.specAug = specAug
	}
	t.decoder = &eval.Decoder{
		Dict:          t.dicts.Tokens,
		Surround:      t.cfg.DataAsrSurround,
		EOS:           t.cfg.DataAsrEostoken,
		Replabel:      t.cfg.DataAsrReplabel,
		UseWordPiece:  t.cfg.DataAsrUsewordpiece,
		WordSeparator: t.cfg.DataAsrWordseparator,
	}
	for _, tag := range t.data.ASRValid.Tags() {
		t.asrValidMeters[tag] = &meter.DatasetMeters{}
	}
	t.runTime = meter.NewTimeMeter(t.clock, false)
	t.batchTimer = meter.NewTimeMeter(t.clock, true)
	t.sampleTimer = meter.NewTimeMeter(t.clock, true)
	t.fwdTimer = meter.NewTimeMeter(t.clock, true)
	t.critFwdTimer = meter.NewTimeMeter(t.clock, true)
	t.bwdTimer = meter.NewTimeMeter(t.clock, true)
	t.optimTimer = meter.NewTimeMeter(t.clock, true)
	return nil
}

// State returns the loop counters.
func (t *Trainer) State() State { return t.state }

// Best returns the best validation metrics recorded so far.
func (t *Trainer) Best() BestMetrics { return t.best }

// Close releases the experiment log.
func (t *Trainer) Close() error {
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}

// Run trains until train_total_updates updates were done.
func (t *Trainer) Run(ctx context.Context) error {
	t.masterLog().Infof("Training started (asr-epoch=%d, lm-epoch=%d, batch=%d)",
		t.state.ASREpoch, t.state.LMEpoch, t.state.BatchIdx)
	state := t.state
	for state.BatchIdx < t.cfg.TrainTotalUpdates {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if state, err = t.Advance(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// start synchronizes the initial parameters across workers and loads the
// shuffled ASR training set of the current epoch.
func (t *Trainer) start() error {
	if t.started {
		return nil
	}
	if err := t.allReduceParameters(); err != nil {
		return err
	}
	loader := dataset.NewLoader(t.data.ASRTrain, t.cfg.DataPrefetchThreads)
	loader.Reload(t.state.ASREpoch)
	t.asrTrain = loader
	t.started = true
	return nil
}

// Advance performs one loop iteration from s: epoch rollovers, one update,
// and the evaluation and periodic saves that fall on the new update count.
func (t *Trainer) Advance(ctx context.Context, s State) (State, error) {
	t.state = s
	if err := t.start(); err != nil {
		return t.state, err
	}
	asrSize := int64(t.asrTrain.Size())
	lmSize := int64(t.data.LMTrain.Size())

	if t.state.BatchIdx > 0 && t.state.BatchIdx%asrSize == 0 {
		t.stopTimers()
		t.state.ASREpoch++
		t.asrTrain.Reload(t.state.ASREpoch)
		if err := t.save(""); err != nil {
			return t.state, err
		}
	}
	if t.state.BatchIdx > 0 && t.state.BatchIdx%lmSize == 0 {
		t.stopTimers()
		t.state.LMEpoch++
		t.data.LMTrain.Shuffle(t.cfg.TrainSeed + t.state.LMEpoch)
		if err := t.save(""); err != nil {
			return t.state, err
		}
	}

	t.runTime.Resume()
	t.batchTimer.Resume()
	asrBatch, err := t.asrTrain.Get(int(t.state.BatchIdx % asrSize))
	if err != nil {
		return t.state, err
	}
	lmBatch, err := t.data.LMTrain.Get(int(t.state.BatchIdx))
	if err != nil {
		return t.state, err
	}
	if err := t.trainStep(asrBatch, lmBatch); err != nil {
		return t.state, err
	}
	t.batchTimer.IncUnit()
	t.state.BatchIdx++
	t.reporter.ObserveState(t.state.BatchIdx, t.state.ASREpoch, t.state.LMEpoch, t.lr)

	if n := t.cfg.TrainReportUpdates; n > 0 && t.state.BatchIdx%n == 0 {
		if err := t.runEvaluation(ctx); err != nil {
			return t.state, err
		}
	}
	if n := t.cfg.TrainSaveUpdates; n > 0 && t.state.BatchIdx%n == 0 {
		t.stopTimers()
		if err := t.save("." + strconv.FormatInt(t.state.BatchIdx, 10)); err != nil {
			return t.state, err
		}
	}
	return t.state, nil
}

func (t *Trainer) save(suffix string) error {
	return t.ckpt.Save(Snapshot{
		Model:     t.model,
		Optimizer: t.opt,
		State:     t.state,
		Config:    t.configStr,
		Best:      t.best,
	}, suffix)
}

func (t *Trainer) setLR() {
	t.lr = t.scheduler.GetLR(t.state.BatchIdx, t.cfg.TrainLr)
	t.opt.UpdateLearningRate(t.lr)
}

// asrForward runs the ASR path and returns the per-frame class scores.
func (t *Trainer) asrForward(input *autograd.Variable, sizes []float32) (*autograd.Variable, error) {
	out, err := nn.ForwardWithPadMask(input, t.model.ASRFrontEnd, sizes)
	if err != nil {
		return nil, errors.Wrap(err, "ASR front-end")
	}
	if out, err = nn.ForwardWithPadMask(out, t.model.Encoder, sizes); err != nil {
		return nil, errors.Wrap(err, "encoder")
	}
	out, err = t.model.ASRLinear.Forward(out)
	return out, errors.Wrap(err, "ASR criterion linear")
}

// lmForward runs the LM path on a [B, T] word batch.
func (t *Trainer) lmForward(input *tensor.Tensor) (*autograd.Variable, error) {
	out, err := t.model.LMFrontEnd.Forward(autograd.NewConstant(input))
	if err != nil {
		return nil, errors.Wrap(err, "LM front-end")
	}
	out, err = nn.ForwardWithPadMask(out, t.model.Encoder, nonPadSizes(input, t.wordPad))
	return out, errors.Wrap(err, "encoder")
}

// sampled reports whether a batch feeds the training meters.
func (t *Trainer) sampled(ids []string) bool {
	return int(xxhash.Sum64String(strings.Join(ids, ","))%100) <= t.cfg.ExpPctTrainEval
}

func (t *Trainer) trainStep(asrBatch *dataset.ASRBatch, lmBatch *tensor.Tensor) error {
	t.model.Train()
	if t.specAug != nil {
		t.specAug.Train()
	}
	t.setLR()

	// 1. Sample
	t.sampleTimer.Resume()
	lmInput, lmTarget, err := t.task.InputAndTarget(lmBatch)
	if err != nil {
		return err
	}
	t.sampleTimer.StopAndIncUnit()
	t.asrDataStats.Add(asrBatch.Input.Dim(1), asrBatch.Target.Dim(1))

	// 2. Forward
	t.fwdTimer.Resume()
	asrInput := autograd.NewConstant(asrBatch.Input)
	if t.specAug != nil && t.state.BatchIdx >= t.cfg.SpecaugStartUpdate {
		if asrInput, err = t.specAug.Forward(asrInput); err != nil {
			return errors.Wrap(err, "spec augment")
		}
	}
	asrOutput, err := t.asrForward(asrInput, asrBatch.Sizes)
	if err != nil {
		return err
	}
	lmOutput, err := t.lmForward(lmInput)
	if err != nil {
		return err
	}

	t.critFwdTimer.Resume()
	asrLosses, err := t.model.ASRCriterion.Forward(asrOutput, asrBatch.Target)
	if err != nil {
		return errors.Wrap(err, "ASR criterion")
	}
	asrLoss := autograd.Sum(asrLosses)
	lmLoss, err := t.model.LMCriterion.Forward(lmOutput, lmTarget)
	if err != nil {
		return errors.Wrap(err, "LM criterion")
	}
	t.fwdTimer.StopAndIncUnit()
	t.critFwdTimer.StopAndIncUnit()

	if asrLoss.Value.HasNonFinite() {
		return &NonFiniteLossError{SampleIDs: asrBatch.SampleIDs}
	}
	numTokens := lmTarget.CountNotEqual(t.wordPad)

	if t.sampled(asrBatch.SampleIDs) {
		t.asrTrainMeters.Loss.Add(float64(asrLoss.Data()[0]))
		t.score(asrOutput.Value, asrBatch.Target, &t.asrTrainMeters)
		if numTokens > 0 {
			weight := float64(numTokens) / float64(t.cfg.DataLmTokensPerSample*t.cfg.DataLmBatchSize)
			t.lmTrainLoss.AddWeighted(float64(lmLoss.Data()[0])/float64(numTokens), weight)
			t.lmTokenCount.Add(int64(numTokens))
		}
	}

	// 3. Backward
	t.bwdTimer.Resume()
	t.opt.ZeroGrad()
	globalTokens := []float64{float64(numTokens)}
	if t.distributed() {
		if err := t.comm.AllReduceSum64(globalTokens); err != nil {
			return errors.Wrap(err, "failed to reduce LM token count")
		}
	}
	loss := autograd.Scale(asrLoss, 1/float64(t.comm.WorldSize()*t.cfg.DataAsrBatchSize))
	if globalTokens[0] > 0 {
		if loss, err = autograd.Add(loss, autograd.Scale(lmLoss, 1/globalTokens[0])); err != nil {
			return err
		}
	}
	if err := loss.Backward(); err != nil {
		return err
	}
	if err := t.reduceGrads(); err != nil {
		return err
	}
	t.bwdTimer.StopAndIncUnit()

	// 4. Optimization
	t.optimTimer.Resume()
	optimizer.ClipGradNorm(t.params, t.cfg.TrainMaxGradNorm)
	if err := t.opt.Step(); err != nil {
		return err
	}
	t.optimTimer.StopAndIncUnit()
	return nil
}

// score decodes every sample of output [B, T, C] into the edit meters.
func (t *Trainer) score(output, target *tensor.Tensor, m *meter.DatasetMeters) {
	bsz, width := target.Dim(0), target.Dim(1)
	tgt := target.Int32s()
	for b := 0; b < bsz; b++ {
		path := t.model.ASRCriterion.ViterbiPath(output, b)
		t.decoder.Score(m, path, tgt[b*width:(b+1)*width])
	}
}

func (t *Trainer) evalStep() error {
	t.model.Eval()
	if t.specAug != nil {
		t.specAug.Eval()
	}

	for _, tag := range t.data.ASRValid.Tags() {
		v, _ := t.data.ASRValid.Get(tag)
		ds := v.(*dataset.ASRDataset)
		m := t.asrValidMeters[tag]
		m.Reset()
		for i := 0; i < ds.Size(); i++ {
			batch, err := ds.Get(i)
			if err != nil {
				return err
			}
			output, err := t.asrForward(autograd.NewConstant(batch.Input), batch.Sizes)
			if err != nil {
				return err
			}
			loss, err := t.model.ASRCriterion.Forward(output, batch.Target)
			if err != nil {
				return errors.Wrap(err, "ASR criterion")
			}
			m.Loss.Add(loss.Value.Sum())
			t.score(output.Value, batch.Target, m)
		}
	}

	for _, tag := range t.data.LMValid.Tags() {
		v, _ := t.data.LMValid.Get(tag)
		ds := v.(*dataset.TextDataset)
		m, ok := t.lmValidLoss[tag]
		if !ok {
			m = &meter.AverageValueMeter{}
			t.lmValidLoss[tag] = m
		}
		for i := 0; i < ds.Size(); i++ {
			batch, err := ds.Get(i)
			if err != nil {
				return err
			}
			input, target, err := t.task.InputAndTarget(batch)
			if err != nil {
				return err
			}
			output, err := t.lmForward(input)
			if err != nil {
				return err
			}
			loss, err := t.model.LMCriterion.Forward(output, target)
			if err != nil {
				return errors.Wrap(err, "LM criterion")
			}
			if numTokens := target.CountNotEqual(t.wordPad); numTokens > 0 {
				weight := float64(numTokens) / float64(t.cfg.DataLmTokensPerSample*t.cfg.DataLmBatchSize)
				m.AddWeighted(loss.Value.Sum()/float64(numTokens), weight)
			}
		}
	}
	return nil
}

// runEvaluation validates, reports progress and saves the checkpoints of
// improved validation sets.
func (t *Trainer) runEvaluation(ctx context.Context) error {
	t.stopTimers()
	if err := t.evalStep(); err != nil {
		return err
	}
	if err := t.syncMeters(); err != nil {
		return err
	}
	progress := formatProgress(t.progressReport())
	t.masterLog().Info(progress)
	if t.logFile != nil {
		if _, err := t.logFile.WriteString(progress + "\n"); err != nil {
			return errors.Wrap(err, "failed to write experiment log")
		}
	}
	t.reporter.ObserveTrain(t.asrTrainMeters.Loss.Value(), t.asrTrainMeters.WrdEdit.ErrorRate())

	for _, tag := range t.data.ASRValid.Tags() {
		m := t.asrValidMeters[tag]
		wer := m.WrdEdit.ErrorRate()
		t.reporter.ObserveValid(tag, wer, m.Loss.Value())
		if t.best.UpdateASR(tag, wer) {
			if err := t.save("." + tag); err != nil {
				return err
			}
		}
	}
	for _, tag := range t.data.LMValid.Tags() {
		m, ok := t.lmValidLoss[tag]
		if !ok {
			continue
		}
		loss := m.Value()
		t.reporter.ObserveLMValid(tag, loss)
		if t.best.UpdateLM(tag, loss) {
			if err := t.save("." + tag); err != nil {
				return err
			}
		}
	}
	t.resetMeters()
	return ctx.Err()
}

func (t *Trainer) progressReport() progressReport {
	r := progressReport{
		Now:           t.clock.Now(),
		State:         t.state,
		LR:            t.lr,
		RunTime:       t.runTime.Value(),
		Batch:         t.batchTimer.Value(),
		Sample:        t.sampleTimer.Value(),
		Forward:       t.fwdTimer.Value(),
		CritForward:   t.critFwdTimer.Value(),
		Backward:      t.bwdTimer.Value(),
		Optim:         t.optimTimer.Value(),
		TrainLoss:     t.asrTrainMeters.Loss.Value(),
		TrainTER:      t.asrTrainMeters.TknEdit.ErrorRate(),
		TrainWER:      t.asrTrainMeters.WrdEdit.ErrorRate(),
		Stats:         t.asrDataStats.Value(),
		ASRBatchSize:  t.cfg.DataAsrBatchSize,
		FeatureFrames: t.cfg.FeatureType() != "raw",
		FrameStrideMs: t.cfg.FeatFramestridems,
		SampleRate:    t.cfg.FeatSamplerate,
		WorldSize:     t.comm.WorldSize(),
		LMTrainLoss:   t.lmTrainLoss.Value(),
	}
	for _, tag := range t.data.ASRValid.Tags() {
		m := t.asrValidMeters[tag]
		r.ASRValid = append(r.ASRValid, asrValidProgress{
			Tag: tag, Loss: m.Loss.Value(), TER: m.TknEdit.ErrorRate(), WER: m.WrdEdit.ErrorRate(),
		})
	}
	for _, tag := range t.data.LMValid.Tags() {
		if m, ok := t.lmValidLoss[tag]; ok {
			r.LMValid = append(r.LMValid, lmValidProgress{Tag: tag, Loss: m.Value()})
		}
	}
	return r
}

func (t *Trainer) timers() []*meter.TimeMeter {
	return []*meter.TimeMeter{
		t.runTime, t.batchTimer, t.sampleTimer, t.fwdTimer, t.critFwdTimer, t.bwdTimer, t.optimTimer,
	}
}

func (t *Trainer) stopTimers() {
	for _, m := range t.timers() {
		m.Stop()
	}
}

func (t *Trainer) resetMeters() {
	t.asrTrainMeters.Reset()
	t.asrDataStats.Reset()
	for _, tag := range t.data.ASRValid.Tags() {
		t.asrValidMeters[tag].Reset()
	}
	t.lmTrainLoss.Reset()
	for _, m := range t.lmValidLoss {
		m.Reset()
	}
	for _, m := range t.timers() {
		m.Reset()
	}
}

// syncMeters combines the meters of all workers. Every worker reduces in
// the same order.
func (t *Trainer) syncMeters() error {
	syncers := []interface {
		Sync(collective.Communicator) error
	}{&t.asrTrainMeters}
	for _, tag := range t.data.ASRValid.Tags() {
		syncers = append(syncers, t.asrValidMeters[tag])
	}
	syncers = append(syncers, &t.asrDataStats, &t.lmTrainLoss)
	for _, tag := range t.data.LMValid.Tags() {
		if m, ok := t.lmValidLoss[tag]; ok {
			syncers = append(syncers, m)
		}
	}
	for _, m := range t.timers() {
		syncers = append(syncers, m)
	}
	syncers = append(syncers, &t.lmTokenCount)
	for _, s := range syncers {
		if err := s.Sync(t.comm); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) distributed() bool {
	return t.comm.WorldSize() > 1
}

// allReduceParameters replaces every parameter with its mean across
// workers.
func (t *Trainer) allReduceParameters() error {
	if !t.distributed() {
		return nil
	}
	values := make([][]float32, len(t.params))
	for i, p := range t.params {
		values[i] = p.Data()
	}
	scale := 1 / float32(t.comm.WorldSize())
	return errors.Wrap(t.reduceFlat(values, scale), "failed to synchronize parameters")
}

// reduceGrads sums the gradients of all workers. Parameters without a
// gradient contribute zeros.
func (t *Trainer) reduceGrads() error {
	if !t.distributed() {
		return nil
	}
	grads := make([][]float32, len(t.params))
	for i, p := range t.params {
		grads[i] = p.GradBuffer()
	}
	return errors.Wrap(t.reduceFlat(grads, 1), "failed to reduce gradients")
}

// reduceFlat all-reduces bufs as one contiguous buffer and writes the
// scaled sums back.
func (t *Trainer) reduceFlat(bufs [][]float32, scale float32) error {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	flat := make([]float32, 0, n)
	for _, b := range bufs {
		flat = append(flat, b...)
	}
	if err := t.comm.AllReduceSum(flat); err != nil {
		return err
	}
	off := 0
	for _, b := range bufs {
		for i := range b {
			b[i] = flat[off+i] * scale
		}
		off += len(b)
	}
	return nil
}

func (t *Trainer) isMaster() bool {
	return collective.IsMaster(t.comm)
}

// masterLog returns the logger on the master worker and a discarding one
// elsewhere.
func (t *Trainer) masterLog() *log.Entry {
	if t.isMaster() {
		return t.logger
	}
	return discardLogger
}

var discardLogger = func() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}()
