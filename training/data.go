package training

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-joint/augment"
	"github.com/tsawler/go-joint/collective"
	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/dataset"
	"github.com/tsawler/go-joint/text"
)

// Datasets holds the shard of every set owned by one worker. The valid
// registries map tags to *dataset.ASRDataset and *dataset.TextDataset.
type Datasets struct {
	ASRTrain    *dataset.ASRDataset
	ASRValid    *dataset.Registry
	LMTrain     *dataset.TextDataset
	LMValid     *dataset.Registry
	NumFeatures int
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(strings.TrimSpace(s), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildDatasets creates the ASR and LM sets. The sound effect chain only
// applies to the ASR training set.
func BuildDatasets(ctx context.Context, cfg *config.Config, dicts *Dictionaries, comm collective.Communicator,
	extractor dataset.FeatureExtractor, logger *log.Entry) (*Datasets, error) {
	ds := &Datasets{ASRValid: dataset.NewRegistry(), LMValid: dataset.NewRegistry(), NumFeatures: 1}
	if extractor != nil {
		ds.NumFeatures = extractor.NumFeatures()
	} else if ft := cfg.FeatureType(); ft != "raw" {
		return nil, errors.Errorf("feature type %s requires a feature extractor", ft)
	}

	norm := dataset.NormalizeConfig{LeftCtx: cfg.NormLocalnrmlleftctx, RightCtx: cfg.NormLocalnrmlrightctx}
	var sfx *augment.Chain
	if cfg.SsfxConfig != "" {
		sfxConf, err := augment.ReadSoundEffectConfigFile(cfg.SsfxConfig)
		if err != nil {
			return nil, err
		}
		if sfx, err = augment.NewChainFromConfig(sfxConf, cfg.TrainSeed); err != nil {
			return nil, err
		}
		logger.Infof("[Sound effects] %s", sfx)
	}
	target := &dataset.TargetTransform{
		Dict:          dicts.Tokens,
		Lexicon:       dicts.Lexicon,
		WordSeparator: cfg.DataAsrWordseparator,
		UseWordPiece:  cfg.DataAsrUsewordpiece,
		Surround:      cfg.DataAsrSurround,
		EOS:           cfg.DataAsrEostoken,
		Replabel:      cfg.DataAsrReplabel,
		Sampler:       dataset.NewSpellingSampler(cfg.DataAsrSampletarget, cfg.TrainSeed),
	}
	targetPad := int32(-1)
	if cfg.DataAsrEostoken {
		targetPad = int32(dicts.Tokens.MustIndex(text.TargetEosToken))
	}
	asrConfig := func(lists []string, batch int, input dataset.InputTransform) dataset.ASRConfig {
		paths := make([]string, len(lists))
		for i, l := range lists {
			paths[i] = filepath.Join(cfg.DataAsrDir, l)
		}
		return dataset.ASRConfig{
			Lists:     paths,
			BatchSize: batch,
			Rank:      comm.Rank(),
			WorldSize: comm.WorldSize(),
			Input:     input,
			Target:    target,
			WordDict:  dicts.Words,
			TargetPad: targetPad,
		}
	}

	var err error
	trainInput := dataset.NewInputTransform(sfx, extractor, norm)
	if ds.ASRTrain, err = dataset.NewASRDataset(ctx, asrConfig(splitList(cfg.DataAsrTrain), cfg.DataAsrBatchSize, trainInput)); err != nil {
		return nil, errors.Wrap(err, "ASR train dataset")
	}
	if ds.ASRTrain.Size() == 0 {
		return nil, errors.New("ASR train dataset is empty")
	}
	logger.Infof("[ASR train dataset] Loaded %d samples", len(ds.ASRTrain.Samples())*comm.WorldSize())

	validInput := dataset.NewInputTransform(nil, extractor, norm)
	for _, name := range splitList(cfg.DataAsrValid) {
		tag, path, err := dataset.ParseDatasetName(name)
		if err != nil {
			return nil, err
		}
		v, err := dataset.NewASRDataset(ctx, asrConfig([]string{path}, 1, validInput))
		if err != nil {
			return nil, errors.Wrapf(err, "ASR valid dataset %s", tag)
		}
		ds.ASRValid.Put(tag, v)
		logger.Infof("[ASR valid dataset: %s] Loaded %d samples", tag, len(v.Samples())*comm.WorldSize())
	}

	reader, err := text.NewPartialFileReader(comm.Rank(), comm.WorldSize())
	if err != nil {
		return nil, err
	}
	lmConfig := func(files, breakMode string, dynamic bool) dataset.TextConfig {
		return dataset.TextConfig{
			Dir:             cfg.DataLmDir,
			Files:           files,
			Reader:          reader,
			Dict:            dicts.Words,
			TokensPerSample: cfg.DataLmTokensPerSample,
			BatchSize:       cfg.DataLmBatchSize,
			BreakMode:       breakMode,
			Dynamic:         dynamic,
		}
	}
	if ds.LMTrain, err = dataset.NewTextDataset(lmConfig(cfg.DataLmTrain, cfg.DataLmSampleBreakMode, true)); err != nil {
		return nil, errors.Wrap(err, "LM train dataset")
	}
	if ds.LMTrain.Size() == 0 {
		return nil, errors.New("LM train dataset is empty")
	}
	logger.Infof("[LM train dataset] Loaded %d samples", ds.LMTrain.Size()*comm.WorldSize())

	for _, name := range splitList(cfg.DataLmValid) {
		tag, path, err := dataset.ParseDatasetName(name)
		if err != nil {
			return nil, err
		}
		v, err := dataset.NewTextDataset(lmConfig(path, dataset.BreakEOS, cfg.DataLmUseDynamicBatching))
		if err != nil {
			return nil, errors.Wrapf(err, "LM valid dataset %s", tag)
		}
		ds.LMValid.Put(tag, v)
		logger.Infof("[LM valid dataset: %s] Loaded %d samples", tag, v.Size()*comm.WorldSize())
	}
	return ds, nil
}
