// Package config holds the flat set of options of a joint training run.
package config

import (
	"os"
	"reflect"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variable of every option.
const EnvPrefix = "JOINT"

// Config is the complete set of options. Field keys double as flag names.
type Config struct {
	FlagsFile string `mapstructure:"flagsfile" yaml:"-" usage:"YAML file with option values"`

	// Experiment
	ExpRundir        string `mapstructure:"exp_rundir" yaml:"exp_rundir" usage:"root directory of experiments"`
	ExpModelName     string `mapstructure:"exp_model_name" yaml:"exp_model_name" usage:"experiment name, generated when empty"`
	ExpInitModelPath string `mapstructure:"exp_init_model_path" yaml:"exp_init_model_path" usage:"checkpoint to fork from"`
	ExpPctTrainEval  int    `mapstructure:"exp_pct_train_eval" yaml:"exp_pct_train_eval" usage:"share of training batches, in percent, scored by the training meters"`

	// Network
	TrainArchDir             string `mapstructure:"train_arch_dir" yaml:"train_arch_dir" usage:"directory of the architecture files"`
	TrainArchFile            string `mapstructure:"train_arch_file" yaml:"train_arch_file" usage:"shared encoder architecture"`
	TrainAsrFrontendArchFile string `mapstructure:"train_asr_frontend_arch_file" yaml:"train_asr_frontend_arch_file" usage:"ASR front-end architecture"`
	TrainLmFrontendArchFile  string `mapstructure:"train_lm_frontend_arch_file" yaml:"train_lm_frontend_arch_file" usage:"LM front-end architecture"`

	// Optimization
	TrainTask          string  `mapstructure:"train_task" yaml:"train_task" usage:"LM task: autoreg or mask"`
	TrainSeed          int64   `mapstructure:"train_seed" yaml:"train_seed" usage:"random seed"`
	TrainTotalUpdates  int64   `mapstructure:"train_total_updates" yaml:"train_total_updates" usage:"number of updates to train for"`
	TrainReportUpdates int64   `mapstructure:"train_report_updates" yaml:"train_report_updates" usage:"evaluate every N updates, 0 disables"`
	TrainSaveUpdates   int64   `mapstructure:"train_save_updates" yaml:"train_save_updates" usage:"save a numbered checkpoint every N updates, 0 disables"`
	TrainOptimizer     string  `mapstructure:"train_optimizer" yaml:"train_optimizer" usage:"optimizer: sgd, nag, adagrad, adam or rmsprop"`
	TrainLr            float64 `mapstructure:"train_lr" yaml:"train_lr" usage:"learning rate"`
	TrainMomentum      float64 `mapstructure:"train_momentum" yaml:"train_momentum" usage:"momentum of sgd and nag"`
	TrainWeightDecay   float64 `mapstructure:"train_weight_decay" yaml:"train_weight_decay" usage:"weight decay"`
	TrainAdamBeta1     float64 `mapstructure:"train_adambeta1" yaml:"train_adambeta1" usage:"adam beta1"`
	TrainAdamBeta2     float64 `mapstructure:"train_adambeta2" yaml:"train_adambeta2" usage:"adam beta2"`
	TrainOptimizerEps  float64 `mapstructure:"train_optimizer_eps" yaml:"train_optimizer_eps" usage:"epsilon of adagrad and adam"`
	TrainMaxGradNorm   float64 `mapstructure:"train_max_grad_norm" yaml:"train_max_grad_norm" usage:"gradient norm clip, 0 disables"`
	TrainLrSchedule    string  `mapstructure:"train_lr_schedule" yaml:"train_lr_schedule" usage:"fixed, invsqrt, step or cosine"`
	TrainWarmupUpdates int64   `mapstructure:"train_warmup_updates" yaml:"train_warmup_updates" usage:"linear warmup length in updates"`
	TrainWarmupInitLr  float64 `mapstructure:"train_warmup_init_lr" yaml:"train_warmup_init_lr" usage:"learning rate at update 0 of the warmup"`
	TrainLrStepUpdates int64   `mapstructure:"train_lr_step_updates" yaml:"train_lr_step_updates" usage:"step schedule: decay every N updates"`
	TrainLrStepDecay   float64 `mapstructure:"train_lr_step_decay" yaml:"train_lr_step_decay" usage:"step schedule: decay factor"`
	TrainLrMin         float64 `mapstructure:"train_lr_min" yaml:"train_lr_min" usage:"cosine schedule: final learning rate"`

	// Criterion
	LossType          string `mapstructure:"loss_type" yaml:"loss_type" usage:"LM criterion: adsm or ce"`
	LossAdsmInputSize int    `mapstructure:"loss_adsm_input_size" yaml:"loss_adsm_input_size" usage:"encoder output dimension"`
	LossAdsmCutoffs   string `mapstructure:"loss_adsm_cutoffs" yaml:"loss_adsm_cutoffs" usage:"comma separated adaptive softmax cutoffs"`

	// Dictionaries
	Dictionary        string `mapstructure:"dictionary" yaml:"dictionary" usage:"lexicon file"`
	DictionaryMaxSize int    `mapstructure:"dictionary_max_size" yaml:"dictionary_max_size" usage:"number of lexicon words to load, -1 for all"`
	DictionaryTokens  string `mapstructure:"dictionary_tokens" yaml:"dictionary_tokens" usage:"token file"`

	// ASR data
	DataAsrDir           string  `mapstructure:"data_asr_dir" yaml:"data_asr_dir" usage:"root of the ASR list files"`
	DataAsrTrain         string  `mapstructure:"data_asr_train" yaml:"data_asr_train" usage:"comma separated training lists"`
	DataAsrValid         string  `mapstructure:"data_asr_valid" yaml:"data_asr_valid" usage:"comma separated [tag:]list validation sets"`
	DataAsrBatchSize     int     `mapstructure:"data_asr_batch_size" yaml:"data_asr_batch_size" usage:"ASR batch size per worker"`
	DataAsrUsewordpiece  bool    `mapstructure:"data_asr_usewordpiece" yaml:"data_asr_usewordpiece" usage:"tokens are word pieces"`
	DataAsrWordseparator string  `mapstructure:"data_asr_wordseparator" yaml:"data_asr_wordseparator" usage:"word separator token"`
	DataAsrSurround      string  `mapstructure:"data_asr_surround" yaml:"data_asr_surround" usage:"token surrounding every target"`
	DataAsrEostoken      bool    `mapstructure:"data_asr_eostoken" yaml:"data_asr_eostoken" usage:"append an end of sentence token to targets"`
	DataAsrReplabel      int     `mapstructure:"data_asr_replabel" yaml:"data_asr_replabel" usage:"maximum folded repetitions"`
	DataAsrSampletarget  float64 `mapstructure:"data_asr_sampletarget" yaml:"data_asr_sampletarget" usage:"probability of drawing a random lexicon spelling"`
	SsfxConfig           string  `mapstructure:"ssfx_config" yaml:"ssfx_config" usage:"sound effect chain JSON file"`

	// LM data
	DataLmDir                string `mapstructure:"data_lm_dir" yaml:"data_lm_dir" usage:"root of the LM text files"`
	DataLmTrain              string `mapstructure:"data_lm_train" yaml:"data_lm_train" usage:"comma separated training text files"`
	DataLmValid              string `mapstructure:"data_lm_valid" yaml:"data_lm_valid" usage:"comma separated [tag:]file validation sets"`
	DataLmTokensPerSample    int    `mapstructure:"data_lm_tokens_per_sample" yaml:"data_lm_tokens_per_sample" usage:"tokens per LM sample"`
	DataLmBatchSize          int    `mapstructure:"data_lm_batch_size" yaml:"data_lm_batch_size" usage:"LM batch size per worker"`
	DataLmSampleBreakMode    string `mapstructure:"data_lm_sample_break_mode" yaml:"data_lm_sample_break_mode" usage:"none or eos"`
	DataLmUseDynamicBatching bool   `mapstructure:"data_lm_use_dynamic_batching" yaml:"data_lm_use_dynamic_batching" usage:"batch LM validation samples by length"`
	DataPrefetchThreads      int    `mapstructure:"data_prefetch_threads" yaml:"data_prefetch_threads" usage:"batches loaded ahead, negative for one per core"`

	// Normalization
	NormOnorm             string `mapstructure:"norm_onorm" yaml:"norm_onorm" usage:"CTC loss normalization: none, input or target"`
	NormSqnorm            bool   `mapstructure:"norm_sqnorm" yaml:"norm_sqnorm" usage:"use the square root of the normalization size"`
	NormLocalnrmlleftctx  int    `mapstructure:"norm_localnrmlleftctx" yaml:"norm_localnrmlleftctx" usage:"left context of input normalization"`
	NormLocalnrmlrightctx int    `mapstructure:"norm_localnrmlrightctx" yaml:"norm_localnrmlrightctx" usage:"right context of input normalization"`

	// Features
	FeatPow           bool `mapstructure:"feat_pow" yaml:"feat_pow" usage:"power spectrum features"`
	FeatMfsc          bool `mapstructure:"feat_mfsc" yaml:"feat_mfsc" usage:"filterbank features"`
	FeatMfcc          bool `mapstructure:"feat_mfcc" yaml:"feat_mfcc" usage:"cepstral features"`
	FeatSamplerate    int  `mapstructure:"feat_samplerate" yaml:"feat_samplerate" usage:"audio sample rate"`
	FeatFramestridems int  `mapstructure:"feat_framestridems" yaml:"feat_framestridems" usage:"feature frame stride in ms"`

	// SpecAugment
	SpecaugFmaskf      int     `mapstructure:"specaug_fmaskf" yaml:"specaug_fmaskf" usage:"maximum frequency mask width"`
	SpecaugFmaskn      int     `mapstructure:"specaug_fmaskn" yaml:"specaug_fmaskn" usage:"number of frequency masks"`
	SpecaugTmaskt      int     `mapstructure:"specaug_tmaskt" yaml:"specaug_tmaskt" usage:"maximum time mask width"`
	SpecaugTmaskp      float64 `mapstructure:"specaug_tmaskp" yaml:"specaug_tmaskp" usage:"maximum time mask share of the input"`
	SpecaugTmaskn      int     `mapstructure:"specaug_tmaskn" yaml:"specaug_tmaskn" usage:"number of time masks"`
	SpecaugStartUpdate int64   `mapstructure:"specaug_start_update" yaml:"specaug_start_update" usage:"update from which SpecAugment runs, negative disables"`

	// Masked LM
	MaskProb          float64 `mapstructure:"mask_prob" yaml:"mask_prob" usage:"share of tokens predicted by the mask task"`
	MaskRandTokenProb float64 `mapstructure:"mask_rand_token_prob" yaml:"mask_rand_token_prob" usage:"share of predicted tokens replaced by a random token"`
	MaskSameTokenProb float64 `mapstructure:"mask_same_token_prob" yaml:"mask_same_token_prob" usage:"share of predicted tokens left unchanged"`
	MaskMinLength     int     `mapstructure:"mask_min_length" yaml:"mask_min_length" usage:"minimum number of predicted tokens per sample"`

	// Distributed
	DistributedEnable    bool `mapstructure:"distributed_enable" yaml:"distributed_enable" usage:"train with several workers"`
	DistributedWorldRank int  `mapstructure:"distributed_world_rank" yaml:"-" usage:"rank of this worker"`
	DistributedWorldSize int  `mapstructure:"distributed_world_size" yaml:"distributed_world_size" usage:"number of workers"`

	// Checkpoints
	CheckpointFormat        string `mapstructure:"checkpoint_format" yaml:"checkpoint_format" usage:"binary or json"`
	CheckpointStrictVersion bool   `mapstructure:"checkpoint_strict_version" yaml:"checkpoint_strict_version" usage:"fail on checkpoint version mismatch"`

	// Process
	LogLevel    string `mapstructure:"log_level" yaml:"-" usage:"trace, debug, info, warn, error or fatal"`
	LogColor    bool   `mapstructure:"log_color" yaml:"-" usage:"colored log output"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"-" usage:"address serving /metrics, empty disables"`
}

// Default returns the option defaults.
func Default() *Config {
	return &Config{
		ExpRundir:       ".",
		ExpPctTrainEval: 1,

		TrainTask:          "autoreg",
		TrainTotalUpdates:  1000000,
		TrainReportUpdates: 1000,
		TrainOptimizer:     "nag",
		TrainLr:            1,
		TrainAdamBeta1:     0.9,
		TrainAdamBeta2:     0.999,
		TrainOptimizerEps:  1e-8,
		TrainLrSchedule:    "invsqrt",
		TrainWarmupUpdates: 4000,
		TrainLrStepDecay:   0.5,

		LossType:          "adsm",
		LossAdsmInputSize: 1024,

		DictionaryMaxSize: -1,

		DataAsrBatchSize:     1,
		DataAsrWordseparator: "|",

		DataLmTokensPerSample: 1024,
		DataLmBatchSize:       1,
		DataLmSampleBreakMode: "none",
		DataPrefetchThreads:   1,

		NormOnorm: "none",

		FeatSamplerate:    16000,
		FeatFramestridems: 10,

		SpecaugTmaskp:      1,
		SpecaugStartUpdate: -1,

		MaskProb:          0.15,
		MaskRandTokenProb: 0.1,
		MaskSameTokenProb: 0.1,

		DistributedWorldSize: 1,

		CheckpointFormat: "binary",

		LogLevel: "info",
	}
}

// fields calls fn for every exported option field.
func fields(v reflect.Value, fn func(key, usage string, f reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		key := sf.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		fn(key, sf.Tag.Get("usage"), v.Field(i))
	}
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// RegisterFlags declares every option on fs with its default and binds the
// flag and the JOINT_<KEY> environment variable into v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	var result *multierror.Error
	fields(reflect.ValueOf(Default()).Elem(), func(key, usage string, f reflect.Value) {
		switch f.Kind() {
		case reflect.String:
			fs.String(key, f.String(), usage)
		case reflect.Bool:
			fs.Bool(key, f.Bool(), usage)
		case reflect.Int:
			fs.Int(key, int(f.Int()), usage)
		case reflect.Int64:
			fs.Int64(key, f.Int(), usage)
		case reflect.Float64:
			fs.Float64(key, f.Float(), usage)
		default:
			result = multierror.Append(result, errors.Errorf("option %s: unsupported kind %s", key, f.Kind()))
			return
		}
		v.SetDefault(key, f.Interface())
		if err := v.BindEnv(key, envName(key)); err != nil {
			result = multierror.Append(result, err)
		}
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}

// Load reads the options bound into v, merging the --flagsfile YAML file
// below flags and environment.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("flagsfile"); path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "error reading flags file")
		}
		var m map[string]interface{}
		if err := yaml.Unmarshal(bs, &m); err != nil {
			return nil, errors.Wrap(err, "error unmarshal yaml flags file")
		}
		if err := v.MergeConfigMap(m); err != nil {
			return nil, errors.Wrap(err, "error merge flags file to viper")
		}
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "cannot decode configuration")
	}
	return cfg, nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Errorf("%s: %q is not one of %s", name, value, strings.Join(allowed, ", "))
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	add(oneOf("train_optimizer", c.TrainOptimizer, "sgd", "nag", "adagrad", "adam", "rmsprop"))
	add(oneOf("train_lr_schedule", c.TrainLrSchedule, "fixed", "invsqrt", "step", "cosine"))
	add(oneOf("loss_type", c.LossType, "adsm", "ce"))
	add(oneOf("train_task", c.TrainTask, "autoreg", "mask"))
	add(oneOf("data_lm_sample_break_mode", c.DataLmSampleBreakMode, "none", "eos"))
	add(oneOf("norm_onorm", c.NormOnorm, "none", "input", "target"))
	add(oneOf("checkpoint_format", c.CheckpointFormat, "binary", "json"))

	if c.DictionaryMaxSize == 0 {
		add(errors.New("'--dictionary_max_size' should be positive or -1"))
	}
	if c.DataAsrBatchSize <= 0 {
		add(errors.Errorf("data_asr_batch_size must be positive, got %d", c.DataAsrBatchSize))
	}
	if c.DataLmBatchSize <= 0 || c.DataLmTokensPerSample <= 0 {
		add(errors.Errorf("data_lm_batch_size and data_lm_tokens_per_sample must be positive, got %d and %d",
			c.DataLmBatchSize, c.DataLmTokensPerSample))
	}
	if c.TrainTotalUpdates < 0 || c.TrainReportUpdates < 0 || c.TrainSaveUpdates < 0 || c.TrainWarmupUpdates < 0 {
		add(errors.New("update counts must not be negative"))
	}
	for name, p := range map[string]float64{
		"mask_prob":             c.MaskProb,
		"mask_rand_token_prob":  c.MaskRandTokenProb,
		"mask_same_token_prob":  c.MaskSameTokenProb,
		"specaug_tmaskp":        c.SpecaugTmaskp,
		"data_asr_sampletarget": c.DataAsrSampletarget,
	} {
		if p < 0 || p > 1 {
			add(errors.Errorf("%s must be in [0, 1], got %g", name, p))
		}
	}
	if c.DistributedWorldSize < 1 || c.DistributedWorldRank < 0 || c.DistributedWorldRank >= c.DistributedWorldSize {
		add(errors.Errorf("invalid worker rank %d of world size %d", c.DistributedWorldRank, c.DistributedWorldSize))
	}
	if c.ExpModelName == "" {
		add(errors.New("exp_model_name is empty"))
	}
	return result.ErrorOrNil()
}

// Resolve fills the derived defaults.
func (c *Config) Resolve() {
	if c.ExpModelName == "" {
		c.ExpModelName = petname.Generate(2, "-")
	}
	if c.DataPrefetchThreads < 0 {
		c.DataPrefetchThreads = cpuid.CPU.LogicalCores
		if c.DataPrefetchThreads < 1 {
			c.DataPrefetchThreads = 1
		}
	}
}

// FeatureType names the input representation.
func (c *Config) FeatureType() string {
	switch {
	case c.FeatPow:
		return "pow"
	case c.FeatMfsc:
		return "mfsc"
	case c.FeatMfcc:
		return "mfcc"
	default:
		return "raw"
	}
}

// Serialize renders the options stored in checkpoints.
func (c *Config) Serialize() (string, error) {
	bs, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "cannot serialize configuration")
	}
	return string(bs), nil
}

// ApplySerialized overwrites the options present in s. Options missing from
// s keep their current value.
func (c *Config) ApplySerialized(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return errors.Wrap(yaml.Unmarshal([]byte(s), c), "cannot apply serialized configuration")
}

// Printable renders the options on one line, "key=value; ...".
func (c *Config) Printable() string {
	var parts []string
	fields(reflect.ValueOf(c).Elem(), func(key, _ string, f reflect.Value) {
		parts = append(parts, key+"="+toString(f))
	})
	return strings.Join(parts, "; ")
}

func toString(f reflect.Value) string {
	bs, err := yaml.Marshal(f.Interface())
	if err != nil {
		return "?"
	}
	return strings.TrimSpace(string(bs))
}
