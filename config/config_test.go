package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args []string) *Config {
	t.Helper()
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, RegisterFlags(fs, v))
	require.NoError(t, fs.Parse(args))
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(t, nil)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults differ (-want +got):\n%s", diff)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("train_lr: 0.5\ntrain_optimizer: sgd\ndata_asr_batch_size: 4\n"), 0o644))
	t.Setenv("JOINT_DATA_ASR_BATCH_SIZE", "8")

	cfg := load(t, []string{"--flagsfile", path, "--train_lr", "0.25", "--specaug_start_update", "100"})
	assert.Equal(t, 0.25, cfg.TrainLr, "flag beats file")
	assert.Equal(t, "sgd", cfg.TrainOptimizer, "file beats default")
	assert.Equal(t, 8, cfg.DataAsrBatchSize, "environment beats file")
	assert.Equal(t, int64(100), cfg.SpecaugStartUpdate)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.ExpModelName = "run"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"optimizer", func(c *Config) { c.TrainOptimizer = "lbfgs" }},
		{"schedule", func(c *Config) { c.TrainLrSchedule = "linear" }},
		{"loss", func(c *Config) { c.LossType = "ctc" }},
		{"task", func(c *Config) { c.TrainTask = "denoise" }},
		{"break mode", func(c *Config) { c.DataLmSampleBreakMode = "complete" }},
		{"dictionary size", func(c *Config) { c.DictionaryMaxSize = 0 }},
		{"batch size", func(c *Config) { c.DataAsrBatchSize = 0 }},
		{"mask prob", func(c *Config) { c.MaskProb = 1.5 }},
		{"rank", func(c *Config) { c.DistributedWorldRank = 2 }},
		{"model name", func(c *Config) { c.ExpModelName = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := valid()
	c.TrainOptimizer = "lbfgs"
	c.LossType = "ctc"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestResolve(t *testing.T) {
	c := Default()
	c.DataPrefetchThreads = -1
	c.Resolve()
	assert.NotEmpty(t, c.ExpModelName)
	assert.GreaterOrEqual(t, c.DataPrefetchThreads, 1)

	named := Default()
	named.ExpModelName = "keep"
	named.Resolve()
	assert.Equal(t, "keep", named.ExpModelName)
}

func TestSerializedConfigOverridesOverlappingKeys(t *testing.T) {
	saved := Default()
	saved.ExpModelName = "run"
	saved.TrainLr = 0.1
	saved.DistributedWorldRank = 0
	s, err := saved.Serialize()
	require.NoError(t, err)

	current := Default()
	current.ExpModelName = "run"
	current.TrainLr = 3
	current.DistributedWorldRank = 0
	current.MetricsAddr = ":9090"
	require.NoError(t, current.ApplySerialized(s))
	assert.Equal(t, 0.1, current.TrainLr)
	assert.Equal(t, ":9090", current.MetricsAddr, "process options are not serialized")

	partial := Default()
	partial.TrainSeed = 42
	require.NoError(t, partial.ApplySerialized("train_lr: 2\n"))
	assert.Equal(t, 2.0, partial.TrainLr)
	assert.Equal(t, int64(42), partial.TrainSeed)

	assert.Error(t, partial.ApplySerialized("train_lr: [1"))
}

func TestFeatureTypeAndPrintable(t *testing.T) {
	c := Default()
	assert.Equal(t, "raw", c.FeatureType())
	c.FeatMfsc = true
	assert.Equal(t, "mfsc", c.FeatureType())
	assert.Contains(t, c.Printable(), "train_lr=1; ")
}
