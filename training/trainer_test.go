package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-joint/audio"
	"github.com/tsawler/go-joint/autograd"
	"github.com/tsawler/go-joint/collective"
	"github.com/tsawler/go-joint/config"
	"github.com/tsawler/go-joint/dataset"
	"github.com/tsawler/go-joint/nn"
)

const (
	encoderArch = "layers:\n  - type: linear\n    in: 4\n    out: 4\n  - type: relu\n"
	asrArch     = "layers:\n  - type: linear\n    in: NFEAT\n    out: 4\n"
	lmArch      = "layers:\n  - type: embedding\n    in: NLABEL\n    out: 4\n"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeWav(t *testing.T, dir, name string, frames int) {
	t.Helper()
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(float64(i)))
	}
	require.NoError(t, audio.SaveWav(filepath.Join(dir, name), &audio.Waveform{Samples: samples, SampleRate: 16000, Channels: 1}))
}

// writeList creates n utterances of frames samples, all transcribed "ab c".
func writeList(t *testing.T, dir, name string, n, frames int) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		wav := fmt.Sprintf("%s-%d.wav", strings.TrimSuffix(name, ".lst"), i)
		writeWav(t, dir, wav, frames)
		fmt.Fprintf(&b, "%s-%d %s 1.5 ab c\n", name, i, wav)
	}
	writeFile(t, dir, name, b.String())
}

// testConfig lays out a complete experiment in a temporary directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "encoder.arch", encoderArch)
	writeFile(t, dir, "asr.arch", asrArch)
	writeFile(t, dir, "lm.arch", lmArch)
	writeList(t, dir, "train.lst", 2, 24)
	writeList(t, dir, "dev.lst", 2, 24)
	writeFile(t, dir, "lm-train.txt", "ab c ab c\nc ab\nab ab c\n")
	writeFile(t, dir, "lm-valid.txt", "ab c\nc ab\n")

	cfg := config.Default()
	cfg.ExpRundir = filepath.Join(dir, "runs")
	cfg.ExpModelName = "joint"
	cfg.ExpPctTrainEval = 100
	cfg.TrainArchDir = dir
	cfg.TrainArchFile = "encoder.arch"
	cfg.TrainAsrFrontendArchFile = "asr.arch"
	cfg.TrainLmFrontendArchFile = "lm.arch"
	cfg.TrainOptimizer = "sgd"
	cfg.TrainLr = 0.1
	cfg.TrainLrSchedule = "fixed"
	cfg.TrainTotalUpdates = 4
	cfg.TrainReportUpdates = 0
	cfg.TrainSeed = 3
	cfg.LossAdsmInputSize = 4
	cfg.Dictionary = writeFile(t, dir, "lexicon.txt", "ab a b |\nc c |\n")
	cfg.DictionaryTokens = writeFile(t, dir, "tokens.txt", "a\nb\nc\n|\n")
	cfg.DataAsrDir = dir
	cfg.DataAsrTrain = "train.lst"
	cfg.DataAsrValid = "dev:dev.lst"
	cfg.DataLmDir = dir
	cfg.DataLmTrain = "lm-train.txt"
	cfg.DataLmValid = "wiki:lm-valid.txt"
	cfg.DataLmTokensPerSample = 4
	cfg.DataLmBatchSize = 2
	return cfg
}

func newTrainer(t *testing.T, mode string, cfg *config.Config, opts ...Option) *Trainer {
	t.Helper()
	opts = append([]Option{WithClock(clockwork.NewFakeClock())}, opts...)
	tr, err := New(context.Background(), mode, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func paramValues(tr *Trainer) [][]float32 {
	out := make([][]float32, len(tr.params))
	for i, p := range tr.params {
		out[i] = append([]float32(nil), p.Data()...)
	}
	return out
}

func gradValues(tr *Trainer) []float32 {
	var out []float32
	for _, p := range tr.params {
		out = append(out, p.GradBuffer()...)
	}
	return out
}

type countingAugment struct {
	nn.Module
	forwards int
}

func (c *countingAugment) Forward(input *autograd.Variable) (*autograd.Variable, error) {
	c.forwards++
	return c.Module.Forward(input)
}

// replicaComm reduces as one of world workers that all hold the same
// buffers. It keeps a copy of every buffer before reduction.
type replicaComm struct {
	world  int
	sums   [][]float32
	sums64 [][]float64
}

func (c *replicaComm) AllReduceSum(data []float32) error {
	c.sums = append(c.sums, append([]float32(nil), data...))
	for i := range data {
		data[i] *= float32(c.world)
	}
	return nil
}

func (c *replicaComm) AllReduceSum64(data []float64) error {
	c.sums64 = append(c.sums64, append([]float64(nil), data...))
	for i := range data {
		data[i] *= float64(c.world)
	}
	return nil
}

func (c *replicaComm) Rank() int      { return 0 }
func (c *replicaComm) WorldSize() int { return c.world }

type recordingReloader struct {
	dataset.Reloader
	seeds []int64
}

func (r *recordingReloader) Reload(seed int64) {
	r.seeds = append(r.seeds, seed)
	r.Reloader.Reload(seed)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(context.Background(), "resume", testConfig(t))
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Contains(t, err.Error(), "resume")
}

func TestNewErrors(t *testing.T) {
	tests := []struct {
		name   string
		mode   string
		mutate func(cfg *config.Config)
		want   string
	}{
		{
			name: "continue without checkpoint",
			mode: ModeContinue,
			want: "Checkpoint doesn't exist to continue training",
		},
		{
			name:   "fork without checkpoint",
			mode:   ModeFork,
			mutate: func(cfg *config.Config) { cfg.ExpInitModelPath = "/does/not/exist.bin" },
			want:   "Checkpoint doesn't exist for finetuning",
		},
		{
			name:   "missing tokens",
			mode:   ModeTrain,
			mutate: func(cfg *config.Config) { cfg.DictionaryTokens = "" },
			want:   "Invalid dictionary filepath",
		},
		{
			name:   "zero dictionary size",
			mode:   ModeTrain,
			mutate: func(cfg *config.Config) { cfg.DictionaryMaxSize = 0 },
			want:   "dictionary_max_size",
		},
		{
			name:   "unknown lm criterion",
			mode:   ModeTrain,
			mutate: func(cfg *config.Config) { cfg.LossType = "nce" },
			want:   "Criterion is not supported",
		},
		{
			name:   "unknown optimizer",
			mode:   ModeTrain,
			mutate: func(cfg *config.Config) { cfg.TrainOptimizer = "lamb" },
			want:   "Optimizer is not supported",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			_, err := New(context.Background(), tt.mode, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunWritesProgressAndBestCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainReportUpdates = 2
	tr := newTrainer(t, ModeTrain, cfg)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, int64(4), tr.State().BatchIdx)

	logData, err := os.ReadFile(filepath.Join(tr.expDir, "log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "dev-WER")
	assert.Contains(t, lines[0], "lm-wiki-ppl")
	assert.Contains(t, lines[1], "nupdates:            4")

	best := tr.Best()
	assert.Contains(t, best.ASRValidWER, "dev")
	assert.Contains(t, best.LMValidLoss, "wiki")
	assert.FileExists(t, filepath.Join(tr.expDir, LastModelFile+".dev"))
	assert.FileExists(t, filepath.Join(tr.expDir, LastModelFile+".wiki"))
}

func TestEpochRollover(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainTotalUpdates = 5
	tr := newTrainer(t, ModeTrain, cfg)
	require.NoError(t, tr.start())
	rec := &recordingReloader{Reloader: tr.asrTrain}
	tr.asrTrain = rec

	require.Equal(t, 2, rec.Size())
	lmSize := int64(tr.data.LMTrain.Size())
	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, []int64{1, 2}, rec.seeds)
	assert.Equal(t, int64(2), tr.State().ASREpoch)
	assert.Equal(t, 4/lmSize, tr.State().LMEpoch)

	saved, err := tr.ckpt.Load(tr.ckpt.LastPath())
	require.NoError(t, err)
	assert.Equal(t, int64(4), saved.TrainingState.BatchIdx)
	assert.Equal(t, int64(2), saved.TrainingState.ASREpoch)
}

func TestPeriodicSaves(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainSaveUpdates = 3
	tr := newTrainer(t, ModeTrain, cfg)
	require.NoError(t, tr.Run(context.Background()))
	assert.FileExists(t, filepath.Join(tr.expDir, LastModelFile+".3"))
	assert.NoFileExists(t, filepath.Join(tr.expDir, LastModelFile+".4"))
}

func TestContinueRestoresEverything(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainTotalUpdates = 2
	cfg.TrainSaveUpdates = 2
	first := newTrainer(t, ModeTrain, cfg)
	require.NoError(t, first.Run(context.Background()))
	require.NoError(t, first.Close())

	again := *cfg
	again.TrainLr = 0.5
	again.TrainTotalUpdates = 3
	resumed := newTrainer(t, ModeContinue, &again)

	assert.Equal(t, first.State(), resumed.State())
	assert.Equal(t, paramValues(first), paramValues(resumed))
	assert.Equal(t, first.opt.GetStepCount(), resumed.opt.GetStepCount())
	assert.Equal(t, first.opt.Name(), resumed.opt.Name())
	// stored options overwrite the command line
	assert.Equal(t, 0.1, resumed.cfg.TrainLr)
	assert.Equal(t, int64(2), resumed.cfg.TrainTotalUpdates)

	resumed.cfg.TrainTotalUpdates = 3
	require.NoError(t, resumed.Run(context.Background()))
	assert.Equal(t, int64(3), resumed.State().BatchIdx)
}

func TestForkStartsFreshOptimizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.TrainTotalUpdates = 2
	cfg.TrainSaveUpdates = 2
	cfg.TrainReportUpdates = 2
	first := newTrainer(t, ModeTrain, cfg)
	require.NoError(t, first.Run(context.Background()))
	require.NoError(t, first.Close())

	forked := *cfg
	forked.ExpModelName = "forked"
	forked.ExpInitModelPath = first.ckpt.LastPath()
	forked.TrainOptimizer = "adam"
	tr := newTrainer(t, ModeFork, &forked)

	assert.Equal(t, paramValues(first), paramValues(tr))
	assert.Equal(t, first.State(), tr.State())
	assert.Equal(t, first.Best(), tr.Best())
	assert.Equal(t, "adam", tr.opt.Name())
	assert.Zero(t, tr.opt.GetStepCount())
	assert.NotEqual(t, first.expDir, tr.expDir)
}

func TestNonFiniteLossStopsBeforeUpdate(t *testing.T) {
	cfg := testConfig(t)
	// 3 frames cannot align the 5 labels of "ab c"
	writeList(t, cfg.DataAsrDir, "short.lst", 1, 3)
	cfg.DataAsrTrain = "short.lst"
	tr := newTrainer(t, ModeTrain, cfg)
	before := paramValues(tr)

	_, err := tr.Advance(context.Background(), tr.State())
	var nonFinite *NonFiniteLossError
	require.True(t, errors.As(err, &nonFinite), "got %v", err)
	assert.Equal(t, []string{"short.lst-0"}, nonFinite.SampleIDs)
	assert.Equal(t, "Loss has NaN/Inf values. Samples - short.lst-0", err.Error())
	assert.Equal(t, before, paramValues(tr))
	assert.Zero(t, tr.State().BatchIdx)
	assert.Zero(t, tr.opt.GetStepCount())
}

func TestDistributedWorkersStayInSync(t *testing.T) {
	const world = 2
	cfg := testConfig(t)
	writeList(t, cfg.DataAsrDir, "train.lst", 4, 24)
	cfg.TrainReportUpdates = 2
	cfg.DistributedEnable = true
	cfg.DistributedWorldSize = world

	group, err := collective.NewGroup(world)
	require.NoError(t, err)
	defer group.Close()

	trainers := make([]*Trainer, world)
	var eg errgroup.Group
	for r := 0; r < world; r++ {
		r := r
		eg.Go(func() error {
			c := *cfg
			c.DistributedWorldRank = r
			tr, err := New(context.Background(), ModeTrain, &c,
				WithCommunicator(group.Member(r)), WithClock(clockwork.NewFakeClock()))
			if err != nil {
				return err
			}
			trainers[r] = tr
			return tr.Run(context.Background())
		})
	}
	require.NoError(t, eg.Wait())
	for _, tr := range trainers {
		require.NoError(t, tr.Close())
	}

	assert.Equal(t, paramValues(trainers[0]), paramValues(trainers[1]))
	// LM shards differ in size, so each worker keeps its own LM epoch.
	s0, s1 := trainers[0].State(), trainers[1].State()
	assert.Equal(t, s0.BatchIdx, s1.BatchIdx)
	assert.Equal(t, s0.ASREpoch, s1.ASREpoch)
	assert.Equal(t, 2, trainers[0].asrTrain.Size())
	assert.Nil(t, trainers[1].logFile)
	assert.FileExists(t, trainers[0].ckpt.LastPath())
}

func TestSpecAugmentStartsAtConfiguredUpdate(t *testing.T) {
	cfg := testConfig(t)
	cfg.SpecaugStartUpdate = 2
	cfg.SpecaugFmaskf = 2
	cfg.SpecaugFmaskn = 1
	cfg.TrainTotalUpdates = 3
	tr := newTrainer(t, ModeTrain, cfg)
	require.NotNil(t, tr.specAug)
	aug := &countingAugment{Module: tr.specAug}
	tr.specAug = aug

	var forwards []int
	state := tr.State()
	for i := 0; i < 3; i++ {
		var err error
		state, err = tr.Advance(context.Background(), state)
		require.NoError(t, err)
		forwards = append(forwards, aug.forwards)
	}
	assert.Equal(t, []int{0, 0, 1}, forwards)
}

func TestSpecAugmentDisabledByDefault(t *testing.T) {
	tr := newTrainer(t, ModeTrain, testConfig(t))
	assert.Nil(t, tr.specAug)
	require.NoError(t, tr.Run(context.Background()))
}

func TestJointLossScalesByGlobalCounts(t *testing.T) {
	ctx := context.Background()
	localCfg := testConfig(t)
	localCfg.TrainMaxGradNorm = 0
	local := newTrainer(t, ModeTrain, localCfg)
	_, err := local.Advance(ctx, local.State())
	require.NoError(t, err)
	localGrads := gradValues(local)

	// Loaded as a single worker so both trainers see the same batches, then
	// reduced as one of two identical replicas.
	cfg := testConfig(t)
	cfg.TrainMaxGradNorm = 0
	comm := &replicaComm{world: 1}
	replica := newTrainer(t, ModeTrain, cfg, WithCommunicator(comm))
	comm.world = 2
	_, err = replica.Advance(ctx, replica.State())
	require.NoError(t, err)

	require.Len(t, comm.sums64, 1)
	assert.Greater(t, comm.sums64[0][0], 0.0)

	// parameter sync, then gradients
	require.Len(t, comm.sums, 2)
	worker := comm.sums[1]
	require.Len(t, worker, len(localGrads))
	for i := range localGrads {
		assert.InDelta(t, localGrads[i]/2, worker[i], 1e-6, "gradient %d", i)
	}
	assert.InDeltaSlice(t, localGrads, gradValues(replica), 1e-6)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := newTrainer(t, ModeTrain, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
	assert.Zero(t, tr.State().BatchIdx)
}
