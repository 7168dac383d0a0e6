package trainer

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/rerankbench/pkg/dataset"
	"github.com/soundprediction/rerankbench/pkg/evaluator"
	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/reranker"
	"github.com/soundprediction/rerankbench/pkg/sampler"
	"github.com/soundprediction/rerankbench/pkg/tokenizer"
	"github.com/soundprediction/rerankbench/pkg/types"
)

func testConfig() Config {
	return Config{
		Batch:        2,
		NIters:       3,
		IterSize:     4,
		GradAcc:      1,
		LR:           0.01,
		ValidateFreq: 1,
		Metric:       "map",
	}
}

type fixture struct {
	ex    *extractor.BertPassage
	rr    *reranker.Reranker
	qrels types.Qrels
	train *sampler.TripletSampler
	dev   *sampler.PredictionSampler
	paths RunPaths
}

func newFixture(t *testing.T) *fixture {
	topics := map[string]string{"q1": "apple banana", "q2": "grape"}
	docs := map[string]string{
		"d1": "apple banana cherry apple",
		"d2": "grape melon grape",
		"d3": "cherry date egg",
		"d4": "banana apple",
	}
	qrels := types.Qrels{
		"q1": {"d1": 1, "d3": 0},
		"q2": {"d2": 1, "d4": 0},
	}
	pool := types.CandidatePool{"q1": {"d1", "d3"}, "q2": {"d2", "d4"}}
	ds := dataset.NewMemoryDataset("unit", topics, docs, qrels, pool)

	tok := tokenizer.NewInlineTokenizer([]string{
		"apple", "banana", "cherry", "date", "egg", "fig", "grape", "melon"})
	ex, err := extractor.NewBertPassage(extractor.Config{
		MaxSeqLen:   16,
		PassageLen:  3,
		Stride:      3,
		NumPassages: 4,
		Prob:        1.0,
		CacheDir:    t.TempDir(),
		Seed:        1,
	}, tok, ds, slog.Default())
	require.NoError(t, err)
	require.NoError(t, ex.Preprocess(context.Background(),
		[]string{"q1", "q2"}, []string{"d1", "d2", "d3", "d4"}))

	train := sampler.NewTripletSampler(5, slog.Default())
	require.NoError(t, train.Prepare(pool, qrels, ex, 1))
	dev := sampler.NewPredictionSampler(slog.Default())
	require.NoError(t, dev.Prepare(pool, qrels, ex, 1))

	rr := reranker.New(reranker.NewLinearModel(reranker.LinearConfig{
		VocabSize: tok.VocabSize(),
		EmbedDim:  8,
		MaxSeqLen: 16,
		Seed:      7,
	}), slog.Default())

	root := t.TempDir()
	return &fixture{
		ex:    ex,
		rr:    rr,
		qrels: qrels,
		train: train,
		dev:   dev,
		paths: NewRunPaths(filepath.Join(root, "run"), filepath.Join(root, "run_dev")),
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(*Config){
		"batch":        func(c *Config) { c.Batch = 0 },
		"niters":       func(c *Config) { c.NIters = 0 },
		"itersize":     func(c *Config) { c.IterSize = 1 },
		"gradacc":      func(c *Config) { c.GradAcc = 0 },
		"lr":           func(c *Config) { c.LR = 0 },
		"validatefreq": func(c *Config) { c.ValidateFreq = 0 },
		"metric":       func(c *Config) { c.Metric = "" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, name, cfgErr.Field)
		})
	}
}

func TestClusterConfigValidate(t *testing.T) {
	base := ClusterConfig{Config: testConfig(), RecordDir: "records", ShardSize: 100}
	require.NoError(t, base.Validate())

	t.Run("pool requires a gs bucket", func(t *testing.T) {
		cfg := base
		cfg.PoolName = "pool-a"
		cfg.PoolZone = "us-central1-a"
		cfg.Bucket = "/local/path"
		err := cfg.Validate()
		require.Error(t, err)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "bucket", cfgErr.Field)

		cfg.Bucket = "gs://experiments"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("pool name and zone come together", func(t *testing.T) {
		cfg := base
		cfg.PoolName = "pool-a"
		cfg.Bucket = "gs://experiments"
		assert.Error(t, cfg.Validate())
	})

	t.Run("record settings", func(t *testing.T) {
		cfg := base
		cfg.RecordDir = ""
		assert.Error(t, cfg.Validate())

		cfg = base
		cfg.ShardSize = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestStandardTrainerTrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := NewStandardTrainer(testConfig(), f.rr, f.paths, slog.Default())
	require.NoError(t, err)
	require.NoError(t, tr.Train(ctx, f.train, f.dev, f.qrels, evaluator.NewTrecEvaluator(1), []string{"map", "P_2"}))

	t.Run("loss history covers every iteration", func(t *testing.T) {
		losses, err := LoadLossHistory(f.paths.LossFile())
		require.NoError(t, err)
		assert.Len(t, losses, 3)
	})

	t.Run("per-iteration checkpoints exist", func(t *testing.T) {
		for iter := 0; iter < 3; iter++ {
			assert.FileExists(t, f.paths.WeightsFile(iter))
			assert.FileExists(t, f.paths.WeightsFile(iter)+".optimizer")
		}
	})

	t.Run("validation artifacts exist", func(t *testing.T) {
		assert.FileExists(t, f.paths.DevBestFile())
		assert.FileExists(t, f.paths.MetricsFile())
		for iter := 0; iter < 3; iter++ {
			assert.FileExists(t, f.paths.RunFile(iter))
		}
		assert.GreaterOrEqual(t, tr.BestMetric(), 0.0)
	})

	t.Run("best model loads back", func(t *testing.T) {
		require.NoError(t, tr.LoadBestModel())
	})
}

func TestStandardTrainerFastForward(t *testing.T) {
	t.Run("resumes after the last checkpointed iteration", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		cfg := testConfig()
		tr, err := NewStandardTrainer(cfg, f.rr, f.paths, slog.Default())
		require.NoError(t, err)
		require.NoError(t, tr.Train(ctx, f.train, nil, nil, evaluator.NewTrecEvaluator(1), nil))

		cfg.FastForward = true
		resumed, err := NewStandardTrainer(cfg, f.rr, f.paths, slog.Default())
		require.NoError(t, err)

		next, losses := resumed.fastForward()
		assert.Equal(t, 3, next)
		assert.Len(t, losses, 3)
	})

	t.Run("gapped loss history restarts from zero", func(t *testing.T) {
		f := newFixture(t)
		cfg := testConfig()
		cfg.FastForward = true
		tr, err := NewStandardTrainer(cfg, f.rr, f.paths, slog.Default())
		require.NoError(t, err)

		require.NoError(t, os.MkdirAll(filepath.Dir(f.paths.LossFile()), 0o755))
		require.NoError(t, os.WriteFile(f.paths.LossFile(), []byte("0 0.9\n1 0.5\n3 0.1\n"), 0o644))

		next, losses := tr.fastForward()
		assert.Equal(t, 0, next)
		assert.Empty(t, losses)
	})

	t.Run("missing weights restart from zero without stale history", func(t *testing.T) {
		f := newFixture(t)
		cfg := testConfig()
		cfg.FastForward = true
		tr, err := NewStandardTrainer(cfg, f.rr, f.paths, slog.Default())
		require.NoError(t, err)

		require.NoError(t, WriteLossHistory(f.paths.LossFile(), []float64{0.9, 0.5}))

		next, losses := tr.fastForward()
		assert.Equal(t, 0, next)
		assert.Empty(t, losses)
	})
}

func TestStandardTrainerPredict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := NewStandardTrainer(testConfig(), f.rr, f.paths, slog.Default())
	require.NoError(t, err)

	runFile := filepath.Join(f.paths.Dev, "predict.run")
	run, err := tr.Predict(ctx, f.dev, runFile)
	require.NoError(t, err)
	require.Len(t, run, 2)
	assert.Len(t, run["q1"], 2)

	t.Run("scores are half-precision rounded", func(t *testing.T) {
		for _, docs := range run {
			for _, score := range docs {
				assert.Equal(t, roundFloat16(score), score)
			}
		}
	})

	t.Run("run file is descending per query", func(t *testing.T) {
		file, err := os.Open(runFile)
		require.NoError(t, err)
		defer file.Close()

		lastScore := map[string]float64{}
		lastRank := map[string]int{}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			require.Len(t, fields, 6)
			qid := fields[0]
			assert.Equal(t, "Q0", fields[1])
			rank, err := strconv.Atoi(fields[3])
			require.NoError(t, err)
			score, err := strconv.ParseFloat(fields[4], 64)
			require.NoError(t, err)

			if prev, ok := lastScore[qid]; ok {
				assert.LessOrEqual(t, score, prev)
				assert.Equal(t, lastRank[qid]+1, rank)
			}
			lastScore[qid] = score
			lastRank[qid] = rank
		}
		require.NoError(t, scanner.Err())
	})
}

func TestClusterTrainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := ClusterConfig{
		Config:    testConfig(),
		RecordDir: t.TempDir(),
		ShardSize: 2,
		UseCache:  true,
	}
	tr, err := NewClusterTrainer(cfg, f.rr, f.paths, slog.Default())
	require.NoError(t, err)

	trainDir, err := tr.CacheTrainRecords(ctx, f.train, f.ex)
	require.NoError(t, err)
	devDir, err := tr.CacheDevRecords(ctx, f.dev, f.ex)
	require.NoError(t, err)

	t.Run("shards land under the sampler hash", func(t *testing.T) {
		assert.Equal(t, filepath.Join(cfg.RecordDir, f.train.Hash()), trainDir)
		assert.Equal(t, filepath.Join(cfg.RecordDir, f.dev.Hash()), devDir)

		shards, err := listShards(devDir)
		require.NoError(t, err)
		assert.NotEmpty(t, shards)
	})

	t.Run("cache hit skips reserialization", func(t *testing.T) {
		before, err := listShards(trainDir)
		require.NoError(t, err)

		again, err := tr.CacheTrainRecords(ctx, f.train, f.ex)
		require.NoError(t, err)
		assert.Equal(t, trainDir, again)

		after, err := listShards(trainDir)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("trains and validates from shards", func(t *testing.T) {
		err := tr.Train(ctx, trainDir, devDir, f.ex, f.dev, f.qrels, evaluator.NewTrecEvaluator(1), []string{"map"})
		require.NoError(t, err)

		for iter := 0; iter < 3; iter++ {
			assert.FileExists(t, f.paths.WeightsFile(iter))
		}
		assert.FileExists(t, f.paths.MetricsFile())
		assert.GreaterOrEqual(t, tr.BestMetric(), 0.0)
	})

	t.Run("prediction covers every pool pair", func(t *testing.T) {
		run, err := tr.Predict(devDir, f.ex, f.dev, "")
		require.NoError(t, err)
		for _, pair := range f.dev.QidDocIDPairs() {
			_, ok := run[pair.QID][pair.DocID]
			assert.True(t, ok, "missing score for %s/%s", pair.QID, pair.DocID)
		}
	})
}
