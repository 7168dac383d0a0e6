package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/rerankbench/pkg/evaluator"
	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/reranker"
	"github.com/soundprediction/rerankbench/pkg/sampler"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// ClusterConfig extends the trainer settings with accelerator-pool and
// record-cache parameters.
type ClusterConfig struct {
	Config

	// PoolName/PoolZone identify the accelerator pool. When a pool is
	// named, Bucket must be a gs:// URI the pool workers can read.
	PoolName string
	PoolZone string
	Bucket   string

	// RecordDir is the local staging root for serialized record shards;
	// shards for one sampler live under RecordDir/<sampler hash>.
	RecordDir string
	// ShardSize caps the records per shard file.
	ShardSize int
	// UseCache reuses existing shards when the sampler hash matches.
	UseCache bool
}

// Validate extends Config.Validate with the pool and record-cache checks.
func (c *ClusterConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.RecordDir == "" {
		return &ConfigError{"recorddir", "must be set"}
	}
	if c.ShardSize < 1 {
		return &ConfigError{"shardsize", fmt.Sprintf("must be >= 1, got %d", c.ShardSize)}
	}
	if c.PoolName != "" || c.PoolZone != "" {
		if c.PoolName == "" || c.PoolZone == "" {
			return &ConfigError{"pool", "name and zone must both be set"}
		}
		if !strings.HasPrefix(c.Bucket, "gs://") {
			return &ConfigError{"bucket", fmt.Sprintf("must be a gs:// URI when a pool is configured, got %q", c.Bucket)}
		}
	}
	return nil
}

// ClusterTrainer trains from precomputed record shards instead of live
// sampler streams: each sampler's instances are serialized once into
// parquet shards keyed by the sampler's identity hash, then iterations read
// the shards. This is the path used when the numerical backend runs on an
// accelerator pool that cannot pull from an in-process generator.
type ClusterTrainer struct {
	cfg    ClusterConfig
	rr     *reranker.Reranker
	opt    *Adam
	loss   PairLoss
	paths  RunPaths
	runTag string
	logger *slog.Logger

	bestMetric float64
}

// NewClusterTrainer validates the configuration and prepares the run
// directories.
func NewClusterTrainer(cfg ClusterConfig, rr *reranker.Reranker, paths RunPaths, logger *slog.Logger) (*ClusterTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := paths.ensure(); err != nil {
		return nil, err
	}
	return &ClusterTrainer{
		cfg:        cfg,
		rr:         rr,
		opt:        NewAdam(cfg.LR),
		loss:       lossFor(cfg.SoftmaxLoss),
		paths:      paths,
		runTag:     "rerankbench-" + uuid.New().String()[:8],
		logger:     logger,
		bestMetric: -1,
	}, nil
}

// BestMetric returns the best validation metric seen so far, or -1 when no
// validation pass has run.
func (t *ClusterTrainer) BestMetric() float64 { return t.bestMetric }

// fastForward always reports a cold start: per-iteration resume is not
// implemented for pool runs, where checkpoint files live in the bucket.
func (t *ClusterTrainer) fastForward() int {
	if t.cfg.FastForward {
		t.logger.Warn("fast-forward is not supported for pool training, starting from iteration 0")
	}
	return 0
}

// CacheTrainRecords serializes a training sampler into parquet shards under
// RecordDir/<hash> and returns the shard directory. With UseCache set, an
// existing non-empty directory for the same hash is reused as-is. The stream
// is consumed until the sampler's total-sample bound is reached.
func (t *ClusterTrainer) CacheTrainRecords(ctx context.Context, s sampler.Sampler, ex *extractor.BertPassage) (string, error) {
	dir := filepath.Join(t.cfg.RecordDir, s.Hash())
	if t.cfg.UseCache {
		if shards, err := listShards(dir); err == nil && len(shards) > 0 {
			t.logger.Info("reusing cached training records", "dir", dir, "shards", len(shards))
			return dir, nil
		}
	}

	stream, err := s.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open training stream: %w", err)
	}
	total := s.TotalSamples()
	t.logger.Info("serializing training records", "dir", dir, "samples", total)

	var pending []extractor.TrainRecord
	var written int
	for i := 0; i < total; i++ {
		feat, err := stream.Next()
		if err != nil {
			return "", fmt.Errorf("training stream failed while caching records: %w", err)
		}
		pending = append(pending, ex.TrainRows(feat)...)
		for len(pending) >= t.cfg.ShardSize {
			if _, err := extractor.WriteTrainShard(dir, pending[:t.cfg.ShardSize]); err != nil {
				return "", err
			}
			written += t.cfg.ShardSize
			pending = pending[t.cfg.ShardSize:]
		}
	}
	if len(pending) > 0 {
		if _, err := extractor.WriteTrainShard(dir, pending); err != nil {
			return "", err
		}
		written += len(pending)
	}
	t.logger.Info("training records serialized", "dir", dir, "records", written)
	return dir, nil
}

// CacheDevRecords serializes a finite prediction sampler into parquet
// shards under RecordDir/<hash> and returns the shard directory.
func (t *ClusterTrainer) CacheDevRecords(ctx context.Context, s sampler.Sampler, ex *extractor.BertPassage) (string, error) {
	dir := filepath.Join(t.cfg.RecordDir, s.Hash())
	if t.cfg.UseCache {
		if shards, err := listShards(dir); err == nil && len(shards) > 0 {
			t.logger.Info("reusing cached evaluation records", "dir", dir, "shards", len(shards))
			return dir, nil
		}
	}

	stream, err := s.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to open prediction stream: %w", err)
	}
	var pending []extractor.DevRecord
	var written int
	for {
		feat, err := stream.Next()
		if errors.Is(err, sampler.ErrStreamDone) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("prediction stream failed while caching records: %w", err)
		}
		pending = append(pending, ex.DevRows(feat)...)
		if len(pending) >= t.cfg.ShardSize {
			if _, err := extractor.WriteDevShard(dir, pending); err != nil {
				return "", err
			}
			written += len(pending)
			pending = nil
		}
	}
	if len(pending) > 0 {
		if _, err := extractor.WriteDevShard(dir, pending); err != nil {
			return "", err
		}
		written += len(pending)
	}
	t.logger.Info("evaluation records serialized", "dir", dir, "records", written)
	return dir, nil
}

// Train runs the iteration loop over cached training records, cycling
// through the shards. Validation reads the cached dev records.
func (t *ClusterTrainer) Train(ctx context.Context, trainDir, devDir string, ex *extractor.BertPassage, dev *sampler.PredictionSampler, qrels types.Qrels, ev evaluator.Evaluator, metrics []string) error {
	startIter := t.fastForward()

	records, err := t.loadTrainRecords(trainDir, ex)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no training records under %s", trainDir)
	}

	metrics = ensureMetric(metrics, t.cfg.Metric)
	cursor := 0
	for iter := startIter; iter < t.cfg.NIters; iter++ {
		start := time.Now()
		mean, err := t.trainIteration(ctx, records, &cursor)
		if err != nil {
			return err
		}

		if err := t.rr.SaveWeights(t.paths.WeightsFile(iter), t.opt.StateMap()); err != nil {
			return err
		}
		t.logger.Info("iteration complete",
			"iteration", iter, "mean_loss", mean, "duration", time.Since(start))

		if devDir == "" || (iter+1)%t.cfg.ValidateFreq != 0 {
			continue
		}
		run, err := t.Predict(devDir, ex, dev, t.paths.RunFile(iter))
		if err != nil {
			return fmt.Errorf("validation pass failed at iteration %d: %w", iter, err)
		}
		scores, err := ev.Evaluate(run, qrels, metrics)
		if err != nil {
			return fmt.Errorf("metric computation failed at iteration %d: %w", iter, err)
		}
		if err := evaluator.WriteMetrics(t.paths.MetricsFile(), scores); err != nil {
			return err
		}
		if target := scores[t.cfg.Metric]; target > t.bestMetric {
			t.bestMetric = target
			t.logger.Info("new best model", "iteration", iter, t.cfg.Metric, target)
			if err := t.rr.SaveWeights(t.paths.DevBestFile(), t.opt.StateMap()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *ClusterTrainer) trainIteration(ctx context.Context, records []extractor.TrainRecord, cursor *int) (float64, error) {
	model := t.rr.Model()
	model.ZeroGrad()
	scale := 1 / float64(t.cfg.Batch*t.cfg.GradAcc)

	var total float64
	var count int
	steps := t.cfg.stepsPerIter()
	for s := 0; s < steps; s++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for b := 0; b < t.cfg.Batch; b++ {
			r := &records[*cursor%len(records)]
			*cursor++
			feat := &extractor.Features{
				QID:      r.QID,
				PosDocID: r.PosDocID,
				NegDocID: r.NegDocID,
				Pos:      extractor.DocInputFromTrainRecord(r, false),
				Neg:      extractor.DocInputFromTrainRecord(r, true),
				Label:    [][]float32{r.Label},
			}
			pos, neg := t.rr.Score(feat)
			loss, gPos, gNeg := t.loss(pos, neg)
			total += loss
			count++
			model.Backward(feat.Pos, gPos*scale)
			model.Backward(feat.Neg, gNeg*scale)
		}
		if (s+1)%t.cfg.GradAcc == 0 {
			t.opt.Step(model)
			model.ZeroGrad()
		}
	}
	return total / float64(count), nil
}

// Predict scores every cached evaluation record. When dev is non-nil, the
// scores are checked to cover every (qid, docid) pair the sampler would
// emit; a gap aborts the pass, since a silently missing candidate would
// invalidate the evaluation.
func (t *ClusterTrainer) Predict(devDir string, ex *extractor.BertPassage, dev *sampler.PredictionSampler, runFile string) (types.RunScores, error) {
	shards, err := listShards(devDir)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no evaluation records under %s", devDir)
	}

	run := types.RunScores{}
	for _, shard := range shards {
		records, err := extractor.ReadDevShard(shard, ex.NumPassages(), ex.MaxSeqLen())
		if err != nil {
			return nil, err
		}
		for i := range records {
			r := &records[i]
			feat := &extractor.Features{
				QID:      r.QID,
				PosDocID: r.PosDocID,
				Pos:      extractor.DocInputFromDevRecord(r, ex.NumPassages(), ex.MaxSeqLen()),
			}
			run.Set(r.QID, r.PosDocID, roundFloat16(t.rr.Test(feat)))
		}
	}

	if dev != nil {
		for _, pair := range dev.QidDocIDPairs() {
			if _, ok := run[pair.QID][pair.DocID]; !ok {
				return nil, fmt.Errorf("cached records missing candidate qid=%s docid=%s", pair.QID, pair.DocID)
			}
		}
	}

	if runFile != "" {
		if err := run.WriteRunFile(runFile, t.runTag); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// LoadBestModel restores the dev.best snapshot into the reranker.
func (t *ClusterTrainer) LoadBestModel() error {
	optState, err := t.rr.LoadWeights(t.paths.DevBestFile())
	if err != nil {
		return fmt.Errorf("failed to load best model: %w", err)
	}
	t.opt.Restore(optState)
	return nil
}

func (t *ClusterTrainer) loadTrainRecords(dir string, ex *extractor.BertPassage) ([]extractor.TrainRecord, error) {
	shards, err := listShards(dir)
	if err != nil {
		return nil, err
	}
	var records []extractor.TrainRecord
	for _, shard := range shards {
		rs, err := extractor.ReadTrainShard(shard, ex.MaxSeqLen())
		if err != nil {
			return nil, err
		}
		records = append(records, rs...)
	}
	return records, nil
}

func listShards(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list record shards: %w", err)
	}
	var shards []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".parquet") {
			shards = append(shards, filepath.Join(dir, e.Name()))
		}
	}
	return shards, nil
}
