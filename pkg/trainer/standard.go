package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/rerankbench/pkg/evaluator"
	"github.com/soundprediction/rerankbench/pkg/reranker"
	"github.com/soundprediction/rerankbench/pkg/sampler"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// StandardTrainer drives a training run on the local process: iteration
// loop with gradient accumulation, per-iteration weight checkpoints, a
// line-indexed loss history, periodic validation with a best-by-metric
// snapshot, and fast-forward resume after interruption.
//
// One trainer instance owns one checkpoint directory; none of its methods
// are safe for concurrent use.
type StandardTrainer struct {
	cfg    Config
	rr     *reranker.Reranker
	opt    *Adam
	loss   PairLoss
	paths  RunPaths
	runTag string
	logger *slog.Logger

	bestMetric float64
}

// NewStandardTrainer validates the configuration and prepares the run
// directories.
func NewStandardTrainer(cfg Config, rr *reranker.Reranker, paths RunPaths, logger *slog.Logger) (*StandardTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := paths.ensure(); err != nil {
		return nil, err
	}
	return &StandardTrainer{
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
func (t *StandardTrainer) BestMetric() float64 { return t.bestMetric }

// fastForward inspects the loss history and loads the last iteration's
// checkpoint. It returns the iteration to resume from together with the
// replayed loss history; any failure means a cold start with no stale
// history carried over.
func (t *StandardTrainer) fastForward() (int, []float64) {
	if !t.cfg.FastForward {
		return 0, nil
	}
	losses, err := LoadLossHistory(t.paths.LossFile())
	if err != nil {
		t.logger.Warn("loss history unusable, starting from iteration 0", "error", err)
		return 0, nil
	}
	if len(losses) == 0 {
		return 0, nil
	}
	last := len(losses) - 1
	optState, err := t.rr.LoadWeights(t.paths.WeightsFile(last))
	if err != nil {
		t.logger.Warn("cannot resume from checkpoint, starting from iteration 0",
			"iteration", last, "error", err)
		return 0, nil
	}
	t.opt.Restore(optState)
	t.logger.Info("fast-forwarding training", "resume_iteration", last+1)
	return last + 1, losses
}

// Train runs the full iteration loop. Every ValidateFreq iterations it
// predicts over the dev sampler, evaluates against qrels, and snapshots
// dev.best when the target metric improves. A nil dev sampler disables
// validation.
func (t *StandardTrainer) Train(ctx context.Context, train sampler.Sampler, dev sampler.Sampler, qrels types.Qrels, ev evaluator.Evaluator, metrics []string) error {
	startIter, losses := t.fastForward()
	if startIter >= t.cfg.NIters {
		t.logger.Info("training already complete", "iterations", t.cfg.NIters)
		return nil
	}

	stream, err := train.Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open training stream: %w", err)
	}
	// Replay the instances the completed iterations consumed so the
	// resumed stream position matches. No gradients are computed.
	if skip := startIter * t.cfg.stepsPerIter() * t.cfg.Batch; skip > 0 {
		t.logger.Info("replaying training stream", "instances", skip)
		for i := 0; i < skip; i++ {
			if _, err := stream.Next(); err != nil {
				return fmt.Errorf("failed to replay training stream: %w", err)
			}
		}
	}

	metrics = ensureMetric(metrics, t.cfg.Metric)
	for iter := startIter; iter < t.cfg.NIters; iter++ {
		start := time.Now()
		mean, err := t.trainIteration(ctx, stream)
		if err != nil {
			return err
		}
		losses = append(losses, mean)

		if err := t.rr.SaveWeights(t.paths.WeightsFile(iter), t.opt.StateMap()); err != nil {
			return err
		}
		if err := WriteLossHistory(t.paths.LossFile(), losses); err != nil {
			return err
		}
		t.logger.Info("iteration complete",
			"iteration", iter, "mean_loss", mean, "duration", time.Since(start))

		if dev == nil || (iter+1)%t.cfg.ValidateFreq != 0 {
			continue
		}
		if err := t.validate(ctx, iter, dev, qrels, ev, metrics); err != nil {
			return err
		}
	}
	return nil
}

func (t *StandardTrainer) trainIteration(ctx context.Context, stream sampler.Stream) (float64, error) {
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
			feat, err := stream.Next()
			if err != nil {
				return 0, fmt.Errorf("training stream failed: %w", err)
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

func (t *StandardTrainer) validate(ctx context.Context, iter int, dev sampler.Sampler, qrels types.Qrels, ev evaluator.Evaluator, metrics []string) error {
	run, err := t.Predict(ctx, dev, t.paths.RunFile(iter))
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

	args := []any{"iteration", iter}
	for _, m := range metrics {
		args = append(args, m, scores[m])
	}
	t.logger.Info("validation metrics", args...)

	if target := scores[t.cfg.Metric]; target > t.bestMetric {
		t.bestMetric = target
		t.logger.Info("new best model", "iteration", iter, t.cfg.Metric, target)
		if err := t.rr.SaveWeights(t.paths.DevBestFile(), t.opt.StateMap()); err != nil {
			return err
		}
	}
	return nil
}

// Predict scores every instance of a finite sampler stream and returns the
// per-query scores, rounded through half precision. When runFile is
// non-empty the scores are also written as a TREC run file. Missing-document
// conditions abort the pass.
func (t *StandardTrainer) Predict(ctx context.Context, dev sampler.Sampler, runFile string) (types.RunScores, error) {
	stream, err := dev.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open prediction stream: %w", err)
	}
	run := types.RunScores{}
	for {
		feat, err := stream.Next()
		if errors.Is(err, sampler.ErrStreamDone) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("prediction stream failed: %w", err)
		}
		run.Set(feat.QID, feat.PosDocID, roundFloat16(t.rr.Test(feat)))
	}
	if runFile != "" {
		if err := run.WriteRunFile(runFile, t.runTag); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// LoadBestModel restores the dev.best snapshot into the reranker, for final
// test-set prediction after training.
func (t *StandardTrainer) LoadBestModel() error {
	optState, err := t.rr.LoadWeights(t.paths.DevBestFile())
	if err != nil {
		return fmt.Errorf("failed to load best model: %w", err)
	}
	t.opt.Restore(optState)
	return nil
}

func ensureMetric(metrics []string, target string) []string {
	for _, m := range metrics {
		if m == target {
			return metrics
		}
	}
	return append(append([]string(nil), metrics...), target)
}
