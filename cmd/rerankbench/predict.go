package rerankbench

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/soundprediction/rerankbench/pkg/evaluator"
	"github.com/soundprediction/rerankbench/pkg/reranker"
	"github.com/soundprediction/rerankbench/pkg/sampler"
	"github.com/soundprediction/rerankbench/pkg/trainer"
	"github.com/soundprediction/rerankbench/pkg/types"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score a candidate pool and write a TREC run file",
	Long: `Predict scores every (query, document) pair of the validation
dataset's candidate pool and writes the ranking as a TREC run file. The
"linear" backend loads the best checkpoint from a prior training run; the
"embedeverything" and "service" backends score with a frozen cross-encoder.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPredict(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(predictCmd)
}

func runPredict(ctx context.Context) error {
	p, err := buildPipeline(false)
	if err != nil {
		return err
	}
	defer p.flush()
	cfg := p.cfg

	if p.devDS == nil {
		return fmt.Errorf("no validation dataset manifest configured")
	}
	if err := preprocess(ctx, p.exDev, p.devDS); err != nil {
		return err
	}

	runFile := filepath.Join(p.paths.Dev, "predict.run")
	var run types.RunScores
	switch cfg.Reranker.Backend {
	case "linear":
		run, err = predictCheckpoint(ctx, p, runFile)
	case "embedeverything", "service":
		run, err = predictFrozen(ctx, p, runFile)
	default:
		return fmt.Errorf("unknown reranker backend %q", cfg.Reranker.Backend)
	}
	if err != nil {
		return err
	}

	ev := evaluator.NewTrecEvaluator(cfg.Evaluator.RelevanceLevel)
	scores, err := ev.Evaluate(run, p.devDS.Qrels(), cfg.Evaluator.Metrics)
	if err != nil {
		return err
	}
	if err := evaluator.WriteMetrics(p.paths.MetricsFile(), scores); err != nil {
		return err
	}
	args := []any{"run_file", runFile}
	for _, m := range cfg.Evaluator.Metrics {
		args = append(args, m, scores[m])
	}
	p.logger.Info("prediction metrics", args...)
	return nil
}

// predictCheckpoint restores the best trained model and scores the pool
// through the prediction sampler.
func predictCheckpoint(ctx context.Context, p *pipeline, runFile string) (types.RunScores, error) {
	cfg := p.cfg
	t, err := trainer.NewStandardTrainer(trainer.Config{
		Batch:        cfg.Trainer.Batch,
		NIters:       cfg.Trainer.NIters,
		IterSize:     cfg.Trainer.IterSize,
		GradAcc:      cfg.Trainer.GradAcc,
		LR:           cfg.Trainer.LR,
		SoftmaxLoss:  cfg.Trainer.SoftmaxLoss,
		ValidateFreq: cfg.Trainer.ValidateFreq,
		Metric:       cfg.Trainer.Metric,
	}, p.rr, p.paths, p.logger)
	if err != nil {
		return nil, err
	}
	if err := t.LoadBestModel(); err != nil {
		return nil, err
	}

	dev := sampler.NewPredictionSampler(p.logger)
	if err := dev.Prepare(p.devDS.CandidatePool(), p.devDS.Qrels(), p.exDev, cfg.Sampler.RelevanceLevel); err != nil {
		return nil, err
	}
	return t.Predict(ctx, dev, runFile)
}

// predictFrozen scores the pool with a frozen cross-encoder backend.
func predictFrozen(ctx context.Context, p *pipeline, runFile string) (types.RunScores, error) {
	cfg := p.cfg

	var ranker reranker.PassageRanker
	switch cfg.Reranker.Backend {
	case "embedeverything":
		ee, err := reranker.NewEmbedEverythingRanker(cfg.Reranker.Model)
		if err != nil {
			return nil, err
		}
		defer ee.Close()
		ranker = ee
	case "service":
		ranker = reranker.NewServiceRanker(reranker.ServiceRankerConfig{
			Model:          cfg.Reranker.Model,
			BaseURL:        cfg.Reranker.BaseURL,
			APIKey:         cfg.Reranker.APIKey,
			MaxConcurrency: cfg.Reranker.MaxConcurrency,
		})
	}
	if cfg.CircuitBreaker.Enabled {
		ranker = reranker.NewBreakerRanker(ranker, reranker.BreakerConfig{
			MaxRequests:      cfg.CircuitBreaker.MaxRequests,
			Interval:         cfg.CircuitBreaker.Interval,
			Timeout:          cfg.CircuitBreaker.Timeout,
			ReadyToTripRatio: cfg.CircuitBreaker.ReadyToTripRatio,
		}, cfg.Reranker.Backend, p.logger)
	}

	run, err := reranker.RankPool(ctx, ranker, p.devDS.Topics(), p.devDS.CandidatePool(), p.exDev)
	if err != nil {
		return nil, err
	}
	if err := run.WriteRunFile(runFile, cfg.Reranker.Backend); err != nil {
		return nil, err
	}
	return run, nil
}
