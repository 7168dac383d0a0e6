package rerankbench

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/rerankbench/pkg/evaluator"
	"github.com/soundprediction/rerankbench/pkg/sampler"
	"github.com/soundprediction/rerankbench/pkg/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a reranker over a judged candidate pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrain(cmd.Context())
	},
}

func init() {
	trainCmd.Flags().Bool("fastforward", false, "resume from the last checkpointed iteration")
	viper.BindPFlag("trainer.fastforward", trainCmd.Flags().Lookup("fastforward"))
	rootCmd.AddCommand(trainCmd)
}

func runTrain(ctx context.Context) error {
	p, err := buildPipeline(true)
	if err != nil {
		return err
	}
	defer p.flush()
	cfg := p.cfg

	if err := preprocess(ctx, p.exTrain, p.trainDS); err != nil {
		return err
	}

	var train sampler.Sampler
	switch cfg.Sampler.Variant {
	case "triplet":
		train = sampler.NewTripletSampler(cfg.Sampler.Seed, p.logger)
	case "pair":
		train = sampler.NewPairSampler(cfg.Sampler.Seed, p.logger)
	default:
		return fmt.Errorf("unknown sampler variant %q", cfg.Sampler.Variant)
	}
	if err := train.Prepare(p.trainDS.CandidatePool(), p.trainDS.Qrels(), p.exTrain, cfg.Sampler.RelevanceLevel); err != nil {
		return err
	}

	var dev *sampler.PredictionSampler
	if p.devDS != nil {
		if err := preprocess(ctx, p.exDev, p.devDS); err != nil {
			return err
		}
		dev = sampler.NewPredictionSampler(p.logger)
		if err := dev.Prepare(p.devDS.CandidatePool(), p.devDS.Qrels(), p.exDev, cfg.Sampler.RelevanceLevel); err != nil {
			return err
		}
	}

	ev := evaluator.NewTrecEvaluator(cfg.Evaluator.RelevanceLevel)
	tCfg := trainer.Config{
		Batch:        cfg.Trainer.Batch,
		NIters:       cfg.Trainer.NIters,
		IterSize:     cfg.Trainer.IterSize,
		GradAcc:      cfg.Trainer.GradAcc,
		LR:           cfg.Trainer.LR,
		SoftmaxLoss:  cfg.Trainer.SoftmaxLoss,
		FastForward:  cfg.Trainer.FastForward,
		ValidateFreq: cfg.Trainer.ValidateFreq,
		Metric:       cfg.Trainer.Metric,
	}

	if cfg.Cluster.Enabled {
		return runClusterTrain(ctx, p, tCfg, train, dev, ev)
	}

	t, err := trainer.NewStandardTrainer(tCfg, p.rr, p.paths, p.logger)
	if err != nil {
		return err
	}
	var qrels = p.trainDS.Qrels()
	if p.devDS != nil {
		qrels = p.devDS.Qrels()
	}
	if err := t.Train(ctx, train, devSampler(dev), qrels, ev, cfg.Evaluator.Metrics); err != nil {
		return err
	}
	p.logger.Info("training complete", "best_metric", t.BestMetric())
	return nil
}

func runClusterTrain(ctx context.Context, p *pipeline, tCfg trainer.Config, train sampler.Sampler, dev *sampler.PredictionSampler, ev *evaluator.TrecEvaluator) error {
	cfg := p.cfg
	cCfg := trainer.ClusterConfig{
		Config:    tCfg,
		PoolName:  cfg.Cluster.PoolName,
		PoolZone:  cfg.Cluster.PoolZone,
		Bucket:    cfg.Cluster.Bucket,
		RecordDir: cfg.Cluster.RecordDir,
		ShardSize: cfg.Cluster.ShardSize,
		UseCache:  cfg.Cluster.UseCache,
	}
	t, err := trainer.NewClusterTrainer(cCfg, p.rr, p.paths, p.logger)
	if err != nil {
		return err
	}

	trainDir, err := t.CacheTrainRecords(ctx, train, p.exTrain)
	if err != nil {
		return err
	}
	var devDir string
	if dev != nil {
		devDir, err = t.CacheDevRecords(ctx, dev, p.exDev)
		if err != nil {
			return err
		}
	}

	var qrels = p.trainDS.Qrels()
	ex := p.exTrain
	if p.devDS != nil {
		qrels = p.devDS.Qrels()
		ex = p.exDev
	}
	if err := t.Train(ctx, trainDir, devDir, ex, dev, qrels, ev, cfg.Evaluator.Metrics); err != nil {
		return err
	}
	p.logger.Info("training complete", "best_metric", t.BestMetric())
	return nil
}

// devSampler converts a typed nil into an untyped nil interface value.
func devSampler(dev *sampler.PredictionSampler) sampler.Sampler {
	if dev == nil {
		return nil
	}
	return dev
}
