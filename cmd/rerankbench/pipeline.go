package rerankbench

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/soundprediction/rerankbench/pkg/config"
	"github.com/soundprediction/rerankbench/pkg/dataset"
	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/logger"
	"github.com/soundprediction/rerankbench/pkg/reranker"
	"github.com/soundprediction/rerankbench/pkg/telemetry"
	"github.com/soundprediction/rerankbench/pkg/tokenizer"
	"github.com/soundprediction/rerankbench/pkg/trainer"
)

// pipeline holds the wired-up components shared by the train and predict
// commands.
type pipeline struct {
	cfg    *config.Config
	logger *slog.Logger
	flush  func()

	trainDS *dataset.FileDataset
	devDS   *dataset.FileDataset
	tok     *tokenizer.VocabTokenizer
	exTrain *extractor.BertPassage
	exDev   *extractor.BertPassage
	rr      *reranker.Reranker
	paths   trainer.RunPaths
}

func buildPipeline(needTrain bool) (*pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, flush, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, logger: log, flush: flush}

	if needTrain {
		if cfg.Dataset.Manifest == "" {
			return nil, fmt.Errorf("no training dataset manifest configured")
		}
		p.trainDS, err = dataset.LoadManifest(cfg.Dataset.Manifest)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Dataset.DevManifest != "" {
		p.devDS, err = dataset.LoadManifest(cfg.Dataset.DevManifest)
		if err != nil {
			return nil, err
		}
	}

	p.tok, err = tokenizer.NewVocabTokenizer(cfg.Extractor.VocabPath)
	if err != nil {
		return nil, err
	}

	exCfg := extractor.Config{
		MaxSeqLen:   cfg.Extractor.MaxSeqLen,
		PassageLen:  cfg.Extractor.PassageLen,
		Stride:      cfg.Extractor.Stride,
		NumPassages: cfg.Extractor.NumPassages,
		Prob:        cfg.Extractor.Prob,
		UseCache:    cfg.Extractor.UseCache,
		CacheDir:    cfg.Extractor.CacheDir,
		Seed:        cfg.Extractor.Seed,
	}
	if p.trainDS != nil {
		p.exTrain, err = extractor.NewBertPassage(exCfg, p.tok, p.trainDS, log)
		if err != nil {
			return nil, err
		}
	}
	if p.devDS != nil {
		p.exDev, err = extractor.NewBertPassage(exCfg, p.tok, p.devDS, log)
		if err != nil {
			return nil, err
		}
	}

	p.rr = reranker.New(reranker.NewLinearModel(reranker.LinearConfig{
		VocabSize: p.tok.VocabSize(),
		EmbedDim:  cfg.Reranker.EmbedDim,
		MaxSeqLen: cfg.Extractor.MaxSeqLen,
		Seed:      cfg.Reranker.Seed,
	}), log)

	name := "run"
	if p.trainDS != nil {
		name = p.trainDS.Name()
	} else if p.devDS != nil {
		name = p.devDS.Name()
	}
	p.paths = trainer.NewRunPaths(
		filepath.Join(cfg.Dataset.RunDir, name),
		filepath.Join(cfg.Dataset.RunDir, name+"_dev"),
	)
	return p, nil
}

func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	base := logger.NewLogger(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	if !cfg.Telemetry.Enabled {
		return base, func() {}, nil
	}
	handler, err := telemetry.NewParquetHandler(base.Handler(), cfg.Telemetry.ParquetPath, uuid.New().String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return slog.New(handler), func() { _ = handler.Flush() }, nil
}

// preprocess builds the extractor state for one dataset's candidate pool and
// returns the qid and docid sets it covered.
func preprocess(ctx context.Context, ex *extractor.BertPassage, ds *dataset.FileDataset) error {
	pool := ds.CandidatePool()
	qids := make([]string, 0, len(pool))
	seen := map[string]bool{}
	var docIDs []string
	for qid, docs := range pool {
		qids = append(qids, qid)
		for _, docID := range docs {
			if !seen[docID] {
				seen[docID] = true
				docIDs = append(docIDs, docID)
			}
		}
	}
	return ex.Preprocess(ctx, qids, docIDs)
}
