package reranker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/soundprediction/rerankbench/pkg/extractor"
)

// Reranker wraps a scoring model with weight persistence. Checkpoint files
// never include the frozen embedding table or parameters tagged _nosave_;
// both are reproducible from the pretrained source.
type Reranker struct {
	model  Model
	logger *slog.Logger
}

// New wraps a model.
func New(model Model, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reranker{model: model, logger: logger}
}

// Model returns the wrapped model.
func (r *Reranker) Model() Model { return r.model }

// Score scores the positive and negative documents of a training instance.
func (r *Reranker) Score(feat *extractor.Features) (pos, neg float64) {
	return r.model.Score(feat.Pos), r.model.Score(feat.Neg)
}

// Test scores the positive document only, for prediction passes.
func (r *Reranker) Test(feat *extractor.Features) float64 {
	return r.model.Score(feat.Pos)
}

// skipPersist reports whether a parameter is excluded from checkpoints.
func skipPersist(name string) bool {
	return strings.Contains(name, "embedding.weight") || strings.Contains(name, "_nosave_")
}

type weightsFile struct {
	Model   string               `json:"model"`
	Weights map[string][]float64 `json:"weights"`
}

// SaveWeights persists the model's persistable parameters to weightsPath and
// the optimizer state to weightsPath + ".optimizer". Writes are atomic.
func (r *Reranker) SaveWeights(weightsPath string, optimizerState map[string][]float64) error {
	if err := os.MkdirAll(filepath.Dir(weightsPath), 0o755); err != nil {
		return fmt.Errorf("failed to create weights directory: %w", err)
	}

	kept := map[string][]float64{}
	for name, values := range r.model.Parameters() {
		if skipPersist(name) {
			continue
		}
		kept[name] = values
	}

	if err := writeJSONAtomic(weightsPath, weightsFile{Model: r.model.Name(), Weights: kept}); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	if err := writeJSONAtomic(weightsPath+".optimizer", optimizerState); err != nil {
		return fmt.Errorf("failed to write optimizer state: %w", err)
	}
	return nil
}

// LoadWeights restores persisted parameters into the model and returns the
// optimizer state saved alongside. The persisted key set must exactly match
// the model's persistable keys; partially loading would silently corrupt
// the model.
func (r *Reranker) LoadWeights(weightsPath string) (map[string][]float64, error) {
	data, err := os.ReadFile(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	var wf weightsFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse weights file: %w", err)
	}

	params := r.model.Parameters()
	var missing, unexpected []string
	for name := range params {
		if skipPersist(name) {
			continue
		}
		if _, ok := wf.Weights[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range wf.Weights {
		if _, ok := params[name]; !ok || skipPersist(name) {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(missing)
		sort.Strings(unexpected)
		return nil, fmt.Errorf("weights at %s do not match current model: missing=%v unexpected=%v",
			weightsPath, missing, unexpected)
	}

	for name, values := range wf.Weights {
		dst := params[name]
		if len(values) != len(dst) {
			return nil, fmt.Errorf("weights at %s: parameter %s has %d values, model expects %d",
				weightsPath, name, len(values), len(dst))
		}
		copy(dst, values)
	}

	optData, err := os.ReadFile(weightsPath + ".optimizer")
	if err != nil {
		return nil, fmt.Errorf("failed to read optimizer state: %w", err)
	}
	var optState map[string][]float64
	if err := json.Unmarshal(optData, &optState); err != nil {
		return nil, fmt.Errorf("failed to parse optimizer state: %w", err)
	}
	return optState, nil
}

// writeJSONAtomic writes v as JSON via a temp file then rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
