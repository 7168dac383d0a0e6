package reranker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/rerankbench/pkg/extractor"
)

func testModel() *LinearModel {
	return NewLinearModel(LinearConfig{VocabSize: 32, EmbedDim: 8, MaxSeqLen: 16, Seed: 7})
}

func testInput(tokens []int64) *extractor.DocInput {
	row := make([]int64, 16)
	mask := make([]int64, 16)
	seg := make([]int64, 16)
	copy(row, tokens)
	for j := range tokens {
		mask[j] = 1
		if j >= 4 {
			seg[j] = 1
		}
	}
	return &extractor.DocInput{
		Tokens: [][]int64{row},
		Mask:   [][]int64{mask},
		Seg:    [][]int64{seg},
	}
}

func TestSaveLoadWeights(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights", "0.p")

	model := testModel()
	rr := New(model, nil)

	optState := map[string][]float64{"step": {3}, "m:dense.weight": {0.1, 0.2, 0.3, 0.4}}
	require.NoError(t, rr.SaveWeights(path, optState))

	t.Run("embedding table is never persisted", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var wf struct {
			Model   string               `json:"model"`
			Weights map[string][]float64 `json:"weights"`
		}
		require.NoError(t, json.Unmarshal(data, &wf))
		assert.Equal(t, "linear", wf.Model)
		assert.Contains(t, wf.Weights, "dense.weight")
		assert.Contains(t, wf.Weights, "dense.bias")
		assert.NotContains(t, wf.Weights, "embedding.weight")
	})

	t.Run("round trip restores parameters and optimizer state", func(t *testing.T) {
		saved := append([]float64(nil), model.weight...)
		for i := range model.weight {
			model.weight[i] = 99
		}

		loaded, err := rr.LoadWeights(path)
		require.NoError(t, err)
		assert.Equal(t, saved, model.weight)
		assert.Equal(t, optState, loaded)
	})

	t.Run("key mismatch is fatal", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.p")
		data, err := json.Marshal(weightsFile{Model: "linear", Weights: map[string][]float64{
			"dense.weight": make([]float64, linearFeatureDim),
			// dense.bias missing, stray key present
			"stray.weight": {1},
		}})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(bad, data, 0o644))
		require.NoError(t, os.WriteFile(bad+".optimizer", []byte("{}"), 0o644))

		_, err = rr.LoadWeights(bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dense.bias")
		assert.Contains(t, err.Error(), "stray.weight")
	})

	t.Run("length mismatch is fatal", func(t *testing.T) {
		bad := filepath.Join(dir, "short.p")
		data, err := json.Marshal(weightsFile{Model: "linear", Weights: map[string][]float64{
			"dense.weight": {1},
			"dense.bias":   {0},
		}})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(bad, data, 0o644))
		require.NoError(t, os.WriteFile(bad+".optimizer", []byte("{}"), 0o644))

		_, err = rr.LoadWeights(bad)
		assert.Error(t, err)
	})
}

func TestSkipPersist(t *testing.T) {
	assert.True(t, skipPersist("embedding.weight"))
	assert.True(t, skipPersist("encoder.embedding.weight"))
	assert.True(t, skipPersist("head._nosave_cache"))
	assert.False(t, skipPersist("dense.weight"))
}

func TestLinearModel(t *testing.T) {
	model := testModel()

	t.Run("score is deterministic", func(t *testing.T) {
		in := testInput([]int64{2, 5, 6, 3, 7, 8, 9, 3})
		assert.Equal(t, model.Score(in), model.Score(in))
	})

	t.Run("empty document scores zero", func(t *testing.T) {
		in := &extractor.DocInput{
			Tokens: [][]int64{make([]int64, 16)},
			Mask:   [][]int64{make([]int64, 16)},
			Seg:    [][]int64{make([]int64, 16)},
		}
		assert.Equal(t, 0.0, model.Score(in))
	})

	t.Run("backward accumulates then zeroes", func(t *testing.T) {
		in := testInput([]int64{2, 5, 6, 3, 5, 6, 7, 3})
		model.ZeroGrad()
		model.Backward(in, 1)
		grads := model.Gradients()
		assert.Equal(t, 1.0, grads["dense.bias"][0])

		model.ZeroGrad()
		assert.Equal(t, 0.0, grads["dense.bias"][0])
	})

	t.Run("embedding is frozen", func(t *testing.T) {
		assert.False(t, model.Trainable("embedding.weight"))
		assert.True(t, model.Trainable("dense.weight"))
		assert.True(t, model.Trainable("dense.bias"))
	})
}
