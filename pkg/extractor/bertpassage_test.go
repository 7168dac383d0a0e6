package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/rerankbench/pkg/dataset"
	"github.com/soundprediction/rerankbench/pkg/tokenizer"
	"github.com/soundprediction/rerankbench/pkg/types"
)

func testConfig(t *testing.T) Config {
	return Config{
		MaxSeqLen:   16,
		PassageLen:  3,
		Stride:      3,
		NumPassages: 4,
		Prob:        1.0,
		UseCache:    false,
		CacheDir:    t.TempDir(),
		Seed:        1,
	}
}

func testDataset() *dataset.FileDataset {
	topics := map[string]string{
		"q1": "apple banana",
		"q2": "grape",
	}
	docs := map[string]string{
		"d1": "apple banana cherry date egg fig",
		"d2": "grape melon",
	}
	qrels := types.Qrels{"q1": {"d1": 1, "d2": 0}}
	pool := types.CandidatePool{"q1": {"d1", "d2"}}
	return dataset.NewMemoryDataset("unit", topics, docs, qrels, pool)
}

func newTestExtractor(t *testing.T, cfg Config) *BertPassage {
	ex, err := NewBertPassage(cfg, tokenizer.NewInlineTokenizer(
		[]string{"apple", "banana", "cherry", "date", "egg", "fig", "grape", "melon"}),
		testDataset(), slog.Default())
	require.NoError(t, err)
	return ex
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig(t)
	require.NoError(t, valid.Validate())

	t.Run("rejects invalid settings", func(t *testing.T) {
		for _, mutate := range []func(*Config){
			func(c *Config) { c.MaxSeqLen = 4 },
			func(c *Config) { c.PassageLen = 0 },
			func(c *Config) { c.Stride = 0 },
			func(c *Config) { c.NumPassages = 1 },
			func(c *Config) { c.Prob = 1.5 },
			func(c *Config) { c.Prob = -0.1 },
		} {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		}
	})
}

func TestGetPassagesForDoc(t *testing.T) {
	ex := newTestExtractor(t, testConfig(t))

	t.Run("pads short documents to the passage count", func(t *testing.T) {
		passages, err := ex.GetPassagesForDoc("d1", strings.Fields("apple banana cherry date egg fig"))
		require.NoError(t, err)
		require.Len(t, passages, 4)
		assert.Equal(t, []string{"apple", "banana", "cherry"}, passages[0])
		assert.Equal(t, []string{"date", "egg", "fig"}, passages[1])
		assert.Equal(t, []string{tokenizer.PadToken}, passages[2])
		assert.Equal(t, []string{tokenizer.PadToken}, passages[3])
	})

	t.Run("keeps first and last when subsampling", func(t *testing.T) {
		terms := make([]string, 30)
		for i := range terms {
			terms[i] = fmt.Sprintf("w%d", i)
		}
		passages, err := ex.GetPassagesForDoc("long", terms)
		require.NoError(t, err)
		require.Len(t, passages, 4)
		assert.Equal(t, []string{"w0", "w1", "w2"}, passages[0])
		assert.Equal(t, []string{"w27", "w28", "w29"}, passages[3])
	})

	t.Run("empty document is fatal", func(t *testing.T) {
		_, err := ex.GetPassagesForDoc("empty", nil)
		var emptyErr *EmptyDocError
		require.ErrorAs(t, err, &emptyErr)
		assert.Equal(t, "empty", emptyErr.DocID)
	})
}

func TestID2Vec(t *testing.T) {
	ex := newTestExtractor(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, ex.Preprocess(ctx, []string{"q1"}, []string{"d1", "d2"}))

	t.Run("tensor shapes and mask sums", func(t *testing.T) {
		feat, err := ex.ID2Vec("q1", "d1", "d2", []float32{0, 1})
		require.NoError(t, err)

		require.Len(t, feat.Pos.Tokens, 4)
		for i := 0; i < 4; i++ {
			assert.Len(t, feat.Pos.Tokens[i], 16)
			assert.Len(t, feat.Pos.Mask[i], 16)
			assert.Len(t, feat.Pos.Seg[i], 16)
		}

		// [CLS] apple banana [SEP] apple banana cherry [SEP]
		assert.Equal(t, int64(8), sumRow(feat.Pos.Mask[0]))
		// Padding passage: [CLS] apple banana [SEP] [PAD] [SEP]
		assert.Equal(t, int64(6), sumRow(feat.Pos.Mask[2]))
		// Segment 0 covers [CLS] query [SEP].
		assert.Equal(t, int64(12), sumRow(feat.Pos.Seg[0]))

		require.Len(t, feat.Label, 4)
		for _, l := range feat.Label {
			assert.Equal(t, []float32{0, 1}, l)
		}
	})

	t.Run("omitted negative yields zero tensors", func(t *testing.T) {
		feat, err := ex.ID2Vec("q1", "d1", "", []float32{0, 1})
		require.NoError(t, err)
		assert.Empty(t, feat.NegDocID)
		assert.Equal(t, int64(0), sumRow(feat.Neg.Mask[0]))
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := ex.ID2Vec("q1", "nope", "", []float32{0, 1})
		var missing *MissingDocError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "nope", missing.DocID)

		_, err = ex.ID2Vec("q1", "d1", "nope", []float32{0, 1})
		require.ErrorAs(t, err, &missing)
	})

	t.Run("bad label shape", func(t *testing.T) {
		_, err := ex.ID2Vec("q1", "d1", "", []float32{1})
		assert.Error(t, err)
	})
}

func TestPreprocess(t *testing.T) {
	t.Run("skips documents absent from the corpus", func(t *testing.T) {
		ex := newTestExtractor(t, testConfig(t))
		require.NoError(t, ex.Preprocess(context.Background(), []string{"q1"}, []string{"d1", "ghost"}))

		_, ok := ex.Passages("d1")
		assert.True(t, ok)
		_, ok = ex.Passages("ghost")
		assert.False(t, ok)
	})

	t.Run("unknown qid is fatal", func(t *testing.T) {
		ex := newTestExtractor(t, testConfig(t))
		err := ex.Preprocess(context.Background(), []string{"missing"}, []string{"d1"})
		assert.Error(t, err)
	})

	t.Run("state round-trips through the cache", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.UseCache = true

		ex := newTestExtractor(t, cfg)
		require.NoError(t, ex.Preprocess(context.Background(), []string{"q1"}, []string{"d1", "d2"}))

		// Same config and ID sets but an empty corpus: the state must
		// come from the cache, not a rebuild.
		empty := dataset.NewMemoryDataset("unit", map[string]string{}, map[string]string{}, types.Qrels{}, types.CandidatePool{})
		ex2, err := NewBertPassage(cfg, tokenizer.NewInlineTokenizer(nil), empty, slog.Default())
		require.NoError(t, err)
		require.NoError(t, ex2.Preprocess(context.Background(), []string{"q1"}, []string{"d1", "d2"}))

		p1, ok := ex.Passages("d1")
		require.True(t, ok)
		p2, ok := ex2.Passages("d1")
		require.True(t, ok)
		assert.Equal(t, p1, p2)
	})
}

func TestMissingDocErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &MissingDocError{QID: "q", DocID: "d"})
	var missing *MissingDocError
	assert.True(t, errors.As(err, &missing))
}

func sumRow(row []int64) int64 {
	var s int64
	for _, v := range row {
		s += v
	}
	return s
}
