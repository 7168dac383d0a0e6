package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractFeatures(t *testing.T, cfg Config) (*BertPassage, *Features) {
	ex := newTestExtractor(t, cfg)
	require.NoError(t, ex.Preprocess(context.Background(), []string{"q1"}, []string{"d1", "d2"}))
	feat, err := ex.ID2Vec("q1", "d1", "d2", []float32{0, 1})
	require.NoError(t, err)
	return ex, feat
}

func TestTrainRows(t *testing.T) {
	t.Run("drops padding-only passages", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Prob = 1.0
		ex, feat := extractFeatures(t, cfg)

		// d1 yields two real passages; the other two are padding.
		rows := ex.TrainRows(feat)
		require.Len(t, rows, 2)
		assert.Equal(t, "q1", rows[0].QID)
		assert.Equal(t, "d1", rows[0].PosDocID)
		assert.Equal(t, "d2", rows[0].NegDocID)
		assert.Equal(t, feat.Pos.Tokens[0], rows[0].PosTokens)
		assert.Equal(t, feat.Neg.Tokens[1], rows[1].NegTokens)
	})

	t.Run("always emits passage zero", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Prob = 0.0
		ex, feat := extractFeatures(t, cfg)

		rows := ex.TrainRows(feat)
		require.Len(t, rows, 1)
		assert.Equal(t, feat.Pos.Tokens[0], rows[0].PosTokens)
	})
}

func TestRecordShardRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ex, feat := extractFeatures(t, cfg)

	t.Run("training records", func(t *testing.T) {
		dir := t.TempDir()
		rows := ex.TrainRows(feat)
		require.NotEmpty(t, rows)

		path, err := WriteTrainShard(dir, rows)
		require.NoError(t, err)

		loaded, err := ReadTrainShard(path, cfg.MaxSeqLen)
		require.NoError(t, err)
		require.Len(t, loaded, len(rows))
		assert.Equal(t, rows[0].PosTokens, loaded[0].PosTokens)
		assert.Equal(t, rows[0].Label, loaded[0].Label)

		in := DocInputFromTrainRecord(&loaded[0], false)
		require.Len(t, in.Tokens, 1)
		assert.Equal(t, feat.Pos.Tokens[0], in.Tokens[0])
	})

	t.Run("evaluation records restore the declared shape", func(t *testing.T) {
		dir := t.TempDir()
		rows := ex.DevRows(feat)
		require.Len(t, rows, 1)

		path, err := WriteDevShard(dir, rows)
		require.NoError(t, err)

		loaded, err := ReadDevShard(path, cfg.NumPassages, cfg.MaxSeqLen)
		require.NoError(t, err)
		require.Len(t, loaded, 1)

		in := DocInputFromDevRecord(&loaded[0], cfg.NumPassages, cfg.MaxSeqLen)
		assert.Equal(t, feat.Pos.Tokens, in.Tokens)
		assert.Equal(t, feat.Pos.Mask, in.Mask)
		assert.Equal(t, feat.Pos.Seg, in.Seg)
	})

	t.Run("shape mismatch is rejected", func(t *testing.T) {
		dir := t.TempDir()
		path, err := WriteDevShard(dir, ex.DevRows(feat))
		require.NoError(t, err)

		_, err = ReadDevShard(path, cfg.NumPassages+1, cfg.MaxSeqLen)
		assert.Error(t, err)
	})
}
