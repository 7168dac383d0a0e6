package extractor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/soundprediction/rerankbench/pkg/tokenizer"
)

// TrainRecord is one serialized training row: a single passage's tensors
// for the positive and negative documents, each shaped [maxseqlen].
type TrainRecord struct {
	QID       string    `parquet:"qid"`
	PosDocID  string    `parquet:"posdoc_id"`
	NegDocID  string    `parquet:"negdoc_id"`
	PosTokens []int64   `parquet:"pos_bert_input"`
	PosMask   []int64   `parquet:"pos_mask"`
	PosSeg    []int64   `parquet:"pos_seg"`
	NegTokens []int64   `parquet:"neg_bert_input"`
	NegMask   []int64   `parquet:"neg_mask"`
	NegSeg    []int64   `parquet:"neg_seg"`
	Label     []float32 `parquet:"label"`
}

// DevRecord is one serialized evaluation row holding every passage,
// flattened to [numpassages*maxseqlen]; readers restore the declared shape.
type DevRecord struct {
	QID       string    `parquet:"qid"`
	PosDocID  string    `parquet:"posdoc_id"`
	PosTokens []int64   `parquet:"pos_bert_input"`
	PosMask   []int64   `parquet:"pos_mask"`
	PosSeg    []int64   `parquet:"pos_seg"`
	Label     []float32 `parquet:"label"`
}

// TrainRows serializes a training instance. Passage 0 is always emitted;
// every other passage is emitted with probability Prob, and passages whose
// content reduces to padding are dropped.
func (e *BertPassage) TrainRows(feat *Features) []TrainRecord {
	padID := e.tok.TokenID(tokenizer.PadToken)
	var rows []TrainRecord
	for i := 0; i < e.cfg.NumPassages; i++ {
		if i > 0 && e.rng.Float64() > e.cfg.Prob {
			continue
		}
		if passageIsPadding(feat.Pos, i, padID) {
			continue
		}
		rows = append(rows, TrainRecord{
			QID:       feat.QID,
			PosDocID:  feat.PosDocID,
			NegDocID:  feat.NegDocID,
			PosTokens: feat.Pos.Tokens[i],
			PosMask:   feat.Pos.Mask[i],
			PosSeg:    feat.Pos.Seg[i],
			NegTokens: feat.Neg.Tokens[i],
			NegMask:   feat.Neg.Mask[i],
			NegSeg:    feat.Neg.Seg[i],
			Label:     feat.Label[i],
		})
	}
	return rows
}

// DevRows serializes an evaluation instance with all passages retained.
func (e *BertPassage) DevRows(feat *Features) []DevRecord {
	return []DevRecord{{
		QID:       feat.QID,
		PosDocID:  feat.PosDocID,
		PosTokens: flatten(feat.Pos.Tokens),
		PosMask:   flatten(feat.Pos.Mask),
		PosSeg:    flatten(feat.Pos.Seg),
		Label:     feat.Label[0],
	}}
}

// passageIsPadding reports whether the passage region of row i (the
// segment-1 masked region, excluding the trailing [SEP]) holds only padding.
func passageIsPadding(in *DocInput, i int, padID int64) bool {
	last := -1
	for j := len(in.Mask[i]) - 1; j >= 0; j-- {
		if in.Mask[i][j] == 1 && in.Seg[i][j] == 1 {
			last = j
			break
		}
	}
	if last < 0 {
		return true
	}
	content := false
	for j := 0; j < last; j++ {
		if in.Mask[i][j] == 1 && in.Seg[i][j] == 1 && in.Tokens[i][j] != padID {
			content = true
			break
		}
	}
	return !content
}

func flatten(rows [][]int64) []int64 {
	out := make([]int64, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

func unflatten(flat []int64, rows, cols int) [][]int64 {
	out := make([][]int64, rows)
	for i := 0; i < rows; i++ {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out
}

// WriteTrainShard writes training records to a uniquely named parquet shard
// under dir and returns the shard path.
func WriteTrainShard(dir string, records []TrainRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create record directory: %w", err)
	}
	path := filepath.Join(dir, uuid.New().String()+".parquet")
	if err := parquet.WriteFile(path, records); err != nil {
		return "", fmt.Errorf("failed to write training record shard: %w", err)
	}
	return path, nil
}

// WriteDevShard writes evaluation records to a uniquely named parquet shard
// under dir and returns the shard path.
func WriteDevShard(dir string, records []DevRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create record directory: %w", err)
	}
	path := filepath.Join(dir, uuid.New().String()+".parquet")
	if err := parquet.WriteFile(path, records); err != nil {
		return "", fmt.Errorf("failed to write evaluation record shard: %w", err)
	}
	return path, nil
}

// ReadTrainShard loads a training shard, verifying every tensor restores to
// the declared [maxseqlen] shape.
func ReadTrainShard(path string, maxSeqLen int) ([]TrainRecord, error) {
	var records []TrainRecord
	if err := readParquet(path, &records); err != nil {
		return nil, err
	}
	for i, r := range records {
		for name, field := range map[string][]int64{
			"pos_bert_input": r.PosTokens, "pos_mask": r.PosMask, "pos_seg": r.PosSeg,
			"neg_bert_input": r.NegTokens, "neg_mask": r.NegMask, "neg_seg": r.NegSeg,
		} {
			if len(field) != maxSeqLen {
				return nil, fmt.Errorf("record %d in %s: field %s has length %d, want %d", i, path, name, len(field), maxSeqLen)
			}
		}
		if len(r.Label) != 2 {
			return nil, fmt.Errorf("record %d in %s: label has length %d, want 2", i, path, len(r.Label))
		}
	}
	return records, nil
}

// ReadDevShard loads an evaluation shard, verifying every tensor restores
// to the declared [numpassages*maxseqlen] shape.
func ReadDevShard(path string, numPassages, maxSeqLen int) ([]DevRecord, error) {
	var records []DevRecord
	if err := readParquet(path, &records); err != nil {
		return nil, err
	}
	want := numPassages * maxSeqLen
	for i, r := range records {
		for name, field := range map[string][]int64{
			"pos_bert_input": r.PosTokens, "pos_mask": r.PosMask, "pos_seg": r.PosSeg,
		} {
			if len(field) != want {
				return nil, fmt.Errorf("record %d in %s: field %s has length %d, want %d", i, path, name, len(field), want)
			}
		}
	}
	return records, nil
}

// DocInputFromDevRecord restores a dev record's flattened tensors to
// [numpassages][maxseqlen].
func DocInputFromDevRecord(r *DevRecord, numPassages, maxSeqLen int) *DocInput {
	return &DocInput{
		Tokens: unflatten(r.PosTokens, numPassages, maxSeqLen),
		Mask:   unflatten(r.PosMask, numPassages, maxSeqLen),
		Seg:    unflatten(r.PosSeg, numPassages, maxSeqLen),
	}
}

// DocInputFromTrainRecord restores a train record's positive or negative
// tensors as a single-passage DocInput.
func DocInputFromTrainRecord(r *TrainRecord, negative bool) *DocInput {
	if negative {
		return &DocInput{Tokens: [][]int64{r.NegTokens}, Mask: [][]int64{r.NegMask}, Seg: [][]int64{r.NegSeg}}
	}
	return &DocInput{Tokens: [][]int64{r.PosTokens}, Mask: [][]int64{r.PosMask}, Seg: [][]int64{r.PosSeg}}
}

func readParquet[T any](path string, out *[]T) error {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return fmt.Errorf("failed to read record shard %s: %w", path, err)
	}
	*out = rows
	return nil
}
