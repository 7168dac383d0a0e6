package extractor

import (
	"context"
	"fmt"
)

// DocInput holds the three parallel tensors produced for one document:
// token IDs, attention mask, and segment IDs, each shaped
// [numpassages][maxseqlen].
type DocInput struct {
	Tokens [][]int64
	Mask   [][]int64
	Seg    [][]int64
}

// Features is one extracted training or evaluation instance.
type Features struct {
	QID      string
	PosDocID string
	NegDocID string
	Pos      *DocInput
	Neg      *DocInput
	// Label is the two-class label repeated once per passage
	// ([numpassages][2]); index 1 is the positive class.
	Label [][]float32
}

// Extractor builds fixed-shape feature tensors for (query, document) pairs.
type Extractor interface {
	// Preprocess builds (or loads from cache) the query-token and
	// document-passage state for the given ID sets. It must be called
	// before ID2Vec.
	Preprocess(ctx context.Context, qids, docIDs []string) error

	// ID2Vec builds the feature tensors for a query and positive document,
	// plus an optional negative document (negID == "" means none).
	// The label must be a two-slot vector with index 1 the positive class.
	ID2Vec(qid, posID, negID string, label []float32) (*Features, error)

	// Passages returns the tokenized passages for a preprocessed document.
	Passages(docID string) ([][]string, bool)

	// CachePath identifies this extractor's cache location and
	// configuration; samplers fold it into their identity hashes.
	CachePath() string

	NumPassages() int
	MaxSeqLen() int
}

// MissingDocError reports that a requested document has no extractable
// features. Training samplers recover from it; evaluation sampling must not.
type MissingDocError struct {
	QID   string
	DocID string
}

func (e *MissingDocError) Error() string {
	return fmt.Sprintf("no features available for qid=%s docid=%s", e.QID, e.DocID)
}

// Is supports errors.Is against a zero *MissingDocError.
func (e *MissingDocError) Is(target error) bool {
	_, ok := target.(*MissingDocError)
	return ok
}

// EmptyDocError reports a document from which no passage can be built.
type EmptyDocError struct {
	DocID string
}

func (e *EmptyDocError) Error() string {
	return fmt.Sprintf("no passage can be built from empty document %s", e.DocID)
}

func (e *EmptyDocError) Is(target error) bool {
	_, ok := target.(*EmptyDocError)
	return ok
}
