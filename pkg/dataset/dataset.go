// Package dataset abstracts over relevance-judged document collections.
// A dataset bundles query topics, a document corpus, qrels, and the
// candidate pool produced by a first-stage searcher.
package dataset

import (
	"fmt"

	"github.com/soundprediction/rerankbench/pkg/types"
)

// Dataset is the read-only view of a benchmark collection consumed by the
// extractor and samplers.
type Dataset interface {
	// Name returns a short identifier for the collection.
	Name() string

	// Topics returns query ID -> query text.
	Topics() map[string]string

	// Document returns the raw text for a document ID.
	Document(docID string) (string, error)

	// Qrels returns the ground-truth relevance judgments.
	Qrels() types.Qrels

	// CandidatePool returns the candidate documents per query.
	CandidatePool() types.CandidatePool
}

// ErrUnknownDocument is wrapped into Document lookups for missing IDs.
type ErrUnknownDocument struct {
	DocID string
}

func (e *ErrUnknownDocument) Error() string {
	return fmt.Sprintf("unknown document: %s", e.DocID)
}
