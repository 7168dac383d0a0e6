package sampler

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// ErrStreamDone is returned by finite streams after the last instance.
var ErrStreamDone = errors.New("sampler stream exhausted")

// ErrNoTrainingQueries is returned when no query survives the cleaning pass.
var ErrNoTrainingQueries = errors.New("sampler has no valid training queries")

// Labels; index 1 is the positive class.
var (
	LabelPositive = []float32{0, 1}
	LabelNegative = []float32{1, 0}
)

// Stream is a pull-based instance iterator. Training streams are infinite;
// prediction streams return ErrStreamDone when exhausted. Consumers may stop
// pulling at any point without cleanup.
type Stream interface {
	Next() (*extractor.Features, error)
}

// Sampler turns a candidate pool and relevance judgments into a stream of
// labeled feature instances.
type Sampler interface {
	// Prepare builds the query->document mappings from a judgments and
	// candidate-pool snapshot. Queries without at least one relevant and
	// one non-relevant candidate are dropped.
	Prepare(pool types.CandidatePool, qrels types.Qrels, ex extractor.Extractor, relevanceLevel int) error

	// Hash is the content-addressed identity of this sampler's inputs,
	// prefixed with the variant tag.
	Hash() string

	// TotalSamples returns an upper bound on distinct training triples.
	TotalSamples() int

	// Stream starts a new pass over the sampler's instances.
	Stream(ctx context.Context) (Stream, error)

	// Reseed resets the shuffling seed used by subsequently created
	// streams, for reproducible runs.
	Reseed(seed int64)
}

// base carries the shared prepare/clean lifecycle and identity hashing.
type base struct {
	ex     extractor.Extractor
	logger *slog.Logger
	seed   int64

	qidToDocIDs  map[string][]string
	qidToRelDocs map[string][]string
	qidToNegDocs map[string][]string
	totalSamples int
}

func newBase(seed int64, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{seed: seed, logger: logger}
}

func (b *base) prepare(pool types.CandidatePool, qrels types.Qrels, ex extractor.Extractor, relevanceLevel int) {
	b.ex = ex
	b.qidToDocIDs = map[string][]string{}
	b.qidToRelDocs = map[string][]string{}
	b.qidToNegDocs = map[string][]string{}

	var skipped []string
	for qid, docIDs := range pool {
		grades, ok := qrels[qid]
		if !ok {
			skipped = append(skipped, qid)
			continue
		}
		b.qidToDocIDs[qid] = docIDs
		for _, docID := range docIDs {
			if grades[docID] >= relevanceLevel {
				b.qidToRelDocs[qid] = append(b.qidToRelDocs[qid], docID)
			} else {
				b.qidToNegDocs[qid] = append(b.qidToNegDocs[qid], docID)
			}
		}
	}
	if len(skipped) > 0 {
		sort.Strings(skipped)
		b.logger.Warn("skipping qids missing from the qrels", "qids", strings.Join(skipped, ","))
	}

	b.clean()
}

// clean removes queries lacking a relevant or a non-relevant candidate and
// accumulates the total-sample upper bound.
func (b *base) clean() {
	total := 1
	for qid := range b.qidToDocIDs {
		pos := len(b.qidToRelDocs[qid])
		neg := len(b.qidToNegDocs[qid])
		total += pos * neg
		if pos == 0 || neg == 0 {
			b.logger.Debug("removing training qid without both candidate classes",
				"qid", qid, "relevant", pos, "nonrelevant", neg)
			delete(b.qidToDocIDs, qid)
			delete(b.qidToRelDocs, qid)
			delete(b.qidToNegDocs, qid)
		}
	}
	b.totalSamples = total
}

func (b *base) TotalSamples() int {
	return b.totalSamples
}

func (b *base) Reseed(seed int64) {
	b.seed = seed
}

func (b *base) sortedQids() []string {
	qids := make([]string, 0, len(b.qidToRelDocs))
	for qid := range b.qidToRelDocs {
		qids = append(qids, qid)
	}
	sort.Strings(qids)
	return qids
}

// hashWithPrefix digests the extractor cache path and a sorted snapshot of
// the given query->doc mapping, prefixed by the sampler variant tag so
// distinct variants over identical inputs never collide.
func (b *base) hashWithPrefix(prefix string, mapping map[string][]string) string {
	qids := make([]string, 0, len(mapping))
	for qid := range mapping {
		qids = append(qids, qid)
	}
	sort.Strings(qids)

	h := md5.New()
	fmt.Fprint(h, b.ex.CachePath())
	for _, qid := range qids {
		fmt.Fprintf(h, "%s=[%s];", qid, strings.Join(mapping[qid], " "))
	}
	return fmt.Sprintf("%s_%x", prefix, h.Sum(nil))
}
