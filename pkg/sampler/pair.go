package sampler

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// PairSampler produces an infinite stream of standalone (query, doc)
// instances: for each shuffled query, every relevant candidate is emitted
// with the positive label, then every non-relevant candidate with the
// negative label. No instance carries an explicit negative partner.
type PairSampler struct {
	base
}

// NewPairSampler returns a pair sampler seeded for deterministic shuffling.
func NewPairSampler(seed int64, logger *slog.Logger) *PairSampler {
	return &PairSampler{base: newBase(seed, logger)}
}

func (s *PairSampler) Prepare(pool types.CandidatePool, qrels types.Qrels, ex extractor.Extractor, relevanceLevel int) error {
	s.prepare(pool, qrels, ex, relevanceLevel)
	return nil
}

func (s *PairSampler) Hash() string {
	return s.hashWithPrefix("pair", s.qidToDocIDs)
}

func (s *PairSampler) Stream(ctx context.Context) (Stream, error) {
	qids := s.sortedQids()
	if len(qids) == 0 {
		return nil, ErrNoTrainingQueries
	}
	return &pairStream{
		ctx:  ctx,
		s:    s,
		rng:  rand.New(rand.NewSource(s.seed)),
		qids: qids,
		qidx: len(qids),
	}, nil
}

type pairStream struct {
	ctx  context.Context
	s    *PairSampler
	rng  *rand.Rand
	qids []string
	qidx int

	// queue holds the remaining (docID, label) pairs for the current query.
	queue []pairItem
}

type pairItem struct {
	qid   string
	docID string
	label []float32
}

func (st *pairStream) Next() (*extractor.Features, error) {
	if err := st.ctx.Err(); err != nil {
		return nil, err
	}

	for len(st.queue) == 0 {
		if st.qidx >= len(st.qids) {
			st.rng.Shuffle(len(st.qids), func(i, j int) {
				st.qids[i], st.qids[j] = st.qids[j], st.qids[i]
			})
			st.qidx = 0
		}
		qid := st.qids[st.qidx]
		st.qidx++

		for _, docID := range st.s.qidToRelDocs[qid] {
			st.queue = append(st.queue, pairItem{qid: qid, docID: docID, label: LabelPositive})
		}
		for _, docID := range st.s.qidToNegDocs[qid] {
			st.queue = append(st.queue, pairItem{qid: qid, docID: docID, label: LabelNegative})
		}
	}

	item := st.queue[0]
	st.queue = st.queue[1:]
	return st.s.ex.ID2Vec(item.qid, item.docID, "", item.label)
}
