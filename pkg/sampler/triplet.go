package sampler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"

	"github.com/soundprediction/rerankbench/pkg/extractor"
	"github.com/soundprediction/rerankbench/pkg/types"
)

// TripletSampler produces an infinite stream of (query, relevant doc,
// non-relevant doc) training instances. Each round shuffles the retained
// queries and draws one random relevant and one random non-relevant
// candidate per query. Missing-document conditions are logged and skipped;
// training tolerates sparse feature coverage.
type TripletSampler struct {
	base
}

// NewTripletSampler returns a triplet sampler seeded for deterministic
// shuffling.
func NewTripletSampler(seed int64, logger *slog.Logger) *TripletSampler {
	return &TripletSampler{base: newBase(seed, logger)}
}

func (s *TripletSampler) Prepare(pool types.CandidatePool, qrels types.Qrels, ex extractor.Extractor, relevanceLevel int) error {
	s.prepare(pool, qrels, ex, relevanceLevel)
	return nil
}

func (s *TripletSampler) Hash() string {
	return s.hashWithPrefix("triplet", s.qidToDocIDs)
}

func (s *TripletSampler) Stream(ctx context.Context) (Stream, error) {
	qids := s.sortedQids()
	if len(qids) == 0 {
		return nil, ErrNoTrainingQueries
	}
	return &tripletStream{
		ctx:  ctx,
		s:    s,
		rng:  rand.New(rand.NewSource(s.seed)),
		qids: qids,
		idx:  len(qids), // force an initial shuffle
	}, nil
}

type tripletStream struct {
	ctx  context.Context
	s    *TripletSampler
	rng  *rand.Rand
	qids []string
	idx  int
}

func (st *tripletStream) Next() (*extractor.Features, error) {
	for {
		if err := st.ctx.Err(); err != nil {
			return nil, err
		}
		if st.idx >= len(st.qids) {
			st.rng.Shuffle(len(st.qids), func(i, j int) {
				st.qids[i], st.qids[j] = st.qids[j], st.qids[i]
			})
			st.idx = 0
		}

		qid := st.qids[st.idx]
		st.idx++

		relDocs := st.s.qidToRelDocs[qid]
		negDocs := st.s.qidToNegDocs[qid]
		posID := relDocs[st.rng.Intn(len(relDocs))]
		negID := negDocs[st.rng.Intn(len(negDocs))]

		feat, err := st.s.ex.ID2Vec(qid, posID, negID, LabelPositive)
		if err != nil {
			var missing *extractor.MissingDocError
			if errors.As(err, &missing) {
				st.s.logger.Warn("skipping training pair with missing features",
					"qid", qid, "posid", posID, "negid", negID)
				continue
			}
			return nil, err
		}
		return feat, nil
	}
}
