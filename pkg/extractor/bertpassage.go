package extractor

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/soundprediction/rerankbench/pkg/dataset"
	"github.com/soundprediction/rerankbench/pkg/tokenizer"
)

// Config holds the passage-extraction parameters.
type Config struct {
	MaxSeqLen   int     `mapstructure:"maxseqlen"`
	PassageLen  int     `mapstructure:"passagelen"`
	Stride      int     `mapstructure:"stride"`
	NumPassages int     `mapstructure:"numpassages"`
	Prob        float64 `mapstructure:"prob"`
	UseCache    bool    `mapstructure:"usecache"`
	CacheDir    string  `mapstructure:"cachedir"`
	Seed        int64   `mapstructure:"seed"`
}

// Validate fails fast on parameters that cannot produce well-formed tensors.
func (c Config) Validate() error {
	if c.MaxSeqLen < 8 {
		return fmt.Errorf("invalid extractor config: maxseqlen must be >= 8, got %d", c.MaxSeqLen)
	}
	if c.PassageLen < 1 {
		return fmt.Errorf("invalid extractor config: passagelen must be >= 1, got %d", c.PassageLen)
	}
	if c.Stride < 1 {
		return fmt.Errorf("invalid extractor config: stride must be >= 1, got %d", c.Stride)
	}
	if c.NumPassages < 2 {
		return fmt.Errorf("invalid extractor config: numpassages must be >= 2, got %d", c.NumPassages)
	}
	if c.Prob < 0 || c.Prob > 1 {
		return fmt.Errorf("invalid extractor config: prob must be in [0,1], got %f", c.Prob)
	}
	return nil
}

// BertPassage extracts fixed-count token passages from documents and builds
// [CLS] query [SEP] passage [SEP] input tensors for a BERT-style reranker.
// The first passage of a document is always retained; see TrainRows for the
// probabilistic subsampling applied when serializing training records.
type BertPassage struct {
	cfg    Config
	tok    tokenizer.Tokenizer
	ds     dataset.Dataset
	logger *slog.Logger
	rng    *rand.Rand

	qidToToks       map[string][]string
	docIDToPassages map[string][][]string
}

// NewBertPassage builds a BertPassage extractor. Preprocess must be called
// before ID2Vec.
func NewBertPassage(cfg Config, tok tokenizer.Tokenizer, ds dataset.Dataset, logger *slog.Logger) (*BertPassage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BertPassage{
		cfg:    cfg,
		tok:    tok,
		ds:     ds,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Reseed resets the extractor's random source, for reproducible passage
// subsampling in tests.
func (e *BertPassage) Reseed(seed int64) {
	e.rng = rand.New(rand.NewSource(seed))
}

func (e *BertPassage) NumPassages() int { return e.cfg.NumPassages }
func (e *BertPassage) MaxSeqLen() int   { return e.cfg.MaxSeqLen }

// CachePath identifies the cache location for this extractor configuration.
func (e *BertPassage) CachePath() string {
	name := fmt.Sprintf("bertpassage_seq%d_plen%d_stride%d_n%d",
		e.cfg.MaxSeqLen, e.cfg.PassageLen, e.cfg.Stride, e.cfg.NumPassages)
	return filepath.Join(e.cfg.CacheDir, name)
}

// Passages returns the tokenized passages for a preprocessed document.
func (e *BertPassage) Passages(docID string) ([][]string, bool) {
	p, ok := e.docIDToPassages[docID]
	return p, ok
}

// GetPassagesForDoc slides a window of PassageLen terms with the configured
// stride over the document and tokenizes each window. When more windows than
// NumPassages result, the first and last are kept and the interior is
// sampled uniformly; when fewer, [PAD] passages are appended. The result
// always holds exactly NumPassages passages.
func (e *BertPassage) GetPassagesForDoc(docID string, terms []string) ([][]string, error) {
	if len(terms) == 0 {
		return nil, &EmptyDocError{DocID: docID}
	}

	var passages [][]string
	for i := 0; i < len(terms); i += e.cfg.Stride {
		end := i + e.cfg.PassageLen
		if end > len(terms) {
			end = len(terms)
		}
		passages = append(passages, e.tok.Tokenize(strings.Join(terms[i:end], " ")))
	}

	n := len(passages)
	if n > e.cfg.NumPassages {
		sampled := make([][]string, 0, e.cfg.NumPassages)
		sampled = append(sampled, passages[0])
		for _, idx := range e.rng.Perm(n - 2)[:e.cfg.NumPassages-2] {
			sampled = append(sampled, passages[1+idx])
		}
		sampled = append(sampled, passages[n-1])
		passages = sampled
	} else {
		for len(passages) < e.cfg.NumPassages {
			passages = append(passages, []string{tokenizer.PadToken})
		}
	}
	return passages, nil
}

// Preprocess builds the query-token and document-passage state, loading it
// from the state cache when enabled and the content key matches. A fresh
// build is always written back to the cache.
func (e *BertPassage) Preprocess(ctx context.Context, qids, docIDs []string) error {
	if len(e.docIDToPassages) > 0 {
		return nil
	}

	key := e.stateKey(qids, docIDs)

	cache, err := OpenStateCache(e.CachePath())
	if err != nil {
		return err
	}
	defer cache.Close()

	if e.cfg.UseCache {
		var st state
		found, err := cache.Load(key, &st)
		if err != nil {
			return err
		}
		if found {
			e.logger.Info("extractor state loaded from cache", "key", key)
			e.qidToToks = st.QidToToks
			e.docIDToPassages = st.DocIDToPassages
			return nil
		}
	}

	e.logger.Info("building passage state", "queries", len(qids), "documents", len(docIDs))
	e.qidToToks = make(map[string][]string, len(qids))
	e.docIDToPassages = make(map[string][][]string, len(docIDs))

	topics := e.ds.Topics()
	for _, qid := range qids {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic, ok := topics[qid]
		if !ok {
			return fmt.Errorf("no topic text for qid %s", qid)
		}
		e.qidToToks[qid] = e.tok.Tokenize(topic)
	}

	for _, docID := range docIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := e.ds.Document(docID)
		if err != nil {
			// Missing corpus entries surface later as MissingDocError for
			// whichever sampler requests them.
			e.logger.Warn("skipping document absent from corpus", "docid", docID)
			continue
		}
		passages, err := e.GetPassagesForDoc(docID, strings.Fields(text))
		if err != nil {
			return err
		}
		e.docIDToPassages[docID] = passages
	}

	if err := cache.Store(key, state{QidToToks: e.qidToToks, DocIDToPassages: e.docIDToPassages}); err != nil {
		return err
	}
	return nil
}

// ID2Vec builds the per-passage input tensors for a query and positive
// document, plus an optional negative document. See Extractor.
func (e *BertPassage) ID2Vec(qid, posID, negID string, label []float32) (*Features, error) {
	if len(label) != 2 {
		return nil, fmt.Errorf("label must be a two-slot vector, got %d slots", len(label))
	}
	queryToks, ok := e.qidToToks[qid]
	if !ok {
		return nil, fmt.Errorf("qid %s was not preprocessed", qid)
	}

	posPassages, ok := e.docIDToPassages[posID]
	if !ok {
		return nil, &MissingDocError{QID: qid, DocID: posID}
	}

	feat := &Features{
		QID:      qid,
		PosDocID: posID,
		Pos:      e.encodeDoc(queryToks, posPassages),
		Neg:      e.zeroDoc(),
		Label:    make([][]float32, e.cfg.NumPassages),
	}
	for i := range feat.Label {
		feat.Label[i] = []float32{label[0], label[1]}
	}

	if negID != "" {
		negPassages, ok := e.docIDToPassages[negID]
		if !ok || len(negPassages) == 0 {
			return nil, &MissingDocError{QID: qid, DocID: negID}
		}
		feat.NegDocID = negID
		feat.Neg = e.encodeDoc(queryToks, negPassages)
	}

	return feat, nil
}

// encodeDoc builds the token/mask/segment rows for every passage of a doc.
func (e *BertPassage) encodeDoc(queryToks []string, passages [][]string) *DocInput {
	in := &DocInput{
		Tokens: make([][]int64, len(passages)),
		Mask:   make([][]int64, len(passages)),
		Seg:    make([][]int64, len(passages)),
	}

	for i, passage := range passages {
		line := make([]string, 0, len(queryToks)+len(passage)+3)
		line = append(line, tokenizer.ClsToken)
		line = append(line, queryToks...)
		line = append(line, tokenizer.SepToken)
		line = append(line, passage...)
		line = append(line, tokenizer.SepToken)

		if len(line) > e.cfg.MaxSeqLen {
			line = line[:e.cfg.MaxSeqLen]
			line[len(line)-1] = tokenizer.SepToken
		}
		real := len(line)
		for len(line) < e.cfg.MaxSeqLen {
			line = append(line, tokenizer.PadToken)
		}

		mask := make([]int64, e.cfg.MaxSeqLen)
		for j := 0; j < real; j++ {
			mask[j] = 1
		}
		seg := make([]int64, e.cfg.MaxSeqLen)
		queryRegion := len(queryToks) + 2 // [CLS] query [SEP]
		if queryRegion > e.cfg.MaxSeqLen {
			queryRegion = e.cfg.MaxSeqLen
		}
		for j := queryRegion; j < e.cfg.MaxSeqLen; j++ {
			seg[j] = 1
		}

		in.Tokens[i] = e.tok.ConvertTokensToIDs(line)
		in.Mask[i] = mask
		in.Seg[i] = seg
	}
	return in
}

func (e *BertPassage) zeroDoc() *DocInput {
	in := &DocInput{
		Tokens: make([][]int64, e.cfg.NumPassages),
		Mask:   make([][]int64, e.cfg.NumPassages),
		Seg:    make([][]int64, e.cfg.NumPassages),
	}
	for i := 0; i < e.cfg.NumPassages; i++ {
		in.Tokens[i] = make([]int64, e.cfg.MaxSeqLen)
		in.Mask[i] = make([]int64, e.cfg.MaxSeqLen)
		in.Seg[i] = make([]int64, e.cfg.MaxSeqLen)
	}
	return in
}

// stateKey is the content hash identifying one (query set, doc set) build.
func (e *BertPassage) stateKey(qids, docIDs []string) string {
	sortedQids := append([]string(nil), qids...)
	sortedDocs := append([]string(nil), docIDs...)
	sort.Strings(sortedQids)
	sort.Strings(sortedDocs)

	h := md5.New()
	fmt.Fprintf(h, "q:%s|d:%s", strings.Join(sortedQids, ","), strings.Join(sortedDocs, ","))
	return fmt.Sprintf("%x", h.Sum(nil))
}
