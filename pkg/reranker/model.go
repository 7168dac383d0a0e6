package reranker

import (
	"math"
	"math/rand"

	"github.com/soundprediction/rerankbench/pkg/extractor"
)

// Model is the numeric scoring model a Reranker wraps. Implementations
// accumulate gradients internally between Backward and ZeroGrad calls; the
// trainer's optimizer reads Parameters and Gradients by name.
type Model interface {
	Name() string

	// Parameters returns the named parameter vectors, including frozen ones.
	Parameters() map[string][]float64

	// Trainable reports whether the named parameter receives updates.
	Trainable(name string) bool

	// Score computes the document-level relevance score for one document's
	// passage tensors.
	Score(in *extractor.DocInput) float64

	// Backward accumulates d(loss)/d(params) for one document given
	// d(loss)/d(score).
	Backward(in *extractor.DocInput, grad float64)

	// Gradients returns the accumulated gradients for trainable parameters.
	Gradients() map[string][]float64

	// ZeroGrad clears accumulated gradients.
	ZeroGrad()
}

const linearFeatureDim = 4

// LinearModel scores a document as the max over its passages of a linear
// function of passage-level match features. The token embedding table is
// initialized deterministically from the seed and stays frozen; it is
// reproducible from the pretrained source and excluded from persistence.
type LinearModel struct {
	vocabSize int
	embedDim  int
	maxSeqLen int

	embedding []float64 // vocabSize*embedDim, frozen
	weight    []float64 // linearFeatureDim
	bias      []float64 // 1

	gradWeight []float64
	gradBias   []float64
}

// LinearConfig configures a LinearModel.
type LinearConfig struct {
	VocabSize int
	EmbedDim  int
	MaxSeqLen int
	Seed      int64
}

// NewLinearModel builds a linear passage-scoring model.
func NewLinearModel(cfg LinearConfig) *LinearModel {
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 32
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	m := &LinearModel{
		vocabSize:  cfg.VocabSize,
		embedDim:   cfg.EmbedDim,
		maxSeqLen:  cfg.MaxSeqLen,
		embedding:  make([]float64, cfg.VocabSize*cfg.EmbedDim),
		weight:     make([]float64, linearFeatureDim),
		bias:       make([]float64, 1),
		gradWeight: make([]float64, linearFeatureDim),
		gradBias:   make([]float64, 1),
	}
	for i := range m.embedding {
		m.embedding[i] = rng.NormFloat64() / math.Sqrt(float64(cfg.EmbedDim))
	}
	for i := range m.weight {
		m.weight[i] = rng.NormFloat64() * 0.1
	}
	return m
}

func (m *LinearModel) Name() string { return "linear" }

func (m *LinearModel) Parameters() map[string][]float64 {
	return map[string][]float64{
		"embedding.weight": m.embedding,
		"dense.weight":     m.weight,
		"dense.bias":       m.bias,
	}
}

func (m *LinearModel) Trainable(name string) bool {
	return name != "embedding.weight"
}

func (m *LinearModel) Score(in *extractor.DocInput) float64 {
	score, _ := m.forward(in)
	return score
}

func (m *LinearModel) Backward(in *extractor.DocInput, grad float64) {
	_, best := m.forward(in)
	if best < 0 {
		return
	}
	feats := m.passageFeatures(in, best)
	for i := range m.gradWeight {
		m.gradWeight[i] += grad * feats[i]
	}
	m.gradBias[0] += grad
}

func (m *LinearModel) Gradients() map[string][]float64 {
	return map[string][]float64{
		"dense.weight": m.gradWeight,
		"dense.bias":   m.gradBias,
	}
}

func (m *LinearModel) ZeroGrad() {
	for i := range m.gradWeight {
		m.gradWeight[i] = 0
	}
	m.gradBias[0] = 0
}

// forward returns the max passage score and the index of the argmax
// passage, or -1 when the document holds no scoreable passage.
func (m *LinearModel) forward(in *extractor.DocInput) (float64, int) {
	best := -1
	bestScore := math.Inf(-1)
	for p := range in.Tokens {
		if !passageHasContent(in, p) {
			continue
		}
		feats := m.passageFeatures(in, p)
		score := m.bias[0]
		for i := range feats {
			score += m.weight[i] * feats[i]
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	if best < 0 {
		return 0, -1
	}
	return bestScore, best
}

// passageFeatures computes the match features between the query region
// (segment 0) and the passage region (segment 1) of one passage row.
func (m *LinearModel) passageFeatures(in *extractor.DocInput, p int) [linearFeatureDim]float64 {
	queryVec := make([]float64, m.embedDim)
	passageVec := make([]float64, m.embedDim)
	querySet := map[int64]struct{}{}
	var queryLen, passageLen, overlap float64

	for j := range in.Tokens[p] {
		if in.Mask[p][j] != 1 {
			continue
		}
		tok := in.Tokens[p][j]
		if in.Seg[p][j] == 0 {
			m.addEmbedding(queryVec, tok)
			querySet[tok] = struct{}{}
			queryLen++
		} else {
			m.addEmbedding(passageVec, tok)
			if _, ok := querySet[tok]; ok {
				overlap++
			}
			passageLen++
		}
	}

	var feats [linearFeatureDim]float64
	feats[0] = cosine(queryVec, passageVec)
	if passageLen > 0 {
		feats[1] = overlap / passageLen
	}
	feats[2] = passageLen / float64(m.maxSeqLen)
	feats[3] = queryLen / float64(m.maxSeqLen)
	return feats
}

func (m *LinearModel) addEmbedding(dst []float64, token int64) {
	if token < 0 || int(token) >= m.vocabSize {
		return
	}
	row := m.embedding[int(token)*m.embedDim : (int(token)+1)*m.embedDim]
	for i := range dst {
		dst[i] += row[i]
	}
}

// passageHasContent reports whether the passage region holds any real token.
func passageHasContent(in *extractor.DocInput, p int) bool {
	for j := range in.Mask[p] {
		if in.Mask[p][j] == 1 {
			return true
		}
	}
	return false
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
