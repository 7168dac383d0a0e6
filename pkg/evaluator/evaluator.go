// Package evaluator computes named ranking metrics from prediction scores
// and relevance judgments. The pipeline treats it as a black box returning
// metric name -> value; this implementation covers the standard ad-hoc
// retrieval metrics (AP, P@k, nDCG@k).
package evaluator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/soundprediction/rerankbench/pkg/types"
)

// Evaluator computes named metrics for a run against judgments.
type Evaluator interface {
	Evaluate(run types.RunScores, qrels types.Qrels, metrics []string) (map[string]float64, error)
}

// TrecEvaluator computes trec_eval-style metrics. Metric names follow the
// trec_eval convention: "map", "P_20", "ndcg_cut_20".
type TrecEvaluator struct {
	RelevanceLevel int
}

// NewTrecEvaluator returns an evaluator treating grades >= relevanceLevel
// as relevant.
func NewTrecEvaluator(relevanceLevel int) *TrecEvaluator {
	return &TrecEvaluator{RelevanceLevel: relevanceLevel}
}

// Evaluate computes each requested metric averaged over the queries present
// in both the run and the qrels.
func (e *TrecEvaluator) Evaluate(run types.RunScores, qrels types.Qrels, metrics []string) (map[string]float64, error) {
	out := make(map[string]float64, len(metrics))
	for _, metric := range metrics {
		perQuery, err := e.perQueryMetric(run, qrels, metric)
		if err != nil {
			return nil, err
		}
		var sum float64
		for _, v := range perQuery {
			sum += v
		}
		if len(perQuery) > 0 {
			out[metric] = sum / float64(len(perQuery))
		} else {
			out[metric] = 0
		}
	}
	return out, nil
}

func (e *TrecEvaluator) perQueryMetric(run types.RunScores, qrels types.Qrels, metric string) (map[string]float64, error) {
	out := map[string]float64{}
	for qid, docs := range run {
		grades, ok := qrels[qid]
		if !ok {
			continue
		}
		ranking := rankByScore(docs)

		switch {
		case metric == "map":
			out[qid] = e.averagePrecision(ranking, grades)
		case strings.HasPrefix(metric, "P_"):
			k, err := strconv.Atoi(strings.TrimPrefix(metric, "P_"))
			if err != nil || k < 1 {
				return nil, fmt.Errorf("unsupported metric: %s", metric)
			}
			out[qid] = e.precisionAt(ranking, grades, k)
		case strings.HasPrefix(metric, "ndcg_cut_"):
			k, err := strconv.Atoi(strings.TrimPrefix(metric, "ndcg_cut_"))
			if err != nil || k < 1 {
				return nil, fmt.Errorf("unsupported metric: %s", metric)
			}
			out[qid] = ndcgAt(ranking, grades, k)
		default:
			return nil, fmt.Errorf("unsupported metric: %s", metric)
		}
	}
	return out, nil
}

func (e *TrecEvaluator) averagePrecision(ranking []string, grades map[string]int) float64 {
	var hits, sum float64
	var total int
	for _, grade := range grades {
		if grade >= e.RelevanceLevel {
			total++
		}
	}
	if total == 0 {
		return 0
	}
	for i, docID := range ranking {
		if grades[docID] >= e.RelevanceLevel {
			hits++
			sum += hits / float64(i+1)
		}
	}
	return sum / float64(total)
}

func (e *TrecEvaluator) precisionAt(ranking []string, grades map[string]int, k int) float64 {
	var hits float64
	for i := 0; i < k && i < len(ranking); i++ {
		if grades[ranking[i]] >= e.RelevanceLevel {
			hits++
		}
	}
	return hits / float64(k)
}

// ndcgAt uses graded gains (2^grade - 1) with a log2 position discount.
func ndcgAt(ranking []string, grades map[string]int, k int) float64 {
	var dcg float64
	for i := 0; i < k && i < len(ranking); i++ {
		gain := math.Exp2(float64(grades[ranking[i]])) - 1
		dcg += gain / math.Log2(float64(i+2))
	}

	ideal := make([]int, 0, len(grades))
	for _, grade := range grades {
		ideal = append(ideal, grade)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ideal)))
	var idcg float64
	for i := 0; i < k && i < len(ideal); i++ {
		gain := math.Exp2(float64(ideal[i])) - 1
		idcg += gain / math.Log2(float64(i+2))
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func rankByScore(docs map[string]float64) []string {
	ids := make([]string, 0, len(docs))
	for docID := range docs {
		ids = append(ids, docID)
	}
	sort.Slice(ids, func(i, j int) bool {
		if docs[ids[i]] != docs[ids[j]] {
			return docs[ids[i]] > docs[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// WriteMetrics persists the latest validation metrics as JSON.
func WriteMetrics(path string, metrics map[string]float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
