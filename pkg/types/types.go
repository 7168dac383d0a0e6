package types

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Qrels maps query IDs to document relevance judgments.
// Inner map: docID -> integer relevance grade.
type Qrels map[string]map[string]int

// IsRelevant reports whether the document's grade meets the relevance level.
func (q Qrels) IsRelevant(qid, docID string, relevanceLevel int) bool {
	grades, ok := q[qid]
	if !ok {
		return false
	}
	return grades[docID] >= relevanceLevel
}

// CandidatePool maps query IDs to the candidate documents to be reranked.
// Document order is preserved from the source run.
type CandidatePool map[string][]string

// RunScores holds per-query document scores produced by a prediction pass.
type RunScores map[string]map[string]float64

// LoadQrels parses a TREC-format qrels file ("qid 0 docid grade").
func LoadQrels(path string) (Qrels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open qrels file: %w", err)
	}
	defer f.Close()

	qrels := Qrels{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed qrels line %d in %s: %q", lineno, path, line)
		}
		grade, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("malformed relevance grade on line %d in %s: %w", lineno, path, err)
		}
		qid, docID := fields[0], fields[2]
		if qrels[qid] == nil {
			qrels[qid] = map[string]int{}
		}
		qrels[qid][docID] = grade
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read qrels file: %w", err)
	}
	return qrels, nil
}

// LoadRunFile parses a TREC-format run file ("qid Q0 docid rank score tag").
func LoadRunFile(path string) (RunScores, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}
	defer f.Close()

	run := RunScores{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("malformed run line %d in %s: %q", lineno, path, line)
		}
		score, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed score on line %d in %s: %w", lineno, path, err)
		}
		qid, docID := fields[0], fields[2]
		if run[qid] == nil {
			run[qid] = map[string]float64{}
		}
		run[qid][docID] = score
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	return run, nil
}

// Set records a score, allocating the per-query map on first use.
func (r RunScores) Set(qid, docID string, score float64) {
	if r[qid] == nil {
		r[qid] = map[string]float64{}
	}
	r[qid][docID] = score
}

// Pool converts run scores into a candidate pool ordered by descending score.
func (r RunScores) Pool() CandidatePool {
	pool := CandidatePool{}
	for qid, docs := range r {
		pool[qid] = rankedDocIDs(docs)
	}
	return pool
}

// WriteRunFile writes the scores as a TREC run file, one line per
// (query, doc) pair in descending-score order within each query.
func (r RunScores) WriteRunFile(path, runTag string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create run file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	qids := make([]string, 0, len(r))
	for qid := range r {
		qids = append(qids, qid)
	}
	sort.Strings(qids)

	for _, qid := range qids {
		docs := r[qid]
		for rank, docID := range rankedDocIDs(docs) {
			score := strconv.FormatFloat(docs[docID], 'g', -1, 64)
			if _, err := fmt.Fprintf(w, "%s Q0 %s %d %s %s\n", qid, docID, rank+1, score, runTag); err != nil {
				return fmt.Errorf("failed to write run file: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush run file: %w", err)
	}
	return nil
}

// rankedDocIDs orders a score map by descending score, breaking ties by docID
// so output is deterministic.
func rankedDocIDs(docs map[string]float64) []string {
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
