package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soundprediction/rerankbench/pkg/types"
)

// Manifest describes where the pieces of a file-backed collection live.
// Paths are resolved relative to the manifest file itself.
type Manifest struct {
	Name   string `yaml:"name"`
	Topics string `yaml:"topics"` // TSV: qid \t query text
	Corpus string `yaml:"corpus"` // TSV: docid \t document text
	Qrels  string `yaml:"qrels"`  // TREC qrels format
	Run    string `yaml:"run"`    // TREC run format (candidate pool)
}

// FileDataset is a Dataset loaded eagerly from manifest-described files.
type FileDataset struct {
	name   string
	topics map[string]string
	docs   map[string]string
	qrels  types.Qrels
	pool   types.CandidatePool
}

// LoadManifest reads a yaml dataset manifest and loads the collection it
// points at.
func LoadManifest(path string) (*FileDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse dataset manifest: %w", err)
	}
	if m.Name == "" || m.Topics == "" || m.Corpus == "" || m.Qrels == "" || m.Run == "" {
		return nil, fmt.Errorf("dataset manifest %s must set name, topics, corpus, qrels, and run", path)
	}

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	topics, err := loadTSV(resolve(m.Topics))
	if err != nil {
		return nil, fmt.Errorf("failed to load topics: %w", err)
	}
	docs, err := loadTSV(resolve(m.Corpus))
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}
	qrels, err := types.LoadQrels(resolve(m.Qrels))
	if err != nil {
		return nil, err
	}
	run, err := types.LoadRunFile(resolve(m.Run))
	if err != nil {
		return nil, err
	}

	return &FileDataset{
		name:   m.Name,
		topics: topics,
		docs:   docs,
		qrels:  qrels,
		pool:   run.Pool(),
	}, nil
}

// NewMemoryDataset builds a dataset from in-memory maps. Used by tests and
// programmatic experiment setups.
func NewMemoryDataset(name string, topics, docs map[string]string, qrels types.Qrels, pool types.CandidatePool) *FileDataset {
	return &FileDataset{name: name, topics: topics, docs: docs, qrels: qrels, pool: pool}
}

func (d *FileDataset) Name() string                       { return d.name }
func (d *FileDataset) Topics() map[string]string          { return d.topics }
func (d *FileDataset) Qrels() types.Qrels                 { return d.qrels }
func (d *FileDataset) CandidatePool() types.CandidatePool { return d.pool }

func (d *FileDataset) Document(docID string) (string, error) {
	text, ok := d.docs[docID]
	if !ok {
		return "", &ErrUnknownDocument{DocID: docID}
	}
	return text, nil
}

func loadTSV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		id, text, found := strings.Cut(line, "\t")
		if !found {
			return nil, fmt.Errorf("malformed TSV line %d in %s", lineno, path)
		}
		out[id] = text
	}
	return out, scanner.Err()
}
