package reranker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// ServiceRankerConfig configures the remote cross-encoder backend.
type ServiceRankerConfig struct {
	Model          string
	BaseURL        string
	APIKey         string
	MaxConcurrency int
}

// ServiceRanker scores passages through an OpenAI-compatible inference
// server (vLLM, LocalAI, hosted APIs) by running a boolean relevance
// classification prompt per passage.
type ServiceRanker struct {
	client    *openai.Client
	config    ServiceRankerConfig
	semaphore chan struct{}
}

// NewServiceRanker builds a remote passage ranker.
func NewServiceRanker(cfg ServiceRankerConfig) *ServiceRanker {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &ServiceRanker{
		client:    openai.NewClientWithConfig(clientCfg),
		config:    cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Rank ranks the given passages by relevance to the query.
func (s *ServiceRanker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if len(passages) == 0 {
		return []RankedPassage{}, nil
	}

	type passageResult struct {
		passage string
		score   float64
		err     error
	}
	results := make([]passageResult, len(passages))
	var wg sync.WaitGroup

	for i, passage := range passages {
		wg.Add(1)
		go func(idx int, p string) {
			defer wg.Done()
			s.semaphore <- struct{}{}
			defer func() { <-s.semaphore }()

			score, err := s.scorePassage(ctx, query, p)
			results[idx] = passageResult{passage: p, score: score, err: err}
		}(i, passage)
	}
	wg.Wait()

	ranked := make([]RankedPassage, 0, len(passages))
	for i, result := range results {
		if result.err != nil {
			return nil, fmt.Errorf("error scoring passage %d: %w", i, result.err)
		}
		ranked = append(ranked, RankedPassage{Passage: result.passage, Score: result.score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// scorePassage runs a boolean classification prompt and scores the passage
// from the model's confidence in "True".
func (s *ServiceRanker) scorePassage(ctx context.Context, query, passage string) (float64, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.config.Model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert tasked with determining whether the passage is relevant to the query",
			},
			{
				Role: openai.ChatMessageRoleUser,
				Content: fmt.Sprintf(`Respond with "True" if PASSAGE is relevant to QUERY and "False" otherwise.
<PASSAGE>
%s
</PASSAGE>
<QUERY>
%s
</QUERY>`, passage, query),
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0.5, nil
	}

	switch strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)) {
	case "true", "yes":
		return 0.8, nil
	case "false", "no":
		return 0.2, nil
	default:
		return 0.5, nil
	}
}
