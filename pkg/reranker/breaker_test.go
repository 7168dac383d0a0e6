package reranker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyRanker struct {
	err   error
	calls int
}

func (f *flakyRanker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ranked := make([]RankedPassage, len(passages))
	for i, p := range passages {
		ranked[i] = RankedPassage{Passage: p, Score: float64(len(passages) - i)}
	}
	return ranked, nil
}

func TestBreakerRanker(t *testing.T) {
	// Interval and Timeout are plain seconds; the wrapper owns the
	// conversion to time.Duration. Assigning from int pins that contract
	// for call sites that copy config values straight through.
	intervalSecs, timeoutSecs := 30, 60
	cfg := BreakerConfig{
		MaxRequests:      1,
		Interval:         intervalSecs,
		Timeout:          timeoutSecs,
		ReadyToTripRatio: 0.6,
	}

	t.Run("passes through on success", func(t *testing.T) {
		inner := &flakyRanker{}
		br := NewBreakerRanker(inner, cfg, "test", slog.Default())

		ranked, err := br.Rank(context.Background(), "q", []string{"a", "b"})
		require.NoError(t, err)
		require.Len(t, ranked, 2)
		assert.Equal(t, "a", ranked[0].Passage)
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("opens after repeated failures", func(t *testing.T) {
		boom := errors.New("backend down")
		inner := &flakyRanker{err: boom}
		br := NewBreakerRanker(inner, cfg, "test", slog.Default())

		for i := 0; i < 3; i++ {
			_, err := br.Rank(context.Background(), "q", []string{"a"})
			require.ErrorIs(t, err, boom)
		}

		_, err := br.Rank(context.Background(), "q", []string{"a"})
		require.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, 3, inner.calls)
	})
}
