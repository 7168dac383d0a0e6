package reranker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures circuit breaking around a remote ranker.
type BreakerConfig struct {
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// BreakerRanker wraps a PassageRanker with a circuit breaker so a failing
// remote inference service degrades fast instead of stalling a prediction
// pass request by request.
type BreakerRanker struct {
	ranker PassageRanker
	cb     *gobreaker.CircuitBreaker
}

// NewBreakerRanker wraps ranker with the given breaker settings.
func NewBreakerRanker(ranker PassageRanker, cfg BreakerConfig, name string, logger *slog.Logger) *BreakerRanker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadyToTripRatio == 0 {
		cfg.ReadyToTripRatio = 0.6
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Error("ranker circuit breaker tripped",
					"name", name, "from", from.String(), "to", to.String())
			}
		},
	}

	return &BreakerRanker{ranker: ranker, cb: gobreaker.NewCircuitBreaker(st)}
}

// Rank implements PassageRanker.
func (b *BreakerRanker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.ranker.Rank(ctx, query, passages)
	})
	if err != nil {
		return nil, err
	}
	return result.([]RankedPassage), nil
}
