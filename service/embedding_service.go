package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/config"
	"github.com/tieubaoca/ragchat/types"
)

// EmbeddingService turns text into a fixed-dimension vector. Failures wrap
// types.ErrEmbeddingUnavailable; whether that is fatal is up to the caller.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	breaker    *gobreaker.CircuitBreaker

	maxRetries      uint64
	initialInterval time.Duration
}

type EmbedderOption func(*OpenAIEmbedder)

func WithEmbedRetry(maxRetries uint64, initialInterval time.Duration) EmbedderOption {
	return func(e *OpenAIEmbedder) {
		e.maxRetries = maxRetries
		e.initialInterval = initialInterval
	}
}

func NewOpenAIEmbedder(cfg config.OpenAIConfig, opts ...EmbedderOption) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	e := &OpenAIEmbedder{
		client:          openai.NewClientWithConfig(clientConfig),
		model:           cfg.EmbeddingModel,
		dimensions:      cfg.EmbeddingDimensions,
		maxRetries:      3,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, types.NewError("Embed", types.ErrEmbeddingUnavailable, errors.New("empty input"))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	var vector []float32
	operation := func() error {
		res, err := e.breaker.Execute(func() (interface{}, error) {
			return e.createEmbedding(ctx, text)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vector = res.([]float32)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx))
	if err != nil {
		return nil, types.NewError("Embed", types.ErrEmbeddingUnavailable, err)
	}
	return vector, nil
}

func (e *OpenAIEmbedder) createEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

// isRetryable treats rate limits, server errors and transport errors as
// transient; other API errors are final.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
