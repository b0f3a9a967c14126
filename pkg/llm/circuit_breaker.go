package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

const breakerDeniedMessage = "degraded"

// CircuitBreakerAdapter wraps an LLMAdapter with rate-limit circuit breaking.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input ChatContext) (Response, error) {
	if err := a.admit(); err != nil {
		return Response{}, err
	}
	resp, err := a.inner.Generate(ctx, input)
	if err != nil {
		a.fail(err)
		return Response{}, err
	}
	a.breaker.OnSuccess()
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input ChatContext) (*Stream, error) {
	if err := a.admit(); err != nil {
		return nil, err
	}
	s, err := a.inner.Stream(ctx, input)
	if err != nil {
		a.fail(err)
		return nil, err
	}
	a.breaker.OnSuccess()
	return s, nil
}

func (a *CircuitBreakerAdapter) admit() error {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return errorsx.Wrap(resilience.RateLimitError{Provider: a.Name(), Message: breakerDeniedMessage}, errorsx.ReasonLLMCircuitOpen)
	}
	a.setOpen(false)
	return nil
}

func (a *CircuitBreakerAdapter) fail(err error) {
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *CircuitBreakerAdapter) record(name string) {
	metrics.Record(a.obs, name, map[string]string{
		"provider":  a.inner.Name(),
		"component": "llm",
	}, nil)
}

func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}

var _ LLMAdapter = (*CircuitBreakerAdapter)(nil)
