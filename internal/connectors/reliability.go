package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilityOptions - настройки защиты одного коллаборатора
type ReliabilityOptions struct {
	Name                   string
	RatePerSecond          float64
	Burst                  int
	Attempts               uint
	CallTimeout            time.Duration // Предел одной попытки
	MaxConsecutiveFailures uint32        // После стольких ошибок подряд предохранитель размыкается
	OpenTimeout            time.Duration // Время, через которое CB попробует "закрыться"
}

func DefaultReliabilityOptions(name string) ReliabilityOptions {
	return ReliabilityOptions{
		Name:                   name,
		RatePerSecond:          50,
		Burst:                  10,
		Attempts:               3,
		CallTimeout:            10 * time.Second,
		MaxConsecutiveFailures: 5,
		OpenTimeout:            30 * time.Second,
	}
}

// BreakerObserver - метрика состояния предохранителя
type BreakerObserver interface {
	ObserveBreakerState(name string, open bool)
}

// ReliabilityWrapper: rate limiter -> circuit breaker -> retries с таймаутом на попытку.
type ReliabilityWrapper struct {
	opts    ReliabilityOptions
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(opts ReliabilityOptions, observer BreakerObserver) *ReliabilityWrapper {
	settings := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > opts.MaxConsecutiveFailures
		},
		// Ошибки клиента (4xx, not found) не характеризуют здоровье коллаборатора
		IsSuccessful: func(err error) bool {
			return err == nil || !isRetryable(err)
		},
	}
	if observer != nil {
		settings.OnStateChange = func(name string, _, to gobreaker.State) {
			observer.ObserveBreakerState(name, to == gobreaker.StateOpen)
		}
	}

	return &ReliabilityWrapper{
		opts:    opts,
		cb:      gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

// Do выполняет fn под защитой лимитера, предохранителя и повторов.
func (w *ReliabilityWrapper) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", w.opts.Name, err)
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.opts.Attempts),
			retry.RetryIf(isRetryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коллаборатор сам сказал, когда приходить (Retry-After)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		return nil, r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
			defer cancel()
			return fn(tCtx)
		})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", w.opts.Name, err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var tErr *ThrottleError
	if errors.As(err, &tErr) {
		return true
	}
	var sErr *StatusError
	if errors.As(err, &sErr) {
		return sErr.Retryable()
	}
	return true
}
