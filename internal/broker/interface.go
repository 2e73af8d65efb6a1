// Package broker provides market data and order gateway clients for the
// trading agent, plus resilience wrappers (circuit breaker, rate limit).
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jspahr/openrange/internal/models"
)

// ErrAuthFailure is returned when the gateway rejects our credentials.
// Demo mode falls back to synthetic data; live mode goes read-only.
var ErrAuthFailure = errors.New("broker authentication failure")

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsPermanentAPIError reports whether an error is a permanent API error
// (4xx other than 429) that retrying will not fix.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// Broker defines the interface for the market data and order gateway.
// All calls are blocking and must honour the context deadline.
type Broker interface {
	// Market data
	BatchQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	GetBar(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error)
	GetIntradayBars(ctx context.Context, symbol string, sessionStart time.Time) ([]models.Bar, error)
	GetADV(ctx context.Context, symbol string, lookbackDays int) (int64, error)

	// Account and calendar
	GetAccountBalance(ctx context.Context) (float64, error)
	IsTradingDay(ctx context.Context, date time.Time) (bool, error)

	// Order placement. Idempotency is per clientID: resubmitting the
	// same clientID must not create a second order.
	PlaceOrder(ctx context.Context, clientID, symbol string, side models.Side,
		quantity int, orderType models.OrderType) (*models.Fill, error)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// BatchQuotes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) BatchQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (map[string]models.Quote, error) {
		return b.BatchQuotes(ctx, symbols)
	})
}

// GetBar wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetBar(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.Bar, error) {
		return b.GetBar(ctx, symbol, start, end)
	})
}

// GetIntradayBars wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetIntradayBars(ctx context.Context, symbol string, sessionStart time.Time) ([]models.Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Bar, error) {
		return b.GetIntradayBars(ctx, symbol, sessionStart)
	})
}

// GetADV wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetADV(ctx context.Context, symbol string, lookbackDays int) (int64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (int64, error) {
		return b.GetADV(ctx, symbol, lookbackDays)
	})
}

// GetAccountBalance wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetAccountBalance(ctx)
	})
}

// IsTradingDay wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.IsTradingDay(ctx, date)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, clientID, symbol string, side models.Side,
	quantity int, orderType models.OrderType) (*models.Fill, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.Fill, error) {
		return b.PlaceOrder(ctx, clientID, symbol, side, quantity, orderType)
	})
}

// RateLimitedBroker throttles all gateway calls to the configured
// request rate (the gateway allows at most 10 req/s).
type RateLimitedBroker struct {
	broker  Broker
	limiter *rate.Limiter
}

var _ Broker = (*RateLimitedBroker)(nil)

// NewRateLimitedBroker wraps a broker with a token-bucket rate limiter.
func NewRateLimitedBroker(broker Broker, requestsPerSecond float64) *RateLimitedBroker {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &RateLimitedBroker{
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
	}
}

// BatchQuotes waits for a rate token, then delegates.
func (r *RateLimitedBroker) BatchQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.BatchQuotes(ctx, symbols)
}

// GetBar waits for a rate token, then delegates.
func (r *RateLimitedBroker) GetBar(ctx context.Context, symbol string, start, end time.Time) (*models.Bar, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetBar(ctx, symbol, start, end)
}

// GetIntradayBars waits for a rate token, then delegates.
func (r *RateLimitedBroker) GetIntradayBars(ctx context.Context, symbol string, sessionStart time.Time) ([]models.Bar, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetIntradayBars(ctx, symbol, sessionStart)
}

// GetADV waits for a rate token, then delegates.
func (r *RateLimitedBroker) GetADV(ctx context.Context, symbol string, lookbackDays int) (int64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.broker.GetADV(ctx, symbol, lookbackDays)
}

// GetAccountBalance waits for a rate token, then delegates.
func (r *RateLimitedBroker) GetAccountBalance(ctx context.Context) (float64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return r.broker.GetAccountBalance(ctx)
}

// IsTradingDay waits for a rate token, then delegates.
func (r *RateLimitedBroker) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return r.broker.IsTradingDay(ctx, date)
}

// PlaceOrder waits for a rate token, then delegates.
func (r *RateLimitedBroker) PlaceOrder(ctx context.Context, clientID, symbol string, side models.Side,
	quantity int, orderType models.OrderType) (*models.Fill, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.PlaceOrder(ctx, clientID, symbol, side, quantity, orderType)
}
