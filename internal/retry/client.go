// Package retry provides bounded exponential backoff for operations that
// must not fail silently: account persistence, order placement, and the
// capture-snapshot fetch.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig retries three times with 1s initial backoff under a
// two-minute overall deadline.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs op up to cfg.MaxRetries+1 times with exponential backoff and
// jitter. It stops early on permanent errors (anything IsTransient
// rejects) and on context cancellation. name labels log lines.
func Do[T any](ctx context.Context, logger *log.Logger, cfg Config, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", name, cfg.Timeout, err)
		}
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", name, err)
		}

		res, err := op(opCtx)
		if err == nil {
			if attempt > 0 && logger != nil {
				logger.Printf("%s succeeded on attempt %d/%d", name, attempt+1, cfg.MaxRetries+1)
			}
			return res, nil
		}

		lastErr = err
		if logger != nil {
			logger.Printf("%s attempt %d/%d failed: %v", name, attempt+1, cfg.MaxRetries+1, err)
		}

		if !IsTransient(err) || attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", name, opCtx.Err())
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", name, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient reports whether err looks like a transient infrastructure
// failure worth retrying. Auth failures and 4xx API rejections are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
