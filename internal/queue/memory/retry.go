package memory

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// RetryPolicy decides whether and when a failed job runs again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns three attempts with a 2s base delay capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// ShouldRetry reports whether a job that failed on attempt (1-based) with err gets
// another attempt. Configuration errors never do.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if !scraper.IsRetryable(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Backoff returns the wait before the attempt that follows attempt. The delay doubles
// each time and is jittered across its upper half.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
