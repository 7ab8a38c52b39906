// ABOUTME: Per-path-pattern rate limiting in front of business dispatch
// ABOUTME: Token-bucket admission with reject-immediately or bounded-delay overload policy

package admission

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-io/consentd/internal/config"
)

// RejectDelay is the sentinel DelayMS value meaning "reject excess
// requests immediately rather than queue them".
const RejectDelay = -1

// Rule is a read-only admission rule. One rule may be attached to many
// path patterns; each pattern gets its own token bucket.
type Rule struct {
	// RequestsPerSec is the admission threshold per pattern.
	RequestsPerSec int
	// MaxRequestDuration bounds the lifetime of an admitted request.
	MaxRequestDuration time.Duration
	// DelayMS is the overload policy: RejectDelay rejects excess requests
	// with 429; a non-negative value waits up to that many milliseconds
	// for capacity before rejecting.
	DelayMS int
}

// RuleFromConfig converts the configured admission settings into a rule.
func RuleFromConfig(cfg config.AdmissionConfig) Rule {
	return Rule{
		RequestsPerSec:     cfg.RequestsPerSec,
		MaxRequestDuration: time.Duration(cfg.MaxRequestMS) * time.Millisecond,
		DelayMS:            cfg.DelayMS,
	}
}

// Filter applies admission rules to HTTP handlers by path pattern.
type Filter struct {
	limiters map[string]*rate.Limiter
	rules    map[string]Rule
	logger   *slog.Logger
}

// NewFilter creates an empty admission filter.
func NewFilter(logger *slog.Logger) *Filter {
	return &Filter{
		limiters: make(map[string]*rate.Limiter),
		rules:    make(map[string]Rule),
		logger:   logger,
	}
}

// Attach binds the rule to a path pattern. The bucket allows bursts up to
// the per-second threshold so the full budget is admittable within any one
// second. Rules are attached at startup only.
func (f *Filter) Attach(pattern string, rule Rule) {
	f.limiters[pattern] = rate.NewLimiter(rate.Limit(rule.RequestsPerSec), rule.RequestsPerSec)
	f.rules[pattern] = rule
}

// Wrap returns the handler guarded by the pattern's admission rule.
// Requests within the threshold pass through unmodified apart from the
// request-duration bound; excess requests never reach next.
func (f *Filter) Wrap(pattern string, next http.Handler) http.Handler {
	limiter, ok := f.limiters[pattern]
	if !ok {
		return next
	}
	rule := f.rules[pattern]

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.admit(r.Context(), limiter, rule) {
			// Rejection is caller-visible, not a server-side failure.
			f.logger.Debug("request rejected by admission filter",
				"pattern", pattern,
				"path", r.URL.Path,
			)
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		if rule.MaxRequestDuration > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), rule.MaxRequestDuration)
			defer cancel()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// admit applies the overload policy to one request.
func (f *Filter) admit(ctx context.Context, limiter *rate.Limiter, rule Rule) bool {
	if rule.DelayMS == RejectDelay {
		return limiter.Allow()
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(rule.DelayMS)*time.Millisecond)
	defer cancel()
	return limiter.Wait(waitCtx) == nil
}
