package orders

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"orderflow/internal/saga"
)

// ReviewTimeoutOutcome selects what happens when the manual review window
// lapses without a decision.
type ReviewTimeoutOutcome string

const (
	// ReviewTimeoutFail fails the order with a review-timeout reason.
	ReviewTimeoutFail ReviewTimeoutOutcome = "fail"
	// ReviewTimeoutProceed continues to payment as if review had passed.
	ReviewTimeoutProceed ReviewTimeoutOutcome = "proceed"
)

// StepPolicies holds the per-step timeout and retry policies for both sagas.
type StepPolicies struct {
	Receive  saga.StepPolicy
	Validate saga.StepPolicy
	Capture  saga.StepPolicy
	Prepare  saga.StepPolicy
	Dispatch saga.StepPolicy
}

// Config tunes the order and shipping sagas.
type Config struct {
	Policies             StepPolicies
	ReviewDeadline       time.Duration
	ReviewTimeoutOutcome ReviewTimeoutOutcome
	ShippingWait         time.Duration
	RetryDispatchWait    time.Duration
}

// DefaultConfig returns the stock saga tuning: short-delay retries for the
// cheap steps, longer timeouts for payment and dispatch, a day for manual
// review and an hour-long operator window for failed dispatches.
func DefaultConfig() Config {
	return Config{
		Policies: StepPolicies{
			Receive:  saga.StepPolicy{Timeout: 5 * time.Minute, Retry: saga.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}},
			Validate: saga.StepPolicy{Timeout: 5 * time.Minute, Retry: saga.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}},
			Capture:  saga.StepPolicy{Timeout: 10 * time.Minute, Retry: saga.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}},
			Prepare:  saga.StepPolicy{Timeout: 5 * time.Minute, Retry: saga.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}},
			Dispatch: saga.StepPolicy{Timeout: 10 * time.Minute, Retry: saga.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute}},
		},
		ReviewDeadline:       24 * time.Hour,
		ReviewTimeoutOutcome: ReviewTimeoutFail,
		ShippingWait:         30 * time.Minute,
		RetryDispatchWait:    time.Hour,
	}
}

// LoadConfigFromEnv starts from the defaults and applies any overrides
// present in the environment.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.ReviewDeadline, err = parseOptionalDuration("ORDER_REVIEW_DEADLINE", cfg.ReviewDeadline); err != nil {
		return cfg, err
	}
	if cfg.ShippingWait, err = parseOptionalDuration("ORDER_SHIPPING_WAIT", cfg.ShippingWait); err != nil {
		return cfg, err
	}
	if cfg.RetryDispatchWait, err = parseOptionalDuration("ORDER_RETRY_DISPATCH_WAIT", cfg.RetryDispatchWait); err != nil {
		return cfg, err
	}
	if cfg.ReviewTimeoutOutcome, err = parseReviewTimeoutOutcome("ORDER_REVIEW_TIMEOUT_OUTCOME", cfg.ReviewTimeoutOutcome); err != nil {
		return cfg, err
	}

	steps := []struct {
		prefix string
		policy *saga.StepPolicy
	}{
		{"ORDER_STEP_RECEIVE", &cfg.Policies.Receive},
		{"ORDER_STEP_VALIDATE", &cfg.Policies.Validate},
		{"ORDER_STEP_CAPTURE", &cfg.Policies.Capture},
		{"ORDER_STEP_PREPARE", &cfg.Policies.Prepare},
		{"ORDER_STEP_DISPATCH", &cfg.Policies.Dispatch},
	}
	for _, s := range steps {
		if s.policy.Timeout, err = parseOptionalDuration(s.prefix+"_TIMEOUT", s.policy.Timeout); err != nil {
			return cfg, err
		}
		if s.policy.Retry.MaxAttempts, err = parseOptionalInt(s.prefix+"_MAX_ATTEMPTS", s.policy.Retry.MaxAttempts); err != nil {
			return cfg, err
		}
		if s.policy.Retry.BaseDelay, err = parseOptionalDuration(s.prefix+"_BASE_DELAY", s.policy.Retry.BaseDelay); err != nil {
			return cfg, err
		}
		if s.policy.Retry.MaxDelay, err = parseOptionalDuration(s.prefix+"_MAX_DELAY", s.policy.Retry.MaxDelay); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func parseOptionalDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseOptionalInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseReviewTimeoutOutcome(name string, fallback ReviewTimeoutOutcome) (ReviewTimeoutOutcome, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	switch out := ReviewTimeoutOutcome(strings.ToLower(raw)); out {
	case ReviewTimeoutFail, ReviewTimeoutProceed:
		return out, nil
	default:
		return "", fmt.Errorf("%s: unknown outcome %q", name, raw)
	}
}
