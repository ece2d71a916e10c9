package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"
)

const (
	paramRetryInterval = "retry-interval"  // constant
	paramRetryMaxCount = "retry-max-count" // constant + exponential
	paramRetryMaxTime  = "retry-max-time"  // constant + exponential
	paramRetryPolicy   = "retry-policy"

	defaultRetryInterval = 1 * time.Second // constant
	defaultRetryMaxCount = 0               // constant + exponential
	defaultRetryMaxTime  = 5 * time.Second // constant + exponential
	defaultRetryPolicy   = policyDisabled

	policyConstant    = "constant"
	policyDisabled    = "disabled"
	policyExponential = "exponential"
)

// BackoffFactory returns a fresh backoff.BackOff for every operation.
type BackoffFactory func() backoff.BackOff

// RetryConfig describes how a failed submission is retried.  Submissions are
// not retried by default; a flush cycle that fails is not replayed either, so
// retries only ever happen inside the bounded max time.
type RetryConfig struct {
	Policy   string
	Interval time.Duration
	MaxCount int64
	MaxTime  time.Duration
}

// RetryConfigFromViper reads the retry-* settings from v, applying defaults.
func RetryConfigFromViper(v *viper.Viper) RetryConfig {
	v.SetDefault(paramRetryInterval, defaultRetryInterval)
	v.SetDefault(paramRetryMaxCount, defaultRetryMaxCount)
	v.SetDefault(paramRetryMaxTime, defaultRetryMaxTime)
	v.SetDefault(paramRetryPolicy, defaultRetryPolicy)

	return RetryConfig{
		Policy:   v.GetString(paramRetryPolicy),
		Interval: v.GetDuration(paramRetryInterval),
		MaxCount: v.GetInt64(paramRetryMaxCount),
		MaxTime:  v.GetDuration(paramRetryMaxTime),
	}
}

// Factory validates the config and builds the matching BackoffFactory.
//
// backoff.ConstantBackOff has no randomization and no maximum duration, so the
// constant policy is an ExponentialBackOff with a Multiplier of 1.0.
func (rc RetryConfig) Factory() (BackoffFactory, error) {
	if rc.Interval <= 0 {
		return nil, errors.New(paramRetryInterval + " must be positive")
	}
	if rc.MaxCount < 0 {
		return nil, errors.New(paramRetryMaxCount + " must be zero or positive")
	}
	if rc.MaxTime <= 0 {
		return nil, errors.New(paramRetryMaxTime + " must be positive")
	}

	switch rc.Policy {
	case policyDisabled:
		return func() backoff.BackOff { return &backoff.StopBackOff{} }, nil
	case policyExponential:
		return newBackoffFactory(backoff.DefaultMultiplier, rc.MaxTime, backoff.DefaultInitialInterval, uint64(rc.MaxCount)), nil
	case policyConstant:
		return newBackoffFactory(1.0, rc.MaxTime, rc.Interval, uint64(rc.MaxCount)), nil
	default:
		return nil, fmt.Errorf("%s (%s) not one of %s, %s, or %s", paramRetryPolicy, rc.Policy, policyDisabled, policyConstant, policyExponential)
	}
}

// GetRetryFromViper is RetryConfigFromViper followed by Factory.
func GetRetryFromViper(v *viper.Viper) (BackoffFactory, error) {
	return RetryConfigFromViper(v).Factory()
}

func newBackoffFactory(multiplier float64, maxElapsedTime, interval time.Duration, maxRetries uint64) BackoffFactory {
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.Multiplier = multiplier
		bo.MaxElapsedTime = maxElapsedTime
		bo.InitialInterval = interval
		bo.Reset() // Reset is required to make the InitialInterval change take effect.
		if maxRetries == 0 {
			return bo
		}
		return backoff.WithMaxRetries(bo, maxRetries)
	}
}

// Retry runs op until it succeeds, the backoff gives up or ctx is done.
// notify, if not nil, is called before every sleep.  The last error from op is
// returned.  Sleeping uses the clock attached to ctx.
func Retry(ctx context.Context, bf BackoffFactory, op func() error, notify func(err error, next time.Duration)) error {
	bo := bf()
	for {
		err := op()
		if err == nil {
			return nil
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			return err
		}
		if notify != nil {
			notify(err, next)
		}
		timer := clock.NewTimer(ctx, next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
