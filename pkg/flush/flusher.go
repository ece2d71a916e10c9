package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"
	"golang.org/x/time/rate"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/healthcheck"
)

const (
	paramFlushTimeout      = "flush-timeout"
	paramErrorLogsPerCycle = "flush-error-logs-per-second"

	defaultFlushTimeout      = 30 * time.Second
	defaultErrorLogsPerCycle = 1.0
	errorLogBurst            = 5
)

// Options configures a Flusher.
type Options struct {
	// Timeout bounds a whole cycle, zero disables it.
	Timeout time.Duration
	// ErrorLogsPerSecond limits how many failures are logged.
	ErrorLogsPerSecond float64
}

// OptionsFromViper reads the flusher options from v.
func OptionsFromViper(v *viper.Viper) Options {
	v.SetDefault(paramFlushTimeout, defaultFlushTimeout)
	v.SetDefault(paramErrorLogsPerCycle, defaultErrorLogsPerCycle)
	return Options{
		Timeout:            v.GetDuration(paramFlushTimeout),
		ErrorLogsPerSecond: v.GetFloat64(paramErrorLogsPerCycle),
	}
}

// Result summarises one flush cycle.
type Result struct {
	Keys      int // keys drained from the store
	Submitted int // counters delivered, as far as the client can tell
	Failed    int // counters that failed, or failed sends of unknown size
	Skipped   bool
}

// Flusher drains the CounterStore into the active client.  It is driven
// from the outside, Flush is never called by this package on a timer.
type Flusher struct {
	// 64-bit fields first for alignment.
	lastFlush      int64 // Unix nsec of the last cycle without failures, atomic
	lastFlushError int64 // Unix nsec of the last cycle with failures, atomic

	source  cistatsd.ClientSource
	store   *cistatsd.CounterStore
	timeout time.Duration
	logger  logrus.FieldLogger
	limiter *rate.Limiter

	cycles   prom.Counter
	counters *prom.CounterVec

	mu sync.Mutex // serialises Flush
}

// NewFlusher returns a Flusher.  Its metrics are registered with reg, a
// private registry is used when reg is nil.
func NewFlusher(source cistatsd.ClientSource, store *cistatsd.CounterStore, options Options, logger logrus.FieldLogger, reg prom.Registerer) *Flusher {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	if options.ErrorLogsPerSecond <= 0 {
		options.ErrorLogsPerSecond = defaultErrorLogsPerCycle
	}
	f := &Flusher{
		source:  source,
		store:   store,
		timeout: options.Timeout,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(options.ErrorLogsPerSecond), errorLogBurst),
		cycles: prom.NewCounter(prom.CounterOpts{
			Namespace: "cistatsd",
			Name:      "flush_cycles_total",
			Help:      "Flush cycles which reached a configured client",
		}),
		counters: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cistatsd",
			Name:      "flush_counters_total",
			Help:      "Counters handed to the client by result",
		}, []string{"result"}),
	}
	reg.MustRegister(f.cycles, f.counters)
	return f
}

// Flush runs one cycle.  When no client is configured nothing is drained, so
// the counts are kept for the first configured cycle.  Failures are logged
// and counted, they never stop the cycle.
func (f *Flusher) Flush(ctx context.Context) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	client := f.source.Client()
	if client == nil {
		f.logger.Debug("no client configured, skipping flush")
		return Result{Skipped: true}
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clock.TimeoutContext(ctx, f.timeout)
		defer cancel()
	}

	counts := f.store.GetAndReset()
	res := Result{Keys: len(counts)}
	batch := client.NewCounterBatch()
	for key, value := range counts {
		if value <= 0 {
			continue
		}
		if err := batch.Add(key.Name, key.Hostname, key.Tags(), value); err != nil {
			res.Failed++
			f.logFailure(err, key)
			continue
		}
		res.Submitted++
	}

	for _, err := range batch.Send(ctx) {
		var be *cistatsd.BatchError
		if errors.As(err, &be) && be.Counters > 0 {
			lost := be.Counters
			if lost > res.Submitted {
				lost = res.Submitted
			}
			res.Submitted -= lost
			res.Failed += lost
		} else {
			res.Failed++
		}
		f.logFailure(err, cistatsd.CounterKey{})
	}

	f.cycles.Inc()
	f.counters.WithLabelValues("submitted").Add(float64(res.Submitted))
	f.counters.WithLabelValues("failed").Add(float64(res.Failed))

	now := clock.FromContext(ctx).Now().UnixNano()
	if res.Failed > 0 {
		atomic.StoreInt64(&f.lastFlushError, now)
	} else {
		atomic.StoreInt64(&f.lastFlush, now)
	}

	f.logger.WithFields(logrus.Fields{
		"keys":      res.Keys,
		"submitted": res.Submitted,
		"failed":    res.Failed,
	}).Debug("flushed counters")
	return res
}

func (f *Flusher) logFailure(err error, key cistatsd.CounterKey) {
	if !f.limiter.Allow() {
		return
	}
	l := f.logger.WithError(err)
	if key.Name != "" {
		l = l.WithField("metric", key.String())
	}
	l.Warn("failed to submit counters")
}

// HealthChecks reports unhealthy when the most recent cycle had failures.
func (f *Flusher) HealthChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{
		func() (string, healthcheck.HealthyStatus) {
			lastFlush := atomic.LoadInt64(&f.lastFlush)
			lastFlushError := atomic.LoadInt64(&f.lastFlushError)
			if lastFlushError > lastFlush {
				return fmt.Sprintf("last flush failed at %s", time.Unix(0, lastFlushError).UTC().Format(time.RFC3339)), healthcheck.Unhealthy
			}
			return "flush ok", healthcheck.Healthy
		},
	}
}
