package clients

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/backends/datadog"
	"github.com/atlassian/cistatsd/pkg/backends/dogstatsd"
	"github.com/atlassian/cistatsd/pkg/healthcheck"
	"github.com/atlassian/cistatsd/pkg/transport"
)

const paramValidateOnConfigure = "validate-on-configure"

// Options configures a Factory.
type Options struct {
	Datadog             datadog.Options
	ValidateOnConfigure bool
}

// OptionsFromViper reads the factory options from v.
func OptionsFromViper(v *viper.Viper) Options {
	v.SetDefault(paramValidateOnConfigure, false)
	return Options{
		Datadog:             datadog.OptionsFromViper(v),
		ValidateOnConfigure: v.GetBool(paramValidateOnConfigure),
	}
}

type installed struct {
	params cistatsd.ClientParams
	client cistatsd.Client
}

// Factory owns the process wide CounterStore and the active Client.  Readers
// never block, reconfiguration is serialised.
type Factory struct {
	store   *cistatsd.CounterStore
	logger  logrus.FieldLogger
	options Options

	// newClient builds a client from validated params.
	newClient func(params cistatsd.ClientParams) (cistatsd.Client, error)

	mu      sync.Mutex // held while replacing current
	current atomic.Pointer[installed]
}

var _ cistatsd.ClientSource = (*Factory)(nil)

// NewFactory returns a Factory with a fresh CounterStore and no client.
func NewFactory(logger logrus.FieldLogger, pool *transport.TransportPool, options Options) *Factory {
	f := &Factory{
		store:   cistatsd.NewCounterStore(),
		logger:  logger,
		options: options,
	}
	f.newClient = func(params cistatsd.ClientParams) (cistatsd.Client, error) {
		switch params.Type {
		case cistatsd.ClientDogStatsD:
			return dogstatsd.NewClient(params, f.store, logger)
		default:
			return datadog.NewClient(params, f.store, options.Datadog, logger, pool)
		}
	}
	return f
}

// Store returns the CounterStore shared by every client built by f.
func (f *Factory) Store() *cistatsd.CounterStore {
	return f.store
}

// Client returns the active client, or nil if GetClient never succeeded.
func (f *Factory) Client() cistatsd.Client {
	if cur := f.current.Load(); cur != nil {
		return cur.client
	}
	return nil
}

// GetClient returns the active client when it was built from equal params,
// otherwise it builds a new client, installs it and closes the previous one.
// If construction fails the previous client stays installed.
func (f *Factory) GetClient(ctx context.Context, params cistatsd.ClientParams) (cistatsd.Client, error) {
	if cur := f.current.Load(); cur != nil && cur.params == params {
		return cur.client, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.current.Load()
	if old != nil && old.params == params {
		return old.client, nil
	}

	client, err := f.newClient(params)
	if err != nil {
		f.logger.WithError(err).WithField("type", params.Type).Error("failed to configure client")
		return nil, err
	}
	f.current.Store(&installed{params: params, client: client})
	f.logger.WithField("type", params.Type).Info("installed client")

	if old != nil {
		if err := old.client.Close(); err != nil {
			f.logger.WithError(err).Warn("failed to close previous client")
		}
	}

	if f.options.ValidateOnConfigure {
		ok, err := client.Validate(ctx)
		if err != nil {
			f.logger.WithError(err).Warn("failed to validate client")
		} else if !ok {
			f.logger.WithField("type", params.Type).Warn("client failed validation")
		}
	}
	return client, nil
}

// Close closes the active client and uninstalls it.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.current.Swap(nil)
	if cur == nil {
		return nil
	}
	return cur.client.Close()
}

// DeepChecks reports whether a client is configured.
func (f *Factory) DeepChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{
		func() (string, healthcheck.HealthyStatus) {
			if f.Client() == nil {
				return "client not configured", healthcheck.Unhealthy
			}
			return "client configured", healthcheck.Healthy
		},
	}
}
