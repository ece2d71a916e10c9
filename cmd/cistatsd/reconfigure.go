package main

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/clients"
	"github.com/atlassian/cistatsd/pkg/config"
	"github.com/atlassian/cistatsd/pkg/events"
)

// reloadUser is reported as the author of configuration file reloads.
const reloadUser = "SYSTEM"

// reconfigurer applies the configuration to the factory and holds the job
// settings used by the web ingress.
type reconfigurer struct {
	logger  logrus.FieldLogger
	factory *clients.Factory

	mu   sync.Mutex // serialises apply
	jobs atomic.Pointer[config.Jobs]
}

func newReconfigurer(logger logrus.FieldLogger, factory *clients.Factory) *reconfigurer {
	return &reconfigurer{
		logger:  logger,
		factory: factory,
	}
}

// apply reads the configuration from v and installs the matching client.
// Nothing is changed when the configuration is invalid.  When changedFile is
// set a config changed event is sent, if system events are enabled.
func (rc *reconfigurer) apply(ctx context.Context, v *viper.Viper, changedFile string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	cfg, err := config.NewFromViper(v)
	if err != nil {
		return err
	}
	jobs, err := cfg.Jobs()
	if err != nil {
		return err
	}
	params, err := cfg.ClientParams()
	if err != nil {
		return err
	}
	client, err := rc.factory.GetClient(ctx, params)
	if err != nil {
		return err
	}
	rc.jobs.Store(jobs)

	if changedFile != "" && cfg.EmitSystemEvents {
		e := events.NewConfigChanged(ctx, reloadUser, changedFile, cfg.Hostname, "", jobs.Tags(""))
		if err := client.SendEvent(ctx, e); err != nil {
			rc.logger.WithError(err).Warn("failed to send config changed event")
		}
	}
	return nil
}

// watch reapplies the configuration whenever the file at path changes.
func (rc *reconfigurer) watch(ctx context.Context, v *viper.Viper, path string) {
	v.OnConfigChange(func(in fsnotify.Event) {
		l := rc.logger.WithField("file", in.Name)
		if err := rc.apply(ctx, v, in.Name); err != nil {
			l.WithError(err).Error("failed to apply changed configuration, keeping the previous one")
			return
		}
		l.Info("applied changed configuration")
	})
	v.WatchConfig()
	rc.logger.WithField("file", path).Info("watching configuration")
}

// Allowed reports whether job may be reported on.  Every job is allowed
// before a configuration was applied.
func (rc *reconfigurer) Allowed(job string) bool {
	if jobs := rc.jobs.Load(); jobs != nil {
		return jobs.Allowed(job)
	}
	return true
}

// Tags returns the global and job tags of job.
func (rc *reconfigurer) Tags(job string) cistatsd.TagMap {
	if jobs := rc.jobs.Load(); jobs != nil {
		return jobs.Tags(job)
	}
	return cistatsd.TagMap{}
}
