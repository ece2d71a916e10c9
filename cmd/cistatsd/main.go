package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ash2k/stager/wait"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atlassian/cistatsd/pkg/clients"
	"github.com/atlassian/cistatsd/pkg/config"
	"github.com/atlassian/cistatsd/pkg/flush"
	"github.com/atlassian/cistatsd/pkg/tracecache"
	"github.com/atlassian/cistatsd/pkg/transport"
	"github.com/atlassian/cistatsd/pkg/util"
	"github.com/atlassian/cistatsd/pkg/web"
)

const (
	// ParamVerbose enables verbose logging.
	ParamVerbose = "verbose"
	// ParamJSON makes logger log in JSON format.
	ParamJSON = "json"
	// ParamConfigPath provides file with configuration.
	ParamConfigPath = "config-path"
	// ParamVersion makes program output its version.
	ParamVersion = "version"
	// ParamFlushInterval is the cadence of the flush cycle.
	ParamFlushInterval = "flush-interval"

	DefaultFlushInterval = 10 * time.Second
)

var (
	// BuildDate is the date when the binary was built.
	BuildDate string
	// GitCommit is the commit hash that built the binary.
	GitCommit string
	// Version is the version.
	Version string
)

func main() {
	v, version, err := setupConfiguration(os.Args)
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logrus.Fatalf("Error while parsing configuration: %v", err)
	}
	if version {
		fmt.Printf("Version: %s - Commit: %s - Date: %s\n", Version, GitCommit, BuildDate)
		return
	}
	if err := run(v); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func run(v *viper.Viper) error {
	logger := logrus.StandardLogger()
	logger.WithField("version", Version).Info("Starting cistatsd")

	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	interval := v.GetDuration(ParamFlushInterval)
	if interval <= 0 {
		return fmt.Errorf("%s must be positive", ParamFlushInterval)
	}

	pool := transport.NewTransportPool(logger, v)
	clientOptions := clients.OptionsFromViper(v)
	// Series report the cadence they were aggregated over.
	clientOptions.Datadog.Interval = interval
	factory := clients.NewFactory(logger, pool, clientOptions)
	defer func() {
		if err := factory.Close(); err != nil {
			logger.WithError(err).Warn("failed to close client")
		}
	}()

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	flusher := flush.NewFlusher(factory, factory.Store(), flush.OptionsFromViper(v), logger, reg)
	traces := tracecache.NewFromViper(v, logger)

	rc := newReconfigurer(logger, factory)
	if err := rc.apply(ctx, v, ""); err != nil {
		return err
	}
	if path := v.GetString(ParamConfigPath); path != "" {
		rc.watch(ctx, v, path)
	}

	server, err := web.NewServer(logger, web.Ingress{
		Source:          factory,
		Store:           factory.Store(),
		Flusher:         flusher,
		Traces:          traces,
		Jobs:            rc,
		Gatherer:        reg,
		HealthProviders: []interface{}{flusher, factory},
	}, web.OptionsFromViper(v))
	if err != nil {
		return err
	}

	scheduler, err := newFlushScheduler(logger, flusher, interval)
	if err != nil {
		return err
	}

	var wg wait.Group
	wg.StartWithContext(ctx, traces.Run)
	wg.StartWithContext(ctx, server.Run)
	wg.StartWithContext(ctx, scheduler.Run)
	wg.Wait()

	// Counts recorded since the last cycle.
	res := flusher.Flush(context.Background())
	logger.WithFields(logrus.Fields{
		"submitted": res.Submitted,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}).Info("final flush")
	return nil
}

func setupConfiguration(args []string) (*viper.Viper, bool, error) {
	v := viper.New()
	defer setupLogger(v) // Apply logging configuration in case of early exit
	util.InitViper(v, "")

	var version bool

	cmd := pflag.NewFlagSet(args[0], pflag.ContinueOnError)

	cmd.BoolVar(&version, ParamVersion, false, "Print the version and exit")
	cmd.Bool(ParamVerbose, false, "Verbose")
	cmd.Bool(ParamJSON, false, "Log in JSON format")
	cmd.String(ParamConfigPath, "", "Path to the configuration file")
	cmd.Duration(ParamFlushInterval, DefaultFlushInterval, "How often counters are flushed")

	config.AddFlags(cmd)

	cmd.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err) // Should never happen
		}
	})

	if err := cmd.Parse(args[1:]); err != nil {
		return nil, false, err
	}

	configPath := v.GetString(ParamConfigPath)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, false, err
		}
	}

	return v, version, nil
}

func setupLogger(v *viper.Viper) {
	if v.GetBool(ParamVerbose) {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if v.GetBool(ParamJSON) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
