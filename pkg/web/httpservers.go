package web

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/cistatsd"
	"github.com/atlassian/cistatsd/pkg/flush"
	"github.com/atlassian/cistatsd/pkg/healthcheck"
	"github.com/atlassian/cistatsd/pkg/tracecache"
	"github.com/atlassian/cistatsd/pkg/util"
)

const (
	paramAddress           = "address"
	paramEnableProf        = "enable-prof"
	paramEnableExpVar      = "enable-expvar"
	paramEnableIngestion   = "enable-ingestion"
	paramEnableHealthcheck = "enable-healthcheck"

	DefaultAddress = "127.0.0.1:8126"
)

// Flusher runs a flush cycle on demand.
type Flusher interface {
	Flush(ctx context.Context) flush.Result
}

// JobPolicy filters and tags by job name.
type JobPolicy interface {
	Allowed(job string) bool
	Tags(job string) cistatsd.TagMap
}

// Ingress is what the routes of a Server operate on.  Optional parts left nil
// disable their routes.
type Ingress struct {
	Source  cistatsd.ClientSource
	Store   *cistatsd.CounterStore
	Flusher Flusher
	Traces  *tracecache.Cache
	// Jobs applies to requests naming a job.
	Jobs JobPolicy
	// Gatherer serves /metrics.
	Gatherer prom.Gatherer
	// HealthProviders may implement healthcheck.HealthCheckProvider and/or
	// healthcheck.DeepCheckProvider.
	HealthProviders []interface{}
}

// Options selects the address and the route groups of a Server.
type Options struct {
	Address           string
	EnableProf        bool
	EnableExpVar      bool
	EnableIngestion   bool
	EnableHealthcheck bool
}

// OptionsFromViper reads the options from the "http" section of v.
func OptionsFromViper(v *viper.Viper) Options {
	vSub := util.GetSubViper(v, "http")
	vSub.SetDefault(paramAddress, DefaultAddress)
	vSub.SetDefault(paramEnableProf, false)
	vSub.SetDefault(paramEnableExpVar, false)
	vSub.SetDefault(paramEnableIngestion, true)
	vSub.SetDefault(paramEnableHealthcheck, true)
	return Options{
		Address:           vSub.GetString(paramAddress),
		EnableProf:        vSub.GetBool(paramEnableProf),
		EnableExpVar:      vSub.GetBool(paramEnableExpVar),
		EnableIngestion:   vSub.GetBool(paramEnableIngestion),
		EnableHealthcheck: vSub.GetBool(paramEnableHealthcheck),
	}
}

// Server is the HTTP ingress of the CI host.
type Server struct {
	logger  logrus.FieldLogger
	address string
	Router  *mux.Router
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

var done = struct{}{}

// NewServer builds the router of a Server.
func NewServer(logger logrus.FieldLogger, in Ingress, options Options) (*Server, error) {
	var routes []route

	server := &Server{
		logger:  logger,
		address: options.Address,
	}

	if options.EnableProf {
		profiler := &traceProfiler{}
		routes = append(routes,
			route{path: "/memprof", handler: profiler.MemProf, method: "POST", name: "profmem_post"},
			route{path: "/pprof", handler: profiler.PProf, method: "POST", name: "profpprof_post"},
			route{path: "/trace", handler: profiler.Trace, method: "POST", name: "proftrace_post"},
		)
	}

	if options.EnableExpVar {
		routes = append(routes,
			route{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
		)
	}

	if options.EnableIngestion {
		if in.Source == nil || in.Store == nil {
			return nil, errors.New("ingestion requires a client source and a counter store")
		}
		ih := &ingressHandler{
			logger:  logger,
			source:  in.Source,
			store:   in.Store,
			flusher: in.Flusher,
			traces:  in.Traces,
			jobs:    in.Jobs,
		}
		routes = append(routes,
			route{path: "/v1/counter", handler: ih.counter, method: "POST", name: "counter_post"},
			route{path: "/v1/event", handler: ih.event, method: "POST", name: "event_post"},
			route{path: "/v1/check", handler: ih.check, method: "POST", name: "check_post"},
			route{path: "/v1/log", handler: ih.log, method: "POST", name: "log_post"},
			route{path: "/v1/build", handler: ih.build, method: "POST", name: "build_post"},
		)
		if in.Flusher != nil {
			routes = append(routes,
				route{path: "/v1/flush", handler: ih.flush, method: "POST", name: "flush_post"},
			)
		}
		if in.Traces != nil {
			routes = append(routes,
				route{path: "/v1/trace", handler: ih.putTrace, method: "POST", name: "trace_post"},
				route{path: "/v1/trace/{build}", handler: ih.deleteTrace, method: "DELETE", name: "trace_delete"},
			)
		}
	}

	if options.EnableHealthcheck {
		hc := &healthChecker{logger: logger}
		hc.healthChecks, hc.deepChecks = healthcheck.MaybeAppendHealthChecks(nil, nil, in.HealthProviders...)
		routes = append(routes,
			route{path: "/healthcheck", handler: hc.healthCheck, method: "GET", name: "healthcheck_get"},
			route{path: "/deepcheck", handler: hc.deepCheck, method: "GET", name: "deepcheck_get"},
		)
	}

	if in.Gatherer != nil {
		routes = append(routes,
			route{path: "/metrics", handler: promhttp.HandlerFor(in.Gatherer, promhttp.HandlerOpts{}).ServeHTTP, method: "GET", name: "metrics_get"},
		)
	}

	if len(routes) == 0 {
		return nil, fmt.Errorf("must enable at least one of prof, expvar, ingestion, healthcheck or metrics")
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = server.logRequest(http.HandlerFunc(server.notFound))
	router.Use(server.logRequest)
	server.Router = router

	logger.WithFields(logrus.Fields{
		"address":            options.Address,
		"enable-pprof":       options.EnableProf,
		"enable-expvar":      options.EnableExpVar,
		"enable-ingestion":   options.EnableIngestion,
		"enable-healthcheck": options.EnableHealthcheck,
		"enable-metrics":     in.Gatherer != nil,
	}).Info("Created server")

	return server, nil
}

func (s *Server) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("not found"))
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logFields := logrus.Fields{
			"srcip": strings.Split(req.RemoteAddr, ":")[0],
			"path":  req.URL.Path,
		}
		if route := mux.CurrentRoute(req); route == nil {
			logFields["method"] = req.Method
		} else {
			logFields["route"] = route.GetName()
		}
		if source := req.Header.Get("X-Forwarded-For"); source != "" {
			logFields["forwarded_for"] = source
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		dur := time.Since(start)

		logFields["duration"] = float64(dur) / float64(time.Millisecond)
		s.logger.WithFields(logFields).Debug("request")
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) {
	server := &http.Server{
		Addr:              s.address,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	chStopped := make(chan struct{}, 1)
	go s.waitAndStop(ctx, server, chStopped)

	s.logger.WithField("address", server.Addr).Info("listening")

	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		s.logger.WithError(err).Error("web server failed")
		return
	}

	select {
	case <-chStopped:
	case <-time.After(6 * time.Second):
		s.logger.Info("timeout waiting for webserver to stop")
	}
}

// waitAndStop shuts the server down once ctx is done and signals on chStopped.
// It doesn't signal if Shutdown never returns.
func (s *Server) waitAndStop(ctx context.Context, server *http.Server, chStopped chan<- struct{}) {
	<-ctx.Done()

	s.logger.Info("shutting down web server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(timeoutCtx); err != nil {
		s.logger.WithError(err).Warn("failed to stop web server")
	}
	chStopped <- done
}
