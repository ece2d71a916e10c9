package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/cistatsd/pkg/util"
)

const (
	paramTransportClientTimeout = "client-timeout"
	paramTransportCustomHeaders = "custom-headers"
	paramTransportType          = "type"
	paramTransportUserAgent     = "user-agent"

	defaultTransportClientTimeout = 10 * time.Second
	defaultTransportType          = transportTypeHttp
	defaultTransportUserAgent     = "cistatsd"

	transportTypeHttp = "http"
)

// TransportPool creates Clients as required, using the provided viper.Viper for configuration.
// Clients are configured under transport.<name>, an unknown name falls back to transport.default.
type TransportPool struct {
	config *viper.Viper
	logger logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewTransportPool(logger logrus.FieldLogger, config *viper.Viper) *TransportPool {
	config.SetDefault("transport.default", map[string]interface{}{})
	return &TransportPool{
		logger:  logger,
		clients: map[string]*Client{},
		config:  config,
	}
}

// Get returns the Client for name, creating it on first use.
func (tp *TransportPool) Get(name string) (*Client, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if hc, ok := tp.clients[name]; ok {
		return hc, nil
	}

	hc, err := tp.newClient(name)
	if err != nil {
		return nil, err
	}
	tp.clients[name] = hc
	return hc, nil
}

func (tp *TransportPool) newClient(name string) (*Client, error) {
	sub := tp.config.Sub("transport." + name)
	if sub == nil {
		tp.logger.WithField("name", name).Warn("request for non-configured transport, using transport.default")
		sub = util.GetSubViper(tp.config, "transport.default")
	} else {
		util.InitViper(sub, "transport."+name)
	}

	sub.SetDefault(paramTransportClientTimeout, defaultTransportClientTimeout)
	sub.SetDefault(paramTransportType, defaultTransportType)
	sub.SetDefault(paramTransportUserAgent, defaultTransportUserAgent)
	sub.SetDefault(paramTransportCustomHeaders, map[string]string{})

	clientTimeout := sub.GetDuration(paramTransportClientTimeout)
	transportType := sub.GetString(paramTransportType)
	userAgent := sub.GetString(paramTransportUserAgent)
	customHeaders := sub.GetStringMapString(paramTransportCustomHeaders)

	if clientTimeout < 0 {
		return nil, errors.New(paramTransportClientTimeout + " must not be negative") // 0 = no timeout
	}

	bf, err := util.GetRetryFromViper(sub)
	if err != nil {
		return nil, err
	}

	var transport *http.Transport
	switch transportType {
	case transportTypeHttp:
		transport, err = tp.newHttpTransport(name, sub)
	default:
		err = errors.New(paramTransportType + " must be http")
	}
	if err != nil {
		return nil, err
	}

	tp.logger.WithFields(logrus.Fields{
		"name":                      name,
		paramTransportType:          transportType,
		paramTransportClientTimeout: clientTimeout,
		paramTransportUserAgent:     userAgent,
	}).Info("created client")

	return &Client{
		logger:        tp.logger.WithField("transport", name),
		userAgent:     userAgent,
		customHeaders: customHeaders,
		backoff:       bf,
		Client: &http.Client{
			Transport: transport,
			Timeout:   clientTimeout,
		},
	}, nil
}
