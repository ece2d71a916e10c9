package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
)

const (
	paramHttpDialerKeepAlive       = "dialer-keep-alive"
	paramHttpDialerTimeout         = "dialer-timeout"
	paramHttpEnableHttp2           = "enable-http2"
	paramHttpIdleConnectionTimeout = "idle-connection-timeout"
	paramHttpMaxIdleConnections    = "max-idle-connections"
	paramHttpNetwork               = "network"
	paramHttpTLSHandshakeTimeout   = "tls-handshake-timeout"
	paramHttpResponseHeaderTimeout = "response-header-timeout"

	defaultHttpDialerKeepAlive       = 30 * time.Second
	defaultHttpDialerTimeout         = 5 * time.Second
	defaultHttpEnableHttp2           = false
	defaultHttpIdleConnectionTimeout = 1 * time.Minute
	defaultHttpMaxIdleConnections    = 50
	defaultHttpNetwork               = "tcp"
	defaultHttpTLSHandshakeTimeout   = 3 * time.Second
	defaultHttpResponseHeaderTimeout = time.Duration(0)
)

func (tp *TransportPool) newHttpTransport(name string, v *viper.Viper) (*http.Transport, error) {
	v.SetDefault(paramHttpDialerKeepAlive, defaultHttpDialerKeepAlive)
	v.SetDefault(paramHttpDialerTimeout, defaultHttpDialerTimeout)
	v.SetDefault(paramHttpEnableHttp2, defaultHttpEnableHttp2)
	v.SetDefault(paramHttpIdleConnectionTimeout, defaultHttpIdleConnectionTimeout)
	v.SetDefault(paramHttpMaxIdleConnections, defaultHttpMaxIdleConnections)
	v.SetDefault(paramHttpNetwork, defaultHttpNetwork)
	v.SetDefault(paramHttpTLSHandshakeTimeout, defaultHttpTLSHandshakeTimeout)
	v.SetDefault(paramHttpResponseHeaderTimeout, defaultHttpResponseHeaderTimeout)

	dialerKeepAlive := v.GetDuration(paramHttpDialerKeepAlive)
	dialerTimeout := v.GetDuration(paramHttpDialerTimeout)
	enableHttp2 := v.GetBool(paramHttpEnableHttp2)
	idleConnectionTimeout := v.GetDuration(paramHttpIdleConnectionTimeout)
	maxIdleConnections := v.GetInt(paramHttpMaxIdleConnections)
	network := v.GetString(paramHttpNetwork)
	tlsHandshakeTimeout := v.GetDuration(paramHttpTLSHandshakeTimeout)
	responseHeaderTimeout := v.GetDuration(paramHttpResponseHeaderTimeout)

	if dialerKeepAlive < -1 {
		return nil, errors.New(paramHttpDialerKeepAlive + " must be -1, 0, or positive") // -1 = disabled, 0 = enabled with OS interval
	}
	if dialerTimeout < 0 {
		return nil, errors.New(paramHttpDialerTimeout + " must not be negative")
	}
	if idleConnectionTimeout < 0 {
		return nil, errors.New(paramHttpIdleConnectionTimeout + " must not be negative")
	}
	if maxIdleConnections < 0 {
		return nil, errors.New(paramHttpMaxIdleConnections + " must not be negative")
	}
	if tlsHandshakeTimeout < 0 {
		return nil, errors.New(paramHttpTLSHandshakeTimeout + " must not be negative")
	}
	if responseHeaderTimeout < 0 {
		return nil, errors.New(paramHttpResponseHeaderTimeout + " must not be negative")
	}

	dialer := &net.Dialer{
		Timeout:   dialerTimeout,
		KeepAlive: dialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: func(ctx context.Context, _, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		},
		MaxIdleConns:          maxIdleConnections,
		IdleConnTimeout:       idleConnectionTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}

	if enableHttp2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, err
		}
	} else {
		// A non-nil empty map disables HTTP/2 negotiation.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	tp.logger.WithFields(logrus.Fields{
		"name":                         name,
		paramHttpDialerKeepAlive:       dialerKeepAlive,
		paramHttpDialerTimeout:         dialerTimeout,
		paramHttpEnableHttp2:           enableHttp2,
		paramHttpIdleConnectionTimeout: idleConnectionTimeout,
		paramHttpMaxIdleConnections:    maxIdleConnections,
		paramHttpNetwork:               network,
		paramHttpTLSHandshakeTimeout:   tlsHandshakeTimeout,
	}).Debug("created transport")

	return transport, nil
}
