package client

/*
certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package client provides the HTTP clients certwatch uses: one shared, pooled
client for API calls (crt.sh) and per-use probe clients that talk to
monitored hosts.

The shared client is configured once and retrieved by every caller so TCP
connections to the same API host are reused.
*/

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// UserAgent is sent on every request.
	UserAgent = "certwatch/1.0 (+https://github.com/x-stp/certwatch)"
	// MaxRedirects is the redirect budget of a following probe.
	MaxRedirects = 10
	// MaxIdleConnsPerHost is the default per-host idle pool of the shared client.
	MaxIdleConnsPerHost = 32
)

var (
	defaultDialTimeout      = 5 * time.Second
	defaultKeepAliveTimeout = 60 * time.Second
	defaultIdleConnTimeout  = 90 * time.Second
	defaultMaxIdleConns     = 100
	defaultMaxConnsPerHost  = 64
	defaultRequestTimeout   = 30 * time.Second

	sharedClient      *http.Client
	sharedClientLock  sync.RWMutex
	clientInitialized bool
)

// ErrTooManyRedirects is returned by a following probe that exceeded
// MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// Config holds transport settings. Zero fields take defaults.
type Config struct {
	DialTimeout      time.Duration
	KeepAliveTimeout time.Duration
	IdleConnTimeout  time.Duration
	MaxIdleConns     int
	// MaxIdleConnsPerHost is the idle pool kept per host.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost caps dialing, active and idle connections per host.
	// On limit violation, dials block.
	MaxConnsPerHost int
	// RequestTimeout bounds a whole request including redirects and body.
	RequestTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		DialTimeout:         defaultDialTimeout,
		KeepAliveTimeout:    defaultKeepAliveTimeout,
		IdleConnTimeout:     defaultIdleConnTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		RequestTimeout:      defaultRequestTimeout,
	}
}

func (c *Config) fill() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.DialTimeout > 0 {
		out.DialTimeout = c.DialTimeout
	}
	if c.KeepAliveTimeout > 0 {
		out.KeepAliveTimeout = c.KeepAliveTimeout
	}
	if c.IdleConnTimeout > 0 {
		out.IdleConnTimeout = c.IdleConnTimeout
	}
	if c.MaxIdleConns > 0 {
		out.MaxIdleConns = c.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost > 0 {
		out.MaxIdleConnsPerHost = c.MaxIdleConnsPerHost
	}
	if c.MaxConnsPerHost > 0 {
		out.MaxConnsPerHost = c.MaxConnsPerHost
	}
	if c.RequestTimeout > 0 {
		out.RequestTimeout = c.RequestTimeout
	}
	return out
}

// uaTransport stamps the User-Agent header.
type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}

// InitHTTPClient (re)builds the shared client. A nil config uses defaults.
// Idle connections of a replaced client are closed.
func InitHTTPClient(config *Config) {
	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	config = config.fill()

	if sharedClient != nil {
		if ua, ok := sharedClient.Transport.(*uaTransport); ok {
			if old, ok := ua.base.(*http.Transport); ok {
				old.CloseIdleConnections()
			}
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.RequestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	sharedClient = &http.Client{
		Transport: &uaTransport{base: transport},
		Timeout:   config.RequestTimeout,
	}
	clientInitialized = true
}

// GetHTTPClient returns the shared client, initializing it with defaults on
// first use.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		InitHTTPClient(nil)
		sharedClientLock.RLock()
	}
	client := sharedClient
	sharedClientLock.RUnlock()
	return client
}

// NewProbeClient returns a client for talking to a monitored host. Server
// certificates are not verified here because chain validity is judged from
// the handshake. Connections are not pooled. When follow is false the first
// response is returned as is, redirects included.
func NewProbeClient(timeout time.Duration, follow bool) *http.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: min(timeout, defaultDialTimeout*2),
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // validity is evaluated separately
		},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport:     &uaTransport{base: transport},
		Timeout:       timeout,
		CheckRedirect: redirectPolicy(follow),
	}
}

func redirectPolicy(follow bool) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if !follow {
			return http.ErrUseLastResponse
		}
		if len(via) >= MaxRedirects {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, len(via))
		}
		return nil
	}
}
