// Package httpclient configures the HTTP client used for outbound calls:
// alert webhooks and the warming resolver.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

type options struct {
	timeout         time.Duration
	maxIdlePerHost  int
	dialTimeout     time.Duration
	transportLayers []func(http.RoundTripper) http.RoundTripper
}

type Option func(*options)

// WithTimeout bounds a whole request including the body read.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithMaxIdleConnsPerHost(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxIdlePerHost = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithRoundTripper wraps the transport, outermost last.
func WithRoundTripper(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(o *options) { o.transportLayers = append(o.transportLayers, wrap) }
}

// UserAgent returns a round tripper layer that sets the User-Agent header
// when the request has none.
func UserAgent(ua string) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if r.Header.Get("User-Agent") == "" {
				r = r.Clone(r.Context())
				r.Header.Set("User-Agent", ua)
			}
			return next.RoundTrip(r)
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// NewOutbound creates a new outbound http client
func NewOutbound(opts ...Option) *http.Client {
	o := options{
		timeout:        30 * time.Second,
		maxIdlePerHost: 32,
		dialTimeout:    5 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: o.dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   o.maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	for _, wrap := range o.transportLayers {
		rt = wrap(rt)
	}
	return &http.Client{
		Transport: rt,
		Timeout:   o.timeout,
	}
}
