// Package httpkit builds the outbound HTTP clients Knotwright uses to
// reach inference servers, and reads error bodies without holding
// connections open.
//
// No retry transport lives here. The single native-to-fallback retry in
// the llm package is the only automatic retry.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/knotwright/internal/buildinfo"
)

const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 4

	// DefaultHeaderTimeout bounds the wait for response headers. Inference
	// servers answering with stream:false send headers only after the
	// whole reply is generated, so chat clients pass zero.
	DefaultHeaderTimeout = 15 * time.Second

	// DefaultErrorBodyLimit is how much of a failed response body is kept.
	DefaultErrorBodyLimit = 2048
)

// Option adjusts a client built by [NewClient].
type Option func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
	userAgent     string
}

// WithTimeout sets http.Client.Timeout. Zero leaves deadlines to the
// request context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithResponseHeaderTimeout replaces [DefaultHeaderTimeout]. Zero disables it.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// WithUserAgent replaces the build's default User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// NewClient returns a client with its own pooled transport. Every
// request carries a User-Agent unless the caller already set one.
func NewClient(opts ...Option) *http.Client {
	o := options{
		timeout:       30 * time.Second,
		headerTimeout: DefaultHeaderTimeout,
		userAgent:     buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout:   o.timeout,
		Transport: &uaTransport{base: transport, ua: o.userAgent},
	}
}

type uaTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// NormalizeBaseURL trims spaces and trailing slashes from a server address.
func NormalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}

// DrainAndClose discards up to limit bytes so the connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns at most limit bytes of rc and closes it. Longer
// bodies end with "...(truncated)".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	if int64(len(body)) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "...(truncated)"
}
