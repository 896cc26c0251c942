package gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	internalhttp "gatekeeper/internal/httputil"
	"gatekeeper/internal/metrics"
)

const maxProxyBodySize = 100 * 1024 * 1024

// SiteOptions select how allowed requests are served.
type SiteOptions struct {
	Docroot     string // static files, used when Upstream is empty
	Upstream    string // reverse-proxy target
	Maintenance string // served from a built-in page when the docroot lacks it
	Timeout     time.Duration
}

// Site serves the protected content once the gate let a request through.
type Site struct {
	handler   http.Handler
	transport *http.Transport
}

// NewSite builds a reverse proxy for opts.Upstream, or a static file server on
// opts.Docroot.
func NewSite(opts SiteOptions) (*Site, error) {
	if opts.Upstream != "" {
		return newProxySite(opts)
	}
	if opts.Docroot == "" {
		return nil, errors.New("site: docroot or upstream required")
	}
	fi, err := os.Stat(opts.Docroot)
	if err != nil {
		return nil, fmt.Errorf("site: docroot: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("site: docroot %s is not a directory", opts.Docroot)
	}
	return &Site{handler: &staticSite{
		root:        http.Dir(opts.Docroot),
		files:       http.FileServer(http.Dir(opts.Docroot)),
		docroot:     opts.Docroot,
		maintenance: opts.Maintenance,
	}}, nil
}

func (s *Site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Shutdown drops idle upstream connections.
func (s *Site) Shutdown(context.Context) error {
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return nil
}

type staticSite struct {
	root        http.Dir
	files       http.Handler
	docroot     string
	maintenance string
}

func (s *staticSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.maintenance != "" && r.URL.Path == s.maintenance {
		p := filepath.Join(s.docroot, filepath.FromSlash(strings.TrimPrefix(s.maintenance, "/")))
		if _, err := os.Stat(p); err != nil {
			w.Header().Set("Retry-After", "3600")
			internalhttp.WriteFailure(w, http.StatusServiceUnavailable,
				"This site is currently undergoing maintenance.")
			return
		}
	}
	if strings.HasSuffix(r.URL.Path, "/index.html") && s.serveIndex(w, r) {
		return
	}
	s.files.ServeHTTP(w, r)
}

// serveIndex answers explicit index.html requests in place; FileServer would
// redirect them to the directory.
func (s *staticSite) serveIndex(w http.ResponseWriter, r *http.Request) bool {
	f, err := s.root.Open(r.URL.Path)
	if err != nil {
		return false
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		return false
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	return true
}

func newProxySite(opts SiteOptions) (*Site, error) {
	target, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, fmt.Errorf("site: upstream: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout / 3,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	proxy := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			// Replaces any client-supplied X-Forwarded-* headers.
			pr.SetXForwarded()
			if addr := internalhttp.GetClientAddress(pr.In.Context()); addr != "" {
				pr.Out.Header.Set("X-Forwarded-For", addr)
			}
			if requestID := internalhttp.GetRequestID(pr.In.Context()); requestID != "" {
				pr.Out.Header.Set("X-Request-ID", requestID)
			}
		},
		ErrorHandler: proxyError,
	}

	return &Site{
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)
			start := time.Now()
			proxy.ServeHTTP(w, r)
			metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
		}),
		transport: transport,
	}, nil
}

func proxyError(w http.ResponseWriter, r *http.Request, err error) {
	logger := internalhttp.GetLogger(r.Context())

	if errors.Is(err, context.Canceled) {
		logger.Debug().Str("error_type", "context").Msg("upstream request canceled")
		metrics.UpstreamErrors.WithLabelValues("context").Inc()
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Warn().Str("error_type", "timeout").Err(err).Msg("upstream timeout")
		metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		logger.Error().Str("error_type", "dns").Err(err).Msg("upstream DNS resolution failed")
		metrics.UpstreamErrors.WithLabelValues("dns").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	if strings.Contains(err.Error(), "connection refused") {
		logger.Error().Str("error_type", "connection").Err(err).Msg("upstream connection refused")
		metrics.UpstreamErrors.WithLabelValues("connection").Inc()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	logger.Error().Str("error_type", "other").Err(err).Msg("upstream error")
	metrics.UpstreamErrors.WithLabelValues("other").Inc()
	http.Error(w, "bad gateway", http.StatusBadGateway)
}
