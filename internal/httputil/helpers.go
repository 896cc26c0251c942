package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context keys for request metadata
type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	clientAddressKey
)

// Buffer pool for JSON encoding
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// GenerateRequestID creates a new random request ID
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger retrieves the request-scoped logger, falling back to the global one.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	return &log.Logger
}

// WithClientAddress records the resolved source address of the request.
func WithClientAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, clientAddressKey, address)
}

// GetClientAddress returns the address stored by WithClientAddress.
func GetClientAddress(ctx context.Context) string {
	if addr, ok := ctx.Value(clientAddressKey).(string); ok {
		return addr
	}
	return ""
}

// RequestIDMiddleware extracts or generates request ID and adds it to context and headers
func RequestIDMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = GenerateRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)

			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Logger()

			ctx := WithRequestID(r.Context(), requestID)
			ctx = WithLogger(ctx, &reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientAddressPolicy decides which address a request is attributed to.
//
// With TrustForwarded set, the left-most X-Forwarded-For entry wins when it
// parses as an IP. That header is client-controlled: unless TrustedProxies
// restricts which peers may set it, any visitor can claim any address.
type ClientAddressPolicy struct {
	TrustForwarded bool
	TrustedProxies []*net.IPNet
}

// Resolve returns the source address of r, or "" when none can be determined.
func (p ClientAddressPolicy) Resolve(r *http.Request) string {
	peer := peerAddress(r.RemoteAddr)

	if p.TrustForwarded && p.peerTrusted(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	if peer == nil {
		return ""
	}
	return peer.String()
}

func (p ClientAddressPolicy) peerTrusted(peer net.IP) bool {
	if len(p.TrustedProxies) == 0 {
		return true
	}
	if peer == nil {
		return false
	}
	for _, ipNet := range p.TrustedProxies {
		if ipNet.Contains(peer) {
			return true
		}
	}
	return false
}

func peerAddress(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(strings.Trim(host, "[]"))
}

// ParseCIDRs parses proxy ranges. Bare addresses are accepted as single-host ranges.
func ParseCIDRs(values []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			ip := net.ParseIP(v)
			if ip == nil {
				return nil, fmt.Errorf("invalid proxy address %q", v)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(v)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy CIDR %q: %w", v, err)
		}
		out = append(out, ipNet)
	}
	return out, nil
}

// SanitizeReturnURL restricts redirect targets to same-origin paths.
// Accepts: "/", "/path", "/path?query", but NOT "//host", "http://", "https://".
func SanitizeReturnURL(in string) string {
	in, _, _ = strings.Cut(in, "#")
	if in == "" {
		return "/"
	}

	// Decode first so %2F%2Fevil.com is caught too.
	decoded, err := url.QueryUnescape(in)
	if err != nil {
		return "/"
	}
	if strings.Contains(decoded, "://") ||
		strings.HasPrefix(decoded, "//") ||
		strings.HasPrefix(decoded, `/\`) {
		return "/"
	}

	u, err := url.ParseRequestURI(in)
	if err != nil {
		return "/"
	}
	if u.Host != "" || u.Scheme != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "/"
	}

	// Keep path + raw query; drop fragments
	out := u.Path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// Redirect sends a 302 to a same-origin path.
func Redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, SanitizeReturnURL(target), http.StatusFound)
}

// WriteJSON writes a JSON response with proper headers and error handling.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("JSON encode failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}

var failurePage = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

// WriteFailure renders the generic failure page. msg is shown to the visitor, so
// it must never carry internal error detail.
func WriteFailure(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	failurePage.Execute(w, struct {
		Title   string
		Message string
	}{
		Title:   http.StatusText(code),
		Message: msg,
	})
}
