package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"mercator-hq/warden/pkg/config"
)

// Forwarder sends an intercepted request to its real destination.
// Implementations must honour ctx for cancellation and deadlines, including
// while the response body is being read.
type Forwarder interface {
	Forward(ctx context.Context, req *http.Request) (*http.Response, error)
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPForwarder forwards requests with a pooled http.Client. Redirects are
// returned to the client rather than followed.
type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder builds a forwarder from the server settings.
func NewHTTPForwarder(cfg *config.ServerConfig) *HTTPForwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &HTTPForwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward sends req and returns the upstream response.
func (f *HTTPForwarder) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f.client.Do(req.WithContext(ctx))
}

// CloseIdleConnections releases pooled upstream connections.
func (f *HTTPForwarder) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// gatewayHeaders identify the client to the gateway and stay on this side.
var gatewayHeaders = []string{
	DeviceIDHeader,
	UserIDHeader,
}

// outboundRequest rebuilds r for the upstream host using the buffered body.
func outboundRequest(ctx context.Context, r *http.Request, body []byte, scheme string) (*http.Request, error) {
	target := fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())

	out, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	for _, h := range gatewayHeaders {
		out.Header.Del(h)
	}
	out.Host = r.Host
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	return out, nil
}

// copyResponseHeaders copies upstream headers to the client response.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, f := range connectionTokens(src) {
		dst.Del(f)
	}
}

func removeHopHeaders(h http.Header) {
	for _, f := range connectionTokens(h) {
		h.Del(f)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func connectionTokens(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
