package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"

	"mercator-hq/warden/pkg/detect"
	"mercator-hq/warden/pkg/proxy/middleware"

	"github.com/google/uuid"
)

const (
	// DeviceIDHeader optionally identifies the client device, usually by MAC.
	DeviceIDHeader = "X-Device-ID"

	// UserIDHeader optionally names the user behind the request.
	UserIDHeader = "X-User-ID"
)

// RequestContext is the immutable snapshot of one intercepted request.
// It is built once per request and only read afterwards.
type RequestContext struct {
	ID              string
	ClientRequestID string

	SourceIP string
	Device   string
	User     string

	// Host is the normalised destination host without port.
	Host   string
	Path   string
	Method string

	// Preview is the truncated, redacted prompt. Set after classification.
	Preview string

	Timestamp time.Time
}

// DeviceKey is the identity used for usage counting and audit ordering.
func (rc RequestContext) DeviceKey() string {
	if rc.Device != "" {
		return rc.Device
	}
	return rc.SourceIP
}

// WithPreview returns a copy of rc carrying preview.
func (rc RequestContext) WithPreview(preview string) RequestContext {
	rc.Preview = preview
	return rc
}

// NewRequestContext captures the identity and destination of r.
func NewRequestContext(r *http.Request, now time.Time) RequestContext {
	id := middleware.GetRequestID(r.Context())
	if id == "" {
		id = uuid.NewString()
	}

	return RequestContext{
		ID:              id,
		ClientRequestID: middleware.GetClientRequestID(r.Context()),
		SourceIP:        sourceIP(r.RemoteAddr),
		Device:          strings.TrimSpace(r.Header.Get(DeviceIDHeader)),
		User:            strings.TrimSpace(r.Header.Get(UserIDHeader)),
		Host:            detect.NormalizeHost(r.Host),
		Path:            r.URL.Path,
		Method:          r.Method,
		Timestamp:       now,
	}
}

func sourceIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
