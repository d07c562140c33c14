package proxy

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"mercator-hq/warden/pkg/enforcement"
)

// BlockedMessage is the error string of every policy rejection.
const BlockedMessage = "Request blocked by policy"

// BlockResponse is the JSON body returned for a blocked request.
type BlockResponse struct {
	Error     string `json:"error"`
	Policy    string `json:"policy"`
	Reason    string `json:"reason"`
	Mode      string `json:"mode"`
	RequestID string `json:"request_id"`
}

// ErrorResponse is the JSON body of every other gateway-generated error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Host      string `json:"host,omitempty"`
	RequestID string `json:"request_id"`
}

type blockPage struct {
	Title     string
	Policy    string
	Reason    string
	Message   string
	RequestID string
	Timestamp string
	Override  bool
}

var blockPageTemplate = template.Must(template.New("block").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#f5f5f5;color:#222;margin:0}
main{max-width:36rem;margin:4rem auto;background:#fff;padding:2rem;border-radius:8px;box-shadow:0 1px 4px rgba(0,0,0,.1)}
h1{margin-top:0;color:#b00020}
dt{font-weight:600;margin-top:.75rem}
dd{margin:0}
.message{background:#fff4e5;padding:.75rem;border-radius:4px}
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{if .Message}}<p class="message">{{.Message}}</p>{{end}}
<dl>
<dt>Policy</dt><dd>{{.Policy}}</dd>
<dt>Reason</dt><dd>{{.Reason}}</dd>
<dt>Time</dt><dd>{{.Timestamp}}</dd>
<dt>Request ID</dt><dd><code>{{.RequestID}}</code></dd>
</dl>
{{if .Override}}
<form method="post" action="` + OverridePath + `">
<input type="hidden" name="target" value="{{.Policy}}">
<label>Override password <input type="password" name="password" required></label>
<button type="submit">Request override</button>
</form>
{{end}}
</main>
</body>
</html>
`))

// wantsHTML reports whether the client prefers an HTML page, as a browser
// does.
func wantsHTML(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/html" {
			return true
		}
	}
	return false
}

// writeBlock writes the rejection for a blocked decision.
func (h *Handler) writeBlock(w http.ResponseWriter, r *http.Request, rc RequestContext, d enforcement.Decision) {
	if h.blockPage.IsHTML() && wantsHTML(r) {
		page := blockPage{
			Title:     h.blockPage.Title,
			Policy:    d.Policy,
			Reason:    d.Reason,
			Message:   h.blockPage.Messages[d.Policy],
			RequestID: rc.ID,
			Timestamp: rc.Timestamp.Format(time.DateTime),
			Override:  h.overrideEnabled,
		}
		if page.Title == "" {
			page.Title = "Request Blocked"
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusForbidden)
		if err := blockPageTemplate.Execute(w, page); err != nil {
			h.logger.Warn("failed to render block page", "request_id", rc.ID, "error", err)
		}
		return
	}

	writeJSON(w, http.StatusForbidden, BlockResponse{
		Error:     BlockedMessage,
		Policy:    d.Policy,
		Reason:    d.Reason,
		Mode:      string(d.Mode),
		RequestID: rc.ID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
